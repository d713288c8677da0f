package virtqueue

import (
	"encoding/binary"

	"github.com/hexonxon/vhost-user-go/internal/guestmem"
)

// testQueue wires a VirtQueue on top of a single flat, fully-writable
// memory region, mirroring the reference test suite's vq_alloc helper.
type testQueue struct {
	mem    *guestmem.Map
	region []byte
	vq     *VirtQueue

	descGPA, availGPA, usedGPA uint64
	qsize                      uint16
}

func newTestQueue(qsize uint16) *testQueue {
	const regionSize = 1 << 24
	mem := guestmem.New(nil)

	// AddRegion backed by a plain slice, as in guestmem's own tests.
	buf := make([]byte, regionSize)
	region := guestmem.NewRegionFromBytes(0, false, buf)
	if err := mem.AddRegion(region); err != nil {
		panic(err)
	}

	descGPA := uint64(0)
	availGPA := descGPA + uint64(qsize)*DescSize
	// Align avail ring end up to 4 for the used ring.
	usedGPA := (availGPA + uint64(availRingLen(qsize)) + 3) &^ 3

	tq := &testQueue{
		mem:      mem,
		region:   buf,
		vq:       New(nil),
		descGPA:  descGPA,
		availGPA: availGPA,
		usedGPA:  usedGPA,
		qsize:    qsize,
	}
	return tq
}

func (tq *testQueue) start(availBase uint16) error {
	return tq.vq.Start(tq.qsize, tq.descGPA, tq.availGPA, tq.usedGPA, availBase, tq.mem, -1)
}

func (tq *testQueue) descBytes(id uint16) []byte {
	off := tq.descGPA + uint64(id)*DescSize
	return tq.region[off : off+DescSize]
}

func (tq *testQueue) setDesc(id uint16, addr uint64, length uint32, flags, next uint16) {
	b := tq.descBytes(id)
	binary.LittleEndian.PutUint64(b[0:8], addr)
	binary.LittleEndian.PutUint32(b[8:12], length)
	binary.LittleEndian.PutUint16(b[12:14], flags)
	binary.LittleEndian.PutUint16(b[14:16], next)
}

func (tq *testQueue) setAvailIdx(idx uint16) {
	binary.LittleEndian.PutUint16(tq.region[tq.availGPA+2:tq.availGPA+4], idx)
}

func (tq *testQueue) publishAvail(slot uint16, descID uint16) {
	off := tq.availGPA + 4 + uint64(slot)*2
	binary.LittleEndian.PutUint16(tq.region[off:off+2], descID)
}

func (tq *testQueue) usedIdx() uint16 {
	return binary.LittleEndian.Uint16(tq.region[tq.usedGPA+2 : tq.usedGPA+4])
}

func (tq *testQueue) usedElem(slot uint16) (id, length uint32) {
	off := tq.usedGPA + 4 + uint64(slot)*8
	return binary.LittleEndian.Uint32(tq.region[off : off+4]), binary.LittleEndian.Uint32(tq.region[off+4 : off+8])
}

// allocIndirectTable returns a setter that writes entry i of an indirect
// table placed at gpa in the test region.
func (tq *testQueue) allocIndirectTable(gpa uint64, entries uint16) func(i uint16, addr uint64, length uint32, flags, next uint16) {
	return func(i uint16, addr uint64, length uint32, flags, next uint16) {
		off := gpa + uint64(i)*DescSize
		b := tq.region[off : off+DescSize]
		binary.LittleEndian.PutUint64(b[0:8], addr)
		binary.LittleEndian.PutUint32(b[8:12], length)
		binary.LittleEndian.PutUint16(b[12:14], flags)
		binary.LittleEndian.PutUint16(b[14:16], next)
	}
}
