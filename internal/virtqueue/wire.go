package virtqueue

import "encoding/binary"

// Split-ring layout per virtio 1.0 §2.4. Wire values are little-endian;
// parsing here mirrors the byte-oriented header decoding style used for
// NBD request/response framing in the teacher codebase rather than
// reinterpreting guest memory through unsafe pointer casts.

const (
	// DescSize is the size in bytes of one virtq_desc entry.
	DescSize = 16

	// DescFlagNext marks a descriptor as continuing via Next.
	DescFlagNext = 1
	// DescFlagWrite marks a descriptor as device-write-only.
	DescFlagWrite = 2
	// DescFlagIndirect marks a descriptor's buffer as an indirect table.
	DescFlagIndirect = 4
)

// MaxQueueSize is the largest permitted queue size, per virtio 1.0 §2.4.
const MaxQueueSize = 32768

// InvalidDescID is the iterator's end-of-chain sentinel.
const InvalidDescID = MaxQueueSize

// Desc is one descriptor-table entry.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func readDesc(tbl []byte, idx uint16) Desc {
	off := int(idx) * DescSize
	b := tbl[off : off+DescSize]
	return Desc{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}
}

// availRingLen returns the number of bytes of the avail ring this backend
// reads: the flags/idx header plus qsize ring entries. The trailing
// used_event field (only meaningful with VIRTIO_F_EVENT_IDX, which this
// backend does not negotiate) is deliberately not included.
func availRingLen(qsize uint16) int {
	return 4 + 2*int(qsize)
}

func usedRingLen(qsize uint16) int {
	return 4 + 8*int(qsize)
}

func availIdx(avail []byte) uint16 {
	return binary.LittleEndian.Uint16(avail[2:4])
}

func availRingAt(avail []byte, i uint16) uint16 {
	off := 4 + int(i)*2
	return binary.LittleEndian.Uint16(avail[off : off+2])
}

func usedIdx(used []byte) uint16 {
	return binary.LittleEndian.Uint16(used[2:4])
}

func setUsedIdx(used []byte, idx uint16) {
	binary.LittleEndian.PutUint16(used[2:4], idx)
}

func setUsedElem(used []byte, slot uint16, id uint32, length uint32) {
	off := 4 + int(slot)*8
	binary.LittleEndian.PutUint32(used[off:off+4], id)
	binary.LittleEndian.PutUint32(used[off+4:off+8], length)
}
