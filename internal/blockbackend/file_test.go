package blockbackend

import (
	"context"
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hexonxon/vhost-user-go/internal/guestmem"
	"github.com/hexonxon/vhost-user-go/internal/virtioblk"
	"github.com/hexonxon/vhost-user-go/internal/virtqueue"
)

// rig wires a VirtQueue over a flat memory region so descriptor chains can
// be hand-assembled without a real driver, mirroring virtioblk's own test
// style.
type rig struct {
	mem    *guestmem.Map
	region []byte
	vq     *virtqueue.VirtQueue

	descGPA, availGPA, usedGPA uint64
}

func newRig(t *testing.T, qsize uint16) *rig {
	const regionSize = 1 << 20
	mem := guestmem.New(nil)
	buf := make([]byte, regionSize)
	require.NoError(t, mem.AddRegion(guestmem.NewRegionFromBytes(0, false, buf)))

	descGPA := uint64(0)
	availGPA := descGPA + uint64(qsize)*virtqueue.DescSize
	usedGPA := (availGPA + uint64(4+2*qsize) + 3) &^ 3

	r := &rig{mem: mem, region: buf, vq: virtqueue.New(nil), descGPA: descGPA, availGPA: availGPA, usedGPA: usedGPA}
	require.NoError(t, r.vq.Start(qsize, descGPA, availGPA, usedGPA, 0, mem, -1))
	return r
}

func (r *rig) setDesc(id uint16, addr uint64, length uint32, flags, next uint16) {
	off := r.descGPA + uint64(id)*virtqueue.DescSize
	b := r.region[off : off+virtqueue.DescSize]
	binary.LittleEndian.PutUint64(b[0:8], addr)
	binary.LittleEndian.PutUint32(b[8:12], length)
	binary.LittleEndian.PutUint16(b[12:14], flags)
	binary.LittleEndian.PutUint16(b[14:16], next)
}

func (r *rig) publish(slot, descID uint16) {
	off := r.availGPA + 4 + uint64(slot)*2
	binary.LittleEndian.PutUint16(r.region[off:off+2], descID)
}

func (r *rig) setAvailIdx(idx uint16) {
	binary.LittleEndian.PutUint16(r.region[r.availGPA+2:r.availGPA+4], idx)
}

func (r *rig) writeHeader(gpa uint64, reqType virtioblk.Type, sector uint64) {
	const hdrSize = 16
	b := r.region[gpa : gpa+hdrSize]
	binary.LittleEndian.PutUint32(b[0:4], uint32(reqType))
	binary.LittleEndian.PutUint32(b[4:8], 0)
	binary.LittleEndian.PutUint64(b[8:16], sector)
}

func newBackedDevice(t *testing.T, totalSectors uint64, readonly, writeback bool) (*virtioblk.Device, *FileBackend) {
	dev, err := virtioblk.New(nil, totalSectors, 512, readonly, writeback)
	require.NoError(t, err)

	f, err := os.CreateTemp("", "blockbackend-*.img")
	require.NoError(t, err)
	path := f.Name()
	require.NoError(t, f.Close())
	t.Cleanup(func() { _ = os.Remove(path) })

	backend, err := Open(nil, path, dev, true, readonly)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	return dev, backend
}

func TestWriteThenRead_RoundTrips(t *testing.T) {
	dev, backend := newBackedDevice(t, 64, false, true)
	r := newRig(t, 16)

	writePayload := make([]byte, 512)
	for i := range writePayload {
		writePayload[i] = byte(i)
	}

	hdrGPA, dataGPA, statusGPA := uint64(0x1000), uint64(0x2000), uint64(0x3000)
	copy(r.region[dataGPA:dataGPA+512], writePayload)

	r.writeHeader(hdrGPA, virtioblk.TypeOut, 3)
	r.setDesc(0, hdrGPA, 16, virtqueue.DescFlagNext, 1)
	r.setDesc(1, dataGPA, 512, virtqueue.DescFlagNext, 2)
	r.setDesc(2, statusGPA, 1, virtqueue.DescFlagWrite, 0)
	r.publish(0, 0)
	r.setAvailIdx(1)

	bio, err := backend.Dequeue(context.Background(), dev, r.vq)
	require.NoError(t, err)
	require.NotNil(t, bio)
	backend.Complete(bio, virtioblk.StatusOK)
	require.Equal(t, byte(0), r.region[statusGPA])
	require.Equal(t, uint(1), backend.WrittenBlocks())

	readGPA := uint64(0x4000)
	r.writeHeader(hdrGPA, virtioblk.TypeIn, 3)
	r.setDesc(3, hdrGPA, 16, virtqueue.DescFlagNext, 4)
	r.setDesc(4, readGPA, 512, virtqueue.DescFlagNext|virtqueue.DescFlagWrite, 5)
	r.setDesc(5, statusGPA, 1, virtqueue.DescFlagWrite, 0)
	r.publish(1, 3)
	r.setAvailIdx(2)

	bio2, err := backend.Dequeue(context.Background(), dev, r.vq)
	require.NoError(t, err)
	require.NotNil(t, bio2)
	backend.Complete(bio2, virtioblk.StatusOK)

	require.Equal(t, writePayload, r.region[readGPA:readGPA+512])
}

func TestFlush_CallsFlushWithoutError(t *testing.T) {
	dev, backend := newBackedDevice(t, 16, false, true)
	r := newRig(t, 16)

	hdrGPA, statusGPA := uint64(0x1000), uint64(0x2000)
	r.writeHeader(hdrGPA, virtioblk.TypeFlush, 0)
	r.setDesc(0, hdrGPA, 16, virtqueue.DescFlagNext, 1)
	r.setDesc(1, statusGPA, 1, virtqueue.DescFlagWrite, 0)
	r.publish(0, 0)
	r.setAvailIdx(1)

	bio, err := backend.Dequeue(context.Background(), dev, r.vq)
	require.NoError(t, err)
	require.NotNil(t, bio)

	backend.Complete(bio, virtioblk.StatusOK)
	require.Equal(t, byte(virtioblk.StatusOK), r.region[statusGPA])
}

func TestOpen_RejectsShortExistingFile(t *testing.T) {
	dev, err := virtioblk.New(nil, 1024, 512, false, false)
	require.NoError(t, err)

	f, err := os.CreateTemp("", "blockbackend-short-*.img")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(1024)) // far smaller than 1024 sectors * 512
	path := f.Name()
	require.NoError(t, f.Close())
	t.Cleanup(func() { _ = os.Remove(path) })

	_, err = Open(nil, path, dev, false, false)
	require.ErrorIs(t, err, ErrShortFile)
}

func TestDequeue_RespectsCanceledContext(t *testing.T) {
	dev, backend := newBackedDevice(t, 16, false, false)
	r := newRig(t, 16)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	bio, err := backend.Dequeue(ctx, dev, r.vq)
	require.Error(t, err)
	require.Nil(t, bio)
}
