package vhostuser

import (
	"io"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeDevice is a minimal vdev.Device for exercising the control plane
// without pulling in virtioblk.
type fakeDevice struct {
	supported  uint64
	negotiated uint64
	rejectSet  bool
	config     []byte
}

func (f *fakeDevice) SupportedFeatures() uint64 { return f.supported }

func (f *fakeDevice) SetNegotiatedFeatures(features uint64) error {
	if f.rejectSet {
		return errRejected
	}
	f.negotiated = features
	return nil
}

func (f *fakeDevice) ConfigSize() uint32 { return uint32(len(f.config)) }

func (f *fakeDevice) GetConfig(out []byte) { copy(out, f.config) }

var errRejected = &rejectErr{}

type rejectErr struct{}

func (*rejectErr) Error() string { return "rejected" }

func socketPair(t *testing.T) (*Conn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	f0 := os.NewFile(uintptr(fds[0]), "side0")
	f1 := os.NewFile(uintptr(fds[1]), "side1")

	c0, err := net.FileConn(f0)
	require.NoError(t, err)
	_ = f0.Close()
	c1, err := net.FileConn(f1)
	require.NoError(t, err)
	_ = f1.Close()

	uc0 := c0.(*net.UnixConn)
	uc1 := c1.(*net.UnixConn)
	t.Cleanup(func() { _ = uc0.Close(); _ = uc1.Close() })

	return NewConn(uc0), uc1
}

func newTestDev(t *testing.T, dev *fakeDevice) (*VhostDev, *net.UnixConn) {
	conn, other := socketPair(t)
	d := New(nil, dev, nil, nil, 2)
	d.Attach(conn)
	return d, other
}

func sendRaw(t *testing.T, uc *net.UnixConn, hdr Header, payload []byte) {
	t.Helper()
	hdrBuf := make([]byte, HeaderSize)
	hdr.Size = uint32(len(payload))
	hdr.Encode(hdrBuf)
	_, err := uc.Write(append(hdrBuf, payload...))
	require.NoError(t, err)
}

func recvRaw(t *testing.T, uc *net.UnixConn) (Header, []byte) {
	t.Helper()
	hdrBuf := make([]byte, HeaderSize)
	_, err := io.ReadFull(uc, hdrBuf)
	require.NoError(t, err)
	hdr := DecodeHeader(hdrBuf)
	payload := make([]byte, hdr.Size)
	if hdr.Size > 0 {
		_, err = io.ReadFull(uc, payload)
		require.NoError(t, err)
	}
	return hdr, payload
}

func TestDispatch_GetFeatures(t *testing.T) {
	dev := &fakeDevice{supported: 1 << 10}
	d, other := newTestDev(t, dev)

	sendRaw(t, other, Header{Request: ReqGetFeatures, Flags: flagVersion}, nil)
	require.NoError(t, d.ServeOne())

	_, payload := recvRaw(t, other)
	got := DecodeU64Payload(payload)
	require.Equal(t, uint64(1)<<10|SupportedFeatures, got)
}

func TestDispatch_SetFeatures_RejectsUnoffered(t *testing.T) {
	dev := &fakeDevice{supported: 1 << 10}
	d, other := newTestDev(t, dev)

	payload := EncodeU64Payload(1 << 20)
	sendRaw(t, other, Header{Request: ReqSetFeatures, Flags: flagVersion}, payload)
	err := d.ServeOne()
	require.Error(t, err)
	require.Equal(t, StateClosed, d.state)
}

func TestSetOwner_RejectsDuplicate(t *testing.T) {
	dev := &fakeDevice{}
	d, other := newTestDev(t, dev)

	sendRaw(t, other, Header{Request: ReqSetOwner, Flags: flagVersion}, nil)
	require.NoError(t, d.ServeOne())
	require.Equal(t, StateOwned, d.state)

	sendRaw(t, other, Header{Request: ReqSetOwner, Flags: flagVersion}, nil)
	require.Error(t, d.ServeOne())
}

func TestResetOwner_IsANoOp(t *testing.T) {
	dev := &fakeDevice{}
	d, other := newTestDev(t, dev)

	sendRaw(t, other, Header{Request: ReqSetOwner, Flags: flagVersion}, nil)
	require.NoError(t, d.ServeOne())
	require.Equal(t, StateOwned, d.state)

	regions := []MemRegion{{GuestAddr: 0, Size: 4096, UserAddr: 0x1000, MmapOffset: 0}}
	good := mustTempFile(t, 4096)
	_, _, _, err := roundtripThroughDispatch(t, d, ReqSetMemTable, encodeMemRegions(regions), []int{dupFD(t, good)})
	require.NoError(t, err)
	require.Equal(t, 1, d.mem.NumRegions())

	sendRaw(t, other, Header{Request: ReqResetOwner, Flags: flagVersion}, nil)
	require.NoError(t, d.ServeOne())

	require.Equal(t, StateOwned, d.state)
	require.Equal(t, 1, d.mem.NumRegions())
}

func TestGetProtocolFeatures(t *testing.T) {
	dev := &fakeDevice{}
	d, other := newTestDev(t, dev)

	sendRaw(t, other, Header{Request: ReqGetProtocolFeatures, Flags: flagVersion}, nil)
	require.NoError(t, d.ServeOne())

	_, payload := recvRaw(t, other)
	require.Equal(t, SupportedProtocolFeatures, DecodeU64Payload(payload))
}

func TestSetProtocolFeatures_RejectsUnoffered(t *testing.T) {
	dev := &fakeDevice{}
	d, other := newTestDev(t, dev)

	payload := EncodeU64Payload(uint64(1) << 62)
	sendRaw(t, other, Header{Request: ReqSetProtocolFeatures, Flags: flagVersion}, payload)
	require.Error(t, d.ServeOne())
}

func TestSetVringEnable_Records(t *testing.T) {
	dev := &fakeDevice{}
	d, other := newTestDev(t, dev)

	payload := VringStatePayload{Index: 0, Num: 1}.Encode()
	sendRaw(t, other, Header{Request: ReqSetVringEnable, Flags: flagVersion}, payload)
	require.NoError(t, d.ServeOne())
	require.True(t, d.vrings[0].Enabled())
}

func TestGetConfig_RejectsOutOfBounds(t *testing.T) {
	dev := &fakeDevice{config: []byte{1, 2, 3, 4}}
	d, other := newTestDev(t, dev)

	payload := ConfigPayload{Offset: 0, Size: 8}.Encode()
	sendRaw(t, other, Header{Request: ReqGetConfig, Flags: flagVersion | FlagNeedReply}, payload)
	require.NoError(t, d.ServeOne())

	hdr, respPayload := recvRaw(t, other)
	require.True(t, hdr.IsReply())
	require.Equal(t, negErrno(unix.ENOTSUP), DecodeU64Payload(respPayload))
}

func TestGetConfig_ReturnsSlice(t *testing.T) {
	dev := &fakeDevice{config: []byte{1, 2, 3, 4}}
	d, other := newTestDev(t, dev)

	payload := ConfigPayload{Offset: 1, Size: 2}.Encode()
	sendRaw(t, other, Header{Request: ReqGetConfig, Flags: flagVersion}, payload)
	require.NoError(t, d.ServeOne())

	_, respPayload := recvRaw(t, other)
	got := DecodeConfig(respPayload)
	require.Equal(t, []byte{2, 3}, got.Payload)
}

func TestUnsupportedOpcode_RepliesENOTSUPWithoutResetting(t *testing.T) {
	dev := &fakeDevice{}
	d, other := newTestDev(t, dev)
	d.state = StateOwned

	sendRaw(t, other, Header{Request: ReqSetLogBase, Flags: flagVersion | FlagNeedReply}, EncodeU64Payload(0))
	require.NoError(t, d.ServeOne())
	require.Equal(t, StateOwned, d.state)

	_, respPayload := recvRaw(t, other)
	require.Equal(t, negErrno(unix.ENOTSUP), DecodeU64Payload(respPayload))
}

func TestUnknownOpcode_Resets(t *testing.T) {
	dev := &fakeDevice{}
	d, other := newTestDev(t, dev)
	d.state = StateOwned

	sendRaw(t, other, Header{Request: 9999, Flags: flagVersion}, nil)
	require.Error(t, d.ServeOne())
	require.Equal(t, StateClosed, d.state)
}

func TestSetMemTable_InstallAndRollback(t *testing.T) {
	dev := &fakeDevice{}
	d, _ := newTestDev(t, dev)

	good := mustTempFile(t, 4096)
	const badFD = 99999 // never a live fd in this process, so mmap on it deterministically fails

	regions := []MemRegion{
		{GuestAddr: 0, Size: 4096, UserAddr: 0x1000, MmapOffset: 0},
		{GuestAddr: 4096, Size: 4096, UserAddr: 0x2000, MmapOffset: 0},
	}
	payload := encodeMemRegions(regions)

	hdr, payload2, fds, err := roundtripThroughDispatch(t, d, ReqSetMemTable, payload, []int{dupFD(t, good), badFD})
	_ = hdr
	_ = payload2
	_ = fds
	require.Error(t, err)
	require.Equal(t, 0, d.mem.NumRegions())
}

// --- helpers ---

func mustTempFile(t *testing.T, size int64) *os.File {
	t.Helper()
	f, err := os.CreateTemp("", "vhostuser-memtable-*")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	t.Cleanup(func() { _ = os.Remove(f.Name()) })
	return f
}

func dupFD(t *testing.T, f *os.File) int {
	t.Helper()
	newFD, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(newFD) })
	return newFD
}

func encodeMemRegions(regions []MemRegion) []byte {
	b := make([]byte, 8+len(regions)*memRegionSize)
	putU32(b[0:4], uint32(len(regions)))
	for i, r := range regions {
		off := 8 + i*memRegionSize
		putU64(b[off:off+8], r.GuestAddr)
		putU64(b[off+8:off+16], r.Size)
		putU64(b[off+16:off+24], r.UserAddr)
		putU64(b[off+24:off+32], r.MmapOffset)
	}
	return b
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// roundtripThroughDispatch calls dispatch directly with a synthetic fd set,
// since handleSetMemTable's fd consumption can't be driven through a real
// SCM_RIGHTS round trip within a single-process test without a second
// socketpair leg; dispatch is exercised directly with the header/payload/
// fds triple it would have received from Conn.RecvMessage.
func roundtripThroughDispatch(t *testing.T, d *VhostDev, req uint32, payload []byte, fds []int) (Header, []byte, []int, error) {
	t.Helper()
	hdr := Header{Request: req, Flags: flagVersion, Size: uint32(len(payload))}
	err := d.dispatch(hdr, payload, fds)
	return hdr, payload, fds, err
}
