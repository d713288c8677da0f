package vhostuser

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hexonxon/vhost-user-go/internal/reactor"
	"github.com/hexonxon/vhost-user-go/internal/vdev"
)

func TestServer_AcceptsAndServesOneMessage(t *testing.T) {
	r, err := reactor.New(nil)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	sockPath := filepath.Join(t.TempDir(), "vhost.sock")
	dev := &fakeDevice{supported: 1 << 3}

	srv, err := NewServer(nil, r, sockPath, func() (vdev.Device, vdev.EventHandler, int) {
		return dev, nil, 1
	})
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	client, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	uc := client.(*net.UnixConn)

	sendRaw(t, uc, Header{Request: ReqGetFeatures, Flags: flagVersion}, nil)

	// First pass accepts the connection and registers its fd; the reply
	// isn't readable yet since the register happens after this
	// epoll_wait batch already returned.
	require.NoError(t, r.RunOnce())
	require.Len(t, srv.devices, 1)

	// Second pass delivers the already-queued GET_FEATURES read and
	// replies.
	require.NoError(t, r.RunOnce())

	_, payload := recvRaw(t, uc)
	require.Equal(t, uint64(1)<<3|SupportedFeatures, DecodeU64Payload(payload))
}

func TestServer_RejectsSecondConnectionWhileOneActive(t *testing.T) {
	r, err := reactor.New(nil)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	sockPath := filepath.Join(t.TempDir(), "vhost.sock")

	srv, err := NewServer(nil, r, sockPath, func() (vdev.Device, vdev.EventHandler, int) {
		return &fakeDevice{}, nil, 1
	})
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	first, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer func() { _ = first.Close() }()

	require.NoError(t, r.RunOnce())
	require.Len(t, srv.devices, 1)

	second, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	require.NoError(t, r.RunOnce())
	require.Len(t, srv.devices, 1)

	buf := make([]byte, 1)
	_, err = second.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestServer_RejectsExistingRegularFile(t *testing.T) {
	r, err := reactor.New(nil)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	regular := filepath.Join(t.TempDir(), "plain-file")
	require.NoError(t, os.WriteFile(regular, []byte("not a socket"), 0o644))

	_, err = NewServer(nil, r, regular, func() (vdev.Device, vdev.EventHandler, int) {
		return &fakeDevice{}, nil, 1
	})
	require.Error(t, err)
}

func TestServer_RejectsExistingLiveSocket(t *testing.T) {
	r, err := reactor.New(nil)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	sockPath := filepath.Join(t.TempDir(), "vhost.sock")

	other, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer func() { _ = other.Close() }()

	_, err = NewServer(nil, r, sockPath, func() (vdev.Device, vdev.EventHandler, int) {
		return &fakeDevice{}, nil, 1
	})
	require.Error(t, err)
}
