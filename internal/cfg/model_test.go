package cfg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	c, err := Parse()
	require.NoError(t, err)
	require.Equal(t, "/tmp/vhost-blk.sock", c.SocketPath)
	require.Equal(t, uint32(512), c.BlockSize)
	require.True(t, c.Writeback)
	require.False(t, c.Readonly)
}

func TestParse_OverridesFromEnv(t *testing.T) {
	t.Setenv("VHOST_SOCKET_PATH", "/run/my.sock")
	t.Setenv("VHOST_READONLY", "true")
	t.Setenv("VHOST_TOTAL_SECTORS", "1024")

	c, err := Parse()
	require.NoError(t, err)
	require.Equal(t, "/run/my.sock", c.SocketPath)
	require.True(t, c.Readonly)
	require.Equal(t, uint64(1024), c.TotalSectors)
}
