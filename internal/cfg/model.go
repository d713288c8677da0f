// Package cfg defines this process's environment-driven configuration.
package cfg

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is the full set of environment variables the server reads at
// startup. There is no config file and no flags: every knob is an env var,
// matching the rest of this codebase's deployment convention.
type Config struct {
	// SocketPath is where the vhost-user UNIX socket is created. The
	// process refuses to start if this path already exists.
	SocketPath string `env:"VHOST_SOCKET_PATH" envDefault:"/tmp/vhost-blk.sock"`

	// BackingFilePath is the regular file backing the virtio-blk device.
	BackingFilePath string `env:"VHOST_BACKING_FILE" envDefault:"/tmp/vhost-blk.img"`
	// CreateBackingFile truncates BackingFilePath to the configured
	// capacity if set, instead of requiring it to pre-exist at that size.
	CreateBackingFile bool `env:"VHOST_CREATE_BACKING_FILE" envDefault:"true"`

	// TotalSectors is the device's capacity in 512-byte sectors.
	TotalSectors uint64 `env:"VHOST_TOTAL_SECTORS" envDefault:"2097152"` // 1 GiB
	// BlockSize is the device's block_size in bytes; must be a positive
	// multiple of 512.
	BlockSize uint32 `env:"VHOST_BLOCK_SIZE" envDefault:"512"`
	// Readonly advertises BLK_F_RO and rejects write requests.
	Readonly bool `env:"VHOST_READONLY" envDefault:"false"`
	// Writeback advertises BLK_F_FLUSH.
	Writeback bool `env:"VHOST_WRITEBACK" envDefault:"true"`

	// NumQueues is the number of virtqueues the device exposes.
	NumQueues int `env:"VHOST_NUM_QUEUES" envDefault:"1"`

	// IsDevelopment switches the logger to zap's human-readable console
	// encoding instead of JSON.
	IsDevelopment bool `env:"VHOST_DEV_LOGS" envDefault:"false"`
	// IsDebug lowers the logger's minimum level to debug.
	IsDebug bool `env:"VHOST_DEBUG" envDefault:"false"`
}

// Parse reads Config from the process environment.
func Parse() (Config, error) {
	c, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("cfg: parse environment: %w", err)
	}
	return c, nil
}
