// Command vhost-blk-server hosts one virtio-blk device over vhost-user on
// a UNIX socket, backed by a regular file. It mirrors the orchestrator
// binary's shutdown shape — signal.NotifyContext plus an errgroup — scaled
// down to the single reactor goroutine this backend actually runs on.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hexonxon/vhost-user-go/internal/blockbackend"
	"github.com/hexonxon/vhost-user-go/internal/cfg"
	"github.com/hexonxon/vhost-user-go/internal/logging"
	"github.com/hexonxon/vhost-user-go/internal/reactor"
	"github.com/hexonxon/vhost-user-go/internal/vdev"
	"github.com/hexonxon/vhost-user-go/internal/virtioblk"
	"github.com/hexonxon/vhost-user-go/internal/vhostuser"
	"github.com/hexonxon/vhost-user-go/internal/virtqueue"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("vhost-blk-server: %v", err)
	}
}

func run() error {
	config, err := cfg.Parse()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.Options{Development: config.IsDevelopment, Debug: config.IsDebug})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig, sigCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer sigCancel()

	r, err := reactor.New(logger)
	if err != nil {
		return fmt.Errorf("build reactor: %w", err)
	}

	blkDev, err := virtioblk.New(logger, config.TotalSectors, config.BlockSize, config.Readonly, config.Writeback)
	if err != nil {
		return fmt.Errorf("build virtio-blk device: %w", err)
	}

	backend, err := blockbackend.Open(logger, config.BackingFilePath, blkDev, config.CreateBackingFile, config.Readonly)
	if err != nil {
		return fmt.Errorf("open backing file %q: %w", config.BackingFilePath, err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("error closing backing file", zap.Error(err))
		}
	}()

	srv, err := vhostuser.NewServer(logger, r, config.SocketPath, func() (vdev.Device, vdev.EventHandler, int) {
		return blkDev, drainHandler(logger, backend, blkDev), config.NumQueues
	})
	if err != nil {
		return fmt.Errorf("listen on %q: %w", config.SocketPath, err)
	}

	logger.Info("vhost-blk-server listening",
		zap.String("socket", config.SocketPath),
		zap.String("backing_file", config.BackingFilePath),
		zap.Uint64("total_sectors", config.TotalSectors),
	)

	var g errgroup.Group
	serviceErr := make(chan error, 1)

	g.Go(func() error {
		err := r.Run()
		if err != nil {
			serviceErr <- err
		}
		return err
	})

	reactorExited := false
	select {
	case <-sig.Done():
		logger.Info("shutdown signal received")
	case err := <-serviceErr:
		logger.Error("reactor loop exited", zap.Error(err))
		reactorExited = true
	}

	cancel()
	sigCancel()

	if err := srv.Close(); err != nil {
		logger.Warn("error during shutdown", zap.Error(err))
	}
	if err := r.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		logger.Warn("error closing reactor", zap.Error(err))
	}

	// Closing the epoll fd above does not wake an epoll_wait already blocked
	// on it, so after a shutdown signal r.Run is still blocked and its
	// goroutine ends with the process. Wait only reaps the goroutine when it
	// has already returned with the error read from serviceErr.
	if reactorExited {
		_ = g.Wait()
	}

	return nil
}

// drainHandler builds the per-kick callback the reactor invokes once a
// vring has a pending request: it drains every request currently
// available on vq, executing each synchronously against backend before
// moving to the next, matching the single-threaded dequeue/complete loop
// the reactor design assumes (no concurrent I/O in flight per kick).
func drainHandler(log *zap.Logger, backend *blockbackend.FileBackend, dev *virtioblk.Device) vdev.EventHandlerFunc {
	return func(_ vdev.Device, vq *virtqueue.VirtQueue) error {
		for {
			bio, err := backend.Dequeue(context.Background(), dev, vq)
			if err != nil {
				return fmt.Errorf("dequeue: %w", err)
			}
			if bio == nil {
				return nil
			}
			backend.Complete(bio, virtioblk.StatusOK)
		}
	}
}
