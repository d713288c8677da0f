// Package blockbackend implements a storage backend for the virtio-blk
// parser: a regular file, mmap'd whole, read and written directly through
// descriptor-chain buffers. It is supplemental to the core control/data
// plane — the wire protocol says nothing about where bytes actually live,
// only that something answers dequeue/complete.
package blockbackend

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/bits-and-blooms/bitset"
	mmap "github.com/edsrzf/mmap-go"
	"go.uber.org/zap"

	"github.com/hexonxon/vhost-user-go/internal/virtioblk"
	"github.com/hexonxon/vhost-user-go/internal/virtqueue"
)

// ErrShortFile is returned by Open when the backing file is smaller than
// the device geometry it is meant to back.
var ErrShortFile = errors.New("blockbackend: backing file smaller than device capacity")

// FileBackend serves virtio-blk requests against a regular file mapped
// once for the backend's lifetime, scoped to exactly one virtioblk.Device.
// Writes are tracked in a bitset keyed by block_size-sized block index,
// for diagnostics and future incremental-sync tooling — it carries no
// correctness weight on its own.
type FileBackend struct {
	log *zap.Logger
	dev *virtioblk.Device

	f  *os.File
	mm mmap.MMap

	blockSize uint32
	written   *bitset.BitSet
}

// Open maps path (created if createFile is set) for dev's geometry.
func Open(log *zap.Logger, path string, dev *virtioblk.Device, createFile, readonly bool) (*FileBackend, error) {
	if log == nil {
		log = zap.NewNop()
	}

	size := int64(dev.TotalSectors()) * int64(virtioblk.SectorSize)

	flags := os.O_RDWR
	if createFile {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockbackend: open %s: %w", path, err)
	}

	if createFile {
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("blockbackend: truncate %s to %d bytes: %w", path, size, err)
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("blockbackend: stat %s: %w", path, err)
		}
		if info.Size() < size {
			_ = f.Close()
			return nil, fmt.Errorf("%w: %s is %d bytes, need %d", ErrShortFile, path, info.Size(), size)
		}
	}

	prot := mmap.RDWR
	if readonly {
		prot = mmap.RDONLY
	}
	mm, err := mmap.MapRegion(f, int(size), prot, 0, 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("blockbackend: mmap %s: %w", path, err)
	}

	blockSize := dev.BlockSize()
	numBlocks := uint(size) / uint(blockSize)
	return &FileBackend{
		log:       log,
		dev:       dev,
		f:         f,
		mm:        mm,
		blockSize: blockSize,
		written:   bitset.New(numBlocks),
	}, nil
}

// Close flushes and unmaps the backing file.
func (b *FileBackend) Close() error {
	return errors.Join(b.mm.Flush(), b.mm.Unmap(), b.f.Close())
}

// Dequeue pulls the next validated request off vq. ctx is only checked at
// the dequeue boundary: this backend never blocks, so cancellation past
// this point has nothing to interrupt.
func (b *FileBackend) Dequeue(ctx context.Context, dev *virtioblk.Device, vq *virtqueue.VirtQueue) (*virtioblk.BlkIoRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return dev.Dequeue(vq)
}

// Complete executes bio against the mapped file and publishes the
// completion through the device that produced it. status is the caller's
// verdict going in — StatusIOErr short-circuits execution (the caller
// already decided this request cannot succeed) — and may be downgraded
// from StatusOK to StatusIOErr if the mapped I/O itself fails.
func (b *FileBackend) Complete(bio *virtioblk.BlkIoRequest, status virtioblk.Status) {
	if status == virtioblk.StatusOK {
		status = b.execute(bio)
	}
	b.dev.Complete(bio, status)
}

func (b *FileBackend) execute(bio *virtioblk.BlkIoRequest) virtioblk.Status {
	switch bio.Type {
	case virtioblk.TypeIn:
		return b.readInto(bio)
	case virtioblk.TypeOut:
		return b.writeFrom(bio)
	case virtioblk.TypeFlush:
		if err := b.mm.Flush(); err != nil {
			b.log.Warn("blockbackend: flush failed", zap.String("bio", bio.ID), zap.Error(err))
			return virtioblk.StatusIOErr
		}
		return virtioblk.StatusOK
	default:
		return virtioblk.StatusIOErr
	}
}

func (b *FileBackend) readInto(bio *virtioblk.BlkIoRequest) virtioblk.Status {
	off := bio.Sector * virtioblk.SectorSize
	for _, vec := range bio.Vecs {
		end := off + uint64(len(vec.Bytes))
		if end > uint64(len(b.mm)) {
			b.log.Warn("blockbackend: read past backing file", zap.String("bio", bio.ID))
			return virtioblk.StatusIOErr
		}
		copy(vec.Bytes, b.mm[off:end])
		off = end
	}
	return virtioblk.StatusOK
}

func (b *FileBackend) writeFrom(bio *virtioblk.BlkIoRequest) virtioblk.Status {
	off := bio.Sector * virtioblk.SectorSize
	for _, vec := range bio.Vecs {
		end := off + uint64(len(vec.Bytes))
		if end > uint64(len(b.mm)) {
			b.log.Warn("blockbackend: write past backing file", zap.String("bio", bio.ID))
			return virtioblk.StatusIOErr
		}
		copy(b.mm[off:end], vec.Bytes)
		b.markWritten(off, end)
		off = end
	}
	return virtioblk.StatusOK
}

func (b *FileBackend) markWritten(start, end uint64) {
	first := start / uint64(b.blockSize)
	last := (end - 1) / uint64(b.blockSize)
	for idx := first; idx <= last; idx++ {
		b.written.Set(uint(idx))
	}
}

// WrittenBlocks reports how many block_size-sized blocks have been
// written at least once since Open, for diagnostics.
func (b *FileBackend) WrittenBlocks() uint {
	return b.written.Count()
}
