// Package virtioblk implements the virtio-blk request parser: feature
// policy, descriptor-chain validation (header/data/status triple), and
// status-byte completion. It is grounded on the reference virtio_blk.c
// dequeue/complete split — one descriptor chain in, one BlkIoRequest out,
// validated against the device's geometry before the storage backend ever
// sees it.
package virtioblk

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hexonxon/vhost-user-go/internal/virtqueue"
)

// Type identifies a block request's operation, matching the standard
// virtio-blk request types.
type Type uint32

const (
	TypeIn      Type = 0 // VIRTIO_BLK_T_IN: read
	TypeOut     Type = 1 // VIRTIO_BLK_T_OUT: write
	TypeFlush   Type = 4 // VIRTIO_BLK_T_FLUSH
	TypeGetID   Type = 8 // VIRTIO_BLK_T_GET_ID
)

// Status is the single byte written back to the guest's status descriptor.
type Status byte

const (
	StatusOK    Status = 0
	StatusIOErr Status = 1
)

// Feature bits, per the virtio-blk specification.
const (
	FeatureRO      = 1 << 5
	FeatureBlkSize = 1 << 6
	FeatureFlush   = 1 << 9
)

// SectorSize is the fixed unit the sector/length fields are expressed in,
// independent of the device's block_size.
const SectorSize = 512

var (
	// ErrBadGeometry is returned by New when block_size or total_sectors is
	// invalid.
	ErrBadGeometry = errors.New("virtioblk: invalid device geometry")
	// ErrUnsupportedFeature is returned by SetNegotiatedFeatures when the
	// driver selected a bit the device never advertised.
	ErrUnsupportedFeature = errors.New("virtioblk: feature bit not offered")
)

// reqHeaderSize is sizeof(struct virtio_blk_req): type + reserved + sector.
const reqHeaderSize = 16

// Config is the subset of virtio_blk_config this device populates.
type Config struct {
	Capacity uint64
	BlkSize  uint32
}

// ConfigSize is sizeof(Config) on the wire.
const ConfigSize = 12

// Device models one virtio-blk device's geometry and feature state.
type Device struct {
	log *zap.Logger

	totalSectors uint64
	blockSize    uint32
	readonly     bool
	writeback    bool

	supportedFeatures  uint64
	negotiatedFeatures uint64
}

// New constructs a virtio-blk device. blockSize must be a positive multiple
// of 512; totalSectors must be positive.
func New(log *zap.Logger, totalSectors uint64, blockSize uint32, readonly, writeback bool) (*Device, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if blockSize == 0 || blockSize%SectorSize != 0 {
		return nil, fmt.Errorf("%w: block_size=%d", ErrBadGeometry, blockSize)
	}
	if totalSectors == 0 {
		return nil, fmt.Errorf("%w: total_sectors=0", ErrBadGeometry)
	}

	d := &Device{
		log:          log,
		totalSectors: totalSectors,
		blockSize:    blockSize,
		readonly:     readonly,
		writeback:    writeback,
	}

	d.supportedFeatures = FeatureBlkSize
	if readonly {
		d.supportedFeatures |= FeatureRO
	}
	if writeback {
		d.supportedFeatures |= FeatureFlush
	}

	return d, nil
}

// SupportedFeatures returns the device's advertised feature bits, for the
// vhost-user control plane's GET_FEATURES reply.
func (d *Device) SupportedFeatures() uint64 {
	return d.supportedFeatures
}

// SetNegotiatedFeatures records the driver's SET_FEATURES selection,
// rejecting any bit the device never advertised.
func (d *Device) SetNegotiatedFeatures(features uint64) error {
	if features&^d.supportedFeatures != 0 {
		return fmt.Errorf("%w: %#x", ErrUnsupportedFeature, features&^d.supportedFeatures)
	}
	d.negotiatedFeatures = features
	return nil
}

// NegotiatedFeatures returns the currently negotiated feature bits.
func (d *Device) NegotiatedFeatures() uint64 {
	return d.negotiatedFeatures
}

// ConfigSize implements the device-abstraction config-space contract.
func (d *Device) ConfigSize() uint32 {
	return ConfigSize
}

// GetConfig writes the device's config space (capacity, block size) into
// out, which must be at least ConfigSize bytes.
func (d *Device) GetConfig(out []byte) {
	binary.LittleEndian.PutUint64(out[0:8], d.totalSectors)
	binary.LittleEndian.PutUint32(out[8:12], d.blockSize)
}

// TotalSectors returns the device's capacity in 512-byte sectors.
func (d *Device) TotalSectors() uint64 {
	return d.totalSectors
}

// BlockSize returns the device's block_size in bytes, for backends that
// need a write-tracking granularity independent of the fixed 512-byte
// sector unit.
func (d *Device) BlockSize() uint32 {
	return d.blockSize
}

// Readonly reports the device's configured read-only flag.
func (d *Device) Readonly() bool {
	return d.readonly
}

// BlkIoRequest is a validated, queued block request ready for a storage
// backend. The backend reads/writes Vecs directly (they point into mapped
// guest memory) and calls Complete when done.
type BlkIoRequest struct {
	ID     string
	Type   Type
	Sector uint64

	// TotalSectors is the sum of all data-buffer lengths in sectors. Zero
	// for flush requests.
	TotalSectors uint32

	// Vecs is the data scatter-gather list. Empty for flush requests.
	Vecs []virtqueue.Buffer

	vq     *virtqueue.VirtQueue
	head   uint16
	status []byte
}

// Dequeue pulls and validates one descriptor chain from vq, returning a
// ready-to-execute request. Returns (nil, nil) when nothing is available or
// the chain was malformed and silently dropped (per spec: used ring is
// still committed with zero bytes written and no status byte). Returns a
// non-nil error only when the queue itself is unusable.
func (d *Device) Dequeue(vq *virtqueue.VirtQueue) (*BlkIoRequest, error) {
	if vq.IsBroken() {
		return nil, fmt.Errorf("virtioblk: dequeue on broken queue")
	}

	var it virtqueue.Iterator
	if !vq.DequeueAvail(&it) {
		return nil, nil
	}

	req, dropReason := d.parseChain(vq, &it)
	if dropReason != "" {
		vq.EnqueueUsed(it.Head(), 0)
		d.log.Warn("virtioblk: dropping malformed request",
			zap.String("reason", dropReason), zap.Uint16("head", it.Head()))
		return nil, nil
	}
	return req, nil
}

// parseChain implements 4.D's validation rules. Returns a non-empty drop
// reason instead of an error so Dequeue can commit the used entry uniformly.
func (d *Device) parseChain(vq *virtqueue.VirtQueue, it *virtqueue.Iterator) (*BlkIoRequest, string) {
	head := it.Head()

	if !it.HasNextBuffer() {
		return nil, "empty chain"
	}
	hdrBuf, ok := it.Next()
	if !ok {
		return nil, "chain broke reading header"
	}
	if !hdrBuf.RO || len(hdrBuf.Bytes) != reqHeaderSize {
		return nil, "bad header buffer"
	}

	// Copy the header into local storage: the guest could mutate the
	// backing bytes concurrently, so every field used for validation must
	// come from this copy, never the live mapping.
	var hdr [reqHeaderSize]byte
	copy(hdr[:], hdrBuf.Bytes)
	reqType := Type(binary.LittleEndian.Uint32(hdr[0:4]))
	sector := binary.LittleEndian.Uint64(hdr[8:16])

	switch reqType {
	case TypeIn, TypeOut:
		return d.parseRW(vq, it, head, reqType, sector)
	case TypeFlush:
		return d.parseFlush(vq, it, head)
	default:
		return nil, fmt.Sprintf("unknown request type %d", reqType)
	}
}

func (d *Device) parseFlush(vq *virtqueue.VirtQueue, it *virtqueue.Iterator, head uint16) (*BlkIoRequest, string) {
	if !it.HasNextBuffer() {
		return nil, "flush missing status buffer"
	}
	statusBuf, ok := it.Next()
	if !ok {
		return nil, "chain broke reading flush status"
	}
	if statusBuf.RO || len(statusBuf.Bytes) != 1 {
		return nil, "bad status buffer"
	}
	if it.HasNextBuffer() {
		return nil, "trailing buffers after flush status"
	}

	return &BlkIoRequest{
		ID:     uuid.NewString(),
		Type:   TypeFlush,
		vq:     vq,
		head:   head,
		status: statusBuf.Bytes,
	}, ""
}

func (d *Device) parseRW(vq *virtqueue.VirtQueue, it *virtqueue.Iterator, head uint16, reqType Type, sector uint64) (*BlkIoRequest, string) {
	isRead := reqType == TypeIn

	var vecs []virtqueue.Buffer
	var totalSectors uint32
	var statusBuf virtqueue.Buffer
	sawStatus := false

	for it.HasNextBuffer() {
		buf, ok := it.Next()
		if !ok {
			return nil, "chain broke mid-request"
		}

		if !it.HasNextBuffer() {
			// Last buffer is the status byte.
			if buf.RO || len(buf.Bytes) != 1 {
				return nil, "bad status buffer"
			}
			statusBuf = buf
			sawStatus = true
			break
		}

		// Data buffer.
		if len(buf.Bytes) == 0 || len(buf.Bytes)%SectorSize != 0 {
			return nil, "data buffer length not a sector multiple"
		}
		if isRead && buf.RO {
			return nil, "read request with read-only data buffer"
		}
		if !isRead && !buf.RO {
			return nil, "write request with writable data buffer"
		}
		if !isRead && d.readonly {
			return nil, "write request to read-only device"
		}

		totalSectors += uint32(len(buf.Bytes) / SectorSize)
		if sector+uint64(totalSectors) > d.totalSectors {
			return nil, "sector range out of bounds"
		}

		vecs = append(vecs, buf)
	}

	if !sawStatus {
		return nil, "missing status buffer"
	}
	if len(vecs) == 0 {
		return nil, "no data buffers"
	}

	return &BlkIoRequest{
		ID:           uuid.NewString(),
		Type:         reqType,
		Sector:       sector,
		TotalSectors: totalSectors,
		Vecs:         vecs,
		vq:           vq,
		head:         head,
		status:       statusBuf.Bytes,
	}, ""
}

// Complete writes the status byte and publishes the used entry, per
// virtio-blk convention: nwritten is always 0 because data buffers, for
// reads, were already written directly into guest memory by the backend.
func (d *Device) Complete(bio *BlkIoRequest, status Status) {
	bio.status[0] = byte(status)
	bio.vq.EnqueueUsed(bio.head, 0)
}
