// Package virtqueue implements the split-virtqueue engine: starting a
// ring from master-supplied addresses, dequeuing avail-ring heads,
// iterating descriptor chains (direct and one level of indirect) while
// defending against malformed guest input, and publishing used entries.
package virtqueue

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hexonxon/vhost-user-go/internal/guestmem"
)

// ErrInvalidQueueSize is returned by Start when qsize is zero, not a
// power of two, or exceeds MaxQueueSize.
var ErrInvalidQueueSize = errors.New("virtqueue: invalid queue size")

// Buffer is one descriptor's worth of guest memory, already validated and
// mapped to a host byte slice.
type Buffer struct {
	Bytes []byte
	RO    bool
}

// VirtQueue tracks one split virtqueue's rings and dequeue state.
type VirtQueue struct {
	mem *guestmem.Map
	log *zap.Logger

	qsize uint16

	desc  []byte
	avail []byte
	used  []byte

	lastSeenAvail uint16
	broken        bool

	callFD int
}

// New creates an unstarted virtqueue. Start binds it to a memory map; the
// map pointer may be swapped out by calling Start again (e.g. after
// SET_MEM_TABLE).
func New(log *zap.Logger) *VirtQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &VirtQueue{log: log}
}

func isPowerOfTwo(v uint16) bool {
	return v != 0 && v&(v-1) == 0
}

// Start validates qsize and resolves the three rings against mem, per
// spec.md §4.C. It clears the broken flag and seeds last_seen_avail.
func (vq *VirtQueue) Start(qsize uint16, descGPA, availGPA, usedGPA uint64, availBase uint16, mem *guestmem.Map, callFD int) error {
	if !isPowerOfTwo(qsize) || qsize > MaxQueueSize {
		return fmt.Errorf("%w: %d", ErrInvalidQueueSize, qsize)
	}

	desc, err := mem.FindRange(descGPA, uint64(DescSize)*uint64(qsize), false)
	if err != nil {
		return fmt.Errorf("virtqueue: resolve desc table: %w", err)
	}
	avail, err := mem.FindRange(availGPA, uint64(availRingLen(qsize)), false)
	if err != nil {
		return fmt.Errorf("virtqueue: resolve avail ring: %w", err)
	}
	used, err := mem.FindRange(usedGPA, uint64(usedRingLen(qsize)), false)
	if err != nil {
		return fmt.Errorf("virtqueue: resolve used ring: %w", err)
	}

	vq.mem = mem
	vq.qsize = qsize
	vq.desc = desc
	vq.avail = avail
	vq.used = used
	vq.lastSeenAvail = availBase
	vq.broken = false
	vq.callFD = callFD

	vq.log.Debug("virtqueue started",
		zap.Uint16("qsize", qsize), zap.Uint64("desc_gpa", descGPA),
		zap.Uint64("avail_gpa", availGPA), zap.Uint64("used_gpa", usedGPA),
		zap.Uint16("avail_base", availBase))
	return nil
}

// IsBroken reports whether the queue has been marked unusable by
// malformed guest input.
func (vq *VirtQueue) IsBroken() bool {
	return vq.broken
}

// QueueSize returns the started queue size.
func (vq *VirtQueue) QueueSize() uint16 {
	return vq.qsize
}

// CallFD returns the eventfd the device notifies the driver on.
func (vq *VirtQueue) CallFD() int {
	return vq.callFD
}

// LastSeenAvail returns the current shadow avail index, used to answer
// GET_VRING_BASE.
func (vq *VirtQueue) LastSeenAvail() uint16 {
	return vq.lastSeenAvail
}

func (vq *VirtQueue) markBroken(reason string) {
	vq.broken = true
	vq.log.Warn("virtqueue broken", zap.String("reason", reason))
}

func getRingIndex(idx, qsize uint16) uint16 {
	return idx & (qsize - 1)
}

// Iterator walks one descriptor chain, starting at an avail-ring head.
type Iterator struct {
	vq         *VirtQueue
	head       uint16
	cur        uint16
	tbl        []byte
	tblSize    uint16
	inIndirect bool
	nseen      uint32
}

// DequeueAvail pulls the next available chain head, if the driver has
// published one. Returns false if there is nothing new or the queue is
// broken.
func (vq *VirtQueue) DequeueAvail(iter *Iterator) bool {
	if vq.broken {
		return false
	}

	// Acquire-like read of avail.idx: on single-threaded/x86 hosts this
	// degenerates to a plain load, per spec.md §4.C's concurrency note.
	curIdx := availIdx(vq.avail)
	if vq.lastSeenAvail == curIdx {
		return false
	}

	head := availRingAt(vq.avail, getRingIndex(vq.lastSeenAvail, vq.qsize))

	*iter = Iterator{
		vq:      vq,
		head:    head,
		cur:     head,
		tbl:     vq.desc,
		tblSize: vq.qsize,
	}

	vq.lastSeenAvail++
	return true
}

// HasNextBuffer reports whether the chain has another descriptor to visit
// and the queue is not broken, without consuming it. Next may still break
// the queue on that descriptor if it is malformed.
func (it *Iterator) HasNextBuffer() bool {
	return it.cur != InvalidDescID && !it.vq.broken
}

// Next returns the next buffer in the chain, or false once the chain is
// exhausted or broken. This implements the state machine in spec.md
// §4.C, ported directly from the reference implementation's
// virtqueue_next_buffer.
func (it *Iterator) Next() (Buffer, bool) {
	vq := it.vq

	if vq.broken || it.cur == InvalidDescID {
		return Buffer{}, false
	}

	if it.cur >= it.tblSize {
		vq.markBroken("descriptor index out of table bounds")
		it.cur = InvalidDescID
		return Buffer{}, false
	}
	d := readDesc(it.tbl, it.cur)

	for d.Flags&DescFlagIndirect != 0 {
		if it.inIndirect {
			vq.markBroken("nested indirect descriptor")
			it.cur = InvalidDescID
			return Buffer{}, false
		}
		if d.Flags&DescFlagNext != 0 {
			vq.markBroken("indirect descriptor also sets NEXT")
			it.cur = InvalidDescID
			return Buffer{}, false
		}

		entries := d.Len / DescSize
		if entries == 0 {
			vq.markBroken("empty indirect table")
			it.cur = InvalidDescID
			return Buffer{}, false
		}

		tbl, err := vq.mem.FindRange(d.Addr, uint64(d.Len), true)
		if err != nil {
			vq.markBroken("unmapped indirect table")
			it.cur = InvalidDescID
			return Buffer{}, false
		}

		it.inIndirect = true
		it.tbl = tbl
		it.tblSize = uint16(entries)
		it.cur = 0
		it.nseen++

		d = readDesc(it.tbl, it.cur)
	}

	it.nseen++
	if it.nseen > uint32(vq.qsize) {
		vq.markBroken("descriptor chain loop or over-length chain")
		it.cur = InvalidDescID
		return Buffer{}, false
	}

	if d.Len == 0 {
		vq.markBroken("zero-length descriptor")
		it.cur = InvalidDescID
		return Buffer{}, false
	}

	ro := d.Flags&DescFlagWrite == 0
	buf, err := vq.mem.FindRange(d.Addr, uint64(d.Len), ro)
	if err != nil {
		vq.markBroken("unmapped descriptor buffer")
		it.cur = InvalidDescID
		return Buffer{}, false
	}

	out := Buffer{Bytes: buf, RO: ro}

	if d.Flags&DescFlagNext != 0 {
		if d.Next >= it.tblSize {
			vq.markBroken("next descriptor id out of range")
			it.cur = InvalidDescID
			return out, true
		}
		it.cur = d.Next
	} else {
		it.cur = InvalidDescID
	}

	return out, true
}

// Head returns the chain's head descriptor id, for EnqueueUsed.
func (it *Iterator) Head() uint16 {
	return it.head
}

// EnqueueUsed publishes a used entry for headID and advances used.idx.
func (vq *VirtQueue) EnqueueUsed(headID uint16, nwritten uint32) {
	idx := usedIdx(vq.used)
	setUsedElem(vq.used, getRingIndex(idx, vq.qsize), uint32(headID), nwritten)

	// Release-like write of used.idx: pairs with the driver's acquire
	// read, per spec.md §4.C's concurrency note.
	setUsedIdx(vq.used, idx+1)
}
