// Package guestmem implements the guest-physical memory map: an ordered,
// non-overlapping table of host mappings the vhost-user control plane
// installs on SET_MEM_TABLE and the virtqueue engine walks on every
// descriptor dereference.
package guestmem

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"
)

// MaxRegions bounds the memory table, mirroring vhost-user's eight-region
// SET_MEM_TABLE payload with headroom for slow-path growth.
const MaxRegions = 16

var (
	// ErrOutOfSpace is returned by AddRegion when the table is full.
	ErrOutOfSpace = errors.New("guestmem: memory table is full")
	// ErrOverlap is returned by AddRegion when the new region intersects
	// an existing one.
	ErrOverlap = errors.New("guestmem: region overlaps an existing region")
	// ErrUnmapped is returned by FindRange when the requested range cannot
	// be satisfied by the current table.
	ErrUnmapped = errors.New("guestmem: range is not mapped")
)

// Region is one mapped slice of guest-physical address space.
type Region struct {
	GPA uint64
	Len uint64
	RO  bool

	mm        mmap.MMap
	file      *os.File
	synthetic bool // true if mm is a plain slice, not a real mapping
}

// NewRegionFromBytes wraps an already-mapped (or plain heap) byte slice as
// a region, for backends that obtain guest memory some way other than a
// shared fd (tests, or an in-process device model). Reset/unmap will not
// attempt to munmap this region's backing bytes.
func NewRegionFromBytes(gpa uint64, ro bool, b []byte) *Region {
	return &Region{GPA: gpa, Len: uint64(len(b)), RO: ro, mm: mmap.MMap(b), synthetic: true}
}

// HVA returns the host-virtual base address backing this region.
func (r *Region) HVA() uintptr {
	if len(r.mm) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.mm[0]))
}

// Bytes exposes the raw mapped bytes, for callers that already validated
// bounds via Map.FindRange.
func (r *Region) Bytes() []byte {
	return r.mm
}

func (r *Region) unmap() error {
	if r.synthetic {
		r.mm = nil
		return nil
	}

	var errs []error
	if r.mm != nil {
		if err := r.mm.Unmap(); err != nil {
			errs = append(errs, fmt.Errorf("unmap region at gpa %#x: %w", r.GPA, err))
		}
		r.mm = nil
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close region fd at gpa %#x: %w", r.GPA, err))
		}
		r.file = nil
	}
	return errors.Join(errs...)
}

// Map is the guest's memory table: an ordered, non-overlapping sequence of
// at most MaxRegions regions.
type Map struct {
	regions []*Region
	log     *zap.Logger
}

// New creates an empty memory map.
func New(log *zap.Logger) *Map {
	if log == nil {
		log = zap.NewNop()
	}
	return &Map{log: log}
}

// MapRegion mmaps fd (MAP_SHARED, RDWR, at the given file offset) and
// inserts the resulting region at gpa. MapRegion takes ownership of fd and
// closes it right after the mmap call, whether or not the mapping
// succeeded, per the vhost-user contract that received shared-memory fds
// are closed right after mmap; the mapping outlives the fd.
func (m *Map) MapRegion(gpa, length uint64, fd int, fileOffset int64, ro bool) (*Region, error) {
	f := os.NewFile(uintptr(fd), fmt.Sprintf("guest-region-%#x", gpa))
	if f == nil {
		return nil, fmt.Errorf("guestmem: invalid fd %d", fd)
	}

	prot := mmap.RDWR
	if ro {
		prot = mmap.RDONLY
	}

	mm, err := mmap.MapRegion(f, int(length), prot, 0, fileOffset)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("guestmem: mmap region at gpa %#x: %w", gpa, err)
	}

	r := &Region{GPA: gpa, Len: length, RO: ro, mm: mm}
	if err := m.AddRegion(r); err != nil {
		_ = r.unmap()
		return nil, err
	}
	return r, nil
}

// AddRegion inserts a pre-mapped region into the table in sorted order.
// Exposed separately from MapRegion for tests that build regions without
// touching mmap.
func (m *Map) AddRegion(r *Region) error {
	if len(m.regions) >= MaxRegions {
		return ErrOutOfSpace
	}

	pos := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].GPA >= r.GPA
	})

	if pos > 0 && overlaps(m.regions[pos-1], r) {
		return ErrOverlap
	}
	if pos < len(m.regions) && overlaps(m.regions[pos], r) {
		return ErrOverlap
	}

	m.regions = append(m.regions, nil)
	copy(m.regions[pos+1:], m.regions[pos:])
	m.regions[pos] = r

	m.log.Debug("guestmem: region added",
		zap.Uint64("gpa", r.GPA), zap.Uint64("len", r.Len), zap.Bool("ro", r.RO))
	return nil
}

func overlaps(a, b *Region) bool {
	if a.GPA > b.GPA {
		a, b = b, a
	}
	if a.Len == 0 || b.Len == 0 {
		return false
	}
	return b.GPA <= a.GPA+a.Len-1
}

func regionContains(r *Region, gpa uint64) bool {
	if r.Len == 0 {
		return false
	}
	return gpa >= r.GPA && gpa <= r.GPA+r.Len-1
}

func (m *Map) findRegionIndex(gpa uint64) int {
	for i, r := range m.regions {
		if regionContains(r, gpa) {
			return i
		}
	}
	return -1
}

// FindRange resolves [gpa, gpa+length) to a contiguous host byte slice.
// The range must lie entirely within adjacent regions, none of which may
// be read-only if wantRO is false.
func (m *Map) FindRange(gpa uint64, length uint64, wantRO bool) ([]byte, error) {
	if length == 0 {
		return nil, ErrUnmapped
	}

	idx := m.findRegionIndex(gpa)
	if idx < 0 {
		return nil, ErrUnmapped
	}

	first := m.regions[idx]
	base := gpa - first.GPA

	// Fast path: the whole range lies within the first matching region, so
	// the result can alias its backing slice directly instead of copying.
	if length <= first.Len-base {
		if !wantRO && first.RO {
			return nil, ErrUnmapped
		}
		return first.mm[base : base+length : base+length], nil
	}

	// The range spans into one or more subsequent regions. Each one must
	// be adjacent in guest-physical space and satisfy the RO constraint;
	// since the regions are independent mmaps with no guaranteed relation
	// between their host-virtual addresses, the result is assembled into
	// a freshly allocated buffer rather than aliasing any one region.
	out := make([]byte, 0, length)

	remaining := length
	region := first
	regionIdx := idx
	for remaining > 0 {
		if !wantRO && region.RO {
			return nil, ErrUnmapped
		}

		regionOff := gpa - region.GPA
		regionTail := region.Len - regionOff
		consumed := remaining
		if consumed > regionTail {
			consumed = regionTail
		}

		out = append(out, region.mm[regionOff:regionOff+consumed]...)

		remaining -= consumed
		gpa += consumed

		if remaining == 0 {
			break
		}

		regionIdx++
		if regionIdx >= len(m.regions) {
			return nil, ErrUnmapped
		}

		next := m.regions[regionIdx]
		if next.GPA != region.GPA+region.Len {
			return nil, ErrUnmapped
		}
		region = next
	}

	return out, nil
}

// Reset unmaps every region and empties the table.
func (m *Map) Reset() error {
	var errs []error
	for _, r := range m.regions {
		if err := r.unmap(); err != nil {
			errs = append(errs, err)
		}
	}
	m.regions = nil
	return errors.Join(errs...)
}

// NumRegions reports the current region count, mainly for tests/metrics.
func (m *Map) NumRegions() int {
	return len(m.regions)
}

// Regions returns a read-only snapshot of the region table, sorted by GPA.
func (m *Map) Regions() []*Region {
	out := make([]*Region, len(m.regions))
	copy(out, m.regions)
	return out
}
