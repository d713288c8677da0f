package vhostuser

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/hexonxon/vhost-user-go/internal/guestmem"
	"github.com/hexonxon/vhost-user-go/internal/virtqueue"
)

// Vring holds one queue's control-plane state between SET_VRING_* calls
// and the virtqueue.VirtQueue it eventually starts, per spec.md §4.E
// state 4: a vring becomes started once it has a valid desc/avail/used
// address, a non-zero size, and a kickfd, and then receives its first
// kick.
type Vring struct {
	index uint32
	vq    *virtqueue.VirtQueue

	qsize uint16

	// Addresses as given by SET_VRING_ADDR, in master-VA (user_addr)
	// space, resolved to guest-physical only at Start time — see
	// DESIGN.md's Open Question decision on deferred address resolution.
	descUA, availUA, usedUA uint64
	haveAddr                bool

	availBase uint16
	haveBase  bool

	kickFD, callFD, errFD int

	enabled bool
	started bool
}

func newVring(index uint32) *Vring {
	return &Vring{index: index, vq: virtqueue.New(nil), kickFD: -1, callFD: -1, errFD: -1}
}

// Index returns the vring's queue index.
func (v *Vring) Index() uint32 { return v.index }

// Enabled reports the current SET_VRING_ENABLE state.
func (v *Vring) Enabled() bool { return v.enabled }

// Started reports whether the ring has received its first kick after
// being fully configured.
func (v *Vring) Started() bool { return v.started }

// VirtQueue returns the underlying virtqueue engine, valid once Started.
func (v *Vring) VirtQueue() *virtqueue.VirtQueue { return v.vq }

func (v *Vring) setNum(num uint32) error {
	if num == 0 || num > virtqueue.MaxQueueSize {
		return fmt.Errorf("vhostuser: invalid vring size %d", num)
	}
	v.qsize = uint16(num)
	return nil
}

func (v *Vring) setAddr(p VringAddrPayload) {
	v.descUA = p.Descriptor
	v.availUA = p.Available
	v.usedUA = p.Used
	v.haveAddr = true
}

func (v *Vring) setBase(avail uint16) {
	v.availBase = avail
	v.haveBase = true
}

// getBase answers GET_VRING_BASE: the current last_seen_avail if started,
// otherwise whatever base was last set.
func (v *Vring) getBase() uint16 {
	if v.started {
		return v.vq.LastSeenAvail()
	}
	return v.availBase
}

// readyToStart reports whether this ring has everything start needs:
// valid addresses, non-zero size, and a kick fd.
func (v *Vring) readyToStart() bool {
	return v.haveAddr && v.qsize != 0 && v.kickFD >= 0
}

// resolveUA translates a master-virtual-address into guest-physical space
// using the region table's UserAddr→GuestAddr offsets recorded at
// SET_MEM_TABLE time.
func resolveUA(regions []installedRegion, ua uint64) (uint64, bool) {
	for _, r := range regions {
		if ua >= r.userAddr && ua < r.userAddr+r.size {
			return r.guestAddr + (ua - r.userAddr), true
		}
	}
	return 0, false
}

// start resolves addresses and starts the underlying virtqueue, called on
// the first kick once readyToStart is true.
func (v *Vring) start(mem *guestmem.Map, regions []installedRegion) error {
	descGPA, ok := resolveUA(regions, v.descUA)
	if !ok {
		return fmt.Errorf("vhostuser: vring %d desc addr not in any mem region", v.index)
	}
	availGPA, ok := resolveUA(regions, v.availUA)
	if !ok {
		return fmt.Errorf("vhostuser: vring %d avail addr not in any mem region", v.index)
	}
	usedGPA, ok := resolveUA(regions, v.usedUA)
	if !ok {
		return fmt.Errorf("vhostuser: vring %d used addr not in any mem region", v.index)
	}

	base := uint16(0)
	if v.haveBase {
		base = v.availBase
	}

	if err := v.vq.Start(v.qsize, descGPA, availGPA, usedGPA, base, mem, v.callFD); err != nil {
		return fmt.Errorf("vhostuser: vring %d start: %w", v.index, err)
	}
	v.started = true
	return nil
}

// stop resets the ring's started state, called on GET_VRING_BASE and when
// SET_MEM_TABLE replaces the memory table. Device reset uses reset instead.
func (v *Vring) stop() {
	if v.started {
		v.availBase = v.vq.LastSeenAvail()
		v.haveBase = true
	}
	v.started = false
}

// setFD closes the previous fd in slot and installs newFD (or -1 if
// noFD), per SET_VRING_KICK/CALL/ERR's "close previous, install new"
// contract.
func setFD(slot *int, newFD int, noFD bool) {
	if *slot >= 0 {
		_ = unix.Close(*slot)
	}
	if noFD {
		*slot = -1
	} else {
		*slot = newFD
	}
}

// reset closes every fd this ring owns and clears all configuration,
// returning it to its just-created state.
func (v *Vring) reset() {
	for _, fd := range []int{v.kickFD, v.callFD, v.errFD} {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
	*v = *newVring(v.index)
}
