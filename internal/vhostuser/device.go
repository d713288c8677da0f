package vhostuser

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/hexonxon/vhost-user-go/internal/guestmem"
	"github.com/hexonxon/vhost-user-go/internal/reactor"
	"github.com/hexonxon/vhost-user-go/internal/vdev"
)

// ConnState is the per-connection state machine from spec.md §4.E.
type ConnState int

const (
	StateClosed ConnState = iota
	StateOpen
	StateOwned
)

// installedRegion is one SET_MEM_TABLE region kept around so
// SET_VRING_ADDR's master-VA addresses can be translated to guest-physical
// once a vring starts.
type installedRegion struct {
	guestAddr uint64
	userAddr  uint64
	size      uint64
}

// ErrUnknownOpcode marks a request id this backend does not recognize at
// all (outside the table, or zero), as opposed to a known-but-unsupported
// opcode that replies ENOTSUP without resetting.
var ErrUnknownOpcode = errors.New("vhostuser: unknown opcode")

// VhostDev is one device's control-plane state, independent of the
// connection currently attached to it, mirroring struct vhost_dev.
type VhostDev struct {
	log     *zap.Logger
	dev     vdev.Device
	handler vdev.EventHandler
	reactor *reactor.Reactor

	conn  *Conn
	state ConnState

	negotiatedFeatures         uint64
	negotiatedProtocolFeatures uint64

	mem     *guestmem.Map
	regions []installedRegion

	vrings []*Vring
}

// New creates a device control-plane context hosting dev, with numQueues
// vrings and a callback invoked on every kick once a ring is started.
func New(log *zap.Logger, dev vdev.Device, handler vdev.EventHandler, r *reactor.Reactor, numQueues int) *VhostDev {
	if log == nil {
		log = zap.NewNop()
	}
	d := &VhostDev{
		log:     log,
		dev:     dev,
		handler: handler,
		reactor: r,
		mem:     guestmem.New(log),
	}
	d.vrings = make([]*Vring, numQueues)
	for i := range d.vrings {
		d.vrings[i] = newVring(uint32(i))
	}
	return d
}

// Attach binds a newly accepted connection, per state 1 (Closed → Open).
func (d *VhostDev) Attach(conn *Conn) {
	d.conn = conn
	d.state = StateOpen
}

// Reset drops mem mappings, resets every vring, clears feature state, and
// returns to Closed, per spec.md §4.E state 6.
func (d *VhostDev) Reset() {
	if err := d.mem.Reset(); err != nil {
		d.log.Warn("vhostuser: error unmapping regions on reset", zap.Error(err))
	}
	d.regions = nil
	for _, v := range d.vrings {
		if d.reactor != nil && v.kickFD >= 0 {
			_ = d.reactor.Unregister(v.kickFD)
		}
		v.reset()
	}
	d.negotiatedFeatures = 0
	d.negotiatedProtocolFeatures = 0
	d.state = StateClosed
}

// Serve reads and dispatches messages until the connection is dropped
// (cleanly by the master, or forcibly by a fatal protocol error).
func (d *VhostDev) Serve() error {
	for {
		if err := d.ServeOne(); err != nil {
			return err
		}
	}
}

// ServeOne reads and dispatches exactly one message, resetting and
// returning an error if the read or the dispatch failed. This is the
// primitive the reactor-driven server registers as the connection fd's
// readable callback — one epoll wakeup, one message, back to the loop —
// and Serve is just this called in a blocking loop for callers that don't
// want to run it under a reactor.
func (d *VhostDev) ServeOne() error {
	hdr, payload, fds, err := d.conn.RecvMessage()
	if err != nil {
		d.Reset()
		return fmt.Errorf("vhostuser: connection dropped: %w", err)
	}

	if err := d.dispatch(hdr, payload, fds); err != nil {
		d.log.Warn("vhostuser: fatal protocol error, resetting", zap.Error(err))
		d.Reset()
		return err
	}
	return nil
}

func messageAssumesReply(req uint32) bool {
	switch req {
	case ReqGetFeatures, ReqGetProtocolFeatures, ReqGetVringBase, ReqGetQueueNum, ReqGetConfig, ReqSetLogBase, ReqGetInflightFD:
		return true
	default:
		return false
	}
}

// negErrno encodes errno as the negative value an error reply carries.
func negErrno(errno unix.Errno) uint64 {
	return uint64(-int64(errno))
}

func (d *VhostDev) mustReplyAck(hdr Header) bool {
	return HasFeature(d.negotiatedProtocolFeatures, ProtocolFeatureReplyAck) && hdr.NeedsReplyAck()
}

// dispatch handles one message, mirroring vhost_handle_message's
// table lookup and reply policy. A returned error is always fatal (per
// spec.md §7, every protocol/transport/memory control-plane error kind
// resets the device and drops the connection) — unknown-but-reserved
// opcodes are handled separately via the unsupported path, which never
// returns an error.
func (d *VhostDev) dispatch(hdr Header, payload []byte, fds []int) error {
	if hdr.Flags&flagVersionMask != flagVersion {
		return fmt.Errorf("vhostuser: unsupported message version %d", hdr.Flags&flagVersionMask)
	}

	h, ok := handlerTable[hdr.Request]
	if hdr.Request == 0 || hdr.Request > reqMax || !ok {
		return fmt.Errorf("%w: %d", ErrUnknownOpcode, hdr.Request)
	}

	reply, unsupported, err := h(d, hdr, payload, fds)
	if err != nil {
		return err
	}

	if unsupported {
		// Query-class messages (GET_CONFIG chief among them) always carry
		// a reply, success or failure, independent of REPLY_ACK
		// negotiation; everything else only echoes -ENOTSUP when the
		// master asked for an ack.
		if messageAssumesReply(hdr.Request) || d.mustReplyAck(hdr) {
			return d.conn.SendMessage(replyHeader(hdr.Request, 8), EncodeU64Payload(negErrno(unix.ENOTSUP)), nil)
		}
		return nil
	}

	switch {
	case messageAssumesReply(hdr.Request):
		rh := replyHeader(hdr.Request, uint32(len(reply)))
		return d.conn.SendMessage(rh, reply, nil)
	case d.mustReplyAck(hdr):
		return d.conn.SendMessage(replyHeader(hdr.Request, 8), EncodeU64Payload(0), nil)
	default:
		return nil
	}
}
