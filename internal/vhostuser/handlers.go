package vhostuser

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/hexonxon/vhost-user-go/internal/reactor"
)

// handlerFunc processes one message and returns its reply payload (if
// any), whether the opcode is recognized-but-unsupported (ENOTSUP, never
// fatal), and a fatal error that resets the device and drops the
// connection, mirroring vhost.c's handler_tbl entries.
type handlerFunc func(d *VhostDev, hdr Header, payload []byte, fds []int) (reply []byte, unsupported bool, err error)

// handlerTable mirrors vhost.c's dispatch table: every opcode in
// spec.md's minimum set gets a real implementation; the reserved opcodes
// this backend does not implement (logging, postcopy, inflight fds,
// crypto sessions, multi-queue memory-region add/remove, device status,
// endianness, slave requests) get handleUnsupported, which always
// replies ENOTSUP rather than resetting.
var handlerTable = map[uint32]handlerFunc{
	ReqGetFeatures:         handleGetFeatures,
	ReqSetFeatures:         handleSetFeatures,
	ReqSetOwner:            handleSetOwner,
	ReqResetOwner:          handleResetOwner,
	ReqSetMemTable:         handleSetMemTable,
	ReqSetVringNum:         handleSetVringNum,
	ReqSetVringAddr:        handleSetVringAddr,
	ReqSetVringBase:        handleSetVringBase,
	ReqGetVringBase:        handleGetVringBase,
	ReqSetVringKick:        handleSetVringKick,
	ReqSetVringCall:        handleSetVringCall,
	ReqSetVringErr:         handleSetVringErr,
	ReqGetProtocolFeatures: handleGetProtocolFeatures,
	ReqSetProtocolFeatures: handleSetProtocolFeatures,
	ReqGetQueueNum:         handleGetQueueNum,
	ReqSetVringEnable:      handleSetVringEnable,
	ReqGetConfig:           handleGetConfig,
	ReqResetDevice:         handleResetDevice,

	ReqSetLogBase:      handleUnsupported,
	ReqSetLogFD:        handleUnsupported,
	ReqSendRarp:        handleUnsupported,
	ReqNetSetMTU:       handleUnsupported,
	ReqSetSlaveReqFD:   handleUnsupported,
	ReqIOTLBMsg:        handleUnsupported,
	ReqSetVringEndian:  handleUnsupported,
	ReqSetConfig:       handleUnsupported,
	ReqCreateCryptoSession: handleUnsupported,
	ReqCloseCryptoSession:  handleUnsupported,
	ReqPostcopyAdvise:  handleUnsupported,
	ReqPostcopyListen:  handleUnsupported,
	ReqPostcopyEnd:     handleUnsupported,
	ReqGetInflightFD:   handleUnsupported,
	ReqSetInflightFD:   handleUnsupported,
	ReqGPUSetSocket:    handleUnsupported,
	ReqVringKick:       handleUnsupported,
	ReqGetMaxMemSlots:  handleUnsupported,
	ReqAddMemReg:       handleUnsupported,
	ReqRemMemReg:       handleUnsupported,
	ReqSetStatus:       handleUnsupported,
	ReqGetStatus:       handleUnsupported,
}

func handleUnsupported(d *VhostDev, hdr Header, payload []byte, fds []int) ([]byte, bool, error) {
	return nil, true, nil
}

func handleGetFeatures(d *VhostDev, hdr Header, payload []byte, fds []int) ([]byte, bool, error) {
	features := SupportedFeatures | d.dev.SupportedFeatures()
	return EncodeU64Payload(features), false, nil
}

func handleSetFeatures(d *VhostDev, hdr Header, payload []byte, fds []int) ([]byte, bool, error) {
	if len(payload) < 8 {
		return nil, false, fmt.Errorf("vhostuser: SET_FEATURES: short payload")
	}
	features := DecodeU64Payload(payload)

	offered := SupportedFeatures | d.dev.SupportedFeatures()
	if features&^offered != 0 {
		return nil, false, fmt.Errorf("vhostuser: SET_FEATURES: driver claims unoffered bits %#x", features&^offered)
	}

	if err := d.dev.SetNegotiatedFeatures(features &^ SupportedFeatures); err != nil {
		return nil, false, fmt.Errorf("vhostuser: SET_FEATURES: %w", err)
	}

	d.negotiatedFeatures = features
	return nil, false, nil
}

func handleSetOwner(d *VhostDev, hdr Header, payload []byte, fds []int) ([]byte, bool, error) {
	if d.state == StateOwned {
		return nil, false, fmt.Errorf("vhostuser: SET_OWNER: already owned")
	}
	d.state = StateOwned
	return nil, false, nil
}

// handleResetOwner is a no-op, per DESIGN.md's Open Question decision on
// RESET_OWNER: the reference implementation treats it as inert rather
// than tearing down the device's memory table and vring state.
func handleResetOwner(d *VhostDev, hdr Header, payload []byte, fds []int) ([]byte, bool, error) {
	return nil, false, nil
}

func handleGetProtocolFeatures(d *VhostDev, hdr Header, payload []byte, fds []int) ([]byte, bool, error) {
	return EncodeU64Payload(SupportedProtocolFeatures), false, nil
}

func handleSetProtocolFeatures(d *VhostDev, hdr Header, payload []byte, fds []int) ([]byte, bool, error) {
	if len(payload) < 8 {
		return nil, false, fmt.Errorf("vhostuser: SET_PROTOCOL_FEATURES: short payload")
	}
	features := DecodeU64Payload(payload)
	if features&^SupportedProtocolFeatures != 0 {
		return nil, false, fmt.Errorf("vhostuser: SET_PROTOCOL_FEATURES: driver claims unoffered bits %#x", features&^SupportedProtocolFeatures)
	}
	d.negotiatedProtocolFeatures = features
	return nil, false, nil
}

func handleGetQueueNum(d *VhostDev, hdr Header, payload []byte, fds []int) ([]byte, bool, error) {
	return EncodeU64Payload(uint64(len(d.vrings))), false, nil
}

func handleGetConfig(d *VhostDev, hdr Header, payload []byte, fds []int) ([]byte, bool, error) {
	cfg := DecodeConfig(payload)
	if uint64(cfg.Offset)+uint64(cfg.Size) > uint64(d.dev.ConfigSize()) {
		return nil, true, nil
	}

	full := make([]byte, d.dev.ConfigSize())
	d.dev.GetConfig(full)

	reply := ConfigPayload{
		Offset:  cfg.Offset,
		Size:    cfg.Size,
		Flags:   0,
		Payload: full[cfg.Offset : cfg.Offset+cfg.Size],
	}
	return reply.Encode(), false, nil
}

func handleResetDevice(d *VhostDev, hdr Header, payload []byte, fds []int) ([]byte, bool, error) {
	if !HasFeature(d.negotiatedProtocolFeatures, ProtocolFeatureResetDevice) {
		return nil, true, nil
	}
	d.Reset()
	d.state = StateOwned
	return nil, false, nil
}

// handleSetMemTable installs every region from the payload, mapping each
// region's fd in order and rolling back everything mapped so far if any
// region fails, per DESIGN.md's Open Question decision 4.
func handleSetMemTable(d *VhostDev, hdr Header, payload []byte, fds []int) ([]byte, bool, error) {
	descs := DecodeMemRegions(payload)
	if len(descs) == 0 {
		return nil, false, fmt.Errorf("vhostuser: SET_MEM_TABLE: no regions")
	}
	if len(descs) > len(fds) {
		return nil, false, fmt.Errorf("vhostuser: SET_MEM_TABLE: %d regions but only %d fds", len(descs), len(fds))
	}

	if err := d.mem.Reset(); err != nil {
		d.log.Warn("vhostuser: error unmapping previous regions", zap.Error(err))
	}
	d.regions = nil

	for _, v := range d.vrings {
		v.stop()
	}

	for i, rd := range descs {
		if _, err := d.mem.MapRegion(rd.GuestAddr, rd.Size, fds[i], int64(rd.MmapOffset), false); err != nil {
			if rerr := d.mem.Reset(); rerr != nil {
				d.log.Warn("vhostuser: rollback unmap failed", zap.Error(rerr))
			}
			d.regions = nil
			closeRemainingFDs(fds[len(descs):])
			return nil, false, fmt.Errorf("vhostuser: SET_MEM_TABLE: region %d: %w", i, err)
		}
		d.regions = append(d.regions, installedRegion{
			guestAddr: rd.GuestAddr,
			userAddr:  rd.UserAddr,
			size:      rd.Size,
		})
	}

	closeRemainingFDs(fds[len(descs):])
	return nil, false, nil
}

func closeRemainingFDs(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

func vringAt(d *VhostDev, index uint32) (*Vring, error) {
	if int(index) >= len(d.vrings) {
		return nil, fmt.Errorf("vhostuser: vring index %d out of range (have %d)", index, len(d.vrings))
	}
	return d.vrings[index], nil
}

func handleSetVringNum(d *VhostDev, hdr Header, payload []byte, fds []int) ([]byte, bool, error) {
	p := DecodeVringState(payload)
	v, err := vringAt(d, p.Index)
	if err != nil {
		return nil, false, err
	}
	if err := v.setNum(p.Num); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

func handleSetVringAddr(d *VhostDev, hdr Header, payload []byte, fds []int) ([]byte, bool, error) {
	p := DecodeVringAddr(payload)
	v, err := vringAt(d, p.Index)
	if err != nil {
		return nil, false, err
	}
	v.setAddr(p)
	return nil, false, nil
}

func handleSetVringBase(d *VhostDev, hdr Header, payload []byte, fds []int) ([]byte, bool, error) {
	p := DecodeVringState(payload)
	v, err := vringAt(d, p.Index)
	if err != nil {
		return nil, false, err
	}
	v.setBase(uint16(p.Num))
	return nil, false, nil
}

func handleGetVringBase(d *VhostDev, hdr Header, payload []byte, fds []int) ([]byte, bool, error) {
	p := DecodeVringState(payload)
	v, err := vringAt(d, p.Index)
	if err != nil {
		return nil, false, err
	}
	base := v.getBase()
	if d.reactor != nil && v.kickFD >= 0 {
		_ = d.reactor.Unregister(v.kickFD)
	}
	v.stop()
	return VringStatePayload{Index: p.Index, Num: uint32(base)}.Encode(), false, nil
}

func handleSetVringKick(d *VhostDev, hdr Header, payload []byte, fds []int) ([]byte, bool, error) {
	if len(payload) < 8 {
		return nil, false, fmt.Errorf("vhostuser: SET_VRING_KICK: short payload")
	}
	u := DecodeU64Payload(payload)
	index, noFD := vringIndexFromU64(u)
	v, err := vringAt(d, index)
	if err != nil {
		return nil, false, err
	}

	newFD := -1
	if !noFD {
		if len(fds) == 0 {
			return nil, false, fmt.Errorf("vhostuser: SET_VRING_KICK: no fd attached")
		}
		newFD = fds[0]
		closeRemainingFDs(fds[1:])
	} else {
		closeRemainingFDs(fds)
	}

	if d.reactor != nil && v.kickFD >= 0 {
		_ = d.reactor.Unregister(v.kickFD)
	}
	setFD(&v.kickFD, newFD, noFD)

	if v.kickFD >= 0 && d.reactor != nil {
		if err := d.reactor.Register(v.kickFD, d.makeKickCallback(v)); err != nil {
			return nil, false, fmt.Errorf("vhostuser: SET_VRING_KICK: register with reactor: %w", err)
		}
	}
	return nil, false, nil
}

func handleSetVringCall(d *VhostDev, hdr Header, payload []byte, fds []int) ([]byte, bool, error) {
	if len(payload) < 8 {
		return nil, false, fmt.Errorf("vhostuser: SET_VRING_CALL: short payload")
	}
	u := DecodeU64Payload(payload)
	index, noFD := vringIndexFromU64(u)
	v, err := vringAt(d, index)
	if err != nil {
		return nil, false, err
	}

	newFD := -1
	if !noFD {
		if len(fds) == 0 {
			return nil, false, fmt.Errorf("vhostuser: SET_VRING_CALL: no fd attached")
		}
		newFD = fds[0]
		closeRemainingFDs(fds[1:])
	} else {
		closeRemainingFDs(fds)
	}
	setFD(&v.callFD, newFD, noFD)
	return nil, false, nil
}

func handleSetVringErr(d *VhostDev, hdr Header, payload []byte, fds []int) ([]byte, bool, error) {
	if len(payload) < 8 {
		return nil, false, fmt.Errorf("vhostuser: SET_VRING_ERR: short payload")
	}
	u := DecodeU64Payload(payload)
	index, noFD := vringIndexFromU64(u)
	v, err := vringAt(d, index)
	if err != nil {
		return nil, false, err
	}

	newFD := -1
	if !noFD {
		if len(fds) == 0 {
			return nil, false, fmt.Errorf("vhostuser: SET_VRING_ERR: no fd attached")
		}
		newFD = fds[0]
		closeRemainingFDs(fds[1:])
	} else {
		closeRemainingFDs(fds)
	}
	setFD(&v.errFD, newFD, noFD)
	return nil, false, nil
}

func handleSetVringEnable(d *VhostDev, hdr Header, payload []byte, fds []int) ([]byte, bool, error) {
	p := DecodeVringState(payload)
	v, err := vringAt(d, p.Index)
	if err != nil {
		return nil, false, err
	}
	v.enabled = p.Num != 0
	return nil, false, nil
}

// makeKickCallback returns the reactor callback invoked whenever v's
// kickfd becomes readable: it drains the eventfd counter, starts the
// ring on first kick once it is fully configured, and hands off to the
// hosted device's event handler.
func (d *VhostDev) makeKickCallback(v *Vring) reactor.Callback {
	return func(fd int, events uint32) {
		var buf [8]byte
		if _, err := unix.Read(fd, buf[:]); err != nil && err != unix.EAGAIN {
			d.log.Warn("vhostuser: reading kickfd", zap.Error(err))
			return
		}

		if !v.started {
			if !v.readyToStart() {
				d.log.Warn("vhostuser: kick on a ring that is not fully configured", zap.Uint32("index", v.index))
				return
			}
			if err := v.start(d.mem, d.regions); err != nil {
				d.log.Warn("vhostuser: starting vring", zap.Uint32("index", v.index), zap.Error(err))
				return
			}
		}

		if d.handler != nil {
			if err := d.handler.OnVringEvent(d.dev, v.vq); err != nil {
				d.log.Warn("vhostuser: vring event handler error", zap.Uint32("index", v.index), zap.Error(err))
			}
		}
	}
}
