// Package vhostuser implements the vhost-user control plane: message
// framing over a UNIX stream socket with SCM_RIGHTS fd passing, the
// per-connection state machine, feature negotiation, memory-table
// installation, and per-vring fd plumbing. Opcode numbers and payload
// layouts mirror vhost-protocol.h bit-exactly.
package vhostuser

import "encoding/binary"

// HeaderSize is the fixed size of every vhost-user message header.
const HeaderSize = 12

// MaxFDs bounds the number of file descriptors accompanying one message,
// per VHOST_USER_MAX_FDS.
const MaxFDs = 8

// MaxMemRegions bounds SET_MEM_TABLE's region count.
const MaxMemRegions = 8

// Request ids, matching vhost-protocol.h's master message ids.
const (
	ReqGetFeatures          = 1
	ReqSetFeatures          = 2
	ReqSetOwner             = 3
	ReqResetOwner           = 4
	ReqSetMemTable          = 5
	ReqSetLogBase           = 6
	ReqSetLogFD             = 7
	ReqSetVringNum          = 8
	ReqSetVringAddr         = 9
	ReqSetVringBase         = 10
	ReqGetVringBase         = 11
	ReqSetVringKick         = 12
	ReqSetVringCall         = 13
	ReqSetVringErr          = 14
	ReqGetProtocolFeatures  = 15
	ReqSetProtocolFeatures  = 16
	ReqGetQueueNum          = 17
	ReqSetVringEnable       = 18
	ReqSendRarp             = 19
	ReqNetSetMTU            = 20
	ReqSetSlaveReqFD        = 21
	ReqIOTLBMsg             = 22
	ReqSetVringEndian       = 23
	ReqGetConfig            = 24
	ReqSetConfig            = 25
	ReqCreateCryptoSession  = 26
	ReqCloseCryptoSession   = 27
	ReqPostcopyAdvise       = 28
	ReqPostcopyListen       = 29
	ReqPostcopyEnd          = 30
	ReqGetInflightFD        = 31
	ReqSetInflightFD        = 32
	ReqGPUSetSocket         = 33
	ReqResetDevice          = 34
	ReqVringKick            = 35
	ReqGetMaxMemSlots       = 36
	ReqAddMemReg            = 37
	ReqRemMemReg            = 38
	ReqSetStatus            = 39
	ReqGetStatus            = 40

	reqMax = ReqGetStatus
)

// Flags bitfield layout: bits 0-1 are a version field (always 1 on every
// message this implementation sends or accepts), bit 2 is REPLY, bit 3 is
// REPLY_ACK_REQUESTED.
const (
	flagVersionMask = 0x3
	flagVersion     = 0x1
	FlagReply       = 1 << 2
	FlagNeedReply   = 1 << 3
)

// Device feature bits.
const (
	FeatureIndirectDesc     = 28 // VIRTIO_F_INDIRECT_DESC
	FeatureProtocolFeatures = 30 // VHOST_USER_F_PROTOCOL_FEATURES
	FeatureVersion1         = 32 // VIRTIO_F_VERSION_1
)

// Protocol feature bits.
const (
	ProtocolFeatureMQ           = 0
	ProtocolFeatureLogShmFD     = 1
	ProtocolFeatureReplyAck     = 3
	ProtocolFeatureConfig       = 9
	ProtocolFeatureResetDevice  = 13
)

// SupportedFeatures is the fixed set of vhost-user/virtio transport feature
// bits this backend always advertises, beyond whatever the hosted virtio
// device adds: VIRTIO_F_INDIRECT_DESC and VIRTIO_F_VERSION_1 are mandatory
// for every virtio 1.0 device per spec.md §4.E, and VHOST_USER_F_PROTOCOL_FEATURES
// signals that GET/SET_PROTOCOL_FEATURES are implemented.
const SupportedFeatures = uint64(1)<<FeatureIndirectDesc |
	uint64(1)<<FeatureProtocolFeatures |
	uint64(1)<<FeatureVersion1

// SupportedProtocolFeatures is the fixed set of protocol feature bits this
// backend negotiates, matching the reference implementation's
// VHOST_SUPPORTED_PROTOCOL_FEATURES exactly.
const SupportedProtocolFeatures = uint64(1)<<ProtocolFeatureMQ |
	uint64(1)<<ProtocolFeatureReplyAck |
	uint64(1)<<ProtocolFeatureConfig |
	uint64(1)<<ProtocolFeatureResetDevice

// HasFeature reports whether fbit is set in features.
func HasFeature(features uint64, fbit int) bool {
	return features&(uint64(1)<<fbit) != 0
}

// Header is the fixed 12-byte prefix of every message.
type Header struct {
	Request uint32
	Flags   uint32
	Size    uint32
}

// DecodeHeader parses a HeaderSize-byte buffer.
func DecodeHeader(b []byte) Header {
	return Header{
		Request: binary.LittleEndian.Uint32(b[0:4]),
		Flags:   binary.LittleEndian.Uint32(b[4:8]),
		Size:    binary.LittleEndian.Uint32(b[8:12]),
	}
}

// Encode writes h into a HeaderSize-byte buffer.
func (h Header) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], h.Request)
	binary.LittleEndian.PutUint32(b[4:8], h.Flags)
	binary.LittleEndian.PutUint32(b[8:12], h.Size)
}

// IsReply reports whether the REPLY flag is set.
func (h Header) IsReply() bool {
	return h.Flags&FlagReply != 0
}

// NeedsReplyAck reports whether REPLY_ACK_REQUESTED is set.
func (h Header) NeedsReplyAck() bool {
	return h.Flags&FlagNeedReply != 0
}

// replyHeader builds the header for a reply to req carrying size bytes of
// payload.
func replyHeader(req uint32, size uint32) Header {
	return Header{Request: req, Flags: flagVersion | FlagReply, Size: size}
}

// EncodeU64Payload encodes a single little-endian u64 payload, used by
// every query reply and every REPLY_ACK.
func EncodeU64Payload(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// DecodeU64Payload decodes a single little-endian u64 payload.
func DecodeU64Payload(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// VringStatePayload is the {index, num} payload shape shared by
// SET_VRING_NUM, SET_VRING_BASE, GET_VRING_BASE (reply) and
// SET_VRING_ENABLE.
type VringStatePayload struct {
	Index uint32
	Num   uint32
}

func DecodeVringState(b []byte) VringStatePayload {
	return VringStatePayload{
		Index: binary.LittleEndian.Uint32(b[0:4]),
		Num:   binary.LittleEndian.Uint32(b[4:8]),
	}
}

func (p VringStatePayload) Encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], p.Index)
	binary.LittleEndian.PutUint32(b[4:8], p.Num)
	return b
}

// VringAddrPayload is SET_VRING_ADDR's payload.
type VringAddrPayload struct {
	Index      uint32
	Flags      uint32
	Descriptor uint64
	Used       uint64
	Available  uint64
	Log        uint64
}

func DecodeVringAddr(b []byte) VringAddrPayload {
	return VringAddrPayload{
		Index:      binary.LittleEndian.Uint32(b[0:4]),
		Flags:      binary.LittleEndian.Uint32(b[4:8]),
		Descriptor: binary.LittleEndian.Uint64(b[8:16]),
		Used:       binary.LittleEndian.Uint64(b[16:24]),
		Available:  binary.LittleEndian.Uint64(b[24:32]),
		Log:        binary.LittleEndian.Uint64(b[32:40]),
	}
}

// MemRegion is one SET_MEM_TABLE region descriptor.
type MemRegion struct {
	GuestAddr  uint64
	Size       uint64
	UserAddr   uint64
	MmapOffset uint64
}

const memRegionSize = 32

// DecodeMemRegions parses the {num_regions, padding, regions[8]} payload.
func DecodeMemRegions(b []byte) []MemRegion {
	if len(b) < 8 {
		return nil
	}
	n := binary.LittleEndian.Uint32(b[0:4])
	if n > MaxMemRegions {
		n = MaxMemRegions
	}
	out := make([]MemRegion, 0, n)
	for i := uint32(0); i < n; i++ {
		off := 8 + int(i)*memRegionSize
		if off+memRegionSize > len(b) {
			break
		}
		r := b[off : off+memRegionSize]
		out = append(out, MemRegion{
			GuestAddr:  binary.LittleEndian.Uint64(r[0:8]),
			Size:       binary.LittleEndian.Uint64(r[8:16]),
			UserAddr:   binary.LittleEndian.Uint64(r[16:24]),
			MmapOffset: binary.LittleEndian.Uint64(r[24:32]),
		})
	}
	return out
}

// ConfigPayload is GET_CONFIG/SET_CONFIG's {offset, size, flags, payload}.
type ConfigPayload struct {
	Offset  uint32
	Size    uint32
	Flags   uint32
	Payload []byte
}

func DecodeConfig(b []byte) ConfigPayload {
	p := ConfigPayload{
		Offset: binary.LittleEndian.Uint32(b[0:4]),
		Size:   binary.LittleEndian.Uint32(b[4:8]),
		Flags:  binary.LittleEndian.Uint32(b[8:12]),
	}
	if len(b) > 12 {
		p.Payload = b[12:]
	}
	return p
}

func (p ConfigPayload) Encode() []byte {
	b := make([]byte, 12+len(p.Payload))
	binary.LittleEndian.PutUint32(b[0:4], p.Offset)
	binary.LittleEndian.PutUint32(b[4:8], p.Size)
	binary.LittleEndian.PutUint32(b[8:12], p.Flags)
	copy(b[12:], p.Payload)
	return b
}

// vringIndexFromU64 splits a SET_VRING_KICK/CALL/ERR u64 payload into the
// ring index (low byte) and the "no fd enclosed" flag (bit 8).
func vringIndexFromU64(v uint64) (index uint32, noFD bool) {
	return uint32(v & 0xff), v&(1<<8) != 0
}
