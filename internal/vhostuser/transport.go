package vhostuser

import (
	"fmt"
	"net"
	"syscall"
)

// Conn wraps one accepted vhost-user connection: a UNIX stream socket read
// and written one message at a time, header then body, with fds riding
// along as a single SCM_RIGHTS control message. Grounded on
// internal/sandbox/uffd/serve_linux.go's receiveSetup, generalized from one
// fixed fd to up to MaxFDs per message in either direction.
type Conn struct {
	uc *net.UnixConn
}

// NewConn wraps an accepted *net.UnixConn.
func NewConn(uc *net.UnixConn) *Conn {
	return &Conn{uc: uc}
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.uc.Close()
}

// RecvMessage reads one full vhost-user message: the 12-byte header, then
// exactly Size bytes of payload, plus any fds carried in an SCM_RIGHTS
// control message attached to the header read (matching how masters send
// them, control message alongside the first recvmsg of a message).
func (c *Conn) RecvMessage() (Header, []byte, []int, error) {
	hdrBuf := make([]byte, HeaderSize)
	oob := make([]byte, syscall.CmsgSpace(4*MaxFDs))

	n, oobn, _, _, err := c.uc.ReadMsgUnix(hdrBuf, oob)
	if err != nil {
		return Header{}, nil, nil, fmt.Errorf("vhostuser: read header: %w", err)
	}
	if n != HeaderSize {
		return Header{}, nil, nil, fmt.Errorf("vhostuser: short header read (%d bytes)", n)
	}

	hdr := DecodeHeader(hdrBuf)

	var fds []int
	if oobn > 0 {
		fds, err = parseFDs(oob[:oobn])
		if err != nil {
			return Header{}, nil, nil, fmt.Errorf("vhostuser: parse control message: %w", err)
		}
	}

	var payload []byte
	if hdr.Size > 0 {
		payload = make([]byte, hdr.Size)
		if _, err := readFull(c.uc, payload); err != nil {
			return Header{}, nil, nil, fmt.Errorf("vhostuser: read payload: %w", err)
		}
	}

	return hdr, payload, fds, nil
}

// SendMessage writes a header-then-payload message, optionally with fds
// attached to the payload write via SCM_RIGHTS (matching the reference
// implementation's single sendmsg-per-message framing).
func (c *Conn) SendMessage(hdr Header, payload []byte, fds []int) error {
	hdr.Size = uint32(len(payload))

	hdrBuf := make([]byte, HeaderSize)
	hdr.Encode(hdrBuf)

	var oob []byte
	if len(fds) > 0 {
		oob = syscall.UnixRights(fds...)
	}

	buf := append(hdrBuf, payload...)
	if _, _, err := c.uc.WriteMsgUnix(buf, oob, nil); err != nil {
		return fmt.Errorf("vhostuser: sendmsg: %w", err)
	}
	return nil
}

func parseFDs(oob []byte) ([]int, error) {
	msgs, err := syscall.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse socket control message: %w", err)
	}

	var fds []int
	for _, m := range msgs {
		got, err := syscall.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	if len(fds) > MaxFDs {
		for _, fd := range fds[MaxFDs:] {
			_ = syscall.Close(fd)
		}
		fds = fds[:MaxFDs]
	}
	return fds, nil
}

func readFull(uc *net.UnixConn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := uc.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
