package vhostuser

import (
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/hexonxon/vhost-user-go/internal/reactor"
	"github.com/hexonxon/vhost-user-go/internal/vdev"
)

// Server listens on a UNIX socket and drives every accepted connection's
// control plane from the caller's reactor, so the control socket and every
// vring's kickfd end up multiplexed on the same epoll set — there is no
// second goroutine reading vhost-user messages. Grounded on the reference
// implementation's single evloop.c instance owning both the listening
// socket and every kickfd it hands out.
type Server struct {
	log *zap.Logger
	r   *reactor.Reactor

	ln      *net.UnixListener
	lnFile  *os.File
	newDev  func() (vdev.Device, vdev.EventHandler, int)
	devices map[int]*VhostDev
}

// NewServer listens on path, refusing to start if anything already exists
// there — a live socket from another running instance must not be stolen,
// and a stale socket from an unclean shutdown is left for the operator to
// clear. newDev is called once per accepted connection to build the
// device this connection will control.
func NewServer(log *zap.Logger, r *reactor.Reactor, path string, newDev func() (vdev.Device, vdev.EventHandler, int)) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}

	if err := refuseIfExists(path); err != nil {
		return nil, err
	}

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("vhostuser: resolve %q: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("vhostuser: listen %q: %w", path, err)
	}

	lnFile, err := ln.File()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("vhostuser: dup listener fd: %w", err)
	}

	s := &Server{
		log:     log,
		r:       r,
		ln:      ln,
		lnFile:  lnFile,
		newDev:  newDev,
		devices: make(map[int]*VhostDev),
	}

	if err := r.Register(int(lnFile.Fd()), s.onAcceptable); err != nil {
		_ = lnFile.Close()
		_ = ln.Close()
		return nil, fmt.Errorf("vhostuser: register listener: %w", err)
	}

	return s, nil
}

// Addr is the socket path this server is bound to.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close unregisters and closes every accepted connection plus the listener
// itself, and removes the socket file.
func (s *Server) Close() error {
	for fd, d := range s.devices {
		_ = s.r.Unregister(fd)
		d.Reset()
		_ = d.conn.Close()
	}
	s.devices = nil

	_ = s.r.Unregister(int(s.lnFile.Fd()))
	_ = s.lnFile.Close()
	err := s.ln.Close()
	_ = os.Remove(s.Addr())
	return err
}

func (s *Server) onAcceptable(_ int, _ uint32) {
	conn, err := s.ln.AcceptUnix()
	if err != nil {
		s.log.Warn("vhostuser: accept failed", zap.Error(err))
		return
	}

	// At most one master drives this device at a time, matching the
	// reference implementation's connfd guard: a second connection while
	// one is already active is rejected outright rather than handed its
	// own VhostDev over the same backend.
	if len(s.devices) > 0 {
		s.log.Warn("vhostuser: rejecting connection, one is already active")
		_ = conn.Close()
		return
	}

	connFD, err := dupConnFD(conn)
	if err != nil {
		s.log.Warn("vhostuser: dup connection fd failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	dev, handler, numQueues := s.newDev()
	d := New(s.log, dev, handler, s.r, numQueues)
	d.Attach(NewConn(conn))

	if err := s.r.Register(connFD, s.makeConnCallback(connFD, d)); err != nil {
		s.log.Warn("vhostuser: register connection fd failed", zap.Error(err))
		d.Reset()
		_ = conn.Close()
		return
	}

	s.devices[connFD] = d
}

// makeConnCallback builds the per-connection reactor callback: one
// ServeOne per readable wakeup, unregistering and tearing the connection
// down the moment ServeOne reports the master dropped it or sent
// something fatal.
func (s *Server) makeConnCallback(connFD int, d *VhostDev) reactor.Callback {
	return func(fd int, events uint32) {
		if err := d.ServeOne(); err != nil {
			s.log.Info("vhostuser: connection closed", zap.Error(err))
			_ = s.r.Unregister(connFD)
			delete(s.devices, connFD)
			_ = d.conn.Close()
			_ = unix.Close(connFD)
		}
	}
}

// dupConnFD extracts a stable raw fd for conn suitable for registering
// with the reactor directly, independent of net.UnixConn's own fd
// lifecycle (conn is still used for all actual reads/writes through Conn).
func dupConnFD(conn *net.UnixConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}

	var dupFD int
	var dupErr error
	err = raw.Control(func(fd uintptr) {
		dupFD, dupErr = unix.Dup(int(fd))
	})
	if err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, dupErr
	}
	return dupFD, nil
}

// refuseIfExists rejects startup if path already exists, matching
// server.c's access(F_OK) check: a live socket from another running
// instance must never be silently stolen, and a stale socket left behind
// by an unclean shutdown must be removed by the operator, not by us.
// Best-effort cleanup of our own socket file happens in Close instead.
func refuseIfExists(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("vhostuser: %q already exists, refusing to reuse it", path)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("vhostuser: stat %q: %w", path, err)
	}
	return nil
}
