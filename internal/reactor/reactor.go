// Package reactor implements the single-threaded, cooperative epoll event
// loop the rest of the backend runs on. It is a direct port of the
// reference implementation's evloop.c: one epollfd, a map from fd to
// callback, and the batch-scan-and-null technique that lets a callback
// safely unregister a different fd that is already queued in the current
// epoll_wait batch.
package reactor

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// maxEvents bounds how many events epoll_wait returns per call, mirroring
// the reference implementation's EV_MAX.
const maxEvents = 32

// ErrNotRegistered is returned by Unregister when fd has no callback.
var ErrNotRegistered = errors.New("reactor: fd not registered")

// Callback is invoked when fd becomes ready. events carries the raw
// EPOLLIN/EPOLLHUP bits that fired.
type Callback func(fd int, events uint32)

type entry struct {
	fd int
	cb Callback
}

// Reactor is a single-goroutine epoll loop. It is not safe for concurrent
// use from multiple goroutines — by design, everything this backend does
// runs on the reactor's goroutine.
type Reactor struct {
	log      *zap.Logger
	epollFD  int
	entries  map[int]*entry
	inflight []unix.EpollEvent
	pos      int
	count    int
}

// New creates a Reactor backed by a fresh epoll instance.
func New(log *zap.Logger) (*Reactor, error) {
	if log == nil {
		log = zap.NewNop()
	}

	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	return &Reactor{
		log:      log,
		epollFD:  fd,
		entries:  make(map[int]*entry),
		inflight: make([]unix.EpollEvent, maxEvents),
	}, nil
}

// Close releases the epoll instance. It does not close any registered fds.
func (r *Reactor) Close() error {
	return unix.Close(r.epollFD)
}

// Register starts watching fd for EPOLLIN (and EPOLLHUP, always implicit)
// and invokes cb when it fires.
func (r *Reactor) Register(fd int, cb Callback) error {
	e := &entry{fd: fd, cb: cb}

	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(r.epollFD, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(ADD, %d): %w", fd, err)
	}

	r.entries[fd] = e
	return nil
}

// Unregister stops watching fd. If fd is part of the batch currently being
// delivered (because an earlier callback in this same epoll_wait batch
// unregistered it), the pending event is neutralized so Run does not
// dispatch a callback for an fd the caller has already discarded.
func (r *Reactor) Unregister(fd int) error {
	if _, ok := r.entries[fd]; !ok {
		return ErrNotRegistered
	}

	if err := unix.EpollCtl(r.epollFD, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(DEL, %d): %w", fd, err)
	}

	for i := r.pos + 1; i < r.count; i++ {
		if int(r.inflight[i].Fd) == fd {
			r.inflight[i].Events = 0
		}
	}

	delete(r.entries, fd)
	return nil
}

// Run blocks in epoll_wait and dispatches callbacks until epoll_wait
// returns an error other than EINTR (EINTR is retried transparently). It
// has no other stop mechanism; callers typically run it in its own
// goroutine.
func (r *Reactor) Run() error {
	for {
		n, err := unix.EpollWait(r.epollFD, r.inflight, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		r.count = n
		for r.pos = 0; r.pos < r.count; r.pos++ {
			ev := r.inflight[r.pos]
			if ev.Events == 0 {
				continue // neutralized by Unregister from an earlier callback
			}

			e, ok := r.entries[int(ev.Fd)]
			if !ok {
				continue
			}
			e.cb(int(ev.Fd), ev.Events)
		}
	}
}

// RunOnce runs a single epoll_wait + dispatch pass, for tests that want
// deterministic control over how many batches execute.
func (r *Reactor) RunOnce() error {
	n, err := unix.EpollWait(r.epollFD, r.inflight, -1)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("reactor: epoll_wait: %w", err)
	}

	r.count = n
	for r.pos = 0; r.pos < r.count; r.pos++ {
		ev := r.inflight[r.pos]
		if ev.Events == 0 {
			continue
		}

		e, ok := r.entries[int(ev.Fd)]
		if !ok {
			continue
		}
		e.cb(int(ev.Fd), ev.Events)
	}
	return nil
}
