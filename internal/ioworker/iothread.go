// Package ioworker implements the I/O Thread (spec.md §4.2, C2): a
// single dedicated OS thread running a readiness-based reactor over
// epoll, a Linux AIO ring for asynchronous block I/O, and a callback
// queue for deferred work devices post from other threads.
package ioworker

import (
	"fmt"
	"log"
	"sync"

	"golang.org/x/sys/unix"
)

// ReadyCallback is invoked on the I/O thread with the epoll readiness
// mask whenever a polled fd becomes ready (spec.md §4.2 start_polling).
type ReadyCallback func(events uint32)

// CompletionCallback is invoked on the I/O thread with the kernel
// return value of an async I/O operation: bytes transferred, or a
// negative errno (spec.md §4.2, §7 AsyncIoError).
type CompletionCallback func(result int64)

type pollEntry struct {
	fd int
	cb ReadyCallback
}

// Thread is the I/O Thread singleton owned by Machine (spec.md §4.5).
type Thread struct {
	epfd int
	wake *EventFD
	aio  *aioContext

	mu      sync.Mutex
	entries map[int]*pollEntry

	taskMu sync.Mutex
	tasks  []func()

	running bool
	stopped chan struct{}
}

const maxAioEvents = 128

// New creates the reactor and AIO ring but does not start the thread
// (Machine starts it last, per spec.md §4.5 step 7 / Run()).
func New() (*Thread, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ioworker: epoll_create1: %w", err)
	}

	wake, err := newEventFD()
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	aio, err := newAioContext(maxAioEvents)
	if err != nil {
		unix.Close(epfd)
		wake.Close()
		return nil, err
	}

	t := &Thread{
		epfd:    epfd,
		wake:    wake,
		aio:     aio,
		entries: make(map[int]*pollEntry),
		stopped: make(chan struct{}),
	}

	if err := t.epollAdd(wake.Fd(), unix.EPOLLIN); err != nil {
		return nil, err
	}
	if err := t.epollAdd(aio.resFD.Fd(), unix.EPOLLIN); err != nil {
		return nil, err
	}

	return t, nil
}

func (t *Thread) epollAdd(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(t.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Start launches the dedicated OS thread and runs the reactor loop
// until Stop is called.
func (t *Thread) Start() {
	t.running = true
	go t.run()
}

func (t *Thread) run() {
	// One preemptive OS thread per spec.md §5; pin it so blocking
	// syscalls (epoll_wait) never migrate across the runtime's pool.
	lockOSThread()
	defer unlockOSThread()

	events := make([]unix.EpollEvent, 32)
	for {
		n, err := unix.EpollWait(t.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Printf("ioworker: epoll_wait: %v", err)
			continue
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch fd {
			case t.wake.Fd():
				t.wake.Drain()
				if t.drainTasks() {
					close(t.stopped)
					return
				}
			case t.aio.resFD.Fd():
				t.aio.drain()
			default:
				t.mu.Lock()
				entry, ok := t.entries[fd]
				t.mu.Unlock()
				if ok {
					entry.cb(events[i].Events)
				}
			}
		}
	}
}

// drainTasks runs every queued callback and reports whether Stop was
// requested, so run() can exit the reactor loop.
func (t *Thread) drainTasks() (stop bool) {
	t.taskMu.Lock()
	tasks := t.tasks
	t.tasks = nil
	stop = !t.running
	t.taskMu.Unlock()

	for _, task := range tasks {
		task()
	}
	return stop
}

// Schedule posts cb to run on the I/O thread (spec.md §4.2's callback
// queue), safe to call from any thread.
func (t *Thread) Schedule(cb func()) {
	t.taskMu.Lock()
	t.tasks = append(t.tasks, cb)
	t.taskMu.Unlock()
	t.wake.Signal(1)
}

// runSync schedules fn on the I/O thread and blocks the caller until it
// has run, giving callers a way to serialize with the reactor loop
// (used by StopPolling to get its "no further callbacks" guarantee).
func (t *Thread) runSync(fn func()) {
	done := make(chan struct{})
	t.Schedule(func() {
		fn()
		close(done)
	})
	<-done
}

// StartPolling adds fd to the reactor (spec.md §4.2).
func (t *Thread) StartPolling(fd int, events uint32, cb ReadyCallback) error {
	t.mu.Lock()
	t.entries[fd] = &pollEntry{fd: fd, cb: cb}
	t.mu.Unlock()

	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(t.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// StopPolling removes fd, synchronously with respect to future
// dispatches on that fd (spec.md §4.2).
func (t *Thread) StopPolling(fd int) {
	t.runSync(func() {
		t.mu.Lock()
		delete(t.entries, fd)
		t.mu.Unlock()
		unix.EpollCtl(t.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	})
}

// Read submits an asynchronous pread; cb runs on the I/O thread with
// the kernel return value (spec.md §4.2).
func (t *Thread) Read(fd int, buf []byte, offset int64, cb CompletionCallback) {
	t.Schedule(func() {
		if err := t.aio.submit(iocbCmdPRead, fd, buf, offset, cb); err != nil {
			cb(asyncError(err))
		}
	})
}

// Write submits an asynchronous pwrite.
func (t *Thread) Write(fd int, buf []byte, offset int64, cb CompletionCallback) {
	t.Schedule(func() {
		if err := t.aio.submit(iocbCmdPWrite, fd, buf, offset, cb); err != nil {
			cb(asyncError(err))
		}
	})
}

// Fsync submits an asynchronous fsync.
func (t *Thread) Fsync(fd int, cb CompletionCallback) {
	t.Schedule(func() {
		if err := t.aio.submit(iocbCmdFSync, fd, nil, 0, cb); err != nil {
			cb(asyncError(err))
		}
	})
}

// Stop asks the reactor loop to exit and waits for it to do so. In-flight
// AIO submissions are not cancelled (spec.md §5); teardown relies on the
// caller having already drained any devices that might still submit.
func (t *Thread) Stop() {
	t.taskMu.Lock()
	t.running = false
	t.taskMu.Unlock()
	t.wake.Signal(1)
	<-t.stopped

	t.mu.Lock()
	for fd := range t.entries {
		unix.EpollCtl(t.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	t.mu.Unlock()

	t.aio.close()
	t.wake.Close()
	unix.Close(t.epfd)
}

func asyncError(err error) int64 {
	if errno, ok := err.(unix.Errno); ok {
		return -int64(errno)
	}
	return -1
}
