//go:build linux

package ioworker

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Raw Linux AIO syscall numbers for amd64. x/sys/unix does not export
// these (io_uring's SYS_IO_URING_* siblings are the ones it is more
// commonly asked for), so they are reproduced here the same way
// tinyrange-cc's internal/linux/defs_amd64.go keeps its own raw syscall
// number table for syscalls the stdlib/x/sys doesn't surface.
const (
	sysIOSetup     = 206
	sysIODestroy   = 207
	sysIOGetEvents = 208
	sysIOSubmit    = 209
	sysIOCancel    = 210
)

// iocb mirrors struct iocb from <linux/aio_abi.h>.
type iocb struct {
	aioData     uint64
	aioKey      uint32
	aioRWFlags  uint32
	aioLioOp    uint16
	aioReqPrio  int16
	aioFildes   uint32
	aioBuf      uint64
	aioNBytes   uint64
	aioOffset   int64
	aioReserved uint64
	aioFlags    uint32
	aioResFD    uint32
}

// ioEvent mirrors struct io_event.
type ioEvent struct {
	data uint64
	obj  uint64
	res  int64
	res2 int64
}

const (
	iocbCmdPRead  = 0
	iocbCmdPWrite = 1
	iocbCmdFSync  = 2

	iocbFlagResFD = 1 << 0
)

// aioContext is a single Linux AIO ring, submitted to and drained from
// exclusively on the I/O thread (spec.md §4.2: "must use a kernel
// asynchronous I/O submission interface ... blocking pread/pwrite on
// the I/O thread is not acceptable").
type aioContext struct {
	ctx uint64 // aio_context_t

	resFD   *EventFD
	pending map[uint64]*pendingOp
	nextID  uint64
}

type pendingOp struct {
	iocb *iocb
	cb   func(result int64)
}

func newAioContext(maxEvents uint32) (*aioContext, error) {
	var ctx uint64
	_, _, errno := unix.Syscall(sysIOSetup, uintptr(maxEvents), uintptr(unsafe.Pointer(&ctx)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_setup: %w", errno)
	}

	resFD, err := newEventFD()
	if err != nil {
		unix.Syscall(sysIODestroy, uintptr(ctx), 0, 0)
		return nil, err
	}

	return &aioContext{
		ctx:     ctx,
		resFD:   resFD,
		pending: make(map[uint64]*pendingOp),
	}, nil
}

func (a *aioContext) close() error {
	a.resFD.Close()
	_, _, errno := unix.Syscall(sysIODestroy, uintptr(a.ctx), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// submit builds and submits one iocb, registering it so drain() can
// find and invoke its callback when io_getevents reports it done.
func (a *aioContext) submit(op uint16, fd int, buf []byte, offset int64, cb func(result int64)) error {
	a.nextID++
	id := a.nextID

	var bufPtr uint64
	var nbytes uint64
	if len(buf) > 0 {
		bufPtr = uint64(uintptr(unsafe.Pointer(&buf[0])))
		nbytes = uint64(len(buf))
	}

	cbIocb := &iocb{
		aioData:   id,
		aioLioOp:  op,
		aioFildes: uint32(fd),
		aioBuf:    bufPtr,
		aioNBytes: nbytes,
		aioOffset: offset,
		aioFlags:  iocbFlagResFD,
		aioResFD:  uint32(a.resFD.Fd()),
	}

	a.pending[id] = &pendingOp{iocb: cbIocb, cb: cb}

	iocbs := [1]*iocb{cbIocb}
	_, _, errno := unix.Syscall(sysIOSubmit, uintptr(a.ctx), 1, uintptr(unsafe.Pointer(&iocbs[0])))
	if errno != 0 {
		delete(a.pending, id)
		return fmt.Errorf("io_submit: %w", errno)
	}
	return nil
}

// drain is called by the reactor when resFD becomes readable: it reads
// the eventfd counter (spec.md §4.3.3's "read & discard" pattern, reused
// here for AIO completions) and then harvests every ready completion.
func (a *aioContext) drain() {
	a.resFD.Drain()

	events := make([]ioEvent, 64)
	for {
		n, _, errno := unix.Syscall6(sysIOGetEvents,
			uintptr(a.ctx), 0, uintptr(len(events)),
			uintptr(unsafe.Pointer(&events[0])), 0, 0)
		if errno != 0 || n == 0 {
			return
		}
		for i := 0; i < int(n); i++ {
			ev := events[i]
			op, ok := a.pending[ev.data]
			if !ok {
				continue
			}
			delete(a.pending, ev.data)
			op.cb(ev.res)
		}
		if int(n) < len(events) {
			return
		}
	}
}
