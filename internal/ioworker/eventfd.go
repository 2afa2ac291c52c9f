//go:build linux

package ioworker

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// EventFD is a minimal wrapper over a Linux eventfd, used both for the
// ioeventfd/irqfd fast paths that Device Manager wires up and for the
// I/O thread's own wake and AIO-completion fds.
type EventFD struct {
	fd int
}

func NewEventFD() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &EventFD{fd: fd}, nil
}

func (e *EventFD) Fd() int { return e.fd }

func (e *EventFD) Close() error { return unix.Close(e.fd) }

// Drain reads and discards the 8-byte counter, the idiom spec.md
// §4.3.3 calls for on every ioeventfd/irqfd/AIO-resfd wakeup.
func (e *EventFD) Drain() {
	var buf [8]byte
	_, err := unix.Read(e.fd, buf[:])
	for err == unix.EINTR {
		_, err = unix.Read(e.fd, buf[:])
	}
}

// Signal writes val to the counter, waking anyone polling this fd.
func (e *EventFD) Signal(val uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	_, err := unix.Write(e.fd, buf[:])
	return err
}

func newEventFD() (*EventFD, error) { return NewEventFD() }
