package devbus

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/killvxk/mvisor/internal/ioworker"
	"github.com/killvxk/mvisor/internal/kvmapi"
)

// IoEvent binds one (address, datamatch) pair straight to an eventfd
// inside the kernel (KVM_IOEVENTFD), the fast path that lets a guest's
// matching PIO/MMIO write signal a device without ever trapping into
// userspace for the access itself. Device Manager still owns routing
// that signal into the device's normal HandlePio/HandleMmio dispatch,
// on the I/O thread.
type IoEvent struct {
	Kind      ResourceKind
	Addr      uint64
	Length    uint32
	Datamatch uint64
	UseDatamatch bool

	fd *ioworker.EventFD
}

// kvmEventFD is the subset of kvmapi.VM that owns host eventfd
// bindings; Device Manager is constructed against it so tests can
// substitute a fake.
type kvmEventFD interface {
	IOEventFD(addr, datamatch uint64, length uint32, fd int, flags uint32) error
	IRQFD(fd int, gsi uint32, deassign bool) error
}

// RegisterIoEvent creates a host eventfd, binds it to the kernel via
// KVM_IOEVENTFD, and starts polling it on the I/O thread. Spec §4.3.3:
// the kernel signals the fd directly on a matching guest write without
// trapping into userspace for the access itself, but the Device
// Manager still owes the device a normal HandlePio/HandleMmio call
// carrying the datamatch payload, so the device's own dispatch path -
// not a bespoke callback - is what observes the write.
func (m *Manager) RegisterIoEvent(kind ResourceKind, addr uint64, length uint32, datamatch uint64, useDatamatch bool) (*IoEvent, error) {
	fd, err := ioworker.NewEventFD()
	if err != nil {
		return nil, fmt.Errorf("devbus: ioevent eventfd: %w", err)
	}

	flags := uint32(0)
	if kind == ResourcePIO {
		flags |= kvmapi.IOEventFDFlagPIO
	}
	if useDatamatch {
		flags |= kvmapi.IOEventFDFlagDatamatch
	}

	if err := m.vm.IOEventFD(addr, datamatch, length, fd.Fd(), flags); err != nil {
		fd.Close()
		return nil, fmt.Errorf("devbus: KVM_IOEVENTFD: %w", err)
	}

	ev := &IoEvent{
		Kind: kind, Addr: addr, Length: length,
		Datamatch: datamatch, UseDatamatch: useDatamatch,
		fd: fd,
	}

	if err := m.io.StartPolling(fd.Fd(), unix.EPOLLIN, func(uint32) {
		fd.Drain()
		if ev.Kind == ResourcePIO {
			m.HandlePio(ev.Addr, ev.Length, true, ev.Datamatch)
		} else {
			m.HandleMmio(ev.Addr, ev.Length, true, ev.Datamatch)
		}
	}); err != nil {
		m.unbindIoEvent(ev, flags|kvmapi.IOEventFDFlagDeassign)
		fd.Close()
		return nil, err
	}

	m.mu.Lock()
	m.ioevents = append(m.ioevents, ev)
	m.mu.Unlock()
	return ev, nil
}

// UnregisterIoEvent tears an IoEvent down in the mirror order it was
// set up: stop polling first so no callback can race the unbind, then
// deassign the kernel binding, then release the fd.
func (m *Manager) UnregisterIoEvent(ev *IoEvent) {
	m.io.StopPolling(ev.fd.Fd())

	flags := uint32(kvmapi.IOEventFDFlagDeassign)
	if ev.Kind == ResourcePIO {
		flags |= kvmapi.IOEventFDFlagPIO
	}
	if ev.UseDatamatch {
		flags |= kvmapi.IOEventFDFlagDatamatch
	}
	m.unbindIoEvent(ev, flags)
	ev.fd.Close()

	m.mu.Lock()
	for i, e := range m.ioevents {
		if e == ev {
			m.ioevents = append(m.ioevents[:i], m.ioevents[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
}

func (m *Manager) unbindIoEvent(ev *IoEvent, flags uint32) {
	m.vm.IOEventFD(ev.Addr, ev.Datamatch, ev.Length, ev.fd.Fd(), flags)
}
