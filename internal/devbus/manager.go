package devbus

import (
	"fmt"
	"log"
	"sync"

	"github.com/killvxk/mvisor/internal/ioworker"
	"github.com/killvxk/mvisor/internal/kvmapi"
	"github.com/killvxk/mvisor/internal/memory"
)

// memoryMapper is the subset of memory.Manager the Device Manager uses
// to shadow an MMIO resource's address range with a trapping Device
// region (spec.md §4.3.1: "for MMIO, call Memory.map(...)"), so a
// guest access to a claimed MMIO range always reaches KVM_EXIT_MMIO
// instead of silently falling through to backing RAM.
type memoryMapper interface {
	Map(base, length uint64, backing []byte, kind memory.Kind, name string) (*memory.Region, error)
	Unmap(region *memory.Region) error
}

// kvmVM is the subset of kvmapi.VM the Device Manager drives directly:
// interrupt lines, MSI signalling, GSI routing and the ioeventfd bind
// ioevent.go also needs. Keeping it narrow lets tests substitute a
// fake VM with no real /dev/kvm behind it.
type kvmVM interface {
	kvmEventFD
	IRQLine(irq uint32, level bool) error
	SignalMSI(addressLo, addressHi, data uint32) error
	SetGSIRouting(entries []kvmapi.IrqRoutingEntry) error
}

// Manager is the Device Manager (spec.md §4.3, C3): the registry every
// device attaches to for PIO/MMIO dispatch, ioeventfd/irqfd shortcuts
// and GSI/MSI interrupt delivery. Its registries are guarded by a
// single mutex that is always released before calling into a device -
// Go's mutex isn't reentrant the way the original's recursive mutex
// was, so a device's Connect()/Reset()/handler callback is free to
// turn around and register more resources of its own.
type Manager struct {
	vm  kvmVM
	io  *ioworker.Thread
	mem memoryMapper

	mu       sync.Mutex
	devices  map[string]Device
	order    []Device
	pciIndex map[uint16]Device

	pio  []*IoResource
	mmio []*IoResource

	mmioShadows map[*IoResource]*memory.Region

	ioevents []*IoEvent

	gsi *gsiTable
}

// New constructs the Device Manager. mem is used to shadow MMIO
// resources with a trapping region as they're registered (spec.md
// §4.3.1); it may be nil in tests that exercise PIO/GSI/ioevent logic
// only and never register an MMIO resource.
func New(vm kvmVM, io *ioworker.Thread, mem memoryMapper) (*Manager, error) {
	m := &Manager{
		vm:          vm,
		io:          io,
		mem:         mem,
		devices:     make(map[string]Device),
		pciIndex:    make(map[uint16]Device),
		mmioShadows: make(map[*IoResource]*memory.Region),
		gsi:         newGsiTable(),
	}
	if err := m.pushGsiTable(); err != nil {
		return nil, err
	}
	return m, nil
}

func pciKey(bus, devfn uint8) uint16 { return uint16(bus)<<8 | uint16(devfn) }

// RegisterDevice attaches dev to the bus. If dev implements
// PciCapable its (bus, devfn) slot is checked for conflicts against
// every other PCI-capable device already registered.
func (m *Manager) RegisterDevice(dev Device) error {
	m.mu.Lock()
	name := dev.Name()
	if _, exists := m.devices[name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNameConflict, name)
	}

	var key uint16
	var hasPci bool
	if pc, ok := dev.(PciCapable); ok {
		view := pc.PCI()
		key = pciKey(view.Bus, view.Devfn)
		if _, taken := m.pciIndex[key]; taken {
			m.mu.Unlock()
			return fmt.Errorf("%w: bus %d devfn %#x", ErrPciDevfnConflict, view.Bus, view.Devfn)
		}
		hasPci = true
	}

	m.devices[name] = dev
	m.order = append(m.order, dev)
	if hasPci {
		m.pciIndex[key] = dev
	}
	m.mu.Unlock()

	log.Printf("devbus: registered device %q", name)
	return nil
}

// UnregisterDevice detaches dev and drops its PCI slot, if any. It
// does not touch resources or ioevents the device may still hold;
// callers are expected to have released those first, the same
// teardown order Connect()'s mirror, Disconnect(), implies.
func (m *Manager) UnregisterDevice(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}
	delete(m.devices, name)
	for i, d := range m.order {
		if d == dev {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if pc, ok := dev.(PciCapable); ok {
		view := pc.PCI()
		delete(m.pciIndex, pciKey(view.Bus, view.Devfn))
	}
	return nil
}

// LookupDevice returns the registered device named name, if any.
func (m *Manager) LookupDevice(name string) (Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[name]
	return dev, ok
}

// LookupPciDevice returns the device claiming (bus, devfn), if any.
func (m *Manager) LookupPciDevice(bus, devfn uint8) (Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.pciIndex[pciKey(bus, devfn)]
	return dev, ok
}

// Connect calls Connect() on every registered device, in registration
// order, the way the system-root tree is walked once at boot.
func (m *Manager) Connect() error {
	m.mu.Lock()
	devices := append([]Device(nil), m.order...)
	m.mu.Unlock()

	for _, dev := range devices {
		if err := dev.Connect(); err != nil {
			return fmt.Errorf("devbus: connect %s: %w", dev.Name(), err)
		}
	}
	return nil
}

// Reset calls Reset() on every registered device, in registration
// order.
func (m *Manager) Reset() {
	m.mu.Lock()
	devices := append([]Device(nil), m.order...)
	m.mu.Unlock()

	for _, dev := range devices {
		dev.Reset()
	}
}

// RegisterIoHandler claims res's address range for dispatch. Handlers
// are scanned in the order registered, with move-to-front promotion
// of any handler matched at depth moveToFrontDepth or deeper, the
// same way google-novm's io.go and mvisor's device_manager.cc keep a
// busy port's handler from paying for a full linear scan forever.
//
// For an MMIO resource, res's range is also shadowed in the Memory
// Manager as a Device region (spec.md §4.3.1), so the guest faults
// into KVM_EXIT_MMIO rather than reading or writing backing RAM that
// happens to sit under the same guest-physical range.
func (m *Manager) RegisterIoHandler(res *IoResource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch res.Kind {
	case ResourcePIO:
		m.pio = append(m.pio, res)
	case ResourceMMIO:
		m.mmio = append(m.mmio, res)
		if m.mem != nil {
			region, err := m.mem.Map(res.Base, res.Length, nil, memory.Device, res.Name)
			if err != nil {
				m.mmio = removeResource(m.mmio, res)
				return fmt.Errorf("devbus: shadow mmio resource %s: %w", res.Name, err)
			}
			m.mmioShadows[res] = region
		}
	}
	return nil
}

// UnregisterIoHandler drops res from dispatch and, for an MMIO
// resource, its Memory Manager shadow region.
func (m *Manager) UnregisterIoHandler(res *IoResource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pio = removeResource(m.pio, res)
	m.mmio = removeResource(m.mmio, res)
	if region, ok := m.mmioShadows[res]; ok {
		if m.mem != nil {
			m.mem.Unmap(region)
		}
		delete(m.mmioShadows, res)
	}
}

func removeResource(list []*IoResource, res *IoResource) []*IoResource {
	for i, r := range list {
		if r == res {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// moveToFrontDepth is how deep a match has to be found before the
// list is reordered to put it first; shallow matches aren't worth the
// slice shuffle.
const moveToFrontDepth = 3

// HandlePio dispatches a PIO access at addr to the registered handler
// whose range contains it, returning all-ones for size on a miss (the
// x86 convention for an unassigned port read).
func (m *Manager) HandlePio(addr uint64, size uint32, isWrite bool, value uint64) uint64 {
	m.mu.Lock()
	res, idx := findResource(m.pio, addr, uint64(size))
	if res != nil && idx >= moveToFrontDepth {
		m.pio = promote(m.pio, idx)
	}
	m.mu.Unlock()

	if res == nil {
		return ^uint64(0)
	}
	offset := addr - res.Base
	if isWrite {
		res.Handler.Write(offset, size, value)
		return 0
	}
	return res.Handler.Read(offset, size)
}

// HandleMmio dispatches an MMIO access the same way HandlePio does.
func (m *Manager) HandleMmio(addr uint64, size uint32, isWrite bool, value uint64) uint64 {
	m.mu.Lock()
	res, idx := findResource(m.mmio, addr, uint64(size))
	if res != nil && idx >= moveToFrontDepth {
		m.mmio = promote(m.mmio, idx)
	}
	m.mu.Unlock()

	if res == nil {
		return ^uint64(0)
	}
	offset := addr - res.Base
	if isWrite {
		res.Handler.Write(offset, size, value)
		return 0
	}
	return res.Handler.Read(offset, size)
}

func findResource(list []*IoResource, addr, size uint64) (*IoResource, int) {
	for i, r := range list {
		if r.contains(addr, size) {
			return r, i
		}
	}
	return nil, -1
}

func promote(list []*IoResource, idx int) []*IoResource {
	r := list[idx]
	copy(list[1:idx+1], list[0:idx])
	list[0] = r
	return list
}

// SetIrq asserts or deasserts a legacy GSI line (KVM_IRQ_LINE).
func (m *Manager) SetIrq(gsi uint32, level bool) error {
	return m.vm.IRQLine(gsi, level)
}

// SignalMsi raises an already-routed MSI directly (KVM_SIGNAL_MSI),
// bypassing irqfd for devices with no fd of their own to bind.
func (m *Manager) SignalMsi(addressLo, addressHi, data uint32) error {
	return m.vm.SignalMSI(addressLo, addressHi, data)
}

// AddMsiRoute allocates the next dynamic GSI, appends an MSI entry to
// the routing table, pushes it to the kernel, and if triggerFD is
// non-negative binds it via irqfd so the device can raise the MSI by
// signalling its own eventfd without calling back into the manager.
func (m *Manager) AddMsiRoute(addressLo, addressHi, data uint32, triggerFD int) (uint32, error) {
	m.mu.Lock()
	gsi := m.gsi.allocate()
	m.gsi.add(kvmapi.IrqRoutingEntry{
		GSI: gsi, Type: kvmapi.IrqRoutingMSI,
		AddressLo: addressLo, AddressHi: addressHi, Data: data,
	})
	m.mu.Unlock()

	if err := m.pushGsiTable(); err != nil {
		return 0, err
	}
	if triggerFD >= 0 {
		if err := m.vm.IRQFD(triggerFD, gsi, false); err != nil {
			return gsi, fmt.Errorf("devbus: irqfd bind gsi %d: %w", gsi, err)
		}
	}
	return gsi, nil
}

// UpdateMsiRoute rewrites or removes the MSI entry at gsi. A zero
// address means "remove": if triggerFD is non-negative, the irqfd the
// caller originally bound with that same fd is deassigned first, then
// the entry is dropped. Otherwise the entry is rewritten and, if
// triggerFD is non-negative, rebound. The caller, not the manager, is
// responsible for passing the same triggerFD it gave AddMsiRoute -
// this mirrors device_manager.cc's UpdateMsiRoute, which takes the fd
// as a parameter rather than tracking one per GSI.
func (m *Manager) UpdateMsiRoute(gsi uint32, addressLo, addressHi, data uint32, triggerFD int) error {
	m.mu.Lock()
	if addressLo == 0 && addressHi == 0 {
		m.gsi.remove(gsi)
		m.mu.Unlock()
		if triggerFD >= 0 {
			if err := m.vm.IRQFD(triggerFD, gsi, true); err != nil {
				return fmt.Errorf("devbus: irqfd deassign gsi %d: %w", gsi, err)
			}
		}
		return m.pushGsiTable()
	}
	m.gsi.replace(kvmapi.IrqRoutingEntry{
		GSI: gsi, Type: kvmapi.IrqRoutingMSI,
		AddressLo: addressLo, AddressHi: addressHi, Data: data,
	})
	m.mu.Unlock()

	if err := m.pushGsiTable(); err != nil {
		return err
	}
	if triggerFD >= 0 {
		return m.vm.IRQFD(triggerFD, gsi, false)
	}
	return nil
}

func (m *Manager) pushGsiTable() error {
	m.mu.Lock()
	entries := m.gsi.snapshot()
	m.mu.Unlock()
	return m.vm.SetGSIRouting(entries)
}
