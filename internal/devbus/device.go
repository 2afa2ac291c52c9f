// Package devbus implements the Device Manager: the single registry
// devices attach to for PIO/MMIO dispatch, ioeventfd/irqfd fast paths,
// and GSI/MSI interrupt delivery. Device Manager never assumes a
// device's concrete type; callers that need a capability a plain
// Device doesn't expose query for it explicitly (see PciView below),
// the same way C++ dynamic_cast let mvisor's device manager reach a
// device's PCI facet without a static dependency on it.
package devbus

// Device is the minimum any attached component must implement.
// Everything else - PIO/MMIO resources, PCI identity, interrupt
// delivery - is discovered by a manager-side capability query rather
// than by broadening this interface, so adding a new facet never
// forces every existing device to grow a method it can't implement.
type Device interface {
	Name() string
	Connect() error
	Disconnect()
	Reset()
}

// PciCapable is implemented by devices that sit on the PCI bus. The
// Device Manager calls PCI() at registration time to learn a device's
// (bus, devfn) identity and guard against two devices claiming the
// same slot, and again at unregistration to release that slot.
type PciCapable interface {
	PCI() *PciView
}

// PciView is the PCI identity a device exposes to the bus, standing
// in for the dynamic_cast<PciDevice*> pattern the original manager
// used to reach into a device's PCI facet.
type PciView struct {
	Bus    uint8
	Devfn  uint8
	Vendor uint16
	Device uint16
}

// Devfn packs a PCI device/function pair the way the bus address space
// does: bits [7:3] device, bits [2:0] function.
func Devfn(device, function uint8) uint8 {
	return (device << 3) | (function & 0x7)
}

// BaseDevice is an embeddable helper that satisfies Device's identity
// and lifecycle methods with sensible no-ops, the same role
// google-novm's machine.BaseDevice plays for its device set: concrete
// devices embed it and override only what they need.
type BaseDevice struct {
	name string
}

func NewBaseDevice(name string) BaseDevice { return BaseDevice{name: name} }

func (b *BaseDevice) Name() string { return b.name }
func (b *BaseDevice) Connect() error { return nil }
func (b *BaseDevice) Disconnect()    {}
func (b *BaseDevice) Reset()         {}
