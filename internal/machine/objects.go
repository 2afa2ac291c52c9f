package machine

import (
	"fmt"

	"github.com/killvxk/mvisor/internal/config"
	"github.com/killvxk/mvisor/internal/devbus"
)

// DeviceFactory constructs a device from its configuration node.
// Concrete device emulations (QXL, AHCI, XHCI, virtio-*, ...) are
// explicitly out of scope (spec.md §1); this registry is how the
// handful of collaborators the core does own (system-root, and test
// fixtures) are wired the same way a real device class would be.
type DeviceFactory func(spec *config.ObjectSpec) (devbus.Device, error)

var factories = map[string]DeviceFactory{
	"system-root": func(spec *config.ObjectSpec) (devbus.Device, error) {
		return NewSystemRoot(spec.Name), nil
	},
}

// RegisterDeviceClass lets a collaborator package (an out-of-tree
// device emulation, or a test) add itself to the class registry the
// same way the original's DECLARE_DEVICE macro registered a C++ class
// factory into a global map.
func RegisterDeviceClass(class string, factory DeviceFactory) {
	factories[class] = factory
}

// buildObjectTree instantiates spec and every descendant via the class
// registry, registering each with the Device Manager in pre-order
// (parent before children) so devbus.Manager.Connect()'s registration-
// order walk matches the "Connect() ... top-down" ordering spec.md
// §3 requires.
func (m *Machine) buildObjectTree(spec *config.ObjectSpec) error {
	factory, ok := factories[spec.Class]
	if !ok {
		return fmt.Errorf("machine: no device class registered for %q (object %q)", spec.Class, spec.Name)
	}

	dev, err := factory(spec)
	if err != nil {
		return fmt.Errorf("machine: construct %q (%s): %w", spec.Name, spec.Class, err)
	}

	if err := m.addObject(spec.Name, spec.Class, dev); err != nil {
		return err
	}
	if err := m.Devices.RegisterDevice(dev); err != nil {
		return fmt.Errorf("machine: register %q: %w", spec.Name, err)
	}

	for _, child := range spec.Children {
		if err := m.buildObjectTree(child); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) addObject(name, class string, dev devbus.Device) error {
	m.objMu.Lock()
	defer m.objMu.Unlock()
	if _, exists := m.objects[name]; exists {
		return fmt.Errorf("%w: %s", ErrObjectNameConflict, name)
	}
	m.objects[name] = dev
	m.objectClass[name] = class
	return nil
}

// LookupObjectByName returns the device named name, if any (spec.md
// §4.5 "map of named objects").
func (m *Machine) LookupObjectByName(name string) (devbus.Device, bool) {
	m.objMu.Lock()
	defer m.objMu.Unlock()
	dev, ok := m.objects[name]
	return dev, ok
}

// LookupObjectByClass returns the first registered device whose class
// matches, if any, grounded on original_source's
// Machine::LookupObjectByClass.
func (m *Machine) LookupObjectByClass(class string) (devbus.Device, bool) {
	m.objMu.Lock()
	defer m.objMu.Unlock()
	for name, c := range m.objectClass {
		if c == class {
			return m.objects[name], true
		}
	}
	return nil, false
}

// LookupObjects returns every device for which match returns true,
// grounded on original_source's Machine::LookupObjects.
func (m *Machine) LookupObjects(match func(name, class string, dev devbus.Device) bool) []devbus.Device {
	m.objMu.Lock()
	defer m.objMu.Unlock()
	var out []devbus.Device
	for name, dev := range m.objects {
		if match(name, m.objectClass[name], dev) {
			out = append(out, dev)
		}
	}
	return out
}
