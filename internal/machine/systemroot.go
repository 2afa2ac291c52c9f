package machine

import "github.com/killvxk/mvisor/internal/devbus"

// SystemRoot is the motherboard node every other device hangs off of
// (spec.md §4.5 step 8); it owns no resources itself and exists purely
// so the Device Manager has a single root to Connect()/Reset()/
// Disconnect() recursively, grounded on the teacher's
// "SystemRoot : public Device" in original_source's device_manager.cc.
type SystemRoot struct {
	devbus.BaseDevice
}

func NewSystemRoot(name string) *SystemRoot {
	return &SystemRoot{BaseDevice: devbus.NewBaseDevice(name)}
}
