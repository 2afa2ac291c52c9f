package machine

import "errors"

// ErrHostIfaceUnavailable is fatal at init (spec.md §7): the host's
// hardware-virtualization interface could not be opened or queried.
var ErrHostIfaceUnavailable = errors.New("machine: kvm interface unavailable")

// ErrBiosLoadFailed is fatal at init (spec.md §7).
var ErrBiosLoadFailed = errors.New("machine: bios load failed")

// ErrObjectNameConflict is fatal: two objects in the configuration
// claim the same instance name.
var ErrObjectNameConflict = errors.New("machine: object name already used")
