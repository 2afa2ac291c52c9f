package memory

import "errors"

// ErrAddressOverlap is returned by Map when a RAM/ROM region would
// collide with an already-mapped RAM/ROM region (spec.md §7,
// AddressOverlap: fatal, configuration bug).
var ErrAddressOverlap = errors.New("memory: RAM/ROM region overlap")

// ErrRegionNotFound is returned by Unmap for a region the manager does
// not own.
var ErrRegionNotFound = errors.New("memory: region not found")
