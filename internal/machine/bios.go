package machine

import (
	"fmt"
	"os"

	"github.com/killvxk/mvisor/internal/memory"
)

// biosLowTop and biosHighTop are the tops of the two guest-physical
// windows the BIOS image is mapped just below (spec.md §4.1
// invariant): the top of the first
// megabyte, where real-mode firmware expects to find its reset vector,
// and the top of the first 4GiB, where 32-bit protected-mode code
// looks for it after the PCI hole.
const (
	biosLowTop  = 0x100000
	biosHighTop = 0x100000000
)

// loadBios reads path into a private buffer plus an immutable backup
// copy, then maps the buffer (not the backup) at both BIOS windows
// sharing the same backing slice, so a write through either window is
// visible at the other — SeaBIOS writes scratch data to its own image
// during POST (spec.md §4.1: "writable RAM, not ROM").
func (m *Machine) loadBios(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBiosLoadFailed, err)
	}

	size := alignUp(uint64(len(data)), memory.PageSize)
	buf := make([]byte, size)
	copy(buf, data)

	backup := make([]byte, size)
	copy(backup, buf)

	m.biosSize = size
	m.biosBackup = backup
	m.biosBuf = buf

	low, err := m.Memory.Map(biosLowTop-size, size, buf, memory.RAM, "bios-low")
	if err != nil {
		return fmt.Errorf("%w: map low window: %v", ErrBiosLoadFailed, err)
	}
	high, err := m.Memory.Map(biosHighTop-size, size, buf, memory.RAM, "bios-high")
	if err != nil {
		m.Memory.Unmap(low)
		return fmt.Errorf("%w: map high window: %v", ErrBiosLoadFailed, err)
	}

	m.biosLow = low
	m.biosHigh = high
	return nil
}

// restoreBios copies the backup over the live buffer, undoing any
// guest writes (spec.md §4.5 Reset, §8 testable property).
func (m *Machine) restoreBios() {
	copy(m.biosBuf, m.biosBackup)
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
