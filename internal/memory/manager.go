// Package memory implements the guest physical address space: the set
// of non-overlapping RAM/ROM/Device/Reserved regions and the slot
// bookkeeping KVM requires to back them (spec.md §4.1, C1).
package memory

import (
	"fmt"
	"log"
	"sync"

	"github.com/killvxk/mvisor/internal/kvmapi"
)

// Kind is the MemoryRegion.kind attribute from the data model (spec.md §3).
type Kind int

const (
	RAM Kind = iota
	ROM
	Device
	Reserved
)

func (k Kind) String() string {
	switch k {
	case RAM:
		return "RAM"
	case ROM:
		return "ROM"
	case Device:
		return "Device"
	case Reserved:
		return "Reserved"
	default:
		return "unknown"
	}
}

// PageSize is the host page size this manager requires every region's
// length to be a multiple of (spec.md §3 invariant).
const PageSize = 4096

// Region is a guest-physical address space entry (spec.md §3 MemoryRegion).
type Region struct {
	Base    uint64
	Length  uint64
	Backing []byte
	Kind    Kind
	Name    string

	slot    uint32
	hasSlot bool
}

func (r *Region) End() uint64 { return r.Base + r.Length }

func (r *Region) overlaps(base, length uint64) bool {
	return r.Base < base+length && base < r.End()
}

// KvmVM is the subset of kvmapi.VM the memory manager drives. Tests
// substitute a fake that records calls instead of opening /dev/kvm.
type KvmVM interface {
	SetUserMemoryRegion(r kvmapi.UserspaceMemoryRegion) error
}

// Manager owns the guest physical address space (spec.md §4.1, C1).
type Manager struct {
	mu      sync.Mutex
	vm      KvmVM
	regions []*Region

	freeSlots []uint32
	nextSlot  uint32
}

func NewManager(vm KvmVM) *Manager {
	return &Manager{vm: vm}
}

// Map installs a region. RAM/ROM get a fresh kernel slot; Device/Reserved
// get none, which is exactly what makes a guest access to them trap.
// A Device region is permitted to shadow RAM (spec.md §4.1).
func (m *Manager) Map(base, length uint64, backing []byte, kind Kind, name string) (*Region, error) {
	if length%PageSize != 0 {
		return nil, fmt.Errorf("memory: length %#x not page-aligned", length)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if kind == RAM || kind == ROM {
		for _, existing := range m.regions {
			if (existing.Kind == RAM || existing.Kind == ROM) && existing.overlaps(base, length) {
				return nil, ErrAddressOverlap
			}
		}
	}

	region := &Region{Base: base, Length: length, Backing: backing, Kind: kind, Name: name}

	if kind == RAM || kind == ROM {
		slot := m.allocSlot()
		flags := uint32(0)
		if kind == ROM {
			flags |= kvmapi.MemReadonly
		}
		log.Printf("memory: mapping %x byte %s region [%x,%x) slot=%d (%s)",
			length, kind, base, base+length, slot, name)
		err := m.vm.SetUserMemoryRegion(kvmapi.UserspaceMemoryRegion{
			Slot:          slot,
			Flags:         flags,
			GuestPhysAddr: base,
			MemorySize:    length,
			UserspaceAddr: hostAddr(backing),
		})
		if err != nil {
			m.freeSlots = append(m.freeSlots, slot)
			return nil, fmt.Errorf("memory: KVM_SET_USER_MEMORY_REGION: %w", err)
		}
		region.slot = slot
		region.hasSlot = true
	}

	m.regions = append(m.regions, region)
	return region, nil
}

// Unmap detaches a region, releasing its kernel slot for RAM/ROM.
func (m *Manager) Unmap(region *Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, r := range m.regions {
		if r == region {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrRegionNotFound
	}

	if region.hasSlot {
		err := m.vm.SetUserMemoryRegion(kvmapi.UserspaceMemoryRegion{
			Slot:          region.slot,
			GuestPhysAddr: region.Base,
			MemorySize:    0,
		})
		if err != nil {
			return fmt.Errorf("memory: unmap slot %d: %w", region.slot, err)
		}
		m.freeSlots = append(m.freeSlots, region.slot)
	}

	m.regions = append(m.regions[:idx], m.regions[idx+1:]...)
	return nil
}

// GuestToHost translates a guest physical address into the backing
// buffer it falls in, linearly scanning RAM/ROM regions (spec.md §4.1).
// Returns nil if no RAM/ROM region covers gpa.
func (m *Manager) GuestToHost(gpa uint64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.regions {
		if r.Kind != RAM && r.Kind != ROM {
			continue
		}
		if gpa >= r.Base && gpa < r.End() {
			offset := gpa - r.Base
			return r.Backing[offset:]
		}
	}
	return nil
}

// Regions returns a debug snapshot of the address space (spec.md §4.1).
func (m *Manager) Regions() []Region {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Region, len(m.regions))
	for i, r := range m.regions {
		out[i] = *r
	}
	return out
}

// TotalRAM sums the length of every RAM-kind region, including any
// firmware windows mapped as RAM; ROM, Device and Reserved regions are
// not counted.
func (m *Manager) TotalRAM() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total uint64
	for _, r := range m.regions {
		if r.Kind == RAM {
			total += r.Length
		}
	}
	return total
}

func (m *Manager) allocSlot() uint32 {
	if n := len(m.freeSlots); n > 0 {
		slot := m.freeSlots[n-1]
		m.freeSlots = m.freeSlots[:n-1]
		return slot
	}
	slot := m.nextSlot
	m.nextSlot++
	return slot
}
