package devbus

import "github.com/killvxk/mvisor/internal/kvmapi"

// gsiDynamicBase is the first GSI number the allocator hands out to
// PCI devices; everything below it is the fixed ISA prefix installed
// at construction (spec.md §4.3.4).
const gsiDynamicBase = 24

// buildFixedPrefix returns the routing table's fixed prefix, in
// construction order: master PIC
// pins 0-7 (GSI 2, the cascade line, omitted), slave PIC pins 0-7 at
// GSIs 8-15, then IOAPIC pins 0-23 with GSI 0 remapped to pin 2 (the
// legacy PIT-to-IOAPIC cascade) and GSI 2 again omitted. A single GSI
// can carry both a PIC route and an IOAPIC route at once - real
// chipsets wire the timer to both the master PIC and the IOAPIC - so
// this is a flat ordered list, not a map keyed by GSI.
func buildFixedPrefix() []kvmapi.IrqRoutingEntry {
	entries := make([]kvmapi.IrqRoutingEntry, 0, 38)

	for gsi := uint32(0); gsi < 8; gsi++ {
		if gsi == 2 {
			continue
		}
		entries = append(entries, kvmapi.IrqRoutingEntry{
			GSI: gsi, Type: kvmapi.IrqRoutingIRQChip,
			IRQChip: uint32(kvmapi.IRQChipMasterPIC), Pin: gsi,
		})
	}
	for gsi := uint32(8); gsi < 16; gsi++ {
		entries = append(entries, kvmapi.IrqRoutingEntry{
			GSI: gsi, Type: kvmapi.IrqRoutingIRQChip,
			IRQChip: uint32(kvmapi.IRQChipSlavePIC), Pin: gsi - 8,
		})
	}
	for gsi := uint32(0); gsi < gsiDynamicBase; gsi++ {
		if gsi == 2 {
			continue
		}
		pin := gsi
		if gsi == 0 {
			pin = 2
		}
		entries = append(entries, kvmapi.IrqRoutingEntry{
			GSI: gsi, Type: kvmapi.IrqRoutingIRQChip,
			IRQChip: uint32(kvmapi.IRQChipIOAPIC), Pin: pin,
		})
	}

	return entries
}

// gsiTable tracks every routing entry currently pushed to the kernel,
// in the order they were installed, and hands out fresh dynamic GSIs
// to PCI devices above the fixed ISA prefix.
type gsiTable struct {
	entries  []kvmapi.IrqRoutingEntry
	nextFree uint32
}

func newGsiTable() *gsiTable {
	return &gsiTable{entries: buildFixedPrefix(), nextFree: gsiDynamicBase}
}

func (t *gsiTable) allocate() uint32 {
	gsi := t.nextFree
	t.nextFree++
	return gsi
}

// add appends a new dynamic entry (add_msi_route).
func (t *gsiTable) add(e kvmapi.IrqRoutingEntry) {
	t.entries = append(t.entries, e)
}

// replace rewrites the (single) dynamic entry for gsi in place
// (update_msi_route with a non-zero address).
func (t *gsiTable) replace(e kvmapi.IrqRoutingEntry) {
	for i := range t.entries {
		if t.entries[i].GSI == e.GSI {
			t.entries[i] = e
			return
		}
	}
	t.add(e)
}

// remove drops the dynamic entry for gsi (update_msi_route with a
// zero address).
func (t *gsiTable) remove(gsi uint32) {
	for i, e := range t.entries {
		if e.GSI == gsi {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

func (t *gsiTable) snapshot() []kvmapi.IrqRoutingEntry {
	out := make([]kvmapi.IrqRoutingEntry, len(t.entries))
	copy(out, t.entries)
	return out
}
