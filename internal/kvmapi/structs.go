package kvmapi

// Regs mirrors struct kvm_regs (KVM_GET_REGS/KVM_SET_REGS).
type Regs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor mirrors struct kvm_dtable (GDT/IDT).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs (KVM_GET_SREGS/KVM_SET_SREGS).
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               Descriptor
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(256 + 63) / 64]uint64
}

// lapicRegSize is KVM_APIC_REG_SIZE: the fixed 1KiB register page
// struct kvm_lapic_state carries (KVM_GET_LAPIC/KVM_SET_LAPIC).
const lapicRegSize = 0x400

// LapicState mirrors struct kvm_lapic_state, a raw dump of the
// in-kernel LAPIC's xAPIC register page. internal/vcpu never
// interprets individual registers; it only ever round-trips a whole
// LapicState captured right after vcpu creation, as a reset baseline.
type LapicState struct {
	Regs [lapicRegSize]byte
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region
// (KVM_SET_USER_MEMORY_REGION). Used for both RAM/ROM slot creation and
// slot removal (memory_size == 0).
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// IrqLevel mirrors struct kvm_irq_level (KVM_IRQ_LINE).
type IrqLevel struct {
	IRQ   uint32
	Level uint32
}

// PitConfig mirrors struct kvm_pit_config (KVM_CREATE_PIT2).
type PitConfig struct {
	Flags uint32
	_     [15]uint32
}

// IoEventFd mirrors struct kvm_ioeventfd (KVM_IOEVENTFD).
type IoEventFd struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	FD        int32
	Flags     uint32
	_         [36]byte
}

// IrqFd mirrors struct kvm_irqfd (KVM_IRQFD).
type IrqFd struct {
	FD    uint32
	GSI   uint32
	Flags uint32
	_     [20]byte
}

// Msi mirrors struct kvm_msi (KVM_SIGNAL_MSI): address_lo, address_hi,
// data, flags, devid, then a reserved pad.
type Msi struct {
	AddressLo uint32
	AddressHi uint32
	Data      uint32
	Flags     uint32
	Devid     uint32
	_         [12]byte
}

// IrqRoutingEntry mirrors struct kvm_irq_routing_entry. The irqchip and
// msi payloads are mutually exclusive (type selects which is valid) but
// Go has no union; both fields are carried and only the relevant one is
// populated, matching how kvm_irq_routing_entry.u is laid out in memory
// (the irqchip form is the smaller of the two and is zero-extended).
type IrqRoutingEntry struct {
	GSI   uint32
	Type  uint32
	Flags uint32
	_     uint32
	// irqchip payload
	IRQChip uint32
	Pin     uint32
	// msi payload (overlaps the same union slot in the kernel struct;
	// kept as separate fields here and serialized by VM.SetGSIRouting).
	AddressLo uint32
	AddressHi uint32
	Data      uint32
	_         uint32
}

// IrqRouting mirrors the variable-length struct kvm_irq_routing; Entries
// is serialized immediately following the header by the caller
// (KVM_SET_GSI_ROUTING has no fixed-size ioctl struct).
type IrqRouting struct {
	Nr      uint32
	Flags   uint32
	Entries []IrqRoutingEntry
}
