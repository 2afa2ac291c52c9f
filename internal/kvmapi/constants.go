package kvmapi

import "unsafe"

// KVM ioctl request numbers, computed the same way <linux/kvm.h> defines
// them. Only the subset the runtime nucleus uses (spec.md §6) is present.
var (
	kvmGetAPIVersion     = io(kvmioType, 0x00)
	kvmCreateVM          = io(kvmioType, 0x01)
	kvmCheckExtension    = io(kvmioType, 0x03)
	kvmGetVcpuMmapSize   = io(kvmioType, 0x04)
	kvmCreateVcpu        = io(kvmioType, 0x41)
	kvmRun               = io(kvmioType, 0x80)
	kvmGetRegs           = ior(kvmioType, 0x81, unsafe.Sizeof(Regs{}))
	kvmSetRegs           = iow(kvmioType, 0x82, unsafe.Sizeof(Regs{}))
	kvmGetSregs          = ior(kvmioType, 0x83, unsafe.Sizeof(Sregs{}))
	kvmSetSregs          = iow(kvmioType, 0x84, unsafe.Sizeof(Sregs{}))
	kvmSetUserMemRegion  = iow(kvmioType, 0x46, unsafe.Sizeof(UserspaceMemoryRegion{}))
	kvmSetTSSAddr        = io(kvmioType, 0x47)
	kvmSetIdentityMapCfg = iow(kvmioType, 0x48, unsafe.Sizeof(uint64(0)))
	kvmCreateIrqchip     = io(kvmioType, 0x60)
	kvmIrqLine           = iow(kvmioType, 0x61, unsafe.Sizeof(IrqLevel{}))
	kvmCreatePit2        = iow(kvmioType, 0x77, unsafe.Sizeof(PitConfig{}))
	kvmIRQFD             = iow(kvmioType, 0x76, unsafe.Sizeof(IrqFd{}))
	kvmIOEventFD         = iow(kvmioType, 0x79, unsafe.Sizeof(IoEventFd{}))
	kvmSetGSIRouting     = iow(kvmioType, 0x6a, 8) // sizeof(struct kvm_irq_routing): the nr/flags header only
	kvmSetMPState        = iow(kvmioType, 0x99, unsafe.Sizeof(uint32(0)))
	kvmSignalMSI         = iow(kvmioType, 0xa5, unsafe.Sizeof(Msi{}))
	kvmGetLapic          = ior(kvmioType, 0x8e, unsafe.Sizeof(LapicState{}))
	kvmSetLapic          = iow(kvmioType, 0x8f, unsafe.Sizeof(LapicState{}))
)

// API version the kernel must report (spec.md §7 ApiVersionMismatch).
const ExpectedAPIVersion = 12

// KVM_MEM_* flags for struct kvm_userspace_memory_region.
const (
	MemLogDirtyPages = 1 << 0
	MemReadonly      = 1 << 1
)

// KVM_IOEVENTFD_FLAG_*.
const (
	IOEventFDFlagDatamatch = 1 << 0
	IOEventFDFlagPIO       = 1 << 1
	IOEventFDFlagDeassign  = 1 << 2
)

// KVM_IRQFD_FLAG_*.
const (
	IRQFDFlagDeassign = 1 << 0
)

// KVM_IRQ_ROUTING_* entry kinds.
const (
	IrqRoutingIRQChip = 1
	IrqRoutingMSI     = 2
)

// Exit reasons from struct kvm_run.exit_reason.
const (
	ExitUnknown       = 0
	ExitException     = 1
	ExitIO            = 2
	ExitHypercall     = 3
	ExitDebug         = 4
	ExitHLT           = 5
	ExitMMIO          = 6
	ExitIRQWindowOpen = 7
	ExitShutdown      = 8
	ExitFailEntry     = 9
	ExitIntr          = 10
	ExitSetTPR        = 11
	ExitTPRAccess     = 12
	ExitInternalError = 17
)

// MP states (KVM_SET_MP_STATE / KVM_GET_MP_STATE).
const (
	MPStateRunnable        = 0
	MPStateUninitialized   = 1
	MPStateInitReceived    = 2
	MPStateHalted          = 3
	MPStateSIPIReceived    = 4
)

// PIO direction, matches struct kvm_run.io.direction.
const (
	IODirIn  = 0
	IODirOut = 1
)

// IRQ chip indices, per spec.md §3 GsiRoutingEntry.
const (
	IRQChipMasterPIC = 0
	IRQChipSlavePIC  = 1
	IRQChipIOAPIC    = 2
)
