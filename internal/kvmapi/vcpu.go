package kvmapi

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Vcpu wraps one kernel vcpu fd and its mmap'd kvm_run page. Everything
// above this layer (internal/vcpu) only sees exit classification, never
// the raw struct offsets.
type Vcpu struct {
	fd      int
	RunArea []byte
}

// Fixed offsets inside struct kvm_run (see constants.go for the exit
// reason enum). header is 32 bytes; the exit-specific union starts
// immediately after it.
const (
	runHeaderSize  = 32
	runExitReasonOff = 8

	runIOOff        = runHeaderSize
	runIODirOff     = runIOOff + 0
	runIOSizeOff    = runIOOff + 1
	runIOPortOff    = runIOOff + 2
	runIOCountOff   = runIOOff + 4
	runIODataOffOff = runIOOff + 8

	runMMIOOff       = runHeaderSize
	runMMIOAddrOff   = runMMIOOff + 0
	runMMIODataOff   = runMMIOOff + 8
	runMMIOLenOff    = runMMIOOff + 16
	runMMIOWriteOff  = runMMIOOff + 20

	// runImmediateExitOff is kvm_run.immediate_exit: setting it makes a
	// concurrent KVM_RUN return promptly instead of re-entering the
	// guest, the flag half of the kick mechanism (the signal half
	// interrupts the syscall if it is already blocked in the kernel).
	runImmediateExitOff = 1
)

func (vm *VM) NewVcpu(id uint32) (*Vcpu, error) {
	fd, err := ioctl(vm.Fd(), kvmCreateVcpu, uintptr(id))
	if err != nil {
		return nil, fmt.Errorf("KVM_CREATE_VCPU: %w", err)
	}

	runArea, err := mmap(int(fd), vm.VcpuMmapSize)
	if err != nil {
		return nil, fmt.Errorf("mmap vcpu run area: %w", err)
	}

	return &Vcpu{fd: int(fd), RunArea: runArea}, nil
}

func (vcpu *Vcpu) Fd() int { return vcpu.fd }

// Close unmaps the run area and closes the vcpu fd. Callers must have
// already joined the vcpu's OS thread.
func (vcpu *Vcpu) Close() error {
	if err := unix.Munmap(vcpu.RunArea); err != nil {
		unix.Close(vcpu.fd)
		return fmt.Errorf("munmap vcpu run area: %w", err)
	}
	return unix.Close(vcpu.fd)
}

// Run issues KVM_RUN and blocks until the guest exits back to userspace.
func (vcpu *Vcpu) Run() error {
	_, err := ioctl(vcpu.fd, kvmRun, 0)
	return err
}

func (vcpu *Vcpu) ExitReason() uint32 {
	return binary.LittleEndian.Uint32(vcpu.RunArea[runExitReasonOff:])
}

// SetImmediateExit arms or disarms the immediate_exit flag (spec.md §5
// kick semantics): once set, a KVM_RUN in flight or about to be issued
// returns at the next opportunity without waiting on the guest.
func (vcpu *Vcpu) SetImmediateExit(v bool) {
	if v {
		vcpu.RunArea[runImmediateExitOff] = 1
	} else {
		vcpu.RunArea[runImmediateExitOff] = 0
	}
}

// IO exit accessors (ExitIO).
func (vcpu *Vcpu) IODirection() uint8 { return vcpu.RunArea[runIODirOff] }
func (vcpu *Vcpu) IOSize() uint8      { return vcpu.RunArea[runIOSizeOff] }
func (vcpu *Vcpu) IOPort() uint16     { return binary.LittleEndian.Uint16(vcpu.RunArea[runIOPortOff:]) }
func (vcpu *Vcpu) IOCount() uint32    { return binary.LittleEndian.Uint32(vcpu.RunArea[runIOCountOff:]) }

// IOData returns the slice of guest data for the REP-string transfer;
// data_offset is relative to the start of the mmap'd run area.
func (vcpu *Vcpu) IOData() []byte {
	dataOff := binary.LittleEndian.Uint64(vcpu.RunArea[runIODataOffOff:])
	size := int(vcpu.IOSize()) * int(vcpu.IOCount())
	return vcpu.RunArea[dataOff : int(dataOff)+size]
}

// MMIO exit accessors (ExitMMIO).
func (vcpu *Vcpu) MMIOAddr() uint64 {
	return binary.LittleEndian.Uint64(vcpu.RunArea[runMMIOAddrOff:])
}
func (vcpu *Vcpu) MMIOData() []byte {
	return vcpu.RunArea[runMMIODataOff : runMMIODataOff+8]
}
func (vcpu *Vcpu) MMIOLen() uint32 {
	return binary.LittleEndian.Uint32(vcpu.RunArea[runMMIOLenOff:])
}
func (vcpu *Vcpu) MMIOIsWrite() bool {
	return vcpu.RunArea[runMMIOWriteOff] != 0
}

func (vcpu *Vcpu) GetRegs() (*Regs, error) {
	regs := &Regs{}
	_, err := ioctlPtr(vcpu.fd, kvmGetRegs, unsafe.Pointer(regs))
	return regs, err
}

func (vcpu *Vcpu) SetRegs(regs *Regs) error {
	_, err := ioctlPtr(vcpu.fd, kvmSetRegs, unsafe.Pointer(regs))
	return err
}

func (vcpu *Vcpu) GetSregs() (*Sregs, error) {
	sregs := &Sregs{}
	_, err := ioctlPtr(vcpu.fd, kvmGetSregs, unsafe.Pointer(sregs))
	return sregs, err
}

func (vcpu *Vcpu) SetSregs(sregs *Sregs) error {
	_, err := ioctlPtr(vcpu.fd, kvmSetSregs, unsafe.Pointer(sregs))
	return err
}

func (vcpu *Vcpu) SetMPState(state uint32) error {
	_, err := ioctlPtr(vcpu.fd, kvmSetMPState, unsafe.Pointer(&state))
	return err
}

// GetLapic and SetLapic round-trip the in-kernel LAPIC's xAPIC
// register page (spec.md §4.4, §6 "LAPIC state"). A vcpu's LAPIC
// starts in the real architectural power-on state the moment the
// in-kernel irqchip is created, which is exactly the state Reset()
// needs to restore, so callers capture one right after NewVcpu and
// replay it on reset rather than this package guessing at individual
// register reset values.
func (vcpu *Vcpu) GetLapic() (*LapicState, error) {
	lapic := &LapicState{}
	_, err := ioctlPtr(vcpu.fd, kvmGetLapic, unsafe.Pointer(lapic))
	return lapic, err
}

func (vcpu *Vcpu) SetLapic(lapic *LapicState) error {
	_, err := ioctlPtr(vcpu.fd, kvmSetLapic, unsafe.Pointer(lapic))
	return err
}
