package kvmapi

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// VM wraps the host /dev/kvm character device and one KVM_CREATE_VM
// instance. This package (VM and Vcpu) is the only code in the
// repository that issues KVM ioctls directly; every other component is
// unit-testable against the narrow interfaces internal/memory,
// internal/devbus and internal/vcpu declare over it.
type VM struct {
	kvmFile *os.File
	vmFile  *os.File

	VcpuMmapSize int
}

// Open opens /dev/kvm, checks the API version, creates a VM fd and
// queries the per-vcpu mmap size. Any failure here is fatal per
// spec.md §7 (HostIfaceUnavailable / ApiVersionMismatch).
func Open() (*VM, error) {
	kvmFile, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	vm := &VM{kvmFile: kvmFile}

	version, err := ioctl(int(kvmFile.Fd()), kvmGetAPIVersion, 0)
	if err != nil {
		kvmFile.Close()
		return nil, fmt.Errorf("KVM_GET_API_VERSION: %w", err)
	}
	if int(version) != ExpectedAPIVersion {
		kvmFile.Close()
		return nil, fmt.Errorf("kvm api version %d, expected %d", version, ExpectedAPIVersion)
	}

	mmapSize, err := ioctl(int(kvmFile.Fd()), kvmGetVcpuMmapSize, 0)
	if err != nil {
		kvmFile.Close()
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	vm.VcpuMmapSize = int(mmapSize)

	vmFD, err := ioctl(int(kvmFile.Fd()), kvmCreateVM, 0)
	if err != nil {
		kvmFile.Close()
		return nil, fmt.Errorf("KVM_CREATE_VM: %w", err)
	}
	vm.vmFile = os.NewFile(vmFD, "kvm-vm")

	return vm, nil
}

func (vm *VM) Fd() int { return int(vm.vmFile.Fd()) }

func (vm *VM) Close() error {
	vm.vmFile.Close()
	return vm.kvmFile.Close()
}

// SetIdentityMapAddr and SetTSSAddr implement the vm86-mode requirement
// in spec.md §4.5 step 5.
func (vm *VM) SetIdentityMapAddr(addr uint64) error {
	_, err := ioctlPtr(vm.Fd(), kvmSetIdentityMapCfg, unsafe.Pointer(&addr))
	return err
}

func (vm *VM) SetTSSAddr(addr uint64) error {
	_, err := ioctl(vm.Fd(), kvmSetTSSAddr, uintptr(addr))
	return err
}

func (vm *VM) CreateIRQChip() error {
	_, err := ioctl(vm.Fd(), kvmCreateIrqchip, 0)
	return err
}

func (vm *VM) CreatePIT2() error {
	var cfg PitConfig
	_, err := ioctlPtr(vm.Fd(), kvmCreatePit2, unsafe.Pointer(&cfg))
	return err
}

// SetUserMemoryRegion installs or removes (MemorySize == 0) a RAM/ROM
// slot. See internal/memory for slot-id lifecycle.
func (vm *VM) SetUserMemoryRegion(r UserspaceMemoryRegion) error {
	_, err := ioctlPtr(vm.Fd(), kvmSetUserMemRegion, unsafe.Pointer(&r))
	return err
}

// IRQLine implements DeviceManager.SetIrq (spec.md §4.3.4).
func (vm *VM) IRQLine(irq uint32, level bool) error {
	l := IrqLevel{IRQ: irq}
	if level {
		l.Level = 1
	}
	_, err := ioctlPtr(vm.Fd(), kvmIrqLine, unsafe.Pointer(&l))
	return err
}

// SignalMSI implements DeviceManager.SignalMsi (spec.md §4.3.4).
func (vm *VM) SignalMSI(addressLo, addressHi, data uint32) error {
	m := Msi{AddressLo: addressLo, AddressHi: addressHi, Data: data}
	_, err := ioctlPtr(vm.Fd(), kvmSignalMSI, unsafe.Pointer(&m))
	return err
}

// IOEventFD registers/deregisters the ioeventfd fast path (spec.md
// §4.3.3). flags must already carry DATAMATCH/PIO/DEASSIGN as needed.
func (vm *VM) IOEventFD(addr, datamatch uint64, length uint32, fd int, flags uint32) error {
	e := IoEventFd{
		Datamatch: datamatch,
		Addr:      addr,
		Len:       length,
		FD:        int32(fd),
		Flags:     flags,
	}
	_, err := ioctlPtr(vm.Fd(), kvmIOEventFD, unsafe.Pointer(&e))
	return err
}

// IRQFD binds/unbinds a host eventfd to a GSI (spec.md §4.3.4).
func (vm *VM) IRQFD(fd int, gsi uint32, deassign bool) error {
	f := IrqFd{FD: uint32(fd), GSI: gsi}
	if deassign {
		f.Flags = IRQFDFlagDeassign
	}
	_, err := ioctlPtr(vm.Fd(), kvmIRQFD, unsafe.Pointer(&f))
	return err
}

// SetGSIRouting pushes the full routing table to the kernel. KVM_SET_GSI_ROUTING
// has no fixed-size ioctl struct (it is a header followed by a variable
// number of entries), so the buffer is hand-assembled with encoding/binary
// rather than cast through a Go struct.
func (vm *VM) SetGSIRouting(entries []IrqRoutingEntry) error {
	const headerSize = 8   // nr, flags
	const entrySize = 48   // gsi,type,flags,pad (16) + 32-byte union
	buf := make([]byte, headerSize+entrySize*len(entries))

	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(entries)))
	binary.LittleEndian.PutUint32(buf[4:8], 0)

	for i, e := range entries {
		off := headerSize + i*entrySize
		binary.LittleEndian.PutUint32(buf[off+0:], e.GSI)
		binary.LittleEndian.PutUint32(buf[off+4:], e.Type)
		binary.LittleEndian.PutUint32(buf[off+8:], e.Flags)
		binary.LittleEndian.PutUint32(buf[off+12:], 0)
		switch e.Type {
		case IrqRoutingIRQChip:
			binary.LittleEndian.PutUint32(buf[off+16:], e.IRQChip)
			binary.LittleEndian.PutUint32(buf[off+20:], e.Pin)
		case IrqRoutingMSI:
			binary.LittleEndian.PutUint32(buf[off+16:], e.AddressLo)
			binary.LittleEndian.PutUint32(buf[off+20:], e.AddressHi)
			binary.LittleEndian.PutUint32(buf[off+24:], e.Data)
		}
	}

	_, err := ioctlPtr(vm.Fd(), kvmSetGSIRouting, unsafe.Pointer(&buf[0]))
	return err
}

// mmap maps length bytes of fd (a vcpu's kvm_run area) shared and
// read-write through unix.Mmap.
func mmap(fd int, length int) ([]byte, error) {
	return unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}
