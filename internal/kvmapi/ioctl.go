// Package kvmapi is the thin, pure-Go binding to the host's KVM ioctl
// interface: no cgo, struct layouts and ioctl numbers are hand-encoded
// the way github.com/bobuhiro11/gokvm's "kvm" package does it.
package kvmapi

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux ioctl number encoding (asm-generic/ioctl.h), reproduced here
// because x/sys/unix does not export the _IOC/_IOW/_IOR macros.
const (
	iocNoneBits  = 0
	iocWriteBits = 1
	iocReadBits  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNrShift) | (size << iocSizeShift)
}

func io(typ, nr uintptr) uintptr {
	return ioc(iocNoneBits, typ, nr, 0)
}

func iow(typ, nr, size uintptr) uintptr {
	return ioc(iocWriteBits, typ, nr, size)
}

func ior(typ, nr, size uintptr) uintptr {
	return ioc(iocReadBits, typ, nr, size)
}

func iowr(typ, nr, size uintptr) uintptr {
	return ioc(iocWriteBits|iocReadBits, typ, nr, size)
}

const kvmioType = 0xAE

// ioctl issues a KVM ioctl against fd, returning the raw kernel return
// value (used by callers that need the return value itself, e.g.
// KVM_GET_API_VERSION's version or KVM_CREATE_VM's new fd) and an
// error when errno != 0.
func ioctl(fd int, request uintptr, arg uintptr) (uintptr, error) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, arg)
	if errno != 0 {
		return ret, errno
	}
	return ret, nil
}

func ioctlPtr(fd int, request uintptr, arg unsafe.Pointer) (uintptr, error) {
	return ioctl(fd, request, uintptr(arg))
}
