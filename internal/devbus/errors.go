package devbus

import "errors"

var (
	ErrPciDevfnConflict = errors.New("devbus: pci bus/devfn already claimed")
	ErrDeviceNotFound   = errors.New("devbus: device not found")
	ErrNameConflict     = errors.New("devbus: device name already registered")
	ErrGsiNotFound      = errors.New("devbus: gsi not found")
)
