package kms

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/NeowayLabs/kms/ioctl"
)

type (
	capability struct {
		cap uint64
		val uint64
	}

	clientCapability struct {
		cap uint64
		val uint64
	}
)

const (
	CapDumbBuffer = iota + 1
	CapVBlankHighCRTC
	CapDumbPreferredDepth
	CapDumbPreferShadow
	CapPrime
	CapTimestampMonotonic
	CapAsyncPageFlip
	CapCursorWidth
	CapCursorHeight

	CapAddFB2Modifiers = 0x10
)

// Client capabilities. The process tells the kernel which newer
// interfaces it understands; universal planes and atomic must be enabled
// before plane enumeration and atomic commits work.
const (
	ClientCapStereo3D = iota + 1
	ClientCapUniversalPlanes
	ClientCapAtomic
	ClientCapAspectRatio
	ClientCapWritebackConnectors
)

func GetCap(file *os.File, capid uint64) (uint64, error) {
	cap := &capability{}
	cap.cap = capid
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLGetCap), uintptr(unsafe.Pointer(cap)))
	if err != nil {
		return 0, err
	}
	return cap.val, nil
}

func HasDumbBuffer(file *os.File) bool {
	val, err := GetCap(file, CapDumbBuffer)
	if err != nil {
		return false
	}
	return val != 0
}

func SetClientCap(file *os.File, capid, val uint64) error {
	cap := &clientCapability{cap: capid, val: val}
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLSetClientCap),
		uintptr(unsafe.Pointer(cap)))
}

// EnableAtomic negotiates the client capabilities the atomic commit
// pipeline depends on. Universal planes is implied by atomic on current
// kernels but is requested explicitly for older ones.
func EnableAtomic(file *os.File) error {
	if err := SetClientCap(file, ClientCapUniversalPlanes, 1); err != nil {
		return fmt.Errorf("set universal planes cap: %w", err)
	}
	if err := SetClientCap(file, ClientCapAtomic, 1); err != nil {
		return fmt.Errorf("set atomic cap: %w", err)
	}
	return nil
}
