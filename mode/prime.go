package mode

import (
	"os"
	"unsafe"

	"github.com/NeowayLabs/kms"
	"github.com/NeowayLabs/kms/ioctl"
)

type (
	sysPrimeHandle struct {
		handle uint32
		flags  uint32
		fd     int32
	}

	sysGEMClose struct {
		handle uint32
		pad    uint32
	}
)

var (
	// DRM_IOW(0x09, struct drm_gem_close)
	IOCTLGEMClose = ioctl.NewCode(ioctl.Write,
		uint16(unsafe.Sizeof(sysGEMClose{})), kms.IOCTLBase, 0x09)

	// DRM_IOWR(0x2d, struct drm_prime_handle)
	IOCTLPrimeHandleToFD = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysPrimeHandle{})), kms.IOCTLBase, 0x2d)

	// DRM_IOWR(0x2e, struct drm_prime_handle)
	IOCTLPrimeFDToHandle = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysPrimeHandle{})), kms.IOCTLBase, 0x2e)
)

// PrimeFDToHandle imports a dma-buf file descriptor shared by another
// device or process and returns the GEM handle backing it. Importing
// the same buffer twice yields the same handle; close it once with
// GEMClose when the last user is done.
func PrimeFDToHandle(file *os.File, fd int) (uint32, error) {
	prime := &sysPrimeHandle{}
	prime.fd = int32(fd)
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLPrimeFDToHandle),
		uintptr(unsafe.Pointer(prime)))
	if err != nil {
		return 0, err
	}
	return prime.handle, nil
}

// PrimeHandleToFD exports a GEM handle as a dma-buf file descriptor.
func PrimeHandleToFD(file *os.File, handle, flags uint32) (int, error) {
	prime := &sysPrimeHandle{}
	prime.handle = handle
	prime.flags = flags
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLPrimeHandleToFD),
		uintptr(unsafe.Pointer(prime)))
	if err != nil {
		return -1, err
	}
	return int(prime.fd), nil
}

func GEMClose(file *os.File, handle uint32) error {
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLGEMClose),
		uintptr(unsafe.Pointer(&sysGEMClose{handle: handle})))
}
