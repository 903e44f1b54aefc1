package mode

import (
	"os"
	"unsafe"

	"github.com/NeowayLabs/kms"
	"github.com/NeowayLabs/kms/ioctl"
)

// Vblank request type bits. CRTCs past the first two are addressed
// through the high-crtc bits.
const (
	VBlankAbsolute      = 0x0
	VBlankRelative      = 0x1
	VBlankEvent         = 0x4000000
	VBlankSecondary     = 0x20000000
	VBlankHighCrtcShift = 1
	VBlankHighCrtcMask  = 0x3e
)

// sysWaitVBlank mirrors union drm_wait_vblank; the request variant uses
// the first 16 bytes (type, sequence, signal), the reply overlays
// tval_sec/tval_usec over the signal field and beyond.
type sysWaitVBlank struct {
	typ      uint32
	sequence uint32
	tvalSec  int64
	tvalUsec int64
}

var (
	// DRM_IOWR(0x3a, union drm_wait_vblank)
	IOCTLWaitVBlank = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysWaitVBlank{})), kms.IOCTLBase, 0x3a)
)

// WaitVBlank blocks until the next vertical blank on the CRTC at the
// given pipe index and returns the event time as monotonic nanoseconds
// (when the driver reports monotonic timestamps, see
// kms.CapTimestampMonotonic).
func WaitVBlank(file *os.File, pipe int) (int64, error) {
	vbl := &sysWaitVBlank{}
	vbl.typ = VBlankRelative
	if pipe > 0 {
		highCrtc := uint32(pipe) << VBlankHighCrtcShift
		vbl.typ |= highCrtc & VBlankHighCrtcMask
	}
	vbl.sequence = 1

	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLWaitVBlank),
		uintptr(unsafe.Pointer(vbl)))
	if err != nil {
		return 0, err
	}
	return vbl.tvalSec*1e9 + vbl.tvalUsec*1e3, nil
}
