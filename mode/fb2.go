package mode

import (
	"os"
	"unsafe"

	"github.com/NeowayLabs/kms"
	"github.com/NeowayLabs/kms/ioctl"
)

// FourCC packs a fourcc pixel format code the way the kernel's
// fourcc_code macro does.
func FourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// Framebuffer formats used by the import paths. Component order in the
// name is most to least significant byte, little endian.
var (
	FormatXRGB8888 = FourCC('X', 'R', '2', '4')
	FormatARGB8888 = FourCC('A', 'R', '2', '4')
	FormatXBGR8888 = FourCC('X', 'B', '2', '4')
	FormatABGR8888 = FourCC('A', 'B', '2', '4')
	FormatBGR888   = FourCC('B', 'G', '2', '4')
	FormatRGB565   = FourCC('R', 'G', '1', '6')
	FormatBGR565   = FourCC('B', 'G', '1', '6')
	FormatYVU420   = FourCC('Y', 'V', '1', '2')
)

type sysFBCmd2 struct {
	fbID          uint32
	width, height uint32
	pixelFormat   uint32
	flags         uint32

	handles  [4]uint32
	pitches  [4]uint32 // pitch for each plane
	offsets  [4]uint32 // offset of each plane
	modifier [4]uint64 // tiling, compression
}

var (
	// DRM_IOWR(0xB8, struct drm_mode_fb_cmd2)
	IOCTLModeAddFB2 = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysFBCmd2{})), kms.IOCTLBase, 0xB8)
)

// AddFB2 registers a framebuffer over previously imported buffer
// objects, one handle per format plane. Unused planes stay zero. No
// format modifiers are requested.
func AddFB2(file *os.File, width, height, pixelFormat uint32,
	handles, pitches, offsets [4]uint32) (uint32, error) {
	f := &sysFBCmd2{}
	f.width = width
	f.height = height
	f.pixelFormat = pixelFormat
	f.handles = handles
	f.pitches = pitches
	f.offsets = offsets
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeAddFB2),
		uintptr(unsafe.Pointer(f)))
	if err != nil {
		return 0, err
	}
	return f.fbID, nil
}
