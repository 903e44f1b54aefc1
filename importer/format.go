package importer

import (
	"fmt"

	"github.com/NeowayLabs/kms/mode"
)

// fourccFor maps a producer format to the kernel framebuffer format.
// The apparent swap in the names (RGBA to ABGR) is the little-endian
// reading of the same byte order.
func fourccFor(f PixelFormat) (uint32, error) {
	switch f {
	case RGB888:
		return mode.FormatBGR888, nil
	case BGRA8888:
		return mode.FormatARGB8888, nil
	case RGBX8888:
		return mode.FormatXBGR8888, nil
	case RGBA8888:
		return mode.FormatABGR8888, nil
	case RGB565:
		return mode.FormatBGR565, nil
	case YV12:
		return mode.FormatYVU420, nil
	}
	return 0, fmt.Errorf("%w: %v", ErrUnsupportedFormat, f)
}

// bytesPerPixel is the first plane's pixel size; for planar YV12 that
// is the one-byte luma plane.
func bytesPerPixel(f PixelFormat) (uint32, error) {
	switch f {
	case RGB888:
		return 3, nil
	case BGRA8888, RGBX8888, RGBA8888:
		return 4, nil
	case RGB565:
		return 2, nil
	case YV12:
		return 1, nil
	}
	return 0, fmt.Errorf("%w: %v", ErrUnsupportedFormat, f)
}

// layout computes the per-plane pitches and offsets for a handle and
// spreads the GEM handle over the planes its format uses.
func layout(handle *BufferHandle, gem uint32) (fourcc uint32, handles, pitches, offsets [4]uint32, err error) {
	fourcc, err = fourccFor(handle.Format)
	if err != nil {
		return 0, handles, pitches, offsets, err
	}
	bpp, err := bytesPerPixel(handle.Format)
	if err != nil {
		return 0, handles, pitches, offsets, err
	}

	stride := handle.Stride
	if stride == 0 {
		stride = handle.Width
	}

	handles[0] = gem
	pitches[0] = stride * bpp

	// planar 4:2:0: V plane then U plane behind the luma plane
	if handle.Format == YV12 {
		handles[1], handles[2] = gem, gem
		pitches[1], pitches[2] = pitches[0]/2, pitches[0]/2
		offsets[1] = pitches[0] * handle.Height
		offsets[2] = offsets[1] + pitches[1]*(handle.Height/2)
	}

	return fourcc, handles, pitches, offsets, nil
}
