package importer

import (
	"errors"
	"testing"

	"github.com/NeowayLabs/kms/mode"
)

func TestFourCCTranslation(t *testing.T) {
	for _, tc := range []struct {
		format PixelFormat
		fourcc uint32
		bpp    uint32
	}{
		{RGB888, mode.FormatBGR888, 3},
		{BGRA8888, mode.FormatARGB8888, 4},
		{RGBX8888, mode.FormatXBGR8888, 4},
		{RGBA8888, mode.FormatABGR8888, 4},
		{RGB565, mode.FormatBGR565, 2},
		{YV12, mode.FormatYVU420, 1},
	} {
		fourcc, err := fourccFor(tc.format)
		if err != nil {
			t.Errorf("%v: %v", tc.format, err)
			continue
		}
		if fourcc != tc.fourcc {
			t.Errorf("%v -> %#x, want %#x", tc.format, fourcc, tc.fourcc)
		}
		bpp, err := bytesPerPixel(tc.format)
		if err != nil {
			t.Errorf("%v bpp: %v", tc.format, err)
			continue
		}
		if bpp != tc.bpp {
			t.Errorf("%v bpp = %d, want %d", tc.format, bpp, tc.bpp)
		}
	}
}

func TestFourCCUnknownFormat(t *testing.T) {
	if _, err := fourccFor(PixelFormat(99)); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("fourccFor(99) = %v, want ErrUnsupportedFormat", err)
	}
	if _, err := bytesPerPixel(PixelFormat(0)); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("bytesPerPixel(0) = %v, want ErrUnsupportedFormat", err)
	}
}

func TestLayoutSinglePlane(t *testing.T) {
	handle := &BufferHandle{
		Width: 1920, Height: 1080, Format: BGRA8888, Stride: 1920, ShareFD: -1,
	}
	fourcc, handles, pitches, offsets, err := layout(handle, 7)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	if fourcc != mode.FormatARGB8888 {
		t.Errorf("fourcc = %#x, want ARGB8888", fourcc)
	}
	if handles != [4]uint32{7, 0, 0, 0} {
		t.Errorf("handles = %v", handles)
	}
	if pitches != [4]uint32{1920 * 4, 0, 0, 0} {
		t.Errorf("pitches = %v", pitches)
	}
	if offsets != ([4]uint32{}) {
		t.Errorf("offsets = %v", offsets)
	}
}

func TestLayoutYV12Planes(t *testing.T) {
	handle := &BufferHandle{
		Width: 1280, Height: 720, Format: YV12, Stride: 1280, ShareFD: 5,
	}
	_, handles, pitches, offsets, err := layout(handle, 3)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	if handles != [4]uint32{3, 3, 3, 0} {
		t.Errorf("handles = %v, want the gem on all three planes", handles)
	}
	if pitches != [4]uint32{1280, 640, 640, 0} {
		t.Errorf("pitches = %v", pitches)
	}
	want := [4]uint32{0, 1280 * 720, 1280*720 + 640*360, 0}
	if offsets != want {
		t.Errorf("offsets = %v, want %v", offsets, want)
	}
}

func TestLayoutDefaultsStrideToWidth(t *testing.T) {
	handle := &BufferHandle{Width: 640, Height: 480, Format: RGB565}
	_, _, pitches, _, err := layout(handle, 1)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	if pitches[0] != 1280 {
		t.Errorf("pitch = %d, want 640*2", pitches[0])
	}
}

func TestPixelFormatString(t *testing.T) {
	if s := RGBA8888.String(); s != "RGBA8888" {
		t.Errorf("String() = %q", s)
	}
	if s := PixelFormat(42).String(); s != "PixelFormat(42)" {
		t.Errorf("String() = %q", s)
	}
}
