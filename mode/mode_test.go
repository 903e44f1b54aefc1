package mode

import (
	"testing"
	"unsafe"
)

// Sizes must match the kernel ABI structs or every ioctl code in the
// package is wrong.
func TestSysStructSizes(t *testing.T) {
	for _, tc := range []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"drm_mode_card_res", unsafe.Sizeof(sysResources{}), 64},
		{"drm_mode_get_connector", unsafe.Sizeof(sysGetConnector{}), 80},
		{"drm_mode_get_encoder", unsafe.Sizeof(sysGetEncoder{}), 20},
		{"drm_mode_modeinfo", unsafe.Sizeof(Info{}), 68},
		{"drm_mode_crtc", unsafe.Sizeof(sysCrtc{}), 104},
		{"drm_mode_get_plane_res", unsafe.Sizeof(sysGetPlaneRes{}), 16},
		{"drm_mode_get_plane", unsafe.Sizeof(sysGetPlane{}), 32},
		{"drm_mode_obj_get_properties", unsafe.Sizeof(sysObjGetProperties{}), 32},
		{"drm_mode_get_property", unsafe.Sizeof(sysGetProperty{}), 64},
		{"drm_mode_connector_set_property", unsafe.Sizeof(sysSetConnectorProperty{}), 16},
		{"drm_mode_create_blob", unsafe.Sizeof(sysCreateBlob{}), 16},
		{"drm_mode_destroy_blob", unsafe.Sizeof(sysDestroyBlob{}), 4},
		{"drm_mode_atomic", unsafe.Sizeof(sysAtomic{}), 56},
		{"drm_wait_vblank", unsafe.Sizeof(sysWaitVBlank{}), 24},
		{"drm_mode_fb_cmd2", unsafe.Sizeof(sysFBCmd2{}), 104},
		{"drm_prime_handle", unsafe.Sizeof(sysPrimeHandle{}), 12},
		{"drm_gem_close", unsafe.Sizeof(sysGEMClose{}), 8},
	} {
		if tc.got != tc.want {
			t.Errorf("sizeof(%s) = %d, want %d", tc.name, tc.got, tc.want)
		}
	}
}

func TestFourCC(t *testing.T) {
	for _, tc := range []struct {
		name string
		got  uint32
		want uint32
	}{
		{"XRGB8888", FormatXRGB8888, 0x34325258},
		{"ARGB8888", FormatARGB8888, 0x34325241},
		{"XBGR8888", FormatXBGR8888, 0x34324258},
		{"ABGR8888", FormatABGR8888, 0x34324241},
		{"BGR888", FormatBGR888, 0x34324742},
		{"RGB565", FormatRGB565, 0x36314752},
		{"BGR565", FormatBGR565, 0x36314742},
		{"YVU420", FormatYVU420, 0x32315659},
	} {
		if tc.got != tc.want {
			t.Errorf("%s = %#08x, want %#08x", tc.name, tc.got, tc.want)
		}
	}
}

func TestModeName(t *testing.T) {
	info := Info{}
	copy(info.Name[:], "1920x1080")
	if name := info.ModeName(); name != "1920x1080" {
		t.Errorf("ModeName() = %q", name)
	}

	empty := Info{}
	if name := empty.ModeName(); name != "" {
		t.Errorf("ModeName() of zero mode = %q", name)
	}
}

func TestRefresh(t *testing.T) {
	reported := Info{Vrefresh: 60}
	if r := reported.Refresh(); r != 60.0 {
		t.Errorf("Refresh() = %v, want 60", r)
	}

	// 148.5MHz clock over 2200x1125 totals is 1080p60
	derived := Info{Clock: 148500, Htotal: 2200, Vtotal: 1125}
	if r := derived.Refresh(); r < 59.9 || r > 60.1 {
		t.Errorf("Refresh() = %v, want ~60", r)
	}

	zero := Info{}
	if r := zero.Refresh(); r != 0 {
		t.Errorf("Refresh() of zero mode = %v", r)
	}
}

func TestSameTimings(t *testing.T) {
	a := Info{Clock: 148500, Hdisplay: 1920, Vdisplay: 1080, Vrefresh: 60}
	b := a
	copy(b.Name[:], "other-name")
	b.Vrefresh = 0
	if !a.SameTimings(&b) {
		t.Error("modes differing only by name and advisory refresh should match")
	}

	c := a
	c.Clock = 74250
	if a.SameTimings(&c) {
		t.Error("modes with different clocks should not match")
	}
}

func TestInfoBytesRoundTrip(t *testing.T) {
	info := Info{
		Clock:    148500,
		Hdisplay: 1920, HsyncStart: 2008, HsyncEnd: 2052, Htotal: 2200,
		Vdisplay: 1080, VsyncStart: 1084, VsyncEnd: 1089, Vtotal: 1125,
		Vrefresh: 60,
		Flags:    0x5,
		Type:     ModeTypePreferred | ModeTypeDriver,
	}
	copy(info.Name[:], "1920x1080")

	data := info.Bytes()
	if len(data) != 68 {
		t.Fatalf("wire form is %d bytes, want 68", len(data))
	}

	back, err := InfoFromBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	if *back != info {
		t.Errorf("round trip changed the mode: %+v != %+v", *back, info)
	}

	if _, err := InfoFromBytes(data[:20]); err == nil {
		t.Error("short blob should not decode")
	}
}

func TestConnectorTypeName(t *testing.T) {
	if n := ConnectorTypeName(11); n != "HDMI-A" {
		t.Errorf("type 11 = %q, want HDMI-A", n)
	}
	if n := ConnectorTypeName(999); n != "Unknown" {
		t.Errorf("type 999 = %q, want Unknown", n)
	}
}
