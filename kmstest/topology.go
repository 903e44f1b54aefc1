package kmstest

import (
	"fmt"

	"github.com/NeowayLabs/kms/mode"
)

// ModeInfo builds a CEA-style timing for tests. Blanking intervals are
// fixed so two calls with the same geometry produce identical timings
// and different geometries never collide.
func ModeInfo(w, h uint16, refresh uint32) mode.Info {
	htotal := w + 280
	vtotal := h + 45
	info := mode.Info{
		Clock:      uint32(htotal) * uint32(vtotal) * refresh / 1000,
		Hdisplay:   w,
		HsyncStart: w + 88,
		HsyncEnd:   w + 132,
		Htotal:     htotal,
		Vdisplay:   h,
		VsyncStart: h + 4,
		VsyncEnd:   h + 9,
		Vtotal:     vtotal,
		Vrefresh:   refresh,
		Type:       mode.ModeTypeDriver,
	}
	copy(info.Name[:], fmt.Sprintf("%dx%d", w, h))
	return info
}

// PreferredModeInfo is ModeInfo with the preferred flag set.
func PreferredModeInfo(w, h uint16, refresh uint32) mode.Info {
	info := ModeInfo(w, h, refresh)
	info.Type |= mode.ModeTypePreferred
	return info
}

// DualHDMI is the canonical two-pipe topology: two CRTCs, two encoders
// that can drive either CRTC, two HDMI connectors with the first one
// connected, and a primary plane per CRTC plus a shared cursor plane.
func DualHDMI() Topology {
	return Topology{
		Crtcs: []uint32{10, 11},
		Encoders: []Encoder{
			{ID: 20, PossibleCrtcs: 0x3},
			{ID: 21, PossibleCrtcs: 0x3},
		},
		Connectors: []Connector{
			{
				ID:        30,
				Type:      mode.ConnectorHDMIA,
				TypeID:    1,
				Encoders:  []uint32{20, 21},
				Connected: true,
				Modes: []mode.Info{
					PreferredModeInfo(1920, 1080, 60),
					ModeInfo(1280, 720, 60),
				},
				WidthMM:  598,
				HeightMM: 336,
			},
			{
				ID:       31,
				Type:     mode.ConnectorHDMIA,
				TypeID:   2,
				Encoders: []uint32{20, 21},
				Modes: []mode.Info{
					ModeInfo(1280, 720, 60),
				},
			},
		},
		Planes: []Plane{
			{
				ID:            40,
				Type:          mode.PlaneTypePrimary,
				PossibleCrtcs: 0x1,
				Formats:       []uint32{mode.FormatXRGB8888, mode.FormatARGB8888},
			},
			{
				ID:            41,
				Type:          mode.PlaneTypeCursor,
				PossibleCrtcs: 0x3,
				Formats:       []uint32{mode.FormatARGB8888},
			},
			{
				ID:            42,
				Type:          mode.PlaneTypePrimary,
				PossibleCrtcs: 0x2,
				Formats:       []uint32{mode.FormatXRGB8888},
			},
		},
	}
}
