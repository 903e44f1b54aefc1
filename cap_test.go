package kms_test

import (
	"testing"

	"github.com/NeowayLabs/kms"
)

var capNames = map[uint64]string{
	kms.CapDumbBuffer:         "DUMB_BUFFER",
	kms.CapVBlankHighCRTC:     "VBLANK_HIGH_CRTC",
	kms.CapDumbPreferredDepth: "DUMB_PREFERRED_DEPTH",
	kms.CapDumbPreferShadow:   "DUMB_PREFER_SHADOW",
	kms.CapPrime:              "PRIME",
	kms.CapTimestampMonotonic: "TIMESTAMP_MONOTONIC",
	kms.CapAsyncPageFlip:      "ASYNC_PAGE_FLIP",
	kms.CapCursorWidth:        "CURSOR_WIDTH",
	kms.CapCursorHeight:       "CURSOR_HEIGHT",
	kms.CapAddFB2Modifiers:    "ADDFB2_MODIFIERS",
}

func TestHasDumbBuffer(t *testing.T) {
	requireCard(t)
	file, err := kms.OpenCard(0)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	version, err := kms.GetVersion(file)
	if err != nil {
		t.Error(err)
		return
	}
	t.Logf("Card '%s' dumb buffer support: %v", version.Name, kms.HasDumbBuffer(file))
}

func TestGetCap(t *testing.T) {
	requireCard(t)
	file, err := kms.OpenCard(0)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	for cap, name := range capNames {
		val, err := kms.GetCap(file, cap)
		if err != nil {
			// older kernels reject caps they predate
			t.Logf("Capability %s: %v", name, err)
			continue
		}
		t.Logf("Capability %s: %d", name, val)
	}
}
