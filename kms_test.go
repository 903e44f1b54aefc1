package kms_test

import (
	"testing"

	"github.com/NeowayLabs/kms"
	"github.com/NeowayLabs/kms/mode"
)

func TestDRIOpen(t *testing.T) {
	requireCard(t)
	file, err := kms.OpenCard(0)
	if err != nil {
		t.Fatal(err)
	}
	file.Close()
}

func TestAvailableCard(t *testing.T) {
	requireCard(t)
	if card.Major == 0 && card.Minor == 0 && card.Patch == 0 {
		t.Fatalf("failed to get driver version: %#v", card)
	}

	t.Logf("Driver name: %s", card.Name)
	t.Logf("Driver version: %d.%d.%d", card.Major, card.Minor, card.Patch)
	t.Logf("Driver date: %s", card.Date)
	t.Logf("Driver description: %s", card.Desc)
}

func TestEnableAtomic(t *testing.T) {
	requireCard(t)
	file, err := kms.OpenCard(0)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	if err := kms.EnableAtomic(file); err != nil {
		t.Skipf("driver has no atomic support: %v", err)
	}
}

func TestModeRes(t *testing.T) {
	requireCard(t)
	file, err := kms.OpenCard(0)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	mres, err := mode.GetResources(file)
	if err != nil {
		t.Error(err)
		return
	}

	t.Logf("Number of framebuffers: %d", mres.CountFbs)
	t.Logf("Number of CRTCs: %d", mres.CountCrtcs)
	t.Logf("Number of connectors: %d", mres.CountConnectors)
	t.Logf("Number of encoders: %d", mres.CountEncoders)
	t.Logf("Framebuffers ids: %v", mres.Fbs)
	t.Logf("CRTC ids: %v", mres.Crtcs)
	t.Logf("Connector ids: %v", mres.Connectors)
	t.Logf("Encoder ids: %v", mres.Encoders)
}
