package uevent

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func payload(fields ...string) []byte {
	return bytes.Join(func() [][]byte {
		out := make([][]byte, len(fields))
		for i, f := range fields {
			out[i] = []byte(f)
		}
		return out
	}(), []byte{0})
}

func TestHotplugEventFilter(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want bool
	}{
		{
			name: "drm hotplug",
			raw: payload(
				"change@/devices/platform/display-subsystem/drm/card0",
				"ACTION=change",
				"DEVPATH=/devices/platform/display-subsystem/drm/card0",
				"SUBSYSTEM=drm",
				"HOTPLUG=1",
				"SEQNUM=3086",
			),
			want: true,
		},
		{
			name: "drm without hotplug flag",
			raw: payload(
				"add@/devices/platform/display-subsystem/drm/renderD128",
				"ACTION=add",
				"SUBSYSTEM=drm",
			),
			want: false,
		},
		{
			name: "hotplug on another subsystem",
			raw: payload(
				"change@/devices/pci0000:00/usb1",
				"ACTION=change",
				"SUBSYSTEM=usb",
				"HOTPLUG=1",
			),
			want: false,
		},
		{
			name: "empty payload",
			raw:  nil,
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hotplugEvent(tt.raw); got != tt.want {
				t.Errorf("hotplugEvent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHotplugEventIgnoresSubstrings(t *testing.T) {
	raw := payload("SUBSYSTEM=drm_dp_aux_dev", "HOTPLUG=10")
	if hotplugEvent(raw) {
		t.Error("substring fields must not match")
	}
}

func TestCloseUnblocksWait(t *testing.T) {
	l, err := NewListener()
	if err != nil {
		t.Skipf("netlink uevent socket unavailable: %v", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		_, err := l.Wait()
		waitErr <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	select {
	case err := <-waitErr:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Wait() after Close = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not unblock after Close")
	}
}

func TestWaitAfterCloseFailsFast(t *testing.T) {
	l, err := NewListener()
	if err != nil {
		t.Skipf("netlink uevent socket unavailable: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if _, err := l.Wait(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Wait() = %v, want ErrClosed", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close() = %v", err)
	}
}
