package graph

import (
	"time"

	"github.com/NeowayLabs/kms/mode"
)

// Mode is one display timing, tagged with a graph-unique id so hosts can
// select a configuration without carrying the timing fields around. Ids
// are never reused; two Modes with different ids can still describe the
// same signal.
type Mode struct {
	ID uint32

	Clock                                         uint32
	HDisplay, HSyncStart, HSyncEnd, HTotal, HSkew uint16
	VDisplay, VSyncStart, VSyncEnd, VTotal, VScan uint16

	VRefresh uint32

	Flags uint32
	Type  uint32
	Name  string
}

func modeFromInfo(info *mode.Info, id uint32) Mode {
	return Mode{
		ID:         id,
		Clock:      info.Clock,
		HDisplay:   info.Hdisplay,
		HSyncStart: info.HsyncStart,
		HSyncEnd:   info.HsyncEnd,
		HTotal:     info.Htotal,
		HSkew:      info.Hskew,
		VDisplay:   info.Vdisplay,
		VSyncStart: info.VsyncStart,
		VSyncEnd:   info.VsyncEnd,
		VTotal:     info.Vtotal,
		VScan:      info.Vscan,
		VRefresh:   info.Vrefresh,
		Flags:      info.Flags,
		Type:       info.Type,
		Name:       info.ModeName(),
	}
}

// Info converts the mode back to the kernel wire struct.
func (m *Mode) Info() mode.Info {
	info := mode.Info{
		Clock:      m.Clock,
		Hdisplay:   m.HDisplay,
		HsyncStart: m.HSyncStart,
		HsyncEnd:   m.HSyncEnd,
		Htotal:     m.HTotal,
		Hskew:      m.HSkew,
		Vdisplay:   m.VDisplay,
		VsyncStart: m.VSyncStart,
		VsyncEnd:   m.VSyncEnd,
		Vtotal:     m.VTotal,
		Vscan:      m.VScan,
		Vrefresh:   m.VRefresh,
		Flags:      m.Flags,
		Type:       m.Type,
	}
	copy(info.Name[:], m.Name)
	return info
}

// Matches reports whether a kernel timing is the same signal as m,
// ignoring ids and names.
func (m *Mode) Matches(info *mode.Info) bool {
	i := m.Info()
	return i.SameTimings(info)
}

// Preferred reports whether the kernel flagged this timing as the
// connector's preferred one.
func (m *Mode) Preferred() bool {
	return m.Type&mode.ModeTypePreferred != 0
}

// Refresh returns the vertical refresh rate in Hz.
func (m *Mode) Refresh() float64 {
	if m.VRefresh > 0 {
		return float64(m.VRefresh)
	}
	if m.HTotal == 0 || m.VTotal == 0 {
		return 0
	}
	return float64(m.Clock) * 1000.0 / (float64(m.HTotal) * float64(m.VTotal))
}

// VSyncPeriod returns the frame interval, zero when the refresh rate is
// unknown.
func (m *Mode) VSyncPeriod() time.Duration {
	r := m.Refresh()
	if r <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / r)
}
