package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"

	"github.com/NeowayLabs/kms/worker"
)

// vsyncWorker delivers per-display vsync callbacks: a hardware vblank
// wait when the pipe supports it, a phase-locked synthetic tick when
// it does not.
type vsyncWorker struct {
	num int
	d   *display
	b   *Backend
	w   *worker.Worker

	// guarded by w's lock
	enabled bool
	lastTS  int64
}

func newVSyncWorker(d *display, b *Backend) *vsyncWorker {
	return &vsyncWorker{
		num: d.num,
		d:   d,
		b:   b,
		w:   worker.New(fmt.Sprintf("vsync-%d", d.num)),
	}
}

// setEnabled flips delivery on or off and wakes the worker so the
// change takes effect immediately.
func (v *vsyncWorker) setEnabled(enabled bool) {
	v.w.Lock()
	v.enabled = enabled
	v.w.Unlock()
	v.w.Signal()
}

// cycle is one vsync worker iteration. Disabled workers park on the
// signal; enabled ones block until the next vblank and invoke the
// registered handler.
func (v *vsyncWorker) cycle() {
	v.w.Lock()
	enabled := v.enabled
	v.w.Unlock()

	if !enabled {
		v.w.WaitForSignal(-1)
		return
	}

	ts, ok := v.wait()
	if !ok {
		return
	}

	v.w.Lock()
	v.lastTS = ts
	enabled = v.enabled
	v.w.Unlock()
	if !enabled {
		return
	}

	if handler := v.b.currentVSyncHandler(); handler != nil {
		handler(v.num, ts)
	}
}

// wait blocks until the next vblank: hardware first, synthetic grid as
// the fallback. ok is false when the wait was interrupted and no tick
// should be delivered.
func (v *vsyncWorker) wait() (int64, bool) {
	if pipe, ok := v.pipe(); ok {
		ts, err := v.d.res.WaitVBlank(pipe)
		if err == nil {
			return ts, true
		}
		log.Debugf("display %d: hardware vblank wait: %v, using synthetic tick", v.num, err)
	}
	return v.syntheticWait()
}

// syntheticWait sleeps until the next tick of the refresh grid,
// phase-locked to the last delivered timestamp. The worker's timed
// wait does the sleeping so Exit and enable changes interrupt it.
func (v *vsyncWorker) syntheticWait() (int64, bool) {
	period := int64(v.period())
	now := monotonicNow()

	v.w.Lock()
	last := v.lastTS
	v.w.Unlock()

	var next int64
	if last == 0 {
		next = now + period
	} else {
		// negative timeouts mean wait forever, so never fall behind now
		cycles := (now-last)/period + 1
		if cycles < 1 {
			cycles = 1
		}
		next = last + cycles*period
		if next <= now {
			next = now + period
		}
	}

	err := v.w.WaitForSignal(time.Duration(next - now))
	if !errors.Is(err, worker.ErrTimedOut) {
		// exiting, or the enable state changed under us
		return 0, false
	}
	return next, true
}

// period derives the tick interval from the active mode, falling back
// to the configured synthetic rate.
func (v *vsyncWorker) period() time.Duration {
	if m, ok := v.d.conn.ActiveMode(); ok {
		if p := m.VSyncPeriod(); p > 0 {
			return p
		}
	}
	return time.Second / time.Duration(v.b.cfg.SyntheticVSyncHz)
}

func (v *vsyncWorker) pipe() (int, bool) {
	v.d.render.Lock()
	crtc := v.d.crtc
	v.d.render.Unlock()
	if crtc == nil {
		return 0, false
	}
	return crtc.Pipe(), true
}

// monotonicNow reads CLOCK_MONOTONIC directly so synthetic timestamps
// line up with the kernel's vblank replies.
func monotonicNow() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return time.Now().UnixNano()
	}
	return ts.Nano()
}
