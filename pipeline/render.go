package pipeline

import (
	"fmt"
	"image"

	"github.com/charmbracelet/log"

	"github.com/NeowayLabs/kms/graph"
	"github.com/NeowayLabs/kms/importer"
	"github.com/NeowayLabs/kms/mode"
)

// renderCycle is one render worker iteration: drain one request,
// resolve its buffer and commit, parking in WaitForSignal only when
// nothing is pending. Wakeups coalesce, so the pending check must come
// before the wait or a frame queued during a slow commit strands. The
// lock is dropped around the kernel calls so producers queueing frames
// never stall behind a commit. Errors are absorbed and logged; the
// worker never dies on a bad frame.
func (d *display) renderCycle() {
	d.render.Lock()
	pending := d.queue.len() > 0 || (d.state == displayReleased && d.cache.dirty())
	d.render.Unlock()
	if !pending {
		if err := d.render.WaitForSignal(-1); err != nil {
			return
		}
	}

	d.render.Lock()
	if d.state == displayReleased {
		dropped := d.queue.clear()
		bufs := d.cache.drain()
		d.render.Unlock()
		if dropped > 0 {
			d.stats.dropped.Add(uint64(dropped))
		}
		d.releaseBuffers(bufs)
		return
	}
	req, ok := d.queue.pop()
	d.render.Unlock()
	if !ok {
		return
	}

	buf, err := d.resolveBuffer(req.handle)
	if err != nil {
		d.stats.importErrs.Add(1)
		log.Errorf("display %d: importing frame buffer: %v", d.num, err)
		return
	}

	if err := d.commitFrame(buf, req.frame); err != nil {
		d.stats.commitErrs.Add(1)
		log.Errorf("display %d: frame commit: %v", d.num, err)
		return
	}
	d.stats.committed.Add(1)
}

// releaseBuffers returns drained cache entries to the importer. Only
// the render worker and Close call this, never while a commit that
// references the buffers is in flight.
func (d *display) releaseBuffers(bufs []*importer.Buffer) {
	for _, buf := range bufs {
		if err := d.imp.ReleaseBuffer(buf); err != nil {
			log.Warnf("display %d: releasing fb %d: %v", d.num, buf.FBID, err)
		}
	}
}

// resolveBuffer returns the cached import for a handle, importing it on
// first sight. A full cache still imports but does not retain the
// result; UncachedImports counts those frames.
func (d *display) resolveBuffer(handle *importer.BufferHandle) (*importer.Buffer, error) {
	d.render.Lock()
	buf := d.cache.lookup(handle)
	d.render.Unlock()
	if buf != nil {
		return buf, nil
	}

	buf, err := d.imp.ImportBuffer(handle)
	if err != nil {
		return nil, err
	}

	d.render.Lock()
	if !d.cache.insert(buf) {
		d.stats.uncached.Add(1)
		log.Warnf("display %d: buffer cache full, import of fb %d not retained", d.num, buf.FBID)
	}
	d.render.Unlock()
	return buf, nil
}

// commitFrame stages the plane flip, folds in the pending modeset when
// one is armed and submits the lot as a single atomic commit. Deferred
// modeset effects apply only after the commit lands.
func (d *display) commitFrame(buf *importer.Buffer, frame image.Rectangle) error {
	d.render.Lock()
	crtc, plane := d.crtc, d.plane
	if crtc == nil || plane == nil {
		d.render.Unlock()
		return fmt.Errorf("display %d has no resolved pipe", d.num)
	}
	modeset := d.needsModeset
	blob := d.pendingBlob
	pending := d.pendingMode
	gen := d.modesetGen
	if modeset {
		d.inflightBlob = blob
	}
	d.render.Unlock()

	fbProp, err := d.res.PlaneProperty(plane, "FB_ID")
	if err != nil {
		return err
	}
	req := mode.NewAtomicRequest()
	req.Add(plane.ID(), fbProp.ID, uint64(buf.FBID))

	if modeset {
		if err := d.stageModeset(req, crtc, plane, blob, frame); err != nil {
			d.clearInflight(blob, gen)
			return err
		}
	}

	if err := d.res.Commit(req, mode.AtomicAllowModeset); err != nil {
		// an armed modeset stays armed; the next frame retries it
		d.clearInflight(blob, gen)
		return err
	}

	if modeset {
		d.finishModeset(crtc, blob, pending, gen)
	}
	return nil
}

// clearInflight unwinds the in-flight marker after a commit that did
// not land. A blob that was superseded while in flight has no owner
// left and is destroyed here.
func (d *display) clearInflight(blob uint32, gen uint64) {
	d.render.Lock()
	d.inflightBlob = 0
	orphaned := d.modesetGen != gen && blob != d.pendingBlob && blob != d.activeBlob
	d.render.Unlock()

	if orphaned && blob != 0 {
		if err := d.res.DestroyPropertyBlob(blob); err != nil {
			log.Warnf("display %d: destroying superseded mode blob %d: %v", d.num, blob, err)
		}
	}
}

// stageModeset adds the mode, routing and plane geometry properties to
// an atomic request. Source coordinates use the same units as the
// display frame; the pipeline does not scale.
func (d *display) stageModeset(req *mode.AtomicRequest, crtc *graph.Crtc, plane *graph.Plane, blob uint32, frame image.Rectangle) error {
	modeProp, err := d.res.CrtcProperty(crtc, "MODE_ID")
	if err != nil {
		return err
	}
	connCrtc, err := d.res.ConnectorProperty(d.conn, "CRTC_ID")
	if err != nil {
		return err
	}
	planeCrtc, err := d.res.PlaneProperty(plane, "CRTC_ID")
	if err != nil {
		return err
	}

	req.Add(crtc.ID(), modeProp.ID, uint64(blob))
	req.Add(d.conn.ID(), connCrtc.ID, uint64(crtc.ID()))
	req.Add(plane.ID(), planeCrtc.ID, uint64(crtc.ID()))

	geometry := []struct {
		name  string
		value uint64
	}{
		{"CRTC_X", uint64(frame.Min.X)},
		{"CRTC_Y", uint64(frame.Min.Y)},
		{"CRTC_W", uint64(frame.Dx())},
		{"CRTC_H", uint64(frame.Dy())},
		{"SRC_X", uint64(frame.Min.X)},
		{"SRC_Y", uint64(frame.Min.Y)},
		{"SRC_W", uint64(frame.Dx())},
		{"SRC_H", uint64(frame.Dy())},
	}
	for _, g := range geometry {
		prop, err := d.res.PlaneProperty(plane, g.name)
		if err != nil {
			return err
		}
		req.Add(plane.ID(), prop.ID, g.value)
	}
	return nil
}

// finishModeset retires the previous mode blob, records the new active
// mode and powers the panel up. Runs only after the commit carrying
// the modeset properties succeeded. A modeset armed while this one was
// in flight stays pending and rides the next frame.
func (d *display) finishModeset(crtc *graph.Crtc, blob uint32, m graph.Mode, gen uint64) {
	d.render.Lock()
	old := d.activeBlob
	d.activeBlob = blob
	d.inflightBlob = 0
	if d.modesetGen == gen {
		d.needsModeset = false
		d.pendingBlob = 0
		d.state = displayActive
	}
	d.render.Unlock()

	d.conn.SetActiveMode(m)

	if old != 0 {
		if err := d.res.DestroyPropertyBlob(old); err != nil {
			log.Warnf("display %d: destroying retired mode blob %d: %v", d.num, old, err)
		}
	}
	if err := d.res.SetDpmsMode(d.num, mode.DpmsOn); err != nil {
		log.Warnf("display %d: dpms on after modeset: %v", d.num, err)
	}
	log.Infof("display %d: mode %s@%.0f active on crtc %d", d.num, m.Name, m.Refresh(), crtc.ID())
}
