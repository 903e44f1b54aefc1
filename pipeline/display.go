package pipeline

import (
	"fmt"
	"image"

	"github.com/charmbracelet/log"

	"github.com/NeowayLabs/kms/graph"
	"github.com/NeowayLabs/kms/importer"
	"github.com/NeowayLabs/kms/worker"
)

type displayState int

const (
	// displayIdle means no mode was ever configured.
	displayIdle displayState = iota
	// displayModesetPending means a mode change is armed and rides the
	// next frame commit.
	displayModesetPending
	// displayActive means the last modeset landed and steady-state
	// flips are running.
	displayActive
	// displayReleased means the connector went away; frames are
	// rejected until it comes back.
	displayReleased
)

func (s displayState) String() string {
	switch s {
	case displayIdle:
		return "idle"
	case displayModesetPending:
		return "modeset-pending"
	case displayActive:
		return "active"
	case displayReleased:
		return "released"
	default:
		return fmt.Sprintf("displayState(%d)", int(s))
	}
}

// display is the per-display half of the pipeline: one render worker,
// one vsync worker, a bounded frame queue and a fixed-slot buffer
// cache. The render worker's lock guards every field below it.
type display struct {
	num  int
	conn *graph.Connector
	res  *graph.Resources
	imp  importer.Importer

	render *worker.Worker
	vsync  *vsyncWorker

	// guarded by render's lock
	state        displayState
	crtc         *graph.Crtc
	plane        *graph.Plane
	needsModeset bool
	pendingMode  graph.Mode
	pendingBlob  uint32
	activeBlob   uint32
	inflightBlob uint32
	modesetGen   uint64
	queue        *frameQueue
	cache        *boCache

	stats displayStats
}

// queueFrame hands a frame request to the render worker. It never
// blocks on rendering; when the queue is full the oldest pending
// request is dropped so the newest frame wins.
func (d *display) queueFrame(handle *importer.BufferHandle, frame image.Rectangle) error {
	d.render.Lock()
	if d.state == displayReleased {
		d.render.Unlock()
		d.stats.dropped.Add(1)
		log.Debugf("display %d released, dropping frame", d.num)
		return ErrDisplayReleased
	}
	dropped := d.queue.push(frameRequest{handle: handle, frame: frame})
	d.render.Unlock()

	d.stats.queued.Add(1)
	if dropped {
		d.stats.dropped.Add(1)
		log.Debugf("display %d render queue full, dropped oldest frame", d.num)
	}
	d.render.Signal()
	return nil
}

// setActiveMode arms a deferred modeset: the property blob is created
// now, the modeset properties ride the next frame commit. Caller holds
// the render worker's lock.
func (d *display) setActiveMode(m graph.Mode) error {
	blob, err := d.res.CreateModeBlob(m)
	if err != nil {
		return err
	}
	if d.needsModeset && d.pendingBlob != 0 && d.pendingBlob != d.inflightBlob {
		// an armed modeset that never started committing is superseded
		if err := d.res.DestroyPropertyBlob(d.pendingBlob); err != nil {
			log.Warnf("display %d: destroying superseded mode blob %d: %v", d.num, d.pendingBlob, err)
		}
	}
	d.pendingMode = m
	d.pendingBlob = blob
	d.needsModeset = true
	d.modesetGen++
	d.state = displayModesetPending
	log.Debugf("display %d: modeset to %s@%.0f armed", d.num, m.Name, m.Refresh())
	return nil
}

// ensurePipe resolves the display's crtc and primary plane, retrying
// pipe resolution for connectors that never got one. Caller holds the
// render worker's lock.
func (d *display) ensurePipe() error {
	if d.crtc != nil && d.plane != nil {
		return nil
	}
	crtc := d.res.CrtcForDisplay(d.num)
	if crtc == nil {
		if err := d.res.CreateDisplayPipe(d.conn); err != nil {
			return err
		}
		crtc = d.res.CrtcForDisplay(d.num)
		if crtc == nil {
			return graph.ErrNoPipe
		}
	}
	plane := d.res.PrimaryPlaneForCrtc(crtc)
	if plane == nil {
		return fmt.Errorf("no primary plane reaches crtc %d", crtc.ID())
	}
	d.crtc = crtc
	d.plane = plane
	return nil
}

// startWorkers launches the render and vsync workers. Safe to call on
// a display whose workers already run.
func (d *display) startWorkers() {
	d.render.Start(d.renderCycle)
	d.vsync.w.Start(d.vsync.cycle)
}

// frameRequest pairs a producer buffer with the display rectangle it
// covers, so the two can never tear apart in the queue.
type frameRequest struct {
	handle *importer.BufferHandle
	frame  image.Rectangle
}

// frameQueue is a bounded FIFO of frame requests. Not locked; callers
// hold the owning display's lock.
type frameQueue struct {
	depth   int
	entries []frameRequest
}

func newFrameQueue(depth int) *frameQueue {
	return &frameQueue{depth: depth}
}

// push appends a request, dropping the oldest when the queue is full.
// Reports whether a pending request was dropped.
func (q *frameQueue) push(r frameRequest) bool {
	dropped := false
	if len(q.entries) >= q.depth {
		q.entries = q.entries[1:]
		dropped = true
	}
	q.entries = append(q.entries, r)
	return dropped
}

// pop removes and returns the oldest request.
func (q *frameQueue) pop() (frameRequest, bool) {
	if len(q.entries) == 0 {
		return frameRequest{}, false
	}
	r := q.entries[0]
	q.entries = q.entries[1:]
	return r, true
}

// clear discards all pending requests and returns how many there were.
func (q *frameQueue) clear() int {
	n := len(q.entries)
	q.entries = nil
	return n
}

func (q *frameQueue) len() int {
	return len(q.entries)
}

// boCache is the fixed-slot import cache, keyed by handle identity.
// Not locked; callers hold the owning display's lock.
type boCache struct {
	slots []*importer.Buffer
}

func newBoCache(n int) *boCache {
	return &boCache{slots: make([]*importer.Buffer, n)}
}

// lookup returns the buffer previously imported for handle, or nil.
func (c *boCache) lookup(handle *importer.BufferHandle) *importer.Buffer {
	for _, b := range c.slots {
		if b != nil && b.Handle == handle {
			return b
		}
	}
	return nil
}

// insert stores a buffer in the first free slot. Reports false when
// every slot is taken.
func (c *boCache) insert(b *importer.Buffer) bool {
	for i, s := range c.slots {
		if s == nil {
			c.slots[i] = b
			return true
		}
	}
	return false
}

// dirty reports whether any slot holds an import.
func (c *boCache) dirty() bool {
	for _, s := range c.slots {
		if s != nil {
			return true
		}
	}
	return false
}

// drain empties every slot and returns the evicted buffers so the
// caller can release them.
func (c *boCache) drain() []*importer.Buffer {
	var out []*importer.Buffer
	for i, s := range c.slots {
		if s != nil {
			out = append(out, s)
			c.slots[i] = nil
		}
	}
	return out
}
