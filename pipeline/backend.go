// Package pipeline is the display backend built on top of the resource
// graph: per-display render and vsync workers, a bounded frame queue, a
// fixed-slot buffer import cache, deferred modesets that ride the next
// frame's atomic commit, and hotplug reconciliation.
package pipeline

import (
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/NeowayLabs/kms/graph"
	"github.com/NeowayLabs/kms/importer"
	"github.com/NeowayLabs/kms/mode"
	"github.com/NeowayLabs/kms/uevent"
	"github.com/NeowayLabs/kms/worker"
)

var (
	// ErrDisplayReleased rejects frames queued to a display whose
	// connector went away.
	ErrDisplayReleased = errors.New("display released")

	// ErrClosed rejects calls made after Close.
	ErrClosed = errors.New("backend closed")
)

// VSyncHandler receives per-display vsync timestamps, monotonic clock,
// nanoseconds.
type VSyncHandler func(display int, timestamp int64)

// HotplugHandler is invoked once per connector state change, after the
// backend reconciled the change internally.
type HotplugHandler func(display int, connected bool)

// Backend drives every display of one KMS device.
type Backend struct {
	cfg Config
	res *graph.Resources
	imp importer.Importer

	mu             sync.Mutex
	closed         bool
	displays       map[int]*display
	vsyncHandler   VSyncHandler
	hotplugHandler HotplugHandler
	events         EventSource
	listener       *worker.Worker
}

// Open boots a backend on a real card: open and negotiate the device,
// enumerate the resource graph, build the importer, configure every
// connected display and start hotplug reconciliation over a netlink
// uevent listener. Hotplug is best effort; without the netlink socket
// the backend still runs.
func Open(cfg Config) (*Backend, error) {
	cfg.fillDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var (
		card *graph.CardDevice
		err  error
	)
	if cfg.DevicePath != "" {
		card, err = graph.OpenCardPath(cfg.DevicePath)
	} else {
		card, err = graph.OpenCard(cfg.Card)
	}
	if err != nil {
		return nil, err
	}

	res, err := graph.Initialize(card)
	if err != nil {
		card.Close()
		return nil, err
	}

	imp, err := importer.New(cfg.Importer, card.File())
	if err != nil {
		res.Close()
		return nil, err
	}

	b, err := NewBackend(res, imp, cfg)
	if err != nil {
		res.Close()
		return nil, err
	}

	if src, err := uevent.NewListener(); err != nil {
		log.Warnf("hotplug events unavailable: %v", err)
	} else if err := b.WatchEvents(src); err != nil {
		src.Close()
		log.Warnf("attaching event source: %v", err)
	}
	return b, nil
}

// NewBackend assembles a backend over an initialized graph and an
// importer, without an event source; attach one with WatchEvents.
// Open is the convenience path; NewBackend lets callers bring their
// own device.
func NewBackend(res *graph.Resources, imp importer.Importer, cfg Config) (*Backend, error) {
	cfg.fillDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	b := &Backend{
		cfg:      cfg,
		res:      res,
		imp:      imp,
		displays: make(map[int]*display),
	}

	for _, conn := range res.Connectors() {
		d := b.newDisplay(conn)
		b.displays[d.num] = d
	}

	// initial light-up: arm the preferred mode for everything that
	// looks connected, then let the first frame carry the modeset
	for _, conn := range res.Connectors() {
		if !conn.Connected() {
			continue
		}
		d := b.displays[conn.Display()]

		d.render.Lock()
		err := func() error {
			if err := d.ensurePipe(); err != nil {
				return err
			}
			m, ok := conn.PreferredMode()
			if !ok {
				return fmt.Errorf("no modes")
			}
			return d.setActiveMode(m)
		}()
		d.render.Unlock()
		if err != nil {
			log.Errorf("display %d: initial configuration of %s: %v", d.num, conn.Name(), err)
		}
	}

	for _, d := range b.displays {
		d.startWorkers()
	}

	log.Infof("backend %s up: %d displays", cfg.InstanceID, len(b.displays))
	return b, nil
}

func (b *Backend) newDisplay(conn *graph.Connector) *display {
	num := conn.Display()
	d := &display{
		num:    num,
		conn:   conn,
		res:    b.res,
		imp:    b.imp,
		render: worker.New(fmt.Sprintf("render-%d", num)),
		queue:  newFrameQueue(b.cfg.QueueDepth),
		cache:  newBoCache(b.cfg.BufferSlots),
	}
	d.vsync = newVSyncWorker(d, b)
	return d
}

func (b *Backend) display(num int) (*display, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	d, ok := b.displays[num]
	if !ok {
		return nil, fmt.Errorf("unknown display %d", num)
	}
	return d, nil
}

// Displays lists the known display indexes in ascending order. Every
// connector gets an index at startup whether or not it is connected.
func (b *Backend) Displays() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	nums := make([]int, 0, len(b.displays))
	for num := range b.displays {
		nums = append(nums, num)
	}
	sort.Ints(nums)
	return nums
}

// InstanceID names this backend in logs and diagnostics.
func (b *Backend) InstanceID() string {
	return b.cfg.InstanceID
}

// QueueFrame hands a producer buffer to a display's render worker:
// handle describes the buffer, frame the display rectangle it covers.
// The call never blocks on rendering; when the worker falls behind the
// oldest pending frame is dropped.
func (b *Backend) QueueFrame(display int, handle *importer.BufferHandle, frame image.Rectangle) error {
	d, err := b.display(display)
	if err != nil {
		return err
	}
	return d.queueFrame(handle, frame)
}

// DisplayModes lists the display's modes from the last probe.
func (b *Backend) DisplayModes(display int) ([]graph.Mode, error) {
	d, err := b.display(display)
	if err != nil {
		return nil, err
	}
	return d.conn.Modes(), nil
}

// ActiveMode returns the last mode that was successfully committed.
func (b *Backend) ActiveMode(display int) (graph.Mode, error) {
	d, err := b.display(display)
	if err != nil {
		return graph.Mode{}, err
	}
	m, ok := d.conn.ActiveMode()
	if !ok {
		return graph.Mode{}, fmt.Errorf("display %d has no active mode", display)
	}
	return m, nil
}

// SetActiveConfig selects a mode by its id and arms the deferred
// modeset; the change rides the next queued frame.
func (b *Backend) SetActiveConfig(display int, modeID uint32) error {
	d, err := b.display(display)
	if err != nil {
		return err
	}

	d.render.Lock()
	defer d.render.Unlock()

	m, ok := d.conn.ModeByID(modeID)
	if !ok {
		return fmt.Errorf("display %d has no mode %d", display, modeID)
	}
	if err := d.ensurePipe(); err != nil {
		return err
	}
	return d.setActiveMode(m)
}

// SetPowerMode drives the display's DPMS state.
func (b *Backend) SetPowerMode(display int, on bool) error {
	d, err := b.display(display)
	if err != nil {
		return err
	}
	value := uint64(mode.DpmsOff)
	if on {
		value = mode.DpmsOn
	}
	return b.res.SetDpmsMode(d.num, value)
}

// SetVSyncEnabled turns per-display vsync delivery on or off,
// independent of rendering.
func (b *Backend) SetVSyncEnabled(display int, enabled bool) error {
	d, err := b.display(display)
	if err != nil {
		return err
	}
	d.vsync.setEnabled(enabled)
	return nil
}

// RegisterVSyncHandler installs the timing callback. Pass nil to
// unregister.
func (b *Backend) RegisterVSyncHandler(h VSyncHandler) {
	b.mu.Lock()
	b.vsyncHandler = h
	b.mu.Unlock()
}

// RegisterHotplugHandler installs the connector change callback. Pass
// nil to unregister.
func (b *Backend) RegisterHotplugHandler(h HotplugHandler) {
	b.mu.Lock()
	b.hotplugHandler = h
	b.mu.Unlock()
}

func (b *Backend) currentVSyncHandler() VSyncHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.vsyncHandler
}

func (b *Backend) currentHotplugHandler() HotplugHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hotplugHandler
}

// Stats returns a snapshot of a display's pipeline counters.
func (b *Backend) Stats(display int) (Stats, error) {
	d, err := b.display(display)
	if err != nil {
		return Stats{}, err
	}
	return d.stats.snapshot(), nil
}

// Close tears the backend down in dependency order: the hotplug
// listener first, then the per-display workers, then cached buffers
// and mode blobs, finally the device itself. Safe to call twice.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	events := b.events
	listener := b.listener
	displays := make([]*display, 0, len(b.displays))
	for _, d := range b.displays {
		displays = append(displays, d)
	}
	b.mu.Unlock()

	sort.Slice(displays, func(i, j int) bool { return displays[i].num < displays[j].num })

	// the source must unblock before the listener can join
	if events != nil {
		if err := events.Close(); err != nil {
			log.Warnf("closing event source: %v", err)
		}
	}
	if listener != nil {
		listener.Exit()
	}

	for _, d := range displays {
		d.vsync.w.Exit()
		d.render.Exit()

		d.render.Lock()
		bufs := d.cache.drain()
		pending, active := d.pendingBlob, d.activeBlob
		d.pendingBlob, d.activeBlob = 0, 0
		d.render.Unlock()

		for _, buf := range bufs {
			if err := b.imp.ReleaseBuffer(buf); err != nil {
				log.Warnf("display %d: releasing fb %d: %v", d.num, buf.FBID, err)
			}
		}
		for _, blob := range []uint32{pending, active} {
			if blob == 0 {
				continue
			}
			if err := b.res.DestroyPropertyBlob(blob); err != nil {
				log.Warnf("display %d: destroying mode blob %d: %v", d.num, blob, err)
			}
		}

		s := d.stats.snapshot()
		log.Debugf("display %d: %d queued, %d dropped, %d committed, %d commit failures, %d import failures",
			d.num, s.FramesQueued, s.FramesDropped, s.FramesCommitted, s.CommitFailures, s.ImportFailures)
	}

	return b.res.Close()
}
