// Command kmsdraw scans out a color-cycling test pattern through the
// full commit pipeline, drawing into double-buffered dumb allocations.
// It needs no producer process and is the quickest way to verify a card
// end to end.
package main

import (
	"flag"
	"image"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/NeowayLabs/kms/graph"
	"github.com/NeowayLabs/kms/importer"
	"github.com/NeowayLabs/kms/pipeline"
	"github.com/NeowayLabs/kms/uevent"
)

type surface struct {
	display int
	width   uint32
	height  uint32
	bufs    [2]*importer.BufferHandle
	back    int
}

func main() {
	card := flag.Int("card", 0, "card index under /dev/dri")
	device := flag.String("device", "", "explicit device node path, overrides -card")
	modeID := flag.Int("mode", 0, "mode id to set on display 0, 0 keeps the preferred mode")
	seconds := flag.Int("seconds", 10, "how long to run, 0 runs until interrupted")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	dev, err := openCard(*card, *device)
	if err != nil {
		log.Fatalf("%v", err)
	}
	res, err := graph.Initialize(dev)
	if err != nil {
		dev.Close()
		log.Fatalf("initializing resource graph: %v", err)
	}

	dumb, err := importer.NewDumb(dev.File())
	if err != nil {
		res.Close()
		log.Fatalf("%v", err)
	}

	cfg := pipeline.DefaultConfig()
	cfg.Importer = "dumb"
	backend, err := pipeline.NewBackend(res, dumb, cfg)
	if err != nil {
		res.Close()
		log.Fatalf("starting pipeline: %v", err)
	}

	if *modeID != 0 {
		if err := backend.SetActiveConfig(0, uint32(*modeID)); err != nil {
			log.Fatalf("selecting mode %d: %v", *modeID, err)
		}
	}

	backend.RegisterHotplugHandler(func(display int, connected bool) {
		if connected {
			log.Infof("display %d connected", display)
		} else {
			log.Infof("display %d disconnected", display)
		}
	})
	if src, err := uevent.NewListener(); err != nil {
		log.Debugf("hotplug events unavailable: %v", err)
	} else if err := backend.WatchEvents(src); err != nil {
		src.Close()
	}

	var vsyncs int64
	backend.RegisterVSyncHandler(func(display int, ts int64) {
		atomic.AddInt64(&vsyncs, 1)
	})

	surfaces := prepareSurfaces(backend, dumb, *modeID)
	if len(surfaces) == 0 {
		backend.Close()
		log.Fatalf("no connected display to draw on")
	}
	for _, s := range surfaces {
		if err := backend.SetVSyncEnabled(s.display, true); err != nil {
			log.Warnf("display %d: enabling vsync: %v", s.display, err)
		}
	}

	run(backend, surfaces, *seconds)

	for _, s := range surfaces {
		if stats, err := backend.Stats(s.display); err == nil {
			log.Infof("display %d: %d committed, %d dropped, %d commit failures",
				s.display, stats.FramesCommitted, stats.FramesDropped, stats.CommitFailures)
		}
	}
	log.Infof("%d vsync callbacks", atomic.LoadInt64(&vsyncs))

	if err := backend.Close(); err != nil {
		log.Errorf("closing pipeline: %v", err)
	}
	// framebuffers are released by Close; now the allocations can go
	for _, s := range surfaces {
		for _, h := range s.bufs {
			if err := dumb.Free(h); err != nil {
				log.Warnf("freeing buffer: %v", err)
			}
		}
	}
}

func openCard(card int, device string) (*graph.CardDevice, error) {
	if device != "" {
		return graph.OpenCardPath(device)
	}
	return graph.OpenCard(card)
}

// prepareSurfaces allocates a pair of dumb buffers sized to each
// display's armed mode.
func prepareSurfaces(backend *pipeline.Backend, dumb *importer.DumbImporter, modeID int) []*surface {
	var surfaces []*surface
	for _, display := range backend.Displays() {
		m, ok := armedMode(backend, display, modeID)
		if !ok {
			continue
		}
		s := &surface{
			display: display,
			width:   uint32(m.HDisplay),
			height:  uint32(m.VDisplay),
		}
		failed := false
		for i := range s.bufs {
			h, err := dumb.Allocate(s.width, s.height, importer.BGRA8888)
			if err != nil {
				log.Errorf("display %d: allocating %dx%d buffer: %v",
					display, s.width, s.height, err)
				failed = true
				break
			}
			s.bufs[i] = h
		}
		if failed {
			for _, h := range s.bufs {
				if h != nil {
					dumb.Free(h)
				}
			}
			continue
		}
		log.Infof("display %d: drawing %dx%d at %.0fHz", display, s.width, s.height, m.Refresh())
		surfaces = append(surfaces, s)
	}
	return surfaces
}

func armedMode(backend *pipeline.Backend, display, modeID int) (graph.Mode, bool) {
	modes, err := backend.DisplayModes(display)
	if err != nil || len(modes) == 0 {
		return graph.Mode{}, false
	}
	if display == 0 && modeID != 0 {
		for _, m := range modes {
			if m.ID == uint32(modeID) {
				return m, true
			}
		}
	}
	for _, m := range modes {
		if m.Preferred() {
			return m, true
		}
	}
	return modes[0], true
}

func run(backend *pipeline.Backend, surfaces []*surface, seconds int) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var deadline <-chan time.Time
	if seconds > 0 {
		deadline = time.After(time.Duration(seconds) * time.Second)
	}

	ticker := time.NewTicker(time.Second / 60)
	defer ticker.Stop()

	var (
		r, g, b       uint8 = 0, 85, 170
		rUp, gUp, bUp       = true, true, false
	)
	for {
		select {
		case sig := <-sigs:
			log.Infof("stopping on %v", sig)
			return
		case <-deadline:
			return
		case <-ticker.C:
		}

		r = bounce(&rUp, r, 3)
		g = bounce(&gUp, g, 2)
		b = bounce(&bUp, b, 1)

		for _, s := range surfaces {
			buf := s.bufs[s.back]
			fill(buf, r, g, b)
			frame := image.Rect(0, 0, int(s.width), int(s.height))
			if err := backend.QueueFrame(s.display, buf, frame); err != nil {
				log.Debugf("display %d: %v", s.display, err)
				continue
			}
			s.back ^= 1
		}
	}
}

func bounce(up *bool, cur, step uint8) uint8 {
	if *up {
		if cur > 0xff-step {
			*up = false
			return cur
		}
		return cur + step
	}
	if cur < step {
		*up = true
		return cur
	}
	return cur - step
}

func fill(h *importer.BufferHandle, r, g, b uint8) {
	data := h.Data()
	for y := uint32(0); y < h.Height; y++ {
		row := y * h.Stride * 4
		for x := uint32(0); x < h.Width; x++ {
			off := row + x*4
			data[off] = b
			data[off+1] = g
			data[off+2] = r
			data[off+3] = 0xff
		}
	}
}
