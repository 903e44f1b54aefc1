package pipeline_test

import (
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/NeowayLabs/kms/graph"
	"github.com/NeowayLabs/kms/importer"
	"github.com/NeowayLabs/kms/kmstest"
	"github.com/NeowayLabs/kms/mode"
	"github.com/NeowayLabs/kms/pipeline"
	"github.com/NeowayLabs/kms/uevent"
)

var (
	_ importer.Importer    = (*kmstest.Importer)(nil)
	_ pipeline.EventSource = (*kmstest.EventSource)(nil)
	_ pipeline.EventSource = (*uevent.Listener)(nil)
)

func newTestBackend(t *testing.T, cfg pipeline.Config) (*kmstest.Device, *kmstest.Importer, *pipeline.Backend) {
	t.Helper()
	dev := kmstest.New(kmstest.DualHDMI())
	res, err := graph.Initialize(dev)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	imp := kmstest.NewImporter()
	b, err := pipeline.NewBackend(res, imp, cfg)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return dev, imp, b
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func testHandle() *importer.BufferHandle {
	return &importer.BufferHandle{
		Width:   1920,
		Height:  1080,
		Format:  importer.BGRA8888,
		Stride:  1920,
		ShareFD: 42,
	}
}

func fullFrame() image.Rectangle {
	return image.Rect(0, 0, 1920, 1080)
}

func queueAndWait(t *testing.T, dev *kmstest.Device, b *pipeline.Backend, handle *importer.BufferHandle) {
	t.Helper()
	before := len(dev.Commits())
	if err := b.QueueFrame(0, handle, fullFrame()); err != nil {
		t.Fatalf("QueueFrame: %v", err)
	}
	eventually(t, 5*time.Second, func() bool {
		return len(dev.Commits()) > before
	}, "no commit after queuing a frame")
}

// waitActive blocks until the deferred modeset effects are applied, not
// just the commit itself.
func waitActive(t *testing.T, b *pipeline.Backend, width uint16) {
	t.Helper()
	eventually(t, 2*time.Second, func() bool {
		m, err := b.ActiveMode(0)
		return err == nil && m.HDisplay == width
	}, "display 0 never recorded the expected active mode")
}

func propValue(t *testing.T, dev *kmstest.Device, objID uint32, name string) uint64 {
	t.Helper()
	v, ok := dev.PropValue(objID, name)
	if !ok {
		t.Fatalf("object %d has no property %s", objID, name)
	}
	return v
}

func journalContains(dev *kmstest.Device, want string) bool {
	for _, line := range dev.Journal() {
		if line == want {
			return true
		}
	}
	return false
}

func modeWithWidth(t *testing.T, b *pipeline.Backend, display int, width uint16) graph.Mode {
	t.Helper()
	modes, err := b.DisplayModes(display)
	if err != nil {
		t.Fatalf("DisplayModes: %v", err)
	}
	for _, m := range modes {
		if m.HDisplay == width {
			return m
		}
	}
	t.Fatalf("display %d has no %d-wide mode in %v", display, width, modes)
	return graph.Mode{}
}

func TestInitialModesetRidesFirstFrame(t *testing.T) {
	dev, imp, b := newTestBackend(t, pipeline.Config{})

	// construction arms the preferred mode but commits nothing
	if n := len(dev.Commits()); n != 0 {
		t.Fatalf("backend construction produced %d commits, want 0", n)
	}
	if n := dev.BlobCount(); n != 1 {
		t.Fatalf("blob count after construction = %d, want 1", n)
	}
	if _, err := b.ActiveMode(0); err == nil {
		t.Fatal("ActiveMode before first commit should fail")
	}

	queueAndWait(t, dev, b, testHandle())
	waitActive(t, b, 1920)

	c := dev.Commits()[0]
	if c.Flags&mode.AtomicAllowModeset == 0 {
		t.Errorf("commit flags %#x missing allow-modeset", c.Flags)
	}
	if len(c.Props) != 12 {
		t.Errorf("modeset commit staged %d properties, want 12", len(c.Props))
	}

	if got := propValue(t, dev, 10, "MODE_ID"); got != 1 {
		t.Errorf("crtc MODE_ID = %d, want blob 1", got)
	}
	if got := propValue(t, dev, 30, "CRTC_ID"); got != 10 {
		t.Errorf("connector CRTC_ID = %d, want 10", got)
	}
	if got := propValue(t, dev, 40, "CRTC_ID"); got != 10 {
		t.Errorf("plane CRTC_ID = %d, want 10", got)
	}
	if got := propValue(t, dev, 40, "FB_ID"); got != 1 {
		t.Errorf("plane FB_ID = %d, want 1", got)
	}
	if got := propValue(t, dev, 40, "CRTC_W"); got != 1920 {
		t.Errorf("plane CRTC_W = %d, want 1920", got)
	}
	// src geometry uses the same units as the display frame
	if got := propValue(t, dev, 40, "SRC_W"); got != 1920 {
		t.Errorf("plane SRC_W = %d, want 1920", got)
	}
	if got := propValue(t, dev, 40, "SRC_X"); got != 0 {
		t.Errorf("plane SRC_X = %d, want 0", got)
	}

	m, err := b.ActiveMode(0)
	if err != nil {
		t.Fatalf("ActiveMode: %v", err)
	}
	if !m.Preferred() {
		t.Errorf("active mode %s is not the preferred one", m.Name)
	}

	eventually(t, time.Second, func() bool {
		return journalContains(dev, "set connector 30 DPMS=0")
	}, "no DPMS-on after the modeset landed")

	if imp.Imports() != 1 {
		t.Errorf("imports = %d, want 1", imp.Imports())
	}
}

func TestSteadyStateFlipStagesOnlyFramebuffer(t *testing.T) {
	dev, imp, b := newTestBackend(t, pipeline.Config{})
	h := testHandle()

	queueAndWait(t, dev, b, h)
	waitActive(t, b, 1920)
	queueAndWait(t, dev, b, h)

	commits := dev.Commits()
	if len(commits) != 2 {
		t.Fatalf("commit count = %d, want 2", len(commits))
	}
	steady := commits[1]
	if len(steady.Props) != 1 {
		t.Errorf("steady-state commit staged %d properties, want just FB_ID", len(steady.Props))
	}
	if steady.Flags&mode.AtomicAllowModeset == 0 {
		t.Errorf("steady-state flags %#x missing allow-modeset", steady.Flags)
	}
	if n := dev.BlobCount(); n != 1 {
		t.Errorf("blob count = %d, want 1", n)
	}
	if imp.Imports() != 1 {
		t.Errorf("imports = %d, want 1 (cache hit on second frame)", imp.Imports())
	}
}

func TestModeChangeRidesNextFrame(t *testing.T) {
	dev, _, b := newTestBackend(t, pipeline.Config{})
	h := testHandle()
	queueAndWait(t, dev, b, h)
	waitActive(t, b, 1920)

	m720 := modeWithWidth(t, b, 0, 1280)
	if err := b.SetActiveConfig(0, m720.ID); err != nil {
		t.Fatalf("SetActiveConfig: %v", err)
	}

	// armed, not committed: old blob still active, new blob pending
	if n := len(dev.Commits()); n != 1 {
		t.Fatalf("SetActiveConfig committed on its own (%d commits)", n)
	}
	if n := dev.BlobCount(); n != 2 {
		t.Fatalf("blob count after arming = %d, want 2", n)
	}
	if m, err := b.ActiveMode(0); err != nil || m.HDisplay != 1920 {
		t.Fatalf("active mode changed before the commit: %v %v", m, err)
	}

	queueAndWait(t, dev, b, h)
	waitActive(t, b, 1280)

	commits := dev.Commits()
	c := commits[len(commits)-1]
	if len(c.Props) != 12 {
		t.Errorf("mode change commit staged %d properties, want 12", len(c.Props))
	}
	if got := propValue(t, dev, 10, "MODE_ID"); got != 2 {
		t.Errorf("crtc MODE_ID = %d, want blob 2", got)
	}

	eventually(t, time.Second, func() bool { return !dev.HasBlob(1) },
		"retired mode blob 1 was not destroyed")
	if n := dev.BlobCount(); n != 1 {
		t.Errorf("blob count after mode change = %d, want 1", n)
	}
}

func TestSupersededModesetDropsItsBlob(t *testing.T) {
	dev, _, b := newTestBackend(t, pipeline.Config{})

	m720 := modeWithWidth(t, b, 0, 1280)
	m1080 := modeWithWidth(t, b, 0, 1920)

	// construction armed blob 1; each re-arm replaces the pending blob
	if err := b.SetActiveConfig(0, m720.ID); err != nil {
		t.Fatalf("SetActiveConfig: %v", err)
	}
	if dev.HasBlob(1) {
		t.Error("superseded pending blob 1 still alive")
	}
	if err := b.SetActiveConfig(0, m1080.ID); err != nil {
		t.Fatalf("SetActiveConfig: %v", err)
	}
	if dev.HasBlob(2) {
		t.Error("superseded pending blob 2 still alive")
	}
	if n := dev.BlobCount(); n != 1 {
		t.Fatalf("blob count = %d, want only the latest pending", n)
	}

	queueAndWait(t, dev, b, testHandle())
	waitActive(t, b, 1920)
	if got := propValue(t, dev, 10, "MODE_ID"); got != 3 {
		t.Errorf("crtc MODE_ID = %d, want blob 3", got)
	}
}

func TestRenderQueueDropsOldest(t *testing.T) {
	dev, imp, b := newTestBackend(t, pipeline.Config{})

	handles := make([]*importer.BufferHandle, 5)
	for i := range handles {
		handles[i] = testHandle()
	}

	queueAndWait(t, dev, b, handles[0])

	dev.SetCommitDelay(60 * time.Millisecond)
	if err := b.QueueFrame(0, handles[1], fullFrame()); err != nil {
		t.Fatalf("QueueFrame: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	for _, h := range handles[2:] {
		if err := b.QueueFrame(0, h, fullFrame()); err != nil {
			t.Fatalf("QueueFrame: %v", err)
		}
	}

	eventually(t, 5*time.Second, func() bool {
		s, err := b.Stats(0)
		return err == nil && s.FramesCommitted+s.FramesDropped == 5
	}, "queue never drained")

	s, err := b.Stats(0)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.FramesQueued != 5 {
		t.Errorf("FramesQueued = %d, want 5", s.FramesQueued)
	}
	if s.FramesDropped < 1 || s.FramesDropped > 2 {
		t.Errorf("FramesDropped = %d, want 1 or 2", s.FramesDropped)
	}
	// the newest frame always survives the drops
	if got, want := propValue(t, dev, 40, "FB_ID"), uint64(imp.Imports()); got != want {
		t.Errorf("final FB_ID = %d, want the last import %d", got, want)
	}
}

func TestBufferCacheReusesImports(t *testing.T) {
	dev, imp, b := newTestBackend(t, pipeline.Config{})
	h := testHandle()

	for i := 0; i < 3; i++ {
		queueAndWait(t, dev, b, h)
	}
	if imp.Imports() != 1 {
		t.Errorf("imports = %d, want 1 for a single handle", imp.Imports())
	}
	s, _ := b.Stats(0)
	if s.UncachedImports != 0 {
		t.Errorf("UncachedImports = %d, want 0", s.UncachedImports)
	}
}

func TestBufferCacheOverflowIsNotRetained(t *testing.T) {
	dev, imp, b := newTestBackend(t, pipeline.Config{BufferSlots: 2})

	h1, h2, h3 := testHandle(), testHandle(), testHandle()
	queueAndWait(t, dev, b, h1)
	queueAndWait(t, dev, b, h2)
	queueAndWait(t, dev, b, h3)
	// h3 overflowed the two slots, so a repeat costs another import
	queueAndWait(t, dev, b, h3)

	if imp.Imports() != 4 {
		t.Errorf("imports = %d, want 4 (h3 imported twice)", imp.Imports())
	}
	s, _ := b.Stats(0)
	if s.UncachedImports != 2 {
		t.Errorf("UncachedImports = %d, want 2", s.UncachedImports)
	}
	if imp.Releases() != 0 {
		t.Errorf("releases = %d before close, want 0", imp.Releases())
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// the two cache slots come back; the overflow imports never do
	if imp.Releases() != 2 {
		t.Errorf("releases after close = %d, want 2", imp.Releases())
	}
	if imp.Live() != 2 {
		t.Errorf("live buffers after close = %d, want the 2 uncached ones", imp.Live())
	}
}

func TestImportFailureSkipsFrame(t *testing.T) {
	dev, imp, b := newTestBackend(t, pipeline.Config{})
	queueAndWait(t, dev, b, testHandle())

	imp.FailImports(errors.New("gem import refused"))
	h := testHandle()
	if err := b.QueueFrame(0, h, fullFrame()); err != nil {
		t.Fatalf("QueueFrame: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		s, err := b.Stats(0)
		return err == nil && s.ImportFailures == 1
	}, "import failure not recorded")
	if n := len(dev.Commits()); n != 1 {
		t.Errorf("commit count = %d, want 1 (failed import must not commit)", n)
	}

	imp.FailImports(nil)
	queueAndWait(t, dev, b, h)
}

func TestCommitFailureKeepsModesetArmed(t *testing.T) {
	dev, _, b := newTestBackend(t, pipeline.Config{})

	dev.FailCommits(errors.New("atomic check failed"))
	if err := b.QueueFrame(0, testHandle(), fullFrame()); err != nil {
		t.Fatalf("QueueFrame: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		s, err := b.Stats(0)
		return err == nil && s.CommitFailures == 1
	}, "commit failure not recorded")

	// the pending blob survives for the retry
	if n := dev.BlobCount(); n != 1 {
		t.Errorf("blob count after failed commit = %d, want 1", n)
	}
	if _, err := b.ActiveMode(0); err == nil {
		t.Error("failed modeset must not set an active mode")
	}

	dev.FailCommits(nil)
	queueAndWait(t, dev, b, testHandle())
	waitActive(t, b, 1920)

	commits := dev.Commits()
	c := commits[len(commits)-1]
	if len(c.Props) != 12 {
		t.Errorf("retried commit staged %d properties, want the full modeset", len(c.Props))
	}
}

func TestHotplugDisconnect(t *testing.T) {
	dev, imp, b := newTestBackend(t, pipeline.Config{})
	queueAndWait(t, dev, b, testHandle())
	waitActive(t, b, 1920)

	var mu sync.Mutex
	type event struct {
		display   int
		connected bool
	}
	var events []event
	b.RegisterHotplugHandler(func(display int, connected bool) {
		mu.Lock()
		events = append(events, event{display, connected})
		mu.Unlock()
	})

	dev.SetConnected(30, false)
	b.ProcessHotplug()

	mu.Lock()
	got := append([]event(nil), events...)
	mu.Unlock()
	if len(got) != 1 || got[0] != (event{0, false}) {
		t.Fatalf("notifications = %v, want exactly one disconnect for display 0", got)
	}

	if !journalContains(dev, "set connector 30 DPMS=3") {
		t.Error("disconnect did not force DPMS off")
	}

	// the render worker returns the cached buffers
	eventually(t, 2*time.Second, func() bool {
		return imp.Releases() == imp.Imports()
	}, "cache not released after disconnect")

	commits := len(dev.Commits())
	if err := b.QueueFrame(0, testHandle(), fullFrame()); !errors.Is(err, pipeline.ErrDisplayReleased) {
		t.Fatalf("QueueFrame on released display = %v, want ErrDisplayReleased", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(dev.Commits()); n != commits {
		t.Errorf("released display still committed (%d -> %d)", commits, n)
	}

	// no state change, no notification
	b.ProcessHotplug()
	mu.Lock()
	n := len(events)
	mu.Unlock()
	if n != 1 {
		t.Errorf("idle reconcile produced %d notifications, want 1", n)
	}
}

func TestHotplugReconnect(t *testing.T) {
	dev, imp, b := newTestBackend(t, pipeline.Config{})
	queueAndWait(t, dev, b, testHandle())
	waitActive(t, b, 1920)

	var mu sync.Mutex
	var connects, disconnects int
	b.RegisterHotplugHandler(func(display int, connected bool) {
		mu.Lock()
		if connected {
			connects++
		} else {
			disconnects++
		}
		mu.Unlock()
	})

	dev.SetConnected(30, false)
	b.ProcessHotplug()
	eventually(t, 2*time.Second, func() bool {
		return imp.Releases() == imp.Imports()
	}, "cache not released after disconnect")

	dev.SetConnected(30, true)
	b.ProcessHotplug()

	mu.Lock()
	gotConnects, gotDisconnects := connects, disconnects
	mu.Unlock()
	if gotConnects != 1 || gotDisconnects != 1 {
		t.Fatalf("connects=%d disconnects=%d, want 1 and 1", gotConnects, gotDisconnects)
	}

	modes, err := b.DisplayModes(0)
	if err != nil || len(modes) != 2 {
		t.Fatalf("DisplayModes after reconnect = %v (%v), want 2 modes", modes, err)
	}

	before := len(dev.Commits())
	queueAndWait(t, dev, b, testHandle())
	waitActive(t, b, 1920)

	c := dev.Commits()[before]
	if len(c.Props) != 12 {
		t.Errorf("reconnect commit staged %d properties, want the full modeset", len(c.Props))
	}
	eventually(t, time.Second, func() bool { return !dev.HasBlob(1) },
		"pre-disconnect mode blob still alive after the reconnect modeset")
}

func TestWatchEventsDrivesReconciliation(t *testing.T) {
	dev, _, b := newTestBackend(t, pipeline.Config{})
	queueAndWait(t, dev, b, testHandle())

	src := kmstest.NewEventSource()
	if err := b.WatchEvents(src); err != nil {
		t.Fatalf("WatchEvents: %v", err)
	}
	if err := b.WatchEvents(kmstest.NewEventSource()); err == nil {
		t.Fatal("second WatchEvents should fail")
	}

	notified := make(chan bool, 4)
	b.RegisterHotplugHandler(func(display int, connected bool) {
		notified <- connected
	})

	dev.SetConnected(30, false)
	src.Trigger()

	select {
	case connected := <-notified:
		if connected {
			t.Fatal("expected a disconnect notification")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hotplug event did not drive reconciliation")
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close with live listener: %v", err)
	}
}

func TestVSyncHardwareDelivery(t *testing.T) {
	_, _, b := newTestBackend(t, pipeline.Config{})

	var mu sync.Mutex
	var stamps []int64
	b.RegisterVSyncHandler(func(display int, ts int64) {
		if display != 0 {
			return
		}
		mu.Lock()
		stamps = append(stamps, ts)
		mu.Unlock()
	})

	if err := b.SetVSyncEnabled(0, true); err != nil {
		t.Fatalf("SetVSyncEnabled: %v", err)
	}
	eventually(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stamps) >= 3
	}, "no vsync callbacks delivered")

	mu.Lock()
	for i := 1; i < len(stamps); i++ {
		if stamps[i] <= stamps[i-1] {
			t.Errorf("timestamps not increasing: %v", stamps)
			break
		}
	}
	mu.Unlock()

	if err := b.SetVSyncEnabled(0, false); err != nil {
		t.Fatalf("SetVSyncEnabled(false): %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	n := len(stamps)
	mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	extra := len(stamps) - n
	mu.Unlock()
	if extra > 1 {
		t.Errorf("%d callbacks after disable, want at most one in-flight", extra)
	}
}

func TestVSyncSyntheticFallback(t *testing.T) {
	dev, _, b := newTestBackend(t, pipeline.Config{})
	dev.FailVBlank(errors.New("vblank not supported"))

	var mu sync.Mutex
	var stamps []int64
	b.RegisterVSyncHandler(func(display int, ts int64) {
		if display != 0 {
			return
		}
		mu.Lock()
		stamps = append(stamps, ts)
		mu.Unlock()
	})

	if err := b.SetVSyncEnabled(0, true); err != nil {
		t.Fatalf("SetVSyncEnabled: %v", err)
	}
	eventually(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stamps) >= 3
	}, "no synthetic vsync ticks")

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(stamps); i++ {
		delta := stamps[i] - stamps[i-1]
		if delta < int64(10*time.Millisecond) {
			t.Errorf("synthetic ticks %dns apart, want a 60Hz-ish grid", delta)
			break
		}
	}
}

func TestCloseShutsEverythingDown(t *testing.T) {
	dev, imp, b := newTestBackend(t, pipeline.Config{})
	queueAndWait(t, dev, b, testHandle())
	waitActive(t, b, 1920)

	src := kmstest.NewEventSource()
	if err := b.WatchEvents(src); err != nil {
		t.Fatalf("WatchEvents: %v", err)
	}
	if err := b.SetVSyncEnabled(0, true); err != nil {
		t.Fatalf("SetVSyncEnabled: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if n := dev.BlobCount(); n != 0 {
		t.Errorf("blob count after close = %d, want 0", n)
	}
	if imp.Releases() != imp.Imports() {
		t.Errorf("releases=%d imports=%d, want all buffers returned", imp.Releases(), imp.Imports())
	}
	journal := dev.Journal()
	if len(journal) == 0 || journal[len(journal)-1] != "close" {
		t.Errorf("device not closed last, journal tail: %v", journal[max(0, len(journal)-3):])
	}

	if err := b.QueueFrame(0, testHandle(), fullFrame()); !errors.Is(err, pipeline.ErrClosed) {
		t.Errorf("QueueFrame after close = %v, want ErrClosed", err)
	}
	if err := b.SetVSyncEnabled(0, true); !errors.Is(err, pipeline.ErrClosed) {
		t.Errorf("SetVSyncEnabled after close = %v, want ErrClosed", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

func TestUnknownDisplay(t *testing.T) {
	_, _, b := newTestBackend(t, pipeline.Config{})

	if err := b.QueueFrame(7, testHandle(), fullFrame()); err == nil {
		t.Error("QueueFrame on unknown display should fail")
	}
	if _, err := b.Stats(7); err == nil {
		t.Error("Stats on unknown display should fail")
	}
	if err := b.SetActiveConfig(7, 1); err == nil {
		t.Error("SetActiveConfig on unknown display should fail")
	}
}

func TestDisplayEnumeration(t *testing.T) {
	_, _, b := newTestBackend(t, pipeline.Config{InstanceID: "test-backend"})

	nums := b.Displays()
	if len(nums) != 2 || nums[0] != 0 || nums[1] != 1 {
		t.Errorf("Displays() = %v, want [0 1]", nums)
	}
	if b.InstanceID() != "test-backend" {
		t.Errorf("InstanceID() = %q", b.InstanceID())
	}

	// the disconnected display enumerates but has nothing to show
	if _, err := b.ActiveMode(1); err == nil {
		t.Error("disconnected display should have no active mode")
	}
	modes, err := b.DisplayModes(1)
	if err != nil {
		t.Fatalf("DisplayModes(1): %v", err)
	}
	if len(modes) != 0 {
		t.Errorf("disconnected display reports %d modes, want 0", len(modes))
	}
}
