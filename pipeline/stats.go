package pipeline

import "sync/atomic"

// Stats is a snapshot of one display's pipeline counters.
type Stats struct {
	// FramesQueued counts accepted QueueFrame calls.
	FramesQueued uint64
	// FramesDropped counts frames discarded before commit: queue
	// overflow, rejected submissions and disconnect flushes.
	FramesDropped uint64
	// FramesCommitted counts atomic commits that landed.
	FramesCommitted uint64
	// CommitFailures counts commits the kernel rejected.
	CommitFailures uint64
	// ImportFailures counts frames skipped because the buffer import
	// failed.
	ImportFailures uint64
	// UncachedImports counts frames imported while the buffer cache
	// was full; sustained growth means BufferSlots is too small for
	// the producer's swapchain.
	UncachedImports uint64
}

type displayStats struct {
	queued     atomic.Uint64
	dropped    atomic.Uint64
	committed  atomic.Uint64
	commitErrs atomic.Uint64
	importErrs atomic.Uint64
	uncached   atomic.Uint64
}

func (s *displayStats) snapshot() Stats {
	return Stats{
		FramesQueued:    s.queued.Load(),
		FramesDropped:   s.dropped.Load(),
		FramesCommitted: s.committed.Load(),
		CommitFailures:  s.commitErrs.Load(),
		ImportFailures:  s.importErrs.Load(),
		UncachedImports: s.uncached.Load(),
	}
}
