package graph

import (
	"sync"

	"github.com/NeowayLabs/kms/mode"
)

// Crtc is one scanout engine. The pipe index is the CRTC's position in
// the kernel's CRTC list; encoder and plane possible-CRTC masks carry
// one bit per pipe. A CRTC claimed by a display keeps that claim until
// the graph is torn down.
type Crtc struct {
	id   uint32
	pipe int

	mu      sync.Mutex
	display int

	props propSet
}

func newCrtc(c *mode.Crtc, pipe int) *Crtc {
	return &Crtc{
		id:      c.ID,
		pipe:    pipe,
		display: -1,
	}
}

func (c *Crtc) ID() uint32 {
	return c.id
}

func (c *Crtc) Pipe() int {
	return c.pipe
}

// Display returns the display index bound to this CRTC, -1 when
// unclaimed.
func (c *Crtc) Display() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.display
}

func (c *Crtc) setDisplay(display int) {
	c.mu.Lock()
	c.display = display
	c.mu.Unlock()
}

// canBind reports whether the CRTC is free for the display: either
// unclaimed or already claimed by the same display.
func (c *Crtc) canBind(display int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.display == -1 || c.display == display
}
