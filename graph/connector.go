package graph

import (
	"fmt"
	"sync"

	"github.com/NeowayLabs/kms/mode"
)

// Connector is one display output. Connection state, the mode list and
// the active mode change across hotplug events; everything else is
// fixed at enumeration.
type Connector struct {
	id         uint32
	typ        uint32
	typeID     uint32
	encoderIDs []uint32
	mmWidth    uint32
	mmHeight   uint32

	mu         sync.Mutex
	display    int
	state      uint8
	encoderID  uint32
	modes      []Mode
	activeMode Mode
	modeBlobID uint32

	props propSet
}

func newConnector(c *mode.Connector) *Connector {
	conn := &Connector{
		id:        c.ID,
		typ:       c.Type,
		typeID:    c.TypeID,
		mmWidth:   c.Width,
		mmHeight:  c.Height,
		display:   -1,
		state:     c.Connection,
		encoderID: c.EncoderID,
	}
	conn.encoderIDs = make([]uint32, len(c.Encoders))
	copy(conn.encoderIDs, c.Encoders)
	return conn
}

func (c *Connector) ID() uint32 {
	return c.id
}

func (c *Connector) Type() uint32 {
	return c.typ
}

// Name renders the conventional connector name, eg. "HDMI-A-1".
func (c *Connector) Name() string {
	return fmt.Sprintf("%s-%d", mode.ConnectorTypeName(c.typ), c.typeID)
}

func (c *Connector) Display() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.display
}

func (c *Connector) setDisplay(display int) {
	c.mu.Lock()
	c.display = display
	c.mu.Unlock()
}

// State returns the last probed connection state (mode.Connected,
// mode.Disconnected or mode.UnknownConnection).
func (c *Connector) State() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connector) setState(state uint8) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// Connected treats an unknown probe result as connected, the way the
// legacy helpers do: it is better to light up a questionable output
// than to blank a working one.
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == mode.Connected || c.state == mode.UnknownConnection
}

func (c *Connector) EncoderID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encoderID
}

func (c *Connector) setEncoderID(id uint32) {
	c.mu.Lock()
	c.encoderID = id
	c.mu.Unlock()
}

// EncoderIDs lists the encoders that can drive this connector, in
// kernel order.
func (c *Connector) EncoderIDs() []uint32 {
	out := make([]uint32, len(c.encoderIDs))
	copy(out, c.encoderIDs)
	return out
}

// Modes returns a snapshot of the probed mode list.
func (c *Connector) Modes() []Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Mode, len(c.modes))
	copy(out, c.modes)
	return out
}

func (c *Connector) setModes(modes []Mode) {
	c.mu.Lock()
	c.modes = modes
	c.mu.Unlock()
}

// ModeByID finds a mode in the current list by its graph-unique id.
func (c *Connector) ModeByID(id uint32) (Mode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.modes {
		if m.ID == id {
			return m, true
		}
	}
	return Mode{}, false
}

// PreferredMode picks the kernel-preferred mode, falling back to the
// first reported one. ok is false when the list is empty.
func (c *Connector) PreferredMode() (Mode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.modes {
		if m.Preferred() {
			return m, true
		}
	}
	if len(c.modes) > 0 {
		return c.modes[0], true
	}
	return Mode{}, false
}

// ActiveMode returns the mode last installed by a successful modeset.
// ok is false before the first modeset.
func (c *Connector) ActiveMode() (Mode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeMode, c.activeMode.ID != 0
}

// SetActiveMode records a successful modeset. Callers only invoke it
// after the kernel accepted the commit carrying the mode.
func (c *Connector) SetActiveMode(m Mode) {
	c.mu.Lock()
	c.activeMode = m
	c.mu.Unlock()
}

// swapModeBlob installs the blob backing the active mode and returns
// the previously installed one for retirement.
func (c *Connector) swapModeBlob(id uint32) (old uint32) {
	c.mu.Lock()
	old = c.modeBlobID
	c.modeBlobID = id
	c.mu.Unlock()
	return old
}

// PhysicalSize returns the display's dimensions in millimeters, zero
// when the kernel doesn't know them.
func (c *Connector) PhysicalSize() (width, height uint32) {
	return c.mmWidth, c.mmHeight
}

// DPI derives the dots-per-inch of a mode on this panel. ok is false
// when the physical dimensions are unknown.
func (c *Connector) DPI(m Mode) (x, y float64, ok bool) {
	if c.mmWidth == 0 || c.mmHeight == 0 {
		return 0, 0, false
	}
	x = float64(m.HDisplay) * 25.4 / float64(c.mmWidth)
	y = float64(m.VDisplay) * 25.4 / float64(c.mmHeight)
	return x, y, true
}
