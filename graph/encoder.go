package graph

import (
	"sync"

	"github.com/NeowayLabs/kms/mode"
)

// Encoder routes one connector to a CRTC. Only the id-based weak
// references to its current CRTC and display claim are mutable.
type Encoder struct {
	id            uint32
	typ           uint32
	possibleCrtcs uint32

	mu      sync.Mutex
	display int
	crtcID  uint32
}

func newEncoder(e *mode.Encoder) *Encoder {
	return &Encoder{
		id:            e.ID,
		typ:           e.Type,
		possibleCrtcs: e.PossibleCrtcs,
		display:       -1,
		crtcID:        e.CrtcID,
	}
}

func (e *Encoder) ID() uint32 {
	return e.id
}

func (e *Encoder) Type() uint32 {
	return e.typ
}

func (e *Encoder) PossibleCrtcs() uint32 {
	return e.possibleCrtcs
}

// CrtcID returns the id of the CRTC currently feeding this encoder,
// zero when detached.
func (e *Encoder) CrtcID() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.crtcID
}

func (e *Encoder) setCrtcID(id uint32) {
	e.mu.Lock()
	e.crtcID = id
	e.mu.Unlock()
}

func (e *Encoder) Display() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.display
}

func (e *Encoder) setDisplay(display int) {
	e.mu.Lock()
	e.display = display
	e.mu.Unlock()
}

// supportsPipe reports whether the encoder can drive the CRTC at the
// given pipe index.
func (e *Encoder) supportsPipe(pipe int) bool {
	return e.possibleCrtcs&(1<<uint(pipe)) != 0
}
