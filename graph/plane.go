package graph

import (
	"sync"

	"github.com/NeowayLabs/kms/mode"
)

// Plane is a scanout plane. The type comes from the "type" object
// property; with universal planes enabled the kernel exposes primary
// and cursor planes alongside the overlays.
type Plane struct {
	id            uint32
	possibleCrtcs uint32
	formats       []uint32
	typ           uint64

	mu     sync.Mutex
	crtcID uint32

	props propSet
}

func newPlane(p *mode.Plane, typ uint64) *Plane {
	pl := &Plane{
		id:            p.ID,
		possibleCrtcs: p.PossibleCrtcs,
		typ:           typ,
		crtcID:        p.CrtcID,
	}
	pl.formats = make([]uint32, len(p.Formats))
	copy(pl.formats, p.Formats)
	return pl
}

func (p *Plane) ID() uint32 {
	return p.id
}

// Type is one of mode.PlaneTypeOverlay, mode.PlaneTypePrimary or
// mode.PlaneTypeCursor.
func (p *Plane) Type() uint64 {
	return p.typ
}

func (p *Plane) PossibleCrtcs() uint32 {
	return p.possibleCrtcs
}

// Formats lists the fourcc codes the plane scans out.
func (p *Plane) Formats() []uint32 {
	out := make([]uint32, len(p.formats))
	copy(out, p.formats)
	return out
}

// SupportsFormat reports whether the plane scans out the fourcc code.
func (p *Plane) SupportsFormat(fourcc uint32) bool {
	for _, f := range p.formats {
		if f == fourcc {
			return true
		}
	}
	return false
}

func (p *Plane) CrtcID() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.crtcID
}

func (p *Plane) setCrtcID(id uint32) {
	p.mu.Lock()
	p.crtcID = id
	p.mu.Unlock()
}

// CrtcSupported reports whether this plane can feed the given CRTC.
// possible_crtcs is a bitmask indexed by pipe.
func (p *Plane) CrtcSupported(c *Crtc) bool {
	return p.possibleCrtcs&(1<<uint(c.Pipe())) != 0
}
