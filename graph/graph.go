package graph

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/NeowayLabs/kms/mode"
)

// ErrNoPipe means no free encoder/CRTC combination exists for a
// connector's display. The display stays disabled; other displays are
// unaffected.
var ErrNoPipe = errors.New("no suitable encoder/crtc pair")

// ErrNoProperty means an object does not expose a property with the
// requested name.
var ErrNoProperty = errors.New("no such property")

// errEncoderBusy: every CRTC this encoder could drive is claimed by
// another display; the caller moves on to the next candidate encoder.
var errEncoderBusy = errors.New("encoder busy")

// Resources owns every mode-setting object of one device. The object
// slices are in kernel enumeration order and immutable after
// Initialize; mutable state lives behind each object's own lock.
type Resources struct {
	dev Device

	crtcs      []*Crtc
	encoders   []*Encoder
	connectors []*Connector
	planes     []*Plane

	// serializes display-pipe resolution so concurrent hotplug
	// reconciliations can't race each other's CRTC claims
	pipeMu sync.Mutex

	modeID atomic.Uint32
}

// Initialize enumerates the device's mode-setting objects and assigns
// display indexes. CRTCs come first because every later stage resolves
// references into earlier ones; the first connector becomes display 0
// and each further connector takes the next index.
func Initialize(dev Device) (*Resources, error) {
	res, err := dev.Resources()
	if err != nil {
		return nil, fmt.Errorf("card resources: %w", err)
	}

	r := &Resources{dev: dev}

	for pipe, id := range res.Crtcs {
		c, err := dev.Crtc(id)
		if err != nil {
			return nil, fmt.Errorf("crtc %d: %w", id, err)
		}
		r.crtcs = append(r.crtcs, newCrtc(c, pipe))
	}

	for _, id := range res.Encoders {
		e, err := dev.Encoder(id)
		if err != nil {
			return nil, fmt.Errorf("encoder %d: %w", id, err)
		}
		r.encoders = append(r.encoders, newEncoder(e))
	}

	display := 1
	foundPrimary := false
	for _, id := range res.Connectors {
		c, err := dev.Connector(id)
		if err != nil {
			return nil, fmt.Errorf("connector %d: %w", id, err)
		}
		conn := newConnector(c)
		if !foundPrimary {
			conn.setDisplay(0)
			foundPrimary = true
		} else {
			conn.setDisplay(display)
			display++
		}
		conn.setModes(r.tagModes(nil, c.Modes))
		r.connectors = append(r.connectors, conn)
	}

	planeIDs, err := dev.PlaneIDs()
	if err != nil {
		return nil, fmt.Errorf("plane resources: %w", err)
	}
	for _, id := range planeIDs {
		p, err := dev.Plane(id)
		if err != nil {
			return nil, fmt.Errorf("plane %d: %w", id, err)
		}
		typ, err := r.GetProperty(id, mode.ObjectPlane, "type")
		if err != nil {
			return nil, fmt.Errorf("plane %d type: %w", id, err)
		}
		r.planes = append(r.planes, newPlane(p, typ.Value))
	}

	for _, conn := range r.connectors {
		if err := r.CreateDisplayPipe(conn); err != nil {
			log.Errorf("no display pipe for %s (display %d): %v",
				conn.Name(), conn.Display(), err)
		}
	}

	log.Debugf("kms graph: %d crtcs, %d encoders, %d connectors, %d planes",
		len(r.crtcs), len(r.encoders), len(r.connectors), len(r.planes))

	return r, nil
}

// Device returns the underlying device boundary.
func (r *Resources) Device() Device {
	return r.dev
}

// Close releases the device node.
func (r *Resources) Close() error {
	return r.dev.Close()
}

func (r *Resources) nextModeID() uint32 {
	return r.modeID.Add(1)
}

// tagModes pairs a fresh probe with the previously known list: timings
// already seen keep their id, new ones get the next graph-wide id.
func (r *Resources) tagModes(old []Mode, probed []mode.Info) []Mode {
	modes := make([]Mode, 0, len(probed))
	for i := range probed {
		info := &probed[i]
		found := false
		for _, m := range old {
			if m.Matches(info) {
				modes = append(modes, m)
				found = true
				break
			}
		}
		if !found {
			modes = append(modes, modeFromInfo(info, r.nextModeID()))
		}
	}
	return modes
}

// UpdateModes re-probes a connector, refreshing its connection state
// and mode list.
func (r *Resources) UpdateModes(conn *Connector) error {
	c, err := r.dev.Connector(conn.ID())
	if err != nil {
		return fmt.Errorf("probing connector %d: %w", conn.ID(), err)
	}
	conn.setModes(r.tagModes(conn.Modes(), c.Modes))
	conn.setState(c.Connection)
	return nil
}

func (r *Resources) Crtcs() []*Crtc {
	out := make([]*Crtc, len(r.crtcs))
	copy(out, r.crtcs)
	return out
}

func (r *Resources) Encoders() []*Encoder {
	out := make([]*Encoder, len(r.encoders))
	copy(out, r.encoders)
	return out
}

func (r *Resources) Connectors() []*Connector {
	out := make([]*Connector, len(r.connectors))
	copy(out, r.connectors)
	return out
}

func (r *Resources) Planes() []*Plane {
	out := make([]*Plane, len(r.planes))
	copy(out, r.planes)
	return out
}

func (r *Resources) Crtc(id uint32) *Crtc {
	for _, c := range r.crtcs {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

func (r *Resources) Encoder(id uint32) *Encoder {
	for _, e := range r.encoders {
		if e.ID() == id {
			return e
		}
	}
	return nil
}

func (r *Resources) Connector(id uint32) *Connector {
	for _, c := range r.connectors {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

func (r *Resources) Plane(id uint32) *Plane {
	for _, p := range r.planes {
		if p.ID() == id {
			return p
		}
	}
	return nil
}

// ConnectorForDisplay returns the connector assigned to a display
// index, nil when the index is unknown.
func (r *Resources) ConnectorForDisplay(display int) *Connector {
	for _, c := range r.connectors {
		if c.Display() == display {
			return c
		}
	}
	return nil
}

// CrtcForDisplay returns the CRTC claimed by a display, nil when the
// display never resolved a pipe.
func (r *Resources) CrtcForDisplay(display int) *Crtc {
	for _, c := range r.crtcs {
		if c.Display() == display {
			return c
		}
	}
	return nil
}

// PrimaryPlaneForCrtc scans for a primary plane that can feed the CRTC.
// When a device exposes several, the last enumerated one wins.
func (r *Resources) PrimaryPlaneForCrtc(c *Crtc) *Plane {
	var found *Plane
	for _, p := range r.planes {
		if p.Type() == mode.PlaneTypePrimary && p.CrtcSupported(c) {
			found = p
		}
	}
	return found
}

// CreateDisplayPipe binds an encoder/CRTC pair to the connector's
// display. The connector's currently attached encoder is tried first,
// then its possible encoders in enumeration order; the first viable
// candidate wins. Returns ErrNoPipe when nothing fits.
func (r *Resources) CreateDisplayPipe(conn *Connector) error {
	r.pipeMu.Lock()
	defer r.pipeMu.Unlock()

	display := conn.Display()

	if enc := r.Encoder(conn.EncoderID()); enc != nil {
		err := r.tryEncoderForDisplay(display, enc)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errEncoderBusy) {
			return err
		}
	}

	for _, id := range conn.EncoderIDs() {
		enc := r.Encoder(id)
		if enc == nil {
			continue
		}
		err := r.tryEncoderForDisplay(display, enc)
		if err == nil {
			conn.setEncoderID(enc.ID())
			return nil
		}
		if !errors.Is(err, errEncoderBusy) {
			return err
		}
	}

	return fmt.Errorf("connector %s display %d: %w", conn.Name(), display, ErrNoPipe)
}

// tryEncoderForDisplay claims a CRTC for the display through the given
// encoder. The encoder's current CRTC wins when it is free or already
// claimed by this display; otherwise the encoder's other possible CRTCs
// are scanned in pipe order.
func (r *Resources) tryEncoderForDisplay(display int, enc *Encoder) error {
	current := r.Crtc(enc.CrtcID())
	if current != nil && current.canBind(display) {
		current.setDisplay(display)
		enc.setDisplay(display)
		return nil
	}

	for _, crtc := range r.crtcs {
		if crtc == current {
			continue
		}
		if !enc.supportsPipe(crtc.Pipe()) {
			continue
		}
		if !crtc.canBind(display) {
			continue
		}
		enc.setCrtcID(crtc.ID())
		enc.setDisplay(display)
		crtc.setDisplay(display)
		return nil
	}

	return errEncoderBusy
}

// GetProperty walks an object's properties and returns the one whose
// kernel-reported name matches. Names are used because property ids
// are driver-assigned and differ between devices.
func (r *Resources) GetProperty(objID, objType uint32, name string) (Prop, error) {
	oprops, err := r.dev.ObjectProperties(objID, objType)
	if err != nil {
		return Prop{}, fmt.Errorf("properties of object %d: %w", objID, err)
	}
	for i, id := range oprops.Props {
		p, err := r.dev.Property(id)
		if err != nil {
			return Prop{}, fmt.Errorf("property %d of object %d: %w", id, objID, err)
		}
		if p.Name == name {
			return Prop{ID: p.ID, Value: oprops.Values[i]}, nil
		}
	}
	return Prop{}, fmt.Errorf("object %d %q: %w", objID, name, ErrNoProperty)
}

// CrtcProperty is GetProperty through the CRTC's name cache.
func (r *Resources) CrtcProperty(c *Crtc, name string) (Prop, error) {
	if p, ok := c.props.get(name); ok {
		return p, nil
	}
	p, err := r.GetProperty(c.ID(), mode.ObjectCrtc, name)
	if err != nil {
		return Prop{}, err
	}
	c.props.put(name, p)
	return p, nil
}

// ConnectorProperty is GetProperty through the connector's name cache.
func (r *Resources) ConnectorProperty(c *Connector, name string) (Prop, error) {
	if p, ok := c.props.get(name); ok {
		return p, nil
	}
	p, err := r.GetProperty(c.ID(), mode.ObjectConnector, name)
	if err != nil {
		return Prop{}, err
	}
	c.props.put(name, p)
	return p, nil
}

// PlaneProperty is GetProperty through the plane's name cache.
func (r *Resources) PlaneProperty(p *Plane, name string) (Prop, error) {
	if prop, ok := p.props.get(name); ok {
		return prop, nil
	}
	prop, err := r.GetProperty(p.ID(), mode.ObjectPlane, name)
	if err != nil {
		return Prop{}, err
	}
	p.props.put(name, prop)
	return prop, nil
}

func (r *Resources) CreatePropertyBlob(data []byte) (uint32, error) {
	return r.dev.CreatePropertyBlob(data)
}

// CreateModeBlob serializes a mode into a kernel blob suitable for a
// CRTC MODE_ID property.
func (r *Resources) CreateModeBlob(m Mode) (uint32, error) {
	info := m.Info()
	id, err := r.dev.CreatePropertyBlob(info.Bytes())
	if err != nil {
		return 0, fmt.Errorf("mode blob for %s: %w", m.Name, err)
	}
	return id, nil
}

// DestroyPropertyBlob releases a kernel blob. Blob id zero means "no
// blob" and is ignored.
func (r *Resources) DestroyPropertyBlob(id uint32) error {
	if id == 0 {
		return nil
	}
	return r.dev.DestroyPropertyBlob(id)
}

// SetDpmsMode drives a connector's DPMS property directly, outside any
// atomic transaction. Only on and off are meaningful for displays.
func (r *Resources) SetDpmsMode(display int, value uint64) error {
	if value != mode.DpmsOn && value != mode.DpmsOff {
		return fmt.Errorf("invalid dpms mode %d", value)
	}
	conn := r.ConnectorForDisplay(display)
	if conn == nil {
		return fmt.Errorf("no connector for display %d", display)
	}
	prop, err := r.ConnectorProperty(conn, "DPMS")
	if err != nil {
		return err
	}
	if err := r.dev.SetConnectorProperty(conn.ID(), prop.ID, value); err != nil {
		return fmt.Errorf("dpms %d for display %d: %w", value, display, err)
	}
	return nil
}

// SetDisplayActiveMode installs a mode right away with a dedicated
// allow-modeset commit. The blob backing the previous mode is destroyed
// only after the commit that stopped referencing it succeeded.
func (r *Resources) SetDisplayActiveMode(display int, m Mode) error {
	conn := r.ConnectorForDisplay(display)
	if conn == nil {
		return fmt.Errorf("no connector for display %d", display)
	}
	crtc := r.CrtcForDisplay(display)
	if crtc == nil {
		return fmt.Errorf("no crtc for display %d", display)
	}

	modeProp, err := r.CrtcProperty(crtc, "MODE_ID")
	if err != nil {
		return err
	}
	crtcProp, err := r.ConnectorProperty(conn, "CRTC_ID")
	if err != nil {
		return err
	}

	blobID, err := r.CreateModeBlob(m)
	if err != nil {
		return err
	}

	req := mode.NewAtomicRequest()
	req.Add(crtc.ID(), modeProp.ID, uint64(blobID))
	req.Add(conn.ID(), crtcProp.ID, uint64(crtc.ID()))

	if err := r.Commit(req, mode.AtomicAllowModeset); err != nil {
		if derr := r.DestroyPropertyBlob(blobID); derr != nil {
			log.Warnf("destroying unused mode blob %d: %v", blobID, derr)
		}
		return fmt.Errorf("modeset commit for display %d: %w", display, err)
	}

	if old := conn.swapModeBlob(blobID); old != 0 {
		if derr := r.DestroyPropertyBlob(old); derr != nil {
			log.Warnf("destroying retired mode blob %d: %v", old, derr)
		}
	}
	conn.SetActiveMode(m)
	log.Debugf("display %d mode set to %s@%.0f", display, m.Name, m.Refresh())
	return nil
}

// Commit submits an atomic request to the device.
func (r *Resources) Commit(req *mode.AtomicRequest, flags uint32) error {
	return r.dev.AtomicCommit(req, flags)
}

// WaitVBlank blocks until the next vertical blank on a pipe and returns
// its timestamp in nanoseconds.
func (r *Resources) WaitVBlank(pipe int) (int64, error) {
	return r.dev.WaitVBlank(pipe)
}
