// Package kmstest provides an in-memory graph.Device so the resource
// graph and the display pipeline can be exercised without a DRM node.
// The fake keeps a journal of blob, property and commit operations in
// the order they happened.
package kmstest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/NeowayLabs/kms/mode"
)

var errClosed = errors.New("kmstest: device closed")

// Topology describes the objects a fake device exposes. Slice order is
// the enumeration order the device reports.
type Topology struct {
	Crtcs      []uint32
	Encoders   []Encoder
	Connectors []Connector
	Planes     []Plane
}

// Encoder describes one fake encoder.
type Encoder struct {
	ID            uint32
	CrtcID        uint32 // currently attached CRTC, 0 = none
	PossibleCrtcs uint32
}

// Connector describes one fake connector.
type Connector struct {
	ID        uint32
	Type      uint32
	TypeID    uint32
	EncoderID uint32 // currently attached encoder, 0 = none
	Encoders  []uint32
	Connected bool
	Modes     []mode.Info
	WidthMM   uint32
	HeightMM  uint32
}

// Plane describes one fake plane.
type Plane struct {
	ID            uint32
	Type          uint64
	PossibleCrtcs uint32
	Formats       []uint32
}

// Commit is the record of one atomic commit the fake accepted.
type Commit struct {
	Flags uint32
	Props []mode.AtomicProp
}

type connState struct {
	conf      Connector
	connected bool
	modes     []mode.Info
}

type propEntry struct {
	id    uint32
	name  string
	value uint64
}

// Device is an in-memory graph.Device.
type Device struct {
	mu sync.Mutex

	crtcIDs    []uint32
	encoders   []Encoder
	connectors []*connState
	planes     []Plane

	props      map[uint32][]propEntry
	propByID   map[uint32]mode.Property
	nextPropID uint32

	blobs      map[uint32][]byte
	nextBlobID uint32

	commits []Commit
	journal []string

	commitErr      error
	commitDelay    time.Duration
	vblankErr      error
	vblankInterval time.Duration
	vblankTS       int64

	closed bool
}

// New builds a device from a topology. Every object gets the standard
// property set a modern driver exposes: MODE_ID and ACTIVE on CRTCs,
// DPMS and CRTC_ID on connectors, type/FB_ID/CRTC_ID and the geometry
// properties on planes.
func New(topo Topology) *Device {
	d := &Device{
		props:          make(map[uint32][]propEntry),
		propByID:       make(map[uint32]mode.Property),
		blobs:          make(map[uint32][]byte),
		vblankInterval: time.Millisecond,
	}
	d.crtcIDs = append(d.crtcIDs, topo.Crtcs...)
	d.encoders = append(d.encoders, topo.Encoders...)
	for _, c := range topo.Connectors {
		cs := &connState{conf: c, connected: c.Connected}
		cs.modes = append(cs.modes, c.Modes...)
		d.connectors = append(d.connectors, cs)
	}
	d.planes = append(d.planes, topo.Planes...)

	for _, id := range d.crtcIDs {
		d.addProp(id, "MODE_ID", 0)
		d.addProp(id, "ACTIVE", 0)
	}
	for _, c := range d.connectors {
		d.addProp(c.conf.ID, "DPMS", mode.DpmsOn)
		d.addProp(c.conf.ID, "CRTC_ID", 0)
	}
	for _, p := range d.planes {
		d.addProp(p.ID, "type", p.Type)
		for _, name := range []string{
			"FB_ID", "CRTC_ID",
			"CRTC_X", "CRTC_Y", "CRTC_W", "CRTC_H",
			"SRC_X", "SRC_Y", "SRC_W", "SRC_H",
		} {
			d.addProp(p.ID, name, 0)
		}
	}
	return d
}

func (d *Device) addProp(objID uint32, name string, value uint64) {
	d.nextPropID++
	d.props[objID] = append(d.props[objID],
		propEntry{id: d.nextPropID, name: name, value: value})
	d.propByID[d.nextPropID] = mode.Property{ID: d.nextPropID, Name: name}
}

func (d *Device) logf(format string, args ...any) {
	d.journal = append(d.journal, fmt.Sprintf(format, args...))
}

func (d *Device) connector(id uint32) *connState {
	for _, c := range d.connectors {
		if c.conf.ID == id {
			return c
		}
	}
	return nil
}

func (d *Device) Resources() (*mode.Resources, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errClosed
	}
	res := &mode.Resources{}
	res.Crtcs = append(res.Crtcs, d.crtcIDs...)
	for _, e := range d.encoders {
		res.Encoders = append(res.Encoders, e.ID)
	}
	for _, c := range d.connectors {
		res.Connectors = append(res.Connectors, c.conf.ID)
	}
	res.CountCrtcs = uint32(len(res.Crtcs))
	res.CountEncoders = uint32(len(res.Encoders))
	res.CountConnectors = uint32(len(res.Connectors))
	return res, nil
}

func (d *Device) Connector(id uint32) (*mode.Connector, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.connector(id)
	if c == nil {
		return nil, fmt.Errorf("kmstest: no connector %d", id)
	}
	out := &mode.Connector{
		ID:        c.conf.ID,
		EncoderID: c.conf.EncoderID,
		Type:      c.conf.Type,
		TypeID:    c.conf.TypeID,
		Width:     c.conf.WidthMM,
		Height:    c.conf.HeightMM,
	}
	if c.connected {
		out.Connection = mode.Connected
		out.Modes = append(out.Modes, c.modes...)
	} else {
		out.Connection = mode.Disconnected
	}
	out.Encoders = append(out.Encoders, c.conf.Encoders...)
	return out, nil
}

func (d *Device) Encoder(id uint32) (*mode.Encoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.encoders {
		if e.ID == id {
			return &mode.Encoder{
				ID:            e.ID,
				CrtcID:        e.CrtcID,
				PossibleCrtcs: e.PossibleCrtcs,
			}, nil
		}
	}
	return nil, fmt.Errorf("kmstest: no encoder %d", id)
}

func (d *Device) Crtc(id uint32) (*mode.Crtc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cid := range d.crtcIDs {
		if cid == id {
			return &mode.Crtc{ID: id}, nil
		}
	}
	return nil, fmt.Errorf("kmstest: no crtc %d", id)
}

func (d *Device) PlaneIDs() ([]uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]uint32, 0, len(d.planes))
	for _, p := range d.planes {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (d *Device) Plane(id uint32) (*mode.Plane, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.planes {
		if p.ID == id {
			out := &mode.Plane{ID: p.ID, PossibleCrtcs: p.PossibleCrtcs}
			out.Formats = append(out.Formats, p.Formats...)
			return out, nil
		}
	}
	return nil, fmt.Errorf("kmstest: no plane %d", id)
}

func (d *Device) ObjectProperties(objID, objType uint32) (*mode.ObjectProperties, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries, ok := d.props[objID]
	if !ok {
		return nil, fmt.Errorf("kmstest: no object %d", objID)
	}
	out := &mode.ObjectProperties{}
	for _, e := range entries {
		out.Props = append(out.Props, e.id)
		out.Values = append(out.Values, e.value)
	}
	return out, nil
}

func (d *Device) Property(id uint32) (*mode.Property, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.propByID[id]
	if !ok {
		return nil, fmt.Errorf("kmstest: no property %d", id)
	}
	return &p, nil
}

func (d *Device) SetConnectorProperty(connID, propID uint32, value uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	entries := d.props[connID]
	for i := range entries {
		if entries[i].id == propID {
			entries[i].value = value
			d.logf("set connector %d %s=%d", connID, entries[i].name, value)
			return nil
		}
	}
	return fmt.Errorf("kmstest: connector %d has no property %d", connID, propID)
}

func (d *Device) CreatePropertyBlob(data []byte) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, errClosed
	}
	d.nextBlobID++
	blob := make([]byte, len(data))
	copy(blob, data)
	d.blobs[d.nextBlobID] = blob
	d.logf("create-blob %d", d.nextBlobID)
	return d.nextBlobID, nil
}

func (d *Device) DestroyPropertyBlob(id uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	if _, ok := d.blobs[id]; !ok {
		return fmt.Errorf("kmstest: no blob %d", id)
	}
	delete(d.blobs, id)
	d.logf("destroy-blob %d", id)
	return nil
}

// AtomicCommit validates that every staged property exists, applies the
// values to the fake property tables and records the commit.
func (d *Device) AtomicCommit(req *mode.AtomicRequest, flags uint32) error {
	d.mu.Lock()
	delay := d.commitDelay
	d.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	if d.commitErr != nil {
		d.logf("commit-failed")
		return d.commitErr
	}

	staged := req.Props()
	for _, p := range staged {
		if !d.applyProp(p) {
			return fmt.Errorf("kmstest: object %d has no property %d", p.ObjID, p.PropID)
		}
	}
	d.commits = append(d.commits, Commit{Flags: flags, Props: staged})
	d.logf("commit")
	return nil
}

func (d *Device) applyProp(p mode.AtomicProp) bool {
	entries := d.props[p.ObjID]
	for i := range entries {
		if entries[i].id == p.PropID {
			entries[i].value = p.Value
			return true
		}
	}
	return false
}

// WaitVBlank synthesizes one vblank per interval with deterministic
// 60Hz timestamps.
func (d *Device) WaitVBlank(pipe int) (int64, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, errClosed
	}
	if d.vblankErr != nil {
		err := d.vblankErr
		d.mu.Unlock()
		return 0, err
	}
	interval := d.vblankInterval
	d.vblankTS += 16666667
	ts := d.vblankTS
	d.mu.Unlock()

	if interval > 0 {
		time.Sleep(interval)
	}
	return ts, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.logf("close")
	return nil
}

// SetConnected flips a connector's reported connection state. The
// change is seen at the next probe.
func (d *Device) SetConnected(id uint32, connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c := d.connector(id); c != nil {
		c.connected = connected
	}
}

// SetModes replaces a connector's reported mode list.
func (d *Device) SetModes(id uint32, modes []mode.Info) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c := d.connector(id); c != nil {
		c.modes = append(c.modes[:0:0], modes...)
	}
}

// FailCommits makes AtomicCommit fail with err until cleared with nil.
func (d *Device) FailCommits(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commitErr = err
}

// SetCommitDelay makes every AtomicCommit take at least delay, so tests
// can pile frames up behind a slow display.
func (d *Device) SetCommitDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commitDelay = delay
}

// FailVBlank makes WaitVBlank fail with err until cleared with nil.
func (d *Device) FailVBlank(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vblankErr = err
}

// SetVBlankInterval changes the pacing of synthesized vblanks.
func (d *Device) SetVBlankInterval(interval time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vblankInterval = interval
}

// Commits returns every atomic commit accepted so far.
func (d *Device) Commits() []Commit {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Commit, len(d.commits))
	copy(out, d.commits)
	return out
}

// Journal returns the ordered record of blob, connector-property and
// commit operations.
func (d *Device) Journal() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.journal))
	copy(out, d.journal)
	return out
}

// HasBlob reports whether a blob id is still live.
func (d *Device) HasBlob(id uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.blobs[id]
	return ok
}

// BlobCount returns the number of live blobs.
func (d *Device) BlobCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.blobs)
}

// Blob returns a copy of a live blob's contents.
func (d *Device) Blob(id uint32) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	blob, ok := d.blobs[id]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, true
}

// PropValue reads the current value of an object's property by name.
func (d *Device) PropValue(objID uint32, name string) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.props[objID] {
		if e.name == name {
			return e.value, true
		}
	}
	return 0, false
}
