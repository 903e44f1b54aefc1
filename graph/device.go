// Package graph owns the mode-setting resources of one KMS device: the
// CRTCs, encoders, connectors and planes the kernel exposes, the
// display-pipe bindings between them, and the property and blob plumbing
// atomic commits are built from.
package graph

import (
	"fmt"
	"os"

	"github.com/NeowayLabs/kms"
	"github.com/NeowayLabs/kms/mode"
)

// Device is the boundary to a KMS device node. The card implementation
// talks to the kernel; kmstest provides an in-memory fake.
type Device interface {
	Resources() (*mode.Resources, error)
	Connector(id uint32) (*mode.Connector, error)
	Encoder(id uint32) (*mode.Encoder, error)
	Crtc(id uint32) (*mode.Crtc, error)
	PlaneIDs() ([]uint32, error)
	Plane(id uint32) (*mode.Plane, error)

	ObjectProperties(objID, objType uint32) (*mode.ObjectProperties, error)
	Property(id uint32) (*mode.Property, error)
	SetConnectorProperty(connID, propID uint32, value uint64) error

	CreatePropertyBlob(data []byte) (uint32, error)
	DestroyPropertyBlob(id uint32) error

	AtomicCommit(req *mode.AtomicRequest, flags uint32) error
	WaitVBlank(pipe int) (int64, error)

	Close() error
}

// CardDevice drives a real DRM card node.
type CardDevice struct {
	file *os.File
}

// OpenCard opens /dev/dri/card<n> and negotiates the universal-planes
// and atomic client capabilities.
func OpenCard(n int) (*CardDevice, error) {
	file, err := kms.OpenCard(n)
	if err != nil {
		return nil, fmt.Errorf("open card %d: %w", n, err)
	}
	return newCardDevice(file)
}

// OpenCardPath is OpenCard for an explicit device node path.
func OpenCardPath(path string) (*CardDevice, error) {
	file, err := kms.OpenDevice(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return newCardDevice(file)
}

func newCardDevice(file *os.File) (*CardDevice, error) {
	if err := kms.EnableAtomic(file); err != nil {
		file.Close()
		return nil, err
	}
	return &CardDevice{file: file}, nil
}

// File exposes the underlying node for collaborators that speak the
// kernel ABI directly, like the buffer importers.
func (d *CardDevice) File() *os.File {
	return d.file
}

func (d *CardDevice) Resources() (*mode.Resources, error) {
	return mode.GetResources(d.file)
}

func (d *CardDevice) Connector(id uint32) (*mode.Connector, error) {
	return mode.GetConnector(d.file, id)
}

func (d *CardDevice) Encoder(id uint32) (*mode.Encoder, error) {
	return mode.GetEncoder(d.file, id)
}

func (d *CardDevice) Crtc(id uint32) (*mode.Crtc, error) {
	return mode.GetCrtc(d.file, id)
}

func (d *CardDevice) PlaneIDs() ([]uint32, error) {
	return mode.GetPlaneResources(d.file)
}

func (d *CardDevice) Plane(id uint32) (*mode.Plane, error) {
	return mode.GetPlane(d.file, id)
}

func (d *CardDevice) ObjectProperties(objID, objType uint32) (*mode.ObjectProperties, error) {
	return mode.GetObjectProperties(d.file, objID, objType)
}

func (d *CardDevice) Property(id uint32) (*mode.Property, error) {
	return mode.GetProperty(d.file, id)
}

func (d *CardDevice) SetConnectorProperty(connID, propID uint32, value uint64) error {
	return mode.SetConnectorProperty(d.file, connID, propID, value)
}

func (d *CardDevice) CreatePropertyBlob(data []byte) (uint32, error) {
	return mode.CreatePropertyBlob(d.file, data)
}

func (d *CardDevice) DestroyPropertyBlob(id uint32) error {
	return mode.DestroyPropertyBlob(d.file, id)
}

func (d *CardDevice) AtomicCommit(req *mode.AtomicRequest, flags uint32) error {
	return mode.AtomicCommit(d.file, req, flags)
}

func (d *CardDevice) WaitVBlank(pipe int) (int64, error) {
	return mode.WaitVBlank(d.file, pipe)
}

func (d *CardDevice) Close() error {
	return d.file.Close()
}
