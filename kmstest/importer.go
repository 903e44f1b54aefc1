package kmstest

import (
	"fmt"
	"sync"

	"github.com/NeowayLabs/kms/importer"
)

// Importer is an in-memory importer.Importer. It mints framebuffer ids
// and checks that every release matches a live import.
type Importer struct {
	mu        sync.Mutex
	nextFB    uint32
	live      map[uint32]*importer.Buffer
	imports   int
	releases  int
	importErr error
}

func NewImporter() *Importer {
	return &Importer{live: make(map[uint32]*importer.Buffer)}
}

func (im *Importer) ImportBuffer(handle *importer.BufferHandle) (*importer.Buffer, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.importErr != nil {
		return nil, im.importErr
	}
	im.imports++
	im.nextFB++
	buf := &importer.Buffer{
		Handle: handle,
		Width:  handle.Width,
		Height: handle.Height,
		FBID:   im.nextFB,
	}
	im.live[buf.FBID] = buf
	return buf, nil
}

func (im *Importer) ReleaseBuffer(buf *importer.Buffer) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if _, ok := im.live[buf.FBID]; !ok {
		return fmt.Errorf("release of unknown fb %d", buf.FBID)
	}
	delete(im.live, buf.FBID)
	im.releases++
	return nil
}

// FailImports makes every following ImportBuffer return err. Pass nil
// to restore normal operation.
func (im *Importer) FailImports(err error) {
	im.mu.Lock()
	im.importErr = err
	im.mu.Unlock()
}

// Live returns how many imported buffers were not yet released.
func (im *Importer) Live() int {
	im.mu.Lock()
	defer im.mu.Unlock()
	return len(im.live)
}

// Imports returns the number of successful imports.
func (im *Importer) Imports() int {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.imports
}

// Releases returns the number of successful releases.
func (im *Importer) Releases() int {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.releases
}
