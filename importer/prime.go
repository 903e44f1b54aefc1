package importer

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"

	"github.com/NeowayLabs/kms/mode"
)

// PrimeImporter imports dma-buf descriptors through PRIME and registers
// framebuffers over the resulting GEM handles. This is the production
// path: the producer renders elsewhere and shares each buffer once.
type PrimeImporter struct {
	file *os.File
}

// NewPrime builds the dma-buf importer over an open card node. The
// importer borrows the node; closing it stays the owner's job.
func NewPrime(file *os.File) *PrimeImporter {
	return &PrimeImporter{file: file}
}

func (im *PrimeImporter) ImportBuffer(handle *BufferHandle) (*Buffer, error) {
	if handle.ShareFD < 0 {
		return nil, fmt.Errorf("handle %dx%d carries no dma-buf fd",
			handle.Width, handle.Height)
	}

	gem, err := mode.PrimeFDToHandle(im.file, handle.ShareFD)
	if err != nil {
		return nil, fmt.Errorf("prime import of fd %d: %w", handle.ShareFD, err)
	}

	fourcc, handles, pitches, offsets, err := layout(handle, gem)
	if err != nil {
		return nil, err
	}

	fbID, err := mode.AddFB2(im.file, handle.Width, handle.Height, fourcc,
		handles, pitches, offsets)
	if err != nil {
		if cerr := mode.GEMClose(im.file, gem); cerr != nil {
			log.Warnf("closing gem handle %d after failed import: %v", gem, cerr)
		}
		return nil, fmt.Errorf("addfb2 %dx%d %v: %w",
			handle.Width, handle.Height, handle.Format, err)
	}

	return &Buffer{
		Handle:     handle,
		Width:      handle.Width,
		Height:     handle.Height,
		Format:     fourcc,
		Pitches:    pitches,
		Offsets:    offsets,
		GEMHandles: handles,
		FBID:       fbID,
	}, nil
}

// ReleaseBuffer removes the framebuffer and closes the buffer's GEM
// handles, each distinct handle once.
func (im *PrimeImporter) ReleaseBuffer(buf *Buffer) error {
	var firstErr error
	if err := mode.RmFB(im.file, buf.FBID); err != nil {
		firstErr = fmt.Errorf("removing fb %d: %w", buf.FBID, err)
	}

	closed := make(map[uint32]bool)
	for _, gem := range buf.GEMHandles {
		if gem == 0 || closed[gem] {
			continue
		}
		if err := mode.GEMClose(im.file, gem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing gem handle %d: %w", gem, err)
		}
		closed[gem] = true
	}
	return firstErr
}
