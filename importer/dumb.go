package importer

import (
	"fmt"
	"os"

	"launchpad.net/gommap"

	"github.com/NeowayLabs/kms"
	"github.com/NeowayLabs/kms/mode"
)

type dumbBuffer struct {
	handle uint32
	pitch  uint32
	size   uint64
	data   gommap.MMap
}

// DumbImporter allocates dumb buffers on the device itself and maps
// them for CPU drawing. It serves test patterns and software producers;
// real producers share their buffers through the prime importer.
type DumbImporter struct {
	file *os.File
}

// NewDumb builds the dumb-buffer importer. The device must advertise
// dumb-buffer support.
func NewDumb(file *os.File) (*DumbImporter, error) {
	if !kms.HasDumbBuffer(file) {
		return nil, fmt.Errorf("device has no dumb buffer support")
	}
	return &DumbImporter{file: file}, nil
}

// Allocate creates a device-local buffer and maps it for drawing. The
// returned handle feeds ImportBuffer like any producer handle; give it
// back with Free once every framebuffer over it is released.
func (im *DumbImporter) Allocate(width, height uint32, format PixelFormat) (*BufferHandle, error) {
	if format == YV12 {
		return nil, fmt.Errorf("%w: planar %v needs a dma-buf producer",
			ErrUnsupportedFormat, format)
	}
	bpp, err := bytesPerPixel(format)
	if err != nil {
		return nil, err
	}

	fb, err := mode.CreateFB(im.file, uint16(width), uint16(height), bpp*8)
	if err != nil {
		return nil, fmt.Errorf("creating %dx%d dumb buffer: %w", width, height, err)
	}

	offset, err := mode.MapDumb(im.file, fb.Handle)
	if err != nil {
		mode.DestroyDumb(im.file, fb.Handle)
		return nil, fmt.Errorf("mapping dumb buffer: %w", err)
	}

	data, err := gommap.MapAt(0, im.file.Fd(), int64(offset), int64(fb.Size),
		gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		mode.DestroyDumb(im.file, fb.Handle)
		return nil, fmt.Errorf("mmap dumb buffer: %w", err)
	}

	return &BufferHandle{
		Width:   width,
		Height:  height,
		Format:  format,
		Stride:  fb.Pitch / bpp,
		ShareFD: -1,
		dumb: &dumbBuffer{
			handle: fb.Handle,
			pitch:  fb.Pitch,
			size:   fb.Size,
			data:   data,
		},
	}, nil
}

// Free unmaps and destroys a dumb allocation.
func (im *DumbImporter) Free(handle *BufferHandle) error {
	if handle.dumb == nil {
		return fmt.Errorf("handle was not allocated here")
	}
	if err := handle.dumb.data.UnsafeUnmap(); err != nil {
		return fmt.Errorf("unmapping dumb buffer: %w", err)
	}
	if err := mode.DestroyDumb(im.file, handle.dumb.handle); err != nil {
		return fmt.Errorf("destroying dumb buffer %d: %w", handle.dumb.handle, err)
	}
	handle.dumb = nil
	return nil
}

func (im *DumbImporter) ImportBuffer(handle *BufferHandle) (*Buffer, error) {
	if handle.dumb == nil {
		return nil, fmt.Errorf("handle was not allocated here")
	}

	fourcc, handles, pitches, offsets, err := layout(handle, handle.dumb.handle)
	if err != nil {
		return nil, err
	}
	// the kernel may have padded the row; its pitch is authoritative
	pitches[0] = handle.dumb.pitch

	fbID, err := mode.AddFB2(im.file, handle.Width, handle.Height, fourcc,
		handles, pitches, offsets)
	if err != nil {
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

// ReleaseBuffer removes the framebuffer. The dumb allocation underneath
// stays alive until Free.
func (im *DumbImporter) ReleaseBuffer(buf *Buffer) error {
	if err := mode.RmFB(im.file, buf.FBID); err != nil {
		return fmt.Errorf("removing fb %d: %w", buf.FBID, err)
	}
	return nil
}
