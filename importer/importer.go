// Package importer binds producer buffers to kernel framebuffers. An
// Importer translates the producer's pixel format to the kernel's,
// computes the per-plane layout and registers the framebuffer object a
// commit scans out from.
package importer

import (
	"errors"
	"fmt"
	"os"
)

// ErrUnsupportedFormat is returned when a producer format has no kernel
// counterpart.
var ErrUnsupportedFormat = errors.New("unsupported pixel format")

// PixelFormat is the producer-side pixel format enumeration, named for
// the component order in memory (first byte listed first).
type PixelFormat int

const (
	RGB888 PixelFormat = iota + 1
	BGRA8888
	RGBX8888
	RGBA8888
	RGB565
	YV12
)

var pixelFormatNames = map[PixelFormat]string{
	RGB888:   "RGB888",
	BGRA8888: "BGRA8888",
	RGBX8888: "RGBX8888",
	RGBA8888: "RGBA8888",
	RGB565:   "RGB565",
	YV12:     "YV12",
}

func (f PixelFormat) String() string {
	if name, ok := pixelFormatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("PixelFormat(%d)", int(f))
}

// BufferHandle describes one producer buffer. The handle's pointer
// identity, not its contents, is the import-cache key: a producer keeps
// one handle per buffer alive and mutates the pixels in place.
type BufferHandle struct {
	Width  uint32
	Height uint32
	Format PixelFormat
	Stride uint32 // pixels per row including padding

	// ShareFD is the dma-buf descriptor backing the buffer, -1 when
	// the buffer is device-local (dumb allocations).
	ShareFD int

	dumb *dumbBuffer
}

// Data returns the mapped pixels of a dumb-allocated handle, nil for
// imported dma-buf handles.
func (h *BufferHandle) Data() []byte {
	if h.dumb == nil {
		return nil
	}
	return h.dumb.data
}

// Buffer is one imported scanout buffer: the kernel framebuffer and the
// GEM handles bound to a producer handle.
type Buffer struct {
	Handle *BufferHandle

	Width  uint32
	Height uint32
	Format uint32 // fourcc

	Pitches    [4]uint32
	Offsets    [4]uint32
	GEMHandles [4]uint32

	FBID uint32
}

// Importer is the buffer import boundary. Implementations translate a
// handle into a framebuffer-backed Buffer and tear the binding down
// again; the caller never sees GEM or framebuffer ids outside Buffer.
type Importer interface {
	ImportBuffer(handle *BufferHandle) (*Buffer, error)
	ReleaseBuffer(buf *Buffer) error
}

// New selects the importer backend by name: "prime" (the default) for
// dma-buf producers, "dumb" for device-local test buffers.
func New(kind string, file *os.File) (Importer, error) {
	switch kind {
	case "", "prime":
		return NewPrime(file), nil
	case "dumb":
		return NewDumb(file)
	}
	return nil, fmt.Errorf("unknown importer %q", kind)
}
