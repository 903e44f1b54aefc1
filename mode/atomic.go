package mode

import (
	"os"
	"unsafe"

	"github.com/NeowayLabs/kms"
	"github.com/NeowayLabs/kms/ioctl"
)

// Atomic commit flags.
const (
	PageFlipEvent      = 0x01
	PageFlipAsync      = 0x02
	AtomicTestOnly     = 0x0100
	AtomicNonblock     = 0x0200
	AtomicAllowModeset = 0x0400
)

type (
	sysAtomic struct {
		flags         uint32
		countObjs     uint32
		objsPtr       uintptr
		countPropsPtr uintptr
		propsPtr      uintptr
		propValuesPtr uintptr
		reserved      uint64
		userData      uint64
	}

	// AtomicProp is one staged property change.
	AtomicProp struct {
		ObjID  uint32
		PropID uint32
		Value  uint64
	}

	// AtomicRequest accumulates property changes for one atomic commit.
	// Changes are applied by the kernel as a single transaction: either
	// every staged property takes effect or none does.
	AtomicRequest struct {
		props []AtomicProp
	}
)

var (
	// DRM_IOWR(0xBC, struct drm_mode_atomic)
	IOCTLModeAtomic = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysAtomic{})), kms.IOCTLBase, 0xBC)
)

func NewAtomicRequest() *AtomicRequest {
	return &AtomicRequest{}
}

// Add stages one property change. Staging order is preserved; later
// values for the same object/property pair override earlier ones at
// commit time as the kernel applies them in order.
func (r *AtomicRequest) Add(objID, propID uint32, value uint64) {
	r.props = append(r.props, AtomicProp{objID, propID, value})
}

func (r *AtomicRequest) Len() int {
	return len(r.props)
}

// Props returns a copy of the staged changes in staging order.
func (r *AtomicRequest) Props() []AtomicProp {
	out := make([]AtomicProp, len(r.props))
	copy(out, r.props)
	return out
}

// marshal flattens the staged changes into the four index-aligned arrays
// the kernel ABI wants: object ids (deduplicated, first-staged order),
// per-object property counts, and the property id/value streams.
func (r *AtomicRequest) marshal() (objs, counts, props []uint32, values []uint64) {
	for _, p := range r.props {
		idx := -1
		for i, obj := range objs {
			if obj == p.ObjID {
				idx = i
				break
			}
		}
		if idx < 0 {
			objs = append(objs, p.ObjID)
			counts = append(counts, 0)
			idx = len(objs) - 1
		}
		counts[idx]++
	}

	// property streams are grouped per object, in object order
	for _, obj := range objs {
		for _, p := range r.props {
			if p.ObjID != obj {
				continue
			}
			props = append(props, p.PropID)
			values = append(values, p.Value)
		}
	}
	return objs, counts, props, values
}

// AtomicCommit submits the request. On error the kernel applied nothing
// and the request may be resubmitted or discarded.
func AtomicCommit(file *os.File, req *AtomicRequest, flags uint32) error {
	objs, counts, props, values := req.marshal()

	atom := &sysAtomic{flags: flags}
	atom.countObjs = uint32(len(objs))
	if len(objs) > 0 {
		atom.objsPtr = uintptr(unsafe.Pointer(&objs[0]))
		atom.countPropsPtr = uintptr(unsafe.Pointer(&counts[0]))
	}
	if len(props) > 0 {
		atom.propsPtr = uintptr(unsafe.Pointer(&props[0]))
		atom.propValuesPtr = uintptr(unsafe.Pointer(&values[0]))
	}

	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeAtomic),
		uintptr(unsafe.Pointer(atom)))
}
