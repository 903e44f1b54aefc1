package mode

import (
	"os"
	"unsafe"

	"github.com/NeowayLabs/kms"
	"github.com/NeowayLabs/kms/ioctl"
)

// Universal plane types, reported through the plane's "type" property.
const (
	PlaneTypeOverlay = 0
	PlaneTypePrimary = 1
	PlaneTypeCursor  = 2
)

type (
	sysGetPlaneRes struct {
		planeIdPtr  uintptr
		countPlanes uint32
	}

	sysGetPlane struct {
		planeID uint32

		crtcID uint32
		fbID   uint32

		possibleCrtcs uint32
		gammaSize     uint32

		countFormatTypes uint32
		formatTypePtr    uintptr
	}

	Plane struct {
		ID uint32

		CrtcID uint32
		FBID   uint32

		PossibleCrtcs uint32
		GammaSize     uint32

		Formats []uint32
	}
)

var (
	// DRM_IOWR(0xB5, struct drm_mode_get_plane_res)
	IOCTLModeGetPlaneResources = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetPlaneRes{})), kms.IOCTLBase, 0xB5)

	// DRM_IOWR(0xB6, struct drm_mode_get_plane)
	IOCTLModeGetPlane = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetPlane{})), kms.IOCTLBase, 0xB6)
)

// GetPlaneResources lists the ids of every plane exposed by the device.
// The universal-planes client cap must be enabled or the kernel reports
// only legacy overlay planes.
func GetPlaneResources(file *os.File) ([]uint32, error) {
	pres := &sysGetPlaneRes{}
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeGetPlaneResources),
		uintptr(unsafe.Pointer(pres)))
	if err != nil {
		return nil, err
	}

	var planeids []uint32
	if pres.countPlanes > 0 {
		planeids = make([]uint32, pres.countPlanes)
		pres.planeIdPtr = uintptr(unsafe.Pointer(&planeids[0]))
	}

	err = ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeGetPlaneResources),
		uintptr(unsafe.Pointer(pres)))
	if err != nil {
		return nil, err
	}

	if int(pres.countPlanes) < len(planeids) {
		planeids = planeids[:pres.countPlanes]
	}
	return planeids, nil
}

func GetPlane(file *os.File, id uint32) (*Plane, error) {
	plane := &sysGetPlane{}
	plane.planeID = id
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeGetPlane),
		uintptr(unsafe.Pointer(plane)))
	if err != nil {
		return nil, err
	}

	var formats []uint32
	if plane.countFormatTypes > 0 {
		formats = make([]uint32, plane.countFormatTypes)
		plane.formatTypePtr = uintptr(unsafe.Pointer(&formats[0]))
	}

	err = ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeGetPlane),
		uintptr(unsafe.Pointer(plane)))
	if err != nil {
		return nil, err
	}

	ret := &Plane{
		ID:            plane.planeID,
		CrtcID:        plane.crtcID,
		FBID:          plane.fbID,
		PossibleCrtcs: plane.possibleCrtcs,
		GammaSize:     plane.gammaSize,
	}
	ret.Formats = make([]uint32, len(formats))
	copy(ret.Formats, formats)

	return ret, nil
}
