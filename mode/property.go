package mode

import (
	"os"
	"unsafe"

	"github.com/NeowayLabs/kms"
	"github.com/NeowayLabs/kms/ioctl"
)

// Object types accepted by GetObjectProperties.
const (
	ObjectCrtc      = 0xcccccccc
	ObjectConnector = 0xc0c0c0c0
	ObjectEncoder   = 0xe0e0e0e0
	ObjectMode      = 0xdededede
	ObjectProperty  = 0xb0b0b0b0
	ObjectFB        = 0xfbfbfbfb
	ObjectBlob      = 0xbbbbbbbb
	ObjectPlane     = 0xeeeeeeee
	ObjectAny       = 0
)

// Property flags.
const (
	PropPending   = 1 << 0
	PropRange     = 1 << 1
	PropImmutable = 1 << 2
	PropEnum      = 1 << 3
	PropBlob      = 1 << 4
	PropBitmask   = 1 << 5
)

// DPMS property values.
const (
	DpmsOn      = 0
	DpmsStandby = 1
	DpmsSuspend = 2
	DpmsOff     = 3
)

type (
	sysObjGetProperties struct {
		propsPtr      uintptr
		propValuesPtr uintptr
		countProps    uint32
		objID         uint32
		objType       uint32
	}

	sysGetProperty struct {
		valuesPtr   uintptr
		enumBlobPtr uintptr

		propID uint32
		flags  uint32
		name   [PropNameLen]uint8

		countValues    uint32
		countEnumBlobs uint32
	}

	sysSetConnectorProperty struct {
		value  uint64
		propID uint32
		connID uint32
	}

	sysCreateBlob struct {
		data   uintptr
		length uint32
		blobID uint32
	}

	sysDestroyBlob struct {
		blobID uint32
	}

	// ObjectProperties holds the property ids attached to a mode object
	// and their current values, index-aligned.
	ObjectProperties struct {
		Props  []uint32
		Values []uint64
	}

	Property struct {
		ID    uint32
		Flags uint32
		Name  string
	}
)

var (
	// DRM_IOWR(0xAA, struct drm_mode_get_property)
	IOCTLModeGetProperty = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetProperty{})), kms.IOCTLBase, 0xAA)

	// DRM_IOWR(0xAB, struct drm_mode_connector_set_property)
	IOCTLModeSetProperty = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysSetConnectorProperty{})), kms.IOCTLBase, 0xAB)

	// DRM_IOWR(0xB9, struct drm_mode_obj_get_properties)
	IOCTLModeObjGetProperties = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysObjGetProperties{})), kms.IOCTLBase, 0xB9)

	// DRM_IOWR(0xBD, struct drm_mode_create_blob)
	IOCTLModeCreatePropBlob = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCreateBlob{})), kms.IOCTLBase, 0xBD)

	// DRM_IOWR(0xBE, struct drm_mode_destroy_blob)
	IOCTLModeDestroyPropBlob = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysDestroyBlob{})), kms.IOCTLBase, 0xBE)
)

func GetObjectProperties(file *os.File, objID, objType uint32) (*ObjectProperties, error) {
	oprops := &sysObjGetProperties{}
	oprops.objID = objID
	oprops.objType = objType
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeObjGetProperties),
		uintptr(unsafe.Pointer(oprops)))
	if err != nil {
		return nil, err
	}

	var (
		props  []uint32
		values []uint64
	)
	if oprops.countProps > 0 {
		props = make([]uint32, oprops.countProps)
		oprops.propsPtr = uintptr(unsafe.Pointer(&props[0]))

		values = make([]uint64, oprops.countProps)
		oprops.propValuesPtr = uintptr(unsafe.Pointer(&values[0]))
	}

	err = ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeObjGetProperties),
		uintptr(unsafe.Pointer(oprops)))
	if err != nil {
		return nil, err
	}

	if int(oprops.countProps) < len(props) {
		props = props[:oprops.countProps]
		values = values[:oprops.countProps]
	}

	ret := &ObjectProperties{}
	ret.Props = make([]uint32, len(props))
	copy(ret.Props, props)
	ret.Values = make([]uint64, len(values))
	copy(ret.Values, values)

	return ret, nil
}

// GetProperty fetches a property's metadata. Enum entries and range
// limits are not requested; name and flags come back on the first call.
func GetProperty(file *os.File, id uint32) (*Property, error) {
	prop := &sysGetProperty{}
	prop.propID = id
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeGetProperty),
		uintptr(unsafe.Pointer(prop)))
	if err != nil {
		return nil, err
	}

	n := 0
	for n < len(prop.name) && prop.name[n] != 0 {
		n++
	}

	return &Property{
		ID:    prop.propID,
		Flags: prop.flags,
		Name:  string(prop.name[:n]),
	}, nil
}

// SetConnectorProperty changes a connector property outside of any
// atomic transaction. DPMS is driven through this path.
func SetConnectorProperty(file *os.File, connID, propID uint32, value uint64) error {
	sprop := &sysSetConnectorProperty{
		value:  value,
		propID: propID,
		connID: connID,
	}
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeSetProperty),
		uintptr(unsafe.Pointer(sprop)))
}

func CreatePropertyBlob(file *os.File, data []byte) (uint32, error) {
	blob := &sysCreateBlob{}
	if len(data) > 0 {
		blob.data = uintptr(unsafe.Pointer(&data[0]))
		blob.length = uint32(len(data))
	}
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeCreatePropBlob),
		uintptr(unsafe.Pointer(blob)))
	if err != nil {
		return 0, err
	}
	return blob.blobID, nil
}

func DestroyPropertyBlob(file *os.File, id uint32) error {
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeDestroyPropBlob),
		uintptr(unsafe.Pointer(&sysDestroyBlob{id})))
}

// CreateModeBlob wraps a mode timing in a property blob suitable for a
// CRTC MODE_ID property.
func CreateModeBlob(file *os.File, info *Info) (uint32, error) {
	return CreatePropertyBlob(file, info.Bytes())
}
