// hardware_device_type.go defines the HardwareDeviceType enum and its methods.

// Package types provides common types shared by the packages of this module.
package types

import (
	"fmt"
	"strings"
)

type HardwareDeviceType int

const (
	// the values of the libav-known types are copied from libav's enum AVHWDeviceType:
	HardwareDeviceTypeNone    = HardwareDeviceType(0x0)
	HardwareDeviceTypeVAAPI   = HardwareDeviceType(0x3)
	HardwareDeviceTypeDXVA2   = HardwareDeviceType(0x4)
	HardwareDeviceTypeQSV     = HardwareDeviceType(0x5)
	HardwareDeviceTypeD3D11VA = HardwareDeviceType(0x7)
	HardwareDeviceTypeDRM     = HardwareDeviceType(0x8)

	// HardwareDeviceTypeSoftware is a device emulated in host memory.
	HardwareDeviceTypeSoftware = HardwareDeviceType(0x100)
)

var hardwareDeviceTypes = []HardwareDeviceType{
	HardwareDeviceTypeNone,
	HardwareDeviceTypeVAAPI,
	HardwareDeviceTypeDXVA2,
	HardwareDeviceTypeQSV,
	HardwareDeviceTypeD3D11VA,
	HardwareDeviceTypeDRM,
	HardwareDeviceTypeSoftware,
}

func (r HardwareDeviceType) String() string {
	switch r {
	case HardwareDeviceTypeNone:
		return "none"
	case HardwareDeviceTypeVAAPI:
		return "vaapi"
	case HardwareDeviceTypeDXVA2:
		return "dxva2"
	case HardwareDeviceTypeQSV:
		return "qsv"
	case HardwareDeviceTypeD3D11VA:
		return "d3d11va"
	case HardwareDeviceTypeDRM:
		return "drm"
	case HardwareDeviceTypeSoftware:
		return "software"
	}
	return fmt.Sprintf("unknown_%X", int64(r))
}

// IsDevice reports whether buffers of this device type live outside host memory.
func (r HardwareDeviceType) IsDevice() bool {
	switch r {
	case HardwareDeviceTypeNone, HardwareDeviceTypeSoftware:
		return false
	}
	return true
}

func HardwareDeviceTypeFromString(s string) (HardwareDeviceType, error) {
	s = strings.Trim(strings.ToLower(s), " \"\n\r\t")
	for _, candidate := range hardwareDeviceTypes {
		if candidate.String() == s {
			return candidate, nil
		}
	}
	return -1, fmt.Errorf("unknown hardware device type: '%s'", s)
}

// Set implements pflag.Value.
func (r *HardwareDeviceType) Set(s string) error {
	v, err := HardwareDeviceTypeFromString(s)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Type implements pflag.Value.
func (r *HardwareDeviceType) Type() string {
	return "hardware-device-type"
}

func (r *HardwareDeviceType) UnmarshalText(b []byte) error {
	return r.Set(string(b))
}

func (r HardwareDeviceType) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}
