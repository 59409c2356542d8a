// hardware_device_name.go defines the HardwareDeviceName type.

package types

import (
	"strings"
)

// HardwareDeviceName selects one device of a HardwareDeviceType, like
// "/dev/dri/renderD128"; empty means the default device.
type HardwareDeviceName string

func (n *HardwareDeviceName) UnmarshalText(b []byte) error {
	*n = HardwareDeviceName(strings.TrimSpace(string(b)))
	return nil
}

func (n HardwareDeviceName) MarshalText() ([]byte, error) {
	return []byte(n), nil
}
