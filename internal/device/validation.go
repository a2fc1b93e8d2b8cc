package device

import (
	"fmt"
	"strings"
)

const (
	maxIDLength      = 64
	maxNameLength    = 100
	maxVersionLength = 128
)

// Validate checks the fields the store relies on.
func (d *Device) Validate() error {
	id := strings.TrimSpace(d.ID)
	switch {
	case id == "":
		return fmt.Errorf("%w: id is required", ErrInvalidDevice)
	case len(id) > maxIDLength:
		return fmt.Errorf("%w: id exceeds %d characters", ErrInvalidDevice, maxIDLength)
	case strings.ContainsAny(id, "/+#"):
		return fmt.Errorf("%w: id %q contains MQTT topic characters", ErrInvalidDevice, id)
	}

	name := strings.TrimSpace(d.Name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDevice)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidDevice, maxNameLength)
	}
	if len(d.SWVersion) > maxVersionLength {
		return fmt.Errorf("%w: sw_version exceeds %d characters", ErrInvalidDevice, maxVersionLength)
	}
	return nil
}
