package device

import "time"

// Identity of every OVMS module record.
const (
	Manufacturer = "Open Vehicles"
	Model        = "OVMS Module"
)

// Device is one OVMS vehicle module.
type Device struct {
	// ID is the OVMS vehicle id.
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Manufacturer string    `json:"manufacturer"`
	Model        string    `json:"model"`
	SWVersion    string    `json:"sw_version,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ForVehicle returns the device record for vehicleID.
func ForVehicle(vehicleID string) Device {
	return Device{
		ID:           vehicleID,
		Name:         "OVMS - " + vehicleID,
		Manufacturer: Manufacturer,
		Model:        Model,
	}
}
