// Package device keeps the records of the OVMS modules the bridge serves.
//
// A device is one vehicle module, keyed by its OVMS vehicle id. The bridge
// creates the record at startup and fills in the firmware version when the
// module publishes it on a version topic.
//
// The Registry wraps a Repository with an in-memory cache and satisfies the
// ovms.FirmwareUpdater interface:
//
//	repo := device.NewSQLiteRepository(db.DB)
//	registry := device.NewRegistry(repo)
//	if _, err := registry.EnsureDevice(ctx, device.ForVehicle("KIA")); err != nil {
//	    return err
//	}
//
// UpdateFirmware returns ErrDeviceNotFound for unknown ids. The router
// treats that as "not registered yet" and retries.
package device
