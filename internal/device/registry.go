package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry caches devices in front of a Repository.
//
// All public methods are thread-safe. Returned devices are copies.
type Registry struct {
	repo    Repository
	cache   map[string]Device
	cacheMu sync.RWMutex
	logger  Logger
}

// NewRegistry creates a registry backed by repo.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]Device),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads every device from the repository.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.cache = make(map[string]Device, len(devices))
	for _, d := range devices {
		r.cache[d.ID] = d
	}
	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// EnsureDevice returns the stored device with d's id, creating it from d
// when missing.
func (r *Registry) EnsureDevice(ctx context.Context, d Device) (Device, error) {
	existing, err := r.GetDevice(ctx, d.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrDeviceNotFound) {
		return Device{}, err
	}

	if err := r.repo.Create(ctx, &d); err != nil {
		if errors.Is(err, ErrDeviceExists) {
			// Lost a race with another writer; read theirs.
			return r.reload(ctx, d.ID)
		}
		return Device{}, fmt.Errorf("creating device: %w", err)
	}

	r.store(d)
	r.logger.Info("device registered", "device_id", d.ID, "name", d.Name)
	return d, nil
}

// UpdateFirmware sets the firmware version of an existing device. It
// returns ErrDeviceNotFound when the device has not been registered.
func (r *Registry) UpdateFirmware(ctx context.Context, id, version string) error {
	if err := r.repo.UpdateFirmware(ctx, id, version); err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			r.forget(id)
		}
		return err
	}
	if _, err := r.reload(ctx, id); err != nil {
		return err
	}
	r.logger.Debug("device firmware updated", "device_id", id, "version", version)
	return nil
}

// GetDevice retrieves a device by id, from the cache when possible.
func (r *Registry) GetDevice(ctx context.Context, id string) (Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()
	if ok {
		return cached, nil
	}
	return r.reload(ctx, id)
}

// ListDevices returns every cached device ordered by id.
func (r *Registry) ListDevices() []Device {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	devices := make([]Device, 0, len(r.cache))
	for _, d := range r.cache {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// DeleteDevice removes a device from the store and the cache.
func (r *Registry) DeleteDevice(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}
	r.forget(id)
	r.logger.Info("device deleted", "device_id", id)
	return nil
}

// DeviceCount returns the number of cached devices.
func (r *Registry) DeviceCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

func (r *Registry) reload(ctx context.Context, id string) (Device, error) {
	d, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return Device{}, err
	}
	r.store(*d)
	return *d, nil
}

func (r *Registry) store(d Device) {
	r.cacheMu.Lock()
	r.cache[d.ID] = d
	r.cacheMu.Unlock()
}

func (r *Registry) forget(id string) {
	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()
}
