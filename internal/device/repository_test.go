package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/ovms-bridge/internal/infrastructure/database"
	"github.com/nerrad567/ovms-bridge/migrations"
)

// setupTestRepo opens an in-memory database with the real schema applied.
func setupTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	db, err := database.Open(database.Config{Path: database.MemoryPath, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}

	repo := NewSQLiteRepository(db.DB)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	repo.now = func() time.Time { return fixed }
	return repo
}

func TestSQLiteRepository_CreateAndGet(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	d := ForVehicle("KIA")
	if err := repo.Create(ctx, &d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.GetByID(ctx, "KIA")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Name != "OVMS - KIA" {
		t.Errorf("Name = %q", got.Name)
	}
	if got.Manufacturer != "Open Vehicles" || got.Model != "OVMS Module" {
		t.Errorf("identity = %q/%q", got.Manufacturer, got.Model)
	}
	if !got.CreatedAt.Equal(d.CreatedAt) || got.CreatedAt.IsZero() {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, d.CreatedAt)
	}
}

func TestSQLiteRepository_CreateDefaults(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	d := Device{ID: "ZOE", Name: "My Zoe"}
	if err := repo.Create(ctx, &d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if d.Manufacturer != Manufacturer || d.Model != Model {
		t.Errorf("defaults not applied: %+v", d)
	}
}

func TestSQLiteRepository_CreateDuplicate(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	first := ForVehicle("KIA")
	if err := repo.Create(ctx, &first); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	second := ForVehicle("KIA")
	if err := repo.Create(ctx, &second); !errors.Is(err, ErrDeviceExists) {
		t.Errorf("duplicate Create() error = %v, want ErrDeviceExists", err)
	}
}

func TestSQLiteRepository_CreateInvalid(t *testing.T) {
	repo := setupTestRepo(t)
	d := Device{ID: "a/b", Name: "bad"}
	if err := repo.Create(context.Background(), &d); !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("Create() error = %v, want ErrInvalidDevice", err)
	}
}

func TestSQLiteRepository_GetNotFound(t *testing.T) {
	repo := setupTestRepo(t)
	if _, err := repo.GetByID(context.Background(), "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetByID() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSQLiteRepository_List(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	for _, id := range []string{"ZOE", "KIA", "LEAF"} {
		d := ForVehicle(id)
		if err := repo.Create(ctx, &d); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}

	devices, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"KIA", "LEAF", "ZOE"}
	if len(devices) != len(want) {
		t.Fatalf("List() returned %d devices, want %d", len(devices), len(want))
	}
	for i, id := range want {
		if devices[i].ID != id {
			t.Errorf("devices[%d].ID = %q, want %q", i, devices[i].ID, id)
		}
	}
}

func TestSQLiteRepository_UpdateFirmware(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	d := ForVehicle("KIA")
	if err := repo.Create(ctx, &d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	later := d.CreatedAt.Add(time.Hour)
	repo.now = func() time.Time { return later }
	if err := repo.UpdateFirmware(ctx, "KIA", "3.3.004-32-g5d1c5bc2/ota_1/main"); err != nil {
		t.Fatalf("UpdateFirmware() error = %v", err)
	}

	got, err := repo.GetByID(ctx, "KIA")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.SWVersion != "3.3.004-32-g5d1c5bc2/ota_1/main" {
		t.Errorf("SWVersion = %q", got.SWVersion)
	}
	if !got.UpdatedAt.Equal(later) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, later)
	}

	if err := repo.UpdateFirmware(ctx, "missing", "1.0"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("UpdateFirmware(missing) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSQLiteRepository_Delete(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	d := ForVehicle("KIA")
	if err := repo.Create(ctx, &d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Delete(ctx, "KIA"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := repo.Delete(ctx, "KIA"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("second Delete() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		device  Device
		wantErr bool
	}{
		{"valid", ForVehicle("KIA"), false},
		{"empty id", Device{Name: "x"}, true},
		{"wildcard id", Device{ID: "KIA#", Name: "x"}, true},
		{"empty name", Device{ID: "KIA"}, true},
		{"long id", Device{ID: string(make([]byte, 65)), Name: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.device.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
