package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/nerrad567/ovms-bridge/internal/bridges/ovms"
)

func added(id string, kind ovms.EntityKind, payload any) ovms.EntityEvent {
	return ovms.EntityEvent{
		Type:       ovms.EventEntityAdded,
		UniqueID:   id,
		Descriptor: &ovms.Descriptor{UniqueID: id, Kind: kind, Name: "ovms_kia_" + id},
		Payload:    payload,
		Timestamp:  time.Unix(100, 0),
	}
}

func TestEntityStore(t *testing.T) {
	store := NewEntityStore()

	store.HandleEntityEvent(added("soc", ovms.EntitySensor, "80"))
	store.HandleEntityEvent(ovms.EntityEvent{Type: ovms.EventEntityUpdated, UniqueID: "soc", Payload: "81", Timestamp: time.Unix(200, 0)})

	// Updates for unknown entities and adds without descriptors are dropped.
	store.HandleEntityEvent(ovms.EntityEvent{Type: ovms.EventEntityUpdated, UniqueID: "ghost", Payload: "1"})
	store.HandleEntityEvent(ovms.EntityEvent{Type: ovms.EventEntityAdded, UniqueID: "bare"})

	if store.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", store.Len())
	}
	e, ok := store.Get("soc")
	if !ok {
		t.Fatal("Get(soc) missing")
	}
	if e.State != "81" || !e.LastUpdated.Equal(time.Unix(200, 0)) {
		t.Errorf("entity = %+v", e)
	}
}

func TestEntityStore_ListSorted(t *testing.T) {
	store := NewEntityStore()
	for _, id := range []string{"c", "a", "b"} {
		store.HandleEntityEvent(added(id, ovms.EntitySensor, "1"))
	}
	list := store.List()
	if len(list) != 3 || list[0].UniqueID != "a" || list[2].UniqueID != "c" {
		t.Errorf("List() order = %v", list)
	}
}

func TestListEntities(t *testing.T) {
	env := newTestEnv(t, nil)
	env.server.entities.HandleEntityEvent(added("soc", ovms.EntitySensor, "80"))
	env.server.entities.HandleEntityEvent(added("door", ovms.EntityBinarySensor, "no"))

	w := env.do(t, http.MethodGet, "/api/v1/entities", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode[struct {
		Entities []EntityState `json:"entities"`
		Count    int           `json:"count"`
	}](t, w)
	if body.Count != 2 {
		t.Errorf("count = %d, want 2", body.Count)
	}

	filtered := decode[struct {
		Entities []EntityState `json:"entities"`
		Count    int           `json:"count"`
	}](t, env.do(t, http.MethodGet, "/api/v1/entities?kind=binary_sensor", ""))
	if filtered.Count != 1 || filtered.Entities[0].UniqueID != "door" {
		t.Errorf("filtered = %+v", filtered)
	}
}

func TestGetEntity(t *testing.T) {
	env := newTestEnv(t, nil)
	env.server.entities.HandleEntityEvent(added("soc", ovms.EntitySensor, "80"))

	w := env.do(t, http.MethodGet, "/api/v1/entities/soc", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	e := decode[EntityState](t, w)
	if e.UniqueID != "soc" || e.State != "80" || e.Kind != ovms.EntitySensor {
		t.Errorf("entity = %+v", e)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/entities/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", w.Code)
	}
}
