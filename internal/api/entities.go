package api

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/ovms-bridge/internal/bridges/ovms"
)

// EntityState is an entity with its last known value.
type EntityState struct {
	ovms.Descriptor
	State       any       `json:"state"`
	LastUpdated time.Time `json:"last_updated"`
}

// EntityStore keeps the latest state of every entity. It is an
// ovms.EntitySink.
type EntityStore struct {
	mu       sync.RWMutex
	entities map[string]*EntityState
}

// NewEntityStore returns an empty store.
func NewEntityStore() *EntityStore {
	return &EntityStore{entities: make(map[string]*EntityState)}
}

// HandleEntityEvent records an added entity or its new value. Updates for
// entities never added are dropped.
func (s *EntityStore) HandleEntityEvent(ev ovms.EntityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case ovms.EventEntityAdded:
		if ev.Descriptor == nil {
			return
		}
		s.entities[ev.UniqueID] = &EntityState{
			Descriptor:  *ev.Descriptor,
			State:       ev.Payload,
			LastUpdated: ev.Timestamp,
		}
	case ovms.EventEntityUpdated:
		e, ok := s.entities[ev.UniqueID]
		if !ok {
			return
		}
		e.State = ev.Payload
		e.LastUpdated = ev.Timestamp
	}
}

// List returns a copy of every entity ordered by unique id.
func (s *EntityStore) List() []EntityState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]EntityState, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueID < out[j].UniqueID })
	return out
}

// Get returns one entity.
func (s *EntityStore) Get(uniqueID string) (EntityState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[uniqueID]
	if !ok {
		return EntityState{}, false
	}
	return *e, true
}

// Len returns the number of entities.
func (s *EntityStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// handleListEntities returns every entity, optionally filtered by kind.
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	entities := s.entities.List()
	if kind := r.URL.Query().Get("kind"); kind != "" {
		filtered := entities[:0]
		for _, e := range entities {
			if string(e.Kind) == kind {
				filtered = append(filtered, e)
			}
		}
		entities = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entities": entities,
		"count":    len(entities),
	})
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, ok := s.entities.Get(id)
	if !ok {
		writeNotFound(w, "entity not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}
