package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nerrad567/ovms-bridge/internal/bridges/ovms"
)

// discoveryRequest overrides the configured probe settings. Every field is
// optional.
type discoveryRequest struct {
	TopicPrefix    string `json:"topic_prefix"`
	TopicStructure string `json:"topic_structure"`
	VehicleID      string `json:"vehicle_id"`
	Username       string `json:"username"`
}

// discoveryResponse adds the vehicle ids found in the topics.
type discoveryResponse struct {
	ovms.ProbeResult
	VehicleIDs        []string `json:"vehicle_ids"`
	ObservedUsername  string   `json:"observed_username,omitempty"`
	SuggestedUsername string   `json:"suggested_username,omitempty"`
}

// probeConfig merges the request body over the configured defaults. An
// empty body is allowed.
func (s *Server) probeConfig(r *http.Request) (ovms.ProbeConfig, error) {
	cfg := s.probeDefaults

	var req discoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return cfg, err
	}
	if req.TopicPrefix != "" {
		cfg.TopicPrefix = req.TopicPrefix
	}
	if req.TopicStructure != "" {
		cfg.TopicStructure = req.TopicStructure
	}
	if req.VehicleID != "" {
		cfg.VehicleID = req.VehicleID
	}
	if req.Username != "" {
		cfg.Username = req.Username
	}
	return cfg, nil
}

// handleDiscovery runs a discovery probe and extracts candidate vehicle ids.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if s.prober == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "discovery not available")
		return
	}
	cfg, err := s.probeConfig(r)
	if err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	result, err := s.prober.Discover(r.Context(), cfg)
	if err != nil {
		s.logger.Warn("discovery failed", "prefix", cfg.TopicPrefix, "error", err)
		writeBridgeError(w, err)
		return
	}

	ids, observed := ovms.ExtractVehicleIDs(result.DiscoveredTopics, cfg.TopicStructure, cfg.TopicPrefix, cfg.Username)
	resp := discoveryResponse{
		ProbeResult:      result,
		VehicleIDs:       ids,
		ObservedUsername: observed,
	}
	if ids == nil {
		resp.VehicleIDs = []string{}
	}
	if len(ids) > 0 {
		if suggested, ok := ovms.SuggestUsername(cfg.Username, ids[0]); ok {
			resp.SuggestedUsername = suggested
		}
	}

	s.logger.Info("discovery complete",
		"topics", result.TopicCount,
		"vehicle_ids", ids,
	)
	writeJSON(w, http.StatusOK, resp)
}

// handleTopicTest checks that the configured structure carries traffic.
func (s *Server) handleTopicTest(w http.ResponseWriter, r *http.Request) {
	if s.prober == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "discovery not available")
		return
	}
	cfg, err := s.probeConfig(r)
	if err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if cfg.VehicleID == "" {
		writeBadRequest(w, "vehicle_id is required")
		return
	}

	result, err := s.prober.TestTopicAvailability(r.Context(), cfg)
	if err != nil {
		s.logger.Warn("topic availability test failed", "vehicle_id", cfg.VehicleID, "error", err)
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
