package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/ovms-bridge/internal/audit"
	"github.com/nerrad567/ovms-bridge/internal/bridges/ovms"
)

// maxCommandTimeout bounds a caller-supplied timeout so a request cannot
// outlive the server's write deadline by much.
const maxCommandTimeout = 120 * time.Second

// commandRequest is the body of POST /commands.
type commandRequest struct {
	Command    string `json:"command"`
	Parameters string `json:"parameters"`
	// Timeout is in seconds. Zero uses the configured default.
	Timeout   float64 `json:"timeout"`
	CommandID string  `json:"command_id"`
}

// handleSendCommand sends a command to the vehicle module and waits for
// its reply.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "vehicle session not available")
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Command == "" {
		writeBadRequest(w, "command is required")
		return
	}
	if req.Timeout < 0 {
		writeBadRequest(w, "timeout must not be negative")
		return
	}

	timeout := time.Duration(req.Timeout * float64(time.Second))
	if timeout > maxCommandTimeout {
		timeout = maxCommandTimeout
	}

	start := time.Now()
	result, err := s.session.SendCommand(r.Context(), req.Command, req.Parameters, timeout, req.CommandID)
	s.recordCommand(r, req, result, err, time.Since(start))
	if err != nil {
		s.logger.Warn("command failed",
			"command", req.Command,
			"command_id", result.CommandID,
			"error", err,
		)
		writeBridgeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// recordCommand appends the outcome to the command history. A failed write
// is logged and does not affect the response.
func (s *Server) recordCommand(r *http.Request, req commandRequest, result ovms.CommandResult, cmdErr error, took time.Duration) {
	if s.commands == nil {
		return
	}

	entry := audit.Entry{
		VehicleID:  s.vehicleID,
		Command:    req.Command,
		Parameters: req.Parameters,
		CommandID:  result.CommandID,
		Result:     commandOutcome(result, cmdErr),
		Error:      result.Error,
		Response:   result.Response,
		Duration:   took,
	}
	if entry.CommandID == "" {
		entry.CommandID = req.CommandID
	}
	if cmdErr != nil {
		entry.Error = cmdErr.Error()
	}
	if subject, ok := r.Context().Value(ctxKeySubject).(string); ok {
		entry.Subject = subject
	}

	if err := s.commands.Create(context.WithoutCancel(r.Context()), &entry); err != nil {
		s.logger.Warn("recording command failed", "command", req.Command, "error", err)
	}
}

func commandOutcome(result ovms.CommandResult, err error) string {
	switch {
	case errors.Is(err, ovms.ErrRateLimited):
		return audit.ResultRateLimited
	case errors.Is(err, ovms.ErrCommandTimeout), ovms.KindOf(err) == ovms.KindTimeout:
		return audit.ResultTimeout
	case err != nil, !result.Success:
		return audit.ResultError
	default:
		return audit.ResultSuccess
	}
}

// handleCommandHistory lists recorded commands, most recent first.
// Query parameters: vehicle_id, result, command, limit, offset.
func (s *Server) handleCommandHistory(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "command history not available")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		VehicleID: q.Get("vehicle_id"),
		Result:    q.Get("result"),
		Command:   q.Get("command"),
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeBadRequest(w, name+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	res, err := s.commands.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing command history failed", "error", err)
		writeInternalError(w, "failed to list command history")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePlatformsLoaded tells the session the entity consumers are ready.
func (s *Server) handlePlatformsLoaded(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "vehicle session not available")
		return
	}
	if err := s.session.PlatformsLoaded(r.Context()); err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
