package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xtxerr/policysync/internal/engine"
	"github.com/xtxerr/policysync/internal/errors"
	"github.com/xtxerr/policysync/internal/notify"
	"github.com/xtxerr/policysync/internal/snapshot"
	"github.com/xtxerr/policysync/internal/wire"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// =============================================================================
// Payloads
// =============================================================================

// EntityView is the JSON form of one entity.
type EntityView struct {
	Domain     string         `json:"domain"`
	ID         string         `json:"id"`
	Name       string         `json:"name,omitempty"`
	Enabled    bool           `json:"enabled"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Optimistic bool           `json:"optimistic"`
	Pending    string         `json:"pending,omitempty"`
}

func viewOf(ent engine.Entity) EntityView {
	return EntityView{
		Domain:     string(ent.Key.Domain),
		ID:         ent.Key.ID,
		Name:       ent.State.Name,
		Enabled:    ent.State.Enabled,
		Attributes: ent.State.Attributes(),
		Optimistic: ent.Optimistic,
		Pending:    string(ent.Pending),
	}
}

// ChangeRequest is the body of PUT /entities/{domain}/{id}.
type ChangeRequest struct {
	Enabled    *bool          `json:"enabled"`
	Name       string         `json:"name,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ToggleRequest is the optional body of POST .../toggle. Without a body the
// entity's shown state is inverted.
type ToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// RefreshResponse summarizes a manual refresh.
type RefreshResponse struct {
	CycleID    string `json:"cycle_id"`
	Baseline   bool   `json:"baseline"`
	Events     int    `json:"events"`
	DurationMs int64  `json:"duration_ms"`
	Converged  int    `json:"converged"`
	Corrected  int    `json:"corrected"`
	RolledBack int    `json:"rolled_back"`
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	state := "ok"
	switch {
	case !s.engine.Ready():
		status, state = http.StatusServiceUnavailable, "starting"
	case !s.engine.Healthy():
		status, state = http.StatusServiceUnavailable, "degraded"
	}
	writeJSON(w, status, map[string]string{"status": state})
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	var domain snapshot.Domain
	if q := r.URL.Query().Get("domain"); q != "" {
		d, err := snapshot.ParseDomain(q)
		if err != nil {
			writeError(w, err)
			return
		}
		domain = d
	}

	entities := s.engine.List(domain)
	out := make([]EntityView, len(entities))
	for i, ent := range entities {
		out[i] = viewOf(ent)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ent, err := s.entity(key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(ent))
}

func (s *Server) handleRequestChange(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req ChangeRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, errors.NewMissingField("enabled"))
		return
	}

	desired := snapshot.NewState(*req.Enabled, req.Name, req.Attributes)
	if err := s.engine.RequestChange(r.Context(), key, desired); err != nil {
		writeError(w, err)
		return
	}
	s.respondEntity(w, key)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req ToggleRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, err)
		return
	}

	var enabled bool
	if req.Enabled != nil {
		enabled = *req.Enabled
	} else {
		current, ok := s.engine.CurrentState(key)
		if !ok {
			writeError(w, errors.NewEntityNotFound(key.String()))
			return
		}
		enabled = !current.Enabled
	}

	if err := s.engine.Toggle(r.Context(), key, enabled); err != nil {
		writeError(w, err)
		return
	}
	s.respondEntity(w, key)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Refresh(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RefreshResponse{
		CycleID:    res.CycleID,
		Baseline:   res.Baseline,
		Events:     len(res.Events),
		DurationMs: res.Duration.Milliseconds(),
		Converged:  len(res.Reconciled.Converged),
		Corrected:  len(res.Reconciled.Corrected),
		RolledBack: len(res.Reconciled.RolledBack),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, errors.Wrap(errors.ErrNotFound, "journal disabled"))
		return
	}

	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, errors.NewValidation("limit", "must be a positive integer"))
			return
		}
		limit = n
	}

	var (
		events []notify.Event
		err    error
	)
	if q := r.URL.Query().Get("entity"); q != "" {
		key, perr := snapshot.ParseKey(q)
		if perr != nil {
			writeError(w, perr)
			return
		}
		events, err = s.journal.ForEntity(r.Context(), key, limit)
	} else {
		events, err = s.journal.Recent(r.Context(), limit)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		st, err := wire.ToStruct(ev)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, st.AsMap())
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Server) entity(key snapshot.Key) (engine.Entity, error) {
	for _, ent := range s.engine.List(key.Domain) {
		if ent.Key == key {
			return ent, nil
		}
	}
	return engine.Entity{}, errors.NewEntityNotFound(key.String())
}

func (s *Server) respondEntity(w http.ResponseWriter, key snapshot.Key) {
	ent, err := s.entity(key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(ent))
}

func keyFromPath(r *http.Request) (snapshot.Key, error) {
	domain, err := snapshot.ParseDomain(chi.URLParam(r, "domain"))
	if err != nil {
		return snapshot.Key{}, err
	}
	id := chi.URLParam(r, "id")
	if id == "" {
		return snapshot.Key{}, errors.NewMissingField("id")
	}
	return snapshot.Key{Domain: domain, ID: id}, nil
}

func decodeBody(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF && optional {
			return nil
		}
		return fmt.Errorf("%w: request body: %w", errors.ErrInvalidState, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("encode response", "error", err)
	}
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string    `json:"error"`
	Time  time.Time `json:"time"`
}

func writeError(w http.ResponseWriter, err error) {
	status := errors.ErrorToStatus(err)
	if status >= http.StatusInternalServerError {
		log.Warn("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Time: time.Now().UTC()})
}
