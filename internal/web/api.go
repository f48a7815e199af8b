package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/sweeney/valve-meter/internal/engine"
	"github.com/sweeney/valve-meter/internal/status"
	"github.com/sweeney/valve-meter/internal/store"
)

const (
	defaultSessionLimit = 100
	maxSessionLimit     = 1000
	maxBodyBytes        = 1 << 12
)

func (s *Server) handleValves(w http.ResponseWriter, r *http.Request) {
	views := s.valves.Valves()
	out := ValvesJSON{Valves: make([]status.ValveJSON, 0, len(views))}
	for _, v := range views {
		out.Valves = append(out.Valves, status.Valve(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleValve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	v, ok := s.valves.Valve(id)
	if !ok {
		s.writeError(w, fmt.Errorf("valve %s: %w", id, engine.ErrUnknownValve))
		return
	}
	writeJSON(w, http.StatusOK, status.Valve(v))
}

func (s *Server) handleStartTimed(w http.ResponseWriter, r *http.Request) {
	var req StartTimedRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	s.accepted(w, id, s.valves.StartTimed(id, minutes(req.Minutes)))
}

func (s *Server) handleStartVolume(w http.ResponseWriter, r *http.Request) {
	var req StartVolumeRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	s.accepted(w, id, s.valves.StartVolume(id, req.Liters, minutes(req.HardTimeoutMinutes)))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.accepted(w, id, s.valves.Stop(id))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.accepted(w, id, s.valves.ResetTotals(id))
}

func (s *Server) handleResetAll(w http.ResponseWriter, r *http.Request) {
	if err := s.valves.ResetTotals(""); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, AcceptedJSON{Status: "accepted"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorJSON{Error: err.Error()})
		return
	}
	sessions, err := s.valves.Sessions(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := SessionsJSON{Sessions: make([]SessionRecordJSON, 0, len(sessions))}
	for _, sess := range sessions {
		out.Sessions = append(out.Sessions, sessionRecord(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.valves.DeleteSession(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DeletedJSON{Deleted: 1})
}

func (s *Server) handleClearSessions(w http.ResponseWriter, r *http.Request) {
	n, err := s.valves.ClearSessions(r.Context(), r.URL.Query().Get("valve"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DeletedJSON{Deleted: n})
}

// accepted answers a control request with the valve's current view.
func (s *Server) accepted(w http.ResponseWriter, id string, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := AcceptedJSON{Status: "accepted"}
	if v, ok := s.valves.Valve(id); ok {
		vj := status.Valve(v)
		out.Valve = &vj
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorJSON{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errorStatus(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("api request failed", "error", err)
	}
	writeJSON(w, code, ErrorJSON{Error: err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownValve), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidTarget):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrClosed), errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

func parseFilter(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	f := store.Filter{ValveID: q.Get("valve"), Limit: defaultSessionLimit}
	var err error
	if v := q.Get("since"); v != "" {
		if f.Since, err = time.Parse(time.RFC3339, v); err != nil {
			return f, fmt.Errorf("since: %w", err)
		}
	}
	if v := q.Get("until"); v != "" {
		if f.Until, err = time.Parse(time.RFC3339, v); err != nil {
			return f, fmt.Errorf("until: %w", err)
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("limit must be a positive integer")
		}
		f.Limit = min(n, maxSessionLimit)
	}
	return f, nil
}
