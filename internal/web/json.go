package web

import (
	"time"

	"github.com/sweeney/valve-meter/internal/logic"
	"github.com/sweeney/valve-meter/internal/status"
)

// StartTimedRequest is the body of POST /api/valves/{id}/start_timed.
type StartTimedRequest struct {
	Minutes float64 `json:"minutes"`
}

// StartVolumeRequest is the body of POST /api/valves/{id}/start_volume.
// A zero hard timeout uses the valve's configured maximum runtime.
type StartVolumeRequest struct {
	Liters             float64 `json:"liters"`
	HardTimeoutMinutes float64 `json:"hard_timeout_minutes,omitempty"`
}

// ValvesJSON lists every registered valve.
type ValvesJSON struct {
	Valves []status.ValveJSON `json:"valves"`
}

// AcceptedJSON acknowledges a control request.
type AcceptedJSON struct {
	Status string            `json:"status"`
	Valve  *status.ValveJSON `json:"valve,omitempty"`
}

// DeletedJSON reports how many history rows were removed.
type DeletedJSON struct {
	Deleted int64 `json:"deleted"`
}

// ErrorJSON is the body of every non-2xx API response.
type ErrorJSON struct {
	Error string `json:"error"`
}

// SessionsJSON is a page of session history, newest first.
type SessionsJSON struct {
	Sessions []SessionRecordJSON `json:"sessions"`
}

// SessionRecordJSON is one stored session.
type SessionRecordJSON struct {
	ID              string   `json:"id"`
	ValveID         string   `json:"valve_id"`
	ValveName       string   `json:"valve_name"`
	Trigger         string   `json:"trigger"`
	TargetSeconds   *int64   `json:"target_seconds,omitempty"`
	TargetLiters    *float64 `json:"target_liters,omitempty"`
	StartedAt       string   `json:"started_at"`
	EndedAt         string   `json:"ended_at,omitempty"`
	EndReason       string   `json:"end_reason,omitempty"`
	DurationSeconds int64    `json:"duration_seconds"`
	Liters          float64  `json:"liters"`
	AvgLPM          float64  `json:"avg_lpm"`
}

func sessionRecord(s logic.Session) SessionRecordJSON {
	out := SessionRecordJSON{
		ID:              s.ID,
		ValveID:         s.ValveID,
		ValveName:       s.ValveName,
		Trigger:         string(s.Trigger),
		StartedAt:       s.StartedAt.UTC().Format(time.RFC3339),
		EndReason:       string(s.EndReason),
		DurationSeconds: int64(s.Duration.Truncate(time.Second).Seconds()),
		Liters:          status.Liters(s.Volume),
		AvgLPM:          status.Liters(s.AvgRate),
	}
	if s.Ended() {
		out.EndedAt = s.EndedAt.UTC().Format(time.RFC3339)
	}
	switch s.Trigger {
	case logic.TriggerTimed:
		secs := int64(s.Target.Duration.Truncate(time.Second).Seconds())
		out.TargetSeconds = &secs
	case logic.TriggerVolume:
		liters := s.Target.Volume
		out.TargetLiters = &liters
	}
	return out
}
