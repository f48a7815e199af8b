package logic

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FlowUnit declares how a device reports its instantaneous flow.
type FlowUnit string

const (
	FlowLPM   FlowUnit = "lpm"   // liters per minute, used as-is
	FlowM3H   FlowUnit = "m3h"   // cubic meters per hour
	FlowScale FlowUnit = "scale" // multiplied by Profile.FlowScale
)

// CounterUnit declares the unit of a device's cumulative volume counter.
type CounterUnit string

const (
	CounterNone   CounterUnit = "none"
	CounterLiters CounterUnit = "liters"
	CounterM3     CounterUnit = "m3"
)

// DefaultNoiseFloor is the flow (L/min) below which readings are treated as zero.
const DefaultNoiseFloor = 0.3

// ErrParse is wrapped by every ParseError.
var ErrParse = errors.New("parse telemetry")

// ParseError reports a telemetry payload that could not be normalized.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "parse telemetry: " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return ErrParse
}

func parseErrorf(format string, args ...any) error {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// Profile describes how to interpret one device's payloads.
// Units are declared explicitly; nothing is guessed from magnitude.
type Profile struct {
	FlowUnit    FlowUnit
	FlowScale   float64
	NoiseFloor  float64
	CounterUnit CounterUnit
}

// Normalize parses a raw JSON telemetry payload into an Event.
//
// Recognized fields: state, flow_lpm (already L/min), flow (converted per
// FlowUnit), battery, linkquality or link_quality, and consumption (converted
// per CounterUnit). Numbers may arrive as JSON numbers or numeric strings.
// JSON null is treated as an absent field.
func (p Profile) Normalize(payload []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Event{}, parseErrorf("invalid json: %v", err)
	}
	if raw == nil {
		return Event{}, parseErrorf("payload is not an object")
	}

	var ev Event
	known := false

	if v, ok := raw["state"]; ok && v != nil {
		known = true
		ev.State = parseState(v)
	}

	if v, ok := raw["flow_lpm"]; ok && v != nil {
		known = true
		f, err := number(v)
		if err != nil {
			return Event{}, parseErrorf("flow_lpm: %v", err)
		}
		f = p.floor(f)
		ev.FlowRate = &f
	} else if v, ok := raw["flow"]; ok && v != nil {
		known = true
		f, err := number(v)
		if err != nil {
			return Event{}, parseErrorf("flow: %v", err)
		}
		f, err = p.convertFlow(f)
		if err != nil {
			return Event{}, err
		}
		f = p.floor(f)
		ev.FlowRate = &f
	}

	if v, ok := raw["battery"]; ok && v != nil {
		known = true
		n, err := integer(v)
		if err != nil {
			return Event{}, parseErrorf("battery: %v", err)
		}
		ev.Battery = &n
	}

	lq, ok := raw["linkquality"]
	if !ok || lq == nil {
		lq, ok = raw["link_quality"]
	}
	if ok && lq != nil {
		known = true
		n, err := integer(lq)
		if err != nil {
			return Event{}, parseErrorf("linkquality: %v", err)
		}
		ev.LinkQuality = &n
	}

	if v, ok := raw["consumption"]; ok && v != nil {
		known = true
		if p.CounterUnit != "" && p.CounterUnit != CounterNone {
			c, err := number(v)
			if err != nil {
				return Event{}, parseErrorf("consumption: %v", err)
			}
			if p.CounterUnit == CounterM3 {
				c *= 1000
			}
			ev.Counter = &c
		}
	}

	if !known {
		return Event{}, parseErrorf("no telemetry fields")
	}
	return ev, nil
}

func (p Profile) convertFlow(f float64) (float64, error) {
	switch p.FlowUnit {
	case FlowLPM, "":
		return f, nil
	case FlowM3H:
		return f * 1000 / 60, nil
	case FlowScale:
		return f * p.FlowScale, nil
	default:
		return 0, parseErrorf("unknown flow unit %q", p.FlowUnit)
	}
}

// floor clamps negative readings and jitter below the noise floor to zero.
func (p Profile) floor(f float64) float64 {
	if f < 0 || f < p.NoiseFloor {
		return 0
	}
	return f
}

// ParseState maps a state token to a State. Unrecognized tokens are StateUnknown.
func ParseState(token string) State {
	switch strings.ToUpper(strings.TrimSpace(token)) {
	case "ON", "OPEN", "1", "TRUE":
		return StateOn
	case "OFF", "CLOSED", "CLOSE", "0", "FALSE":
		return StateOff
	default:
		return StateUnknown
	}
}

func parseState(v any) State {
	switch s := v.(type) {
	case string:
		return ParseState(s)
	case bool:
		if s {
			return StateOn
		}
		return StateOff
	case json.Number:
		return ParseState(s.String())
	default:
		return StateUnknown
	}
}

func number(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case json.Number:
		x, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n.String())
		}
		f = x
	case string:
		x, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		f = x
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not finite: %v", f)
	}
	return f, nil
}

func integer(v any) (int, error) {
	f, err := number(v)
	if err != nil {
		return 0, err
	}
	return int(math.Round(f)), nil
}
