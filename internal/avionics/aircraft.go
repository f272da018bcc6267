// Package avionics is the actuator model a partition executes validated
// commands against: engines, throttle, control surfaces, flaps and gear, with
// a simple flight dynamics integration.
package avionics

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sekia-ai/safepart/internal/catalog"
	"github.com/sekia-ai/safepart/pkg/protocol"
)

const (
	idleThrottlePct = 10.0
	maxAirspeedKt   = 480.0
	flyingSpeedKt   = 50.0
)

// State is a snapshot of the aircraft.
type State struct {
	EnginesRunning   bool    `json:"engines_running"`
	ThrottlePct      float64 `json:"throttle_pct"`
	Elevator         float64 `json:"elevator"`
	Aileron          float64 `json:"aileron"`
	Rudder           float64 `json:"rudder"`
	Flaps            float64 `json:"flaps"`
	LandingGearDown  bool    `json:"landing_gear_down"`
	AltitudeM        float64 `json:"altitude_m"`
	AirspeedKt       float64 `json:"airspeed_kt"`
	HeadingDeg       float64 `json:"heading_deg"`
	PitchDeg         float64 `json:"pitch_deg"`
	RollDeg          float64 `json:"roll_deg"`
	VerticalSpeedFPM float64 `json:"vertical_speed_fpm"`
	FuelPct          float64 `json:"fuel_pct"`
}

// Map returns the state as a generic map, the form interlock rules see.
func (s State) Map() map[string]any {
	return map[string]any{
		"engines_running":    s.EnginesRunning,
		"throttle_pct":       s.ThrottlePct,
		"elevator":           s.Elevator,
		"aileron":            s.Aileron,
		"rudder":             s.Rudder,
		"flaps":              s.Flaps,
		"landing_gear_down":  s.LandingGearDown,
		"altitude_m":         s.AltitudeM,
		"airspeed_kt":        s.AirspeedKt,
		"heading_deg":        s.HeadingDeg,
		"pitch_deg":          s.PitchDeg,
		"roll_deg":           s.RollDeg,
		"vertical_speed_fpm": s.VerticalSpeedFPM,
		"fuel_pct":           s.FuelPct,
	}
}

// Aircraft is the actuator model. Safe for concurrent use: the validator task
// executes commands while the dynamics task integrates state.
type Aircraft struct {
	mu     sync.Mutex
	st     State
	logger zerolog.Logger
}

// NewAircraft creates an aircraft on the ground, gear down, full tanks.
func NewAircraft(logger zerolog.Logger) *Aircraft {
	return &Aircraft{
		st: State{
			LandingGearDown: true,
			FuelPct:         100,
		},
		logger: logger.With().Str("component", "avionics").Logger(),
	}
}

// WithState replaces the aircraft state. Used to start from a known flight condition.
func (a *Aircraft) WithState(st State) *Aircraft {
	a.mu.Lock()
	a.st = st
	a.mu.Unlock()
	return a
}

// Snapshot returns a copy of the current state.
func (a *Aircraft) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.st
}

// State returns the current state as a map.
func (a *Aircraft) State() map[string]any {
	return a.Snapshot().Map()
}

// Execute applies a validated command. The payload has already been checked
// against Catalog(); values are still clamped to the actuator limits.
func (a *Aircraft) Execute(ctx context.Context, cmd *protocol.Command) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch cmd.Command {
	case CmdStartEngines:
		if a.st.FuelPct <= 0 {
			return nil, fmt.Errorf("cannot start engines: fuel exhausted")
		}
		a.st.EnginesRunning = true
		a.st.ThrottlePct = idleThrottlePct
		a.logger.Info().Msg("engines started")
	case CmdStopEngines:
		a.st.EnginesRunning = false
		a.st.ThrottlePct = 0
		a.logger.Info().Msg("engines stopped")
	case CmdSetThrottle:
		pct, err := number(cmd.Payload, "percentage")
		if err != nil {
			return nil, err
		}
		a.setThrottle(pct)
	case CmdSetElevator:
		pos, err := number(cmd.Payload, "position")
		if err != nil {
			return nil, err
		}
		a.setElevator(pos)
	case CmdSetAileron:
		pos, err := number(cmd.Payload, "position")
		if err != nil {
			return nil, err
		}
		a.setAileron(pos)
	case CmdSetRudder:
		pos, err := number(cmd.Payload, "position")
		if err != nil {
			return nil, err
		}
		a.setRudder(pos)
	case CmdSetFlaps:
		pos, err := number(cmd.Payload, "position")
		if err != nil {
			return nil, err
		}
		a.setFlaps(pos)
	case CmdSetLandingGear:
		ext, ok := cmd.Payload["extended"].(bool)
		if !ok {
			return nil, fmt.Errorf("extended must be a bool")
		}
		a.setLandingGear(ext)
	case CmdGetTelemetry:
		// Read-only.
	default:
		return nil, fmt.Errorf("unknown command: %s", cmd.Command)
	}

	return a.st.Map(), nil
}

// EnterSafeState drives the aircraft to its safe configuration: control
// surfaces neutral and throttle at idle if the engines are running.
func (a *Aircraft) EnterSafeState(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.st.Elevator, a.st.Aileron, a.st.Rudder = 0, 0, 0
	if a.st.EnginesRunning {
		a.st.ThrottlePct = idleThrottlePct
	} else {
		a.st.ThrottlePct = 0
	}
	a.logger.Warn().Str("reason", reason).Msg("aircraft in safe configuration")
}

// Step integrates the flight dynamics over dt.
func (a *Aircraft) Step(dt time.Duration) {
	secs := dt.Seconds()
	if secs <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.st.EnginesRunning {
		return
	}

	if a.st.VerticalSpeedFPM != 0 {
		// 196.85 ft/min per m/s.
		a.st.AltitudeM = math.Max(0, a.st.AltitudeM+a.st.VerticalSpeedFPM/196.85*secs)
	}

	if a.st.ThrottlePct > 0 {
		// 1% of fuel per hour at full throttle.
		burn := a.st.ThrottlePct / 100 * 0.01 / 3600 * secs
		a.st.FuelPct = math.Max(0, a.st.FuelPct-burn)
		if a.st.FuelPct == 0 {
			a.st.EnginesRunning = false
			a.st.ThrottlePct = 0
			a.logger.Error().Msg("fuel exhausted, engines stopped")
		}
	}

	if a.st.ThrottlePct < 20 && a.st.AirspeedKt > 0 {
		a.st.AirspeedKt = math.Max(0, a.st.AirspeedKt-0.5*secs)
	}
}

// Health reports whether the aircraft is within its envelope, with warnings.
func (a *Aircraft) Health() (bool, []string) {
	st := a.Snapshot()

	var warnings []string
	if st.FuelPct < 15 {
		warnings = append(warnings, "low fuel")
	}
	if st.AltitudeM < 100 && st.AirspeedKt > flyingSpeedKt {
		warnings = append(warnings, "low altitude")
	}
	if math.Abs(st.PitchDeg) > 20 {
		warnings = append(warnings, "extreme pitch angle")
	}
	if math.Abs(st.RollDeg) > 30 {
		warnings = append(warnings, "extreme roll angle")
	}
	return len(warnings) == 0, warnings
}

func (a *Aircraft) setThrottle(pct float64) {
	a.st.ThrottlePct = clamp(pct, 0, 100)
	if a.st.EnginesRunning && a.st.ThrottlePct > 0 {
		a.st.AirspeedKt = math.Min(maxAirspeedKt, a.st.AirspeedKt+a.st.ThrottlePct/100*5)
	}
}

func (a *Aircraft) setElevator(pos float64) {
	pos = clamp(pos, -1, 1)
	a.st.Elevator = pos
	a.st.PitchDeg = clamp(a.st.PitchDeg+pos*2, -30, 30)
	if a.st.AirspeedKt > flyingSpeedKt {
		a.st.VerticalSpeedFPM = a.st.PitchDeg * 100
	}
}

func (a *Aircraft) setAileron(pos float64) {
	pos = clamp(pos, -1, 1)
	a.st.Aileron = pos
	a.st.RollDeg = clamp(a.st.RollDeg+pos*5, -45, 45)
	if a.st.AirspeedKt > flyingSpeedKt {
		a.st.HeadingDeg = wrapHeading(a.st.HeadingDeg + pos*2)
	}
}

func (a *Aircraft) setRudder(pos float64) {
	pos = clamp(pos, -1, 1)
	a.st.Rudder = pos
	if a.st.AirspeedKt > flyingSpeedKt {
		a.st.HeadingDeg = wrapHeading(a.st.HeadingDeg + pos)
	}
}

func (a *Aircraft) setFlaps(pos float64) {
	a.st.Flaps = clamp(pos, 0, 1)
	if a.st.Flaps > 0 {
		a.st.AirspeedKt = math.Max(0, a.st.AirspeedKt-a.st.Flaps*10)
	}
}

func (a *Aircraft) setLandingGear(extended bool) {
	a.st.LandingGearDown = extended
	if extended {
		a.st.AirspeedKt = math.Max(0, a.st.AirspeedKt-20)
	}
	a.logger.Info().Bool("extended", extended).Msg("landing gear moved")
}

func number(payload map[string]any, key string) (float64, error) {
	val, ok := payload[key]
	if !ok {
		return 0, fmt.Errorf("missing required field: %s", key)
	}
	f, ok := catalog.ToFloat(val)
	if !ok {
		return 0, fmt.Errorf("%s must be a number", key)
	}
	return f, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func wrapHeading(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
