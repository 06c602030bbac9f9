// Package filter implements the dual-gate emission filter: a per-field
// delta + throttle gate deciding whether a telemetry field update is worth
// turning into a structured event.
package filter

import (
	"sync"
	"time"

	"github.com/99souls/vinbridge/internal/geo"
	"github.com/99souls/vinbridge/internal/telemetry"
)

// Spec is the per-field emission policy. Granularity==0 means "emit on any
// change"; for Location, granularity is a great-circle distance in meters.
type Spec struct {
	Enabled     bool
	Granularity float64
	Throttle    time.Duration
}

// DefaultSpecs returns the filter policy for the event-bearing fields this
// runtime translates into structured events.
func DefaultSpecs() map[telemetry.FieldName]Spec {
	return map[telemetry.FieldName]Spec{
		telemetry.Location:       {Enabled: true, Granularity: 25, Throttle: 5 * time.Second},
		telemetry.Soc:            {Enabled: true, Granularity: 1, Throttle: 30 * time.Second},
		telemetry.BatteryLevel:   {Enabled: true, Granularity: 1, Throttle: 30 * time.Second},
		telemetry.EstBatteryRange: {Enabled: true, Granularity: 1, Throttle: 60 * time.Second},
		telemetry.InsideTemp:     {Enabled: true, Granularity: 0.5, Throttle: 60 * time.Second},
		telemetry.OutsideTemp:    {Enabled: true, Granularity: 0.5, Throttle: 60 * time.Second},
		telemetry.VehicleSpeed:   {Enabled: true, Granularity: 1, Throttle: 2 * time.Second},
		telemetry.ChargeState:    {Enabled: true, Granularity: 0, Throttle: 0},
		telemetry.Locked:         {Enabled: true, Granularity: 0, Throttle: 0},
		telemetry.SentryMode:     {Enabled: true, Granularity: 0, Throttle: 0},
		telemetry.Gear:           {Enabled: true, Granularity: 0, Throttle: 0},
	}
}

type emission struct {
	value telemetry.FieldValue
	at    time.Time
}

// Filter owns the per-field last-emitted state and decides, per update,
// whether to emit.
type Filter struct {
	mu    sync.Mutex
	specs map[telemetry.FieldName]Spec
	state map[telemetry.FieldName]emission
}

func New(specs map[telemetry.FieldName]Spec) *Filter {
	return &Filter{specs: specs, state: make(map[telemetry.FieldName]emission)}
}

// ShouldEmit implements the dual-gate decision: both the throttle gate and
// the delta gate must pass. On a true result the new value/timestamp is
// recorded as the new baseline.
func (f *Filter) ShouldEmit(field telemetry.FieldName, value telemetry.FieldValue, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	spec, ok := f.specs[field]
	if !ok || !spec.Enabled {
		return false
	}

	prev, hasPrev := f.state[field]
	if !hasPrev {
		f.state[field] = emission{value: value, at: now}
		return true
	}

	if spec.Throttle > 0 && now.Sub(prev.at) < spec.Throttle {
		return false
	}

	d := delta(value, prev.value)
	if spec.Granularity > 0 && d < spec.Granularity {
		return false
	}
	if spec.Granularity == 0 && d == 0 {
		return false
	}

	f.state[field] = emission{value: value, at: now}
	return true
}

// delta computes the gating distance between two field values: haversine
// meters for Location, absolute difference for numeric scalars, and a
// binary 0/1 for booleans and strings.
func delta(a, b telemetry.FieldValue) float64 {
	if la, ok := a.Location(); ok {
		if lb, ok := b.Location(); ok {
			return geo.HaversineMeters(la.Lat, la.Lon, lb.Lat, lb.Lon)
		}
		return 1
	}
	if fa, ok := a.Float(); ok {
		if fb, ok := b.Float(); ok {
			d := fa - fb
			if d < 0 {
				d = -d
			}
			return d
		}
	}
	if !a.Equal(b) {
		return 1
	}
	return 0
}
