package filter

import (
	"testing"
	"time"

	"github.com/99souls/vinbridge/internal/telemetry"
	"github.com/stretchr/testify/assert"
)

func TestShouldEmitFirstObservationAlwaysPasses(t *testing.T) {
	f := New(DefaultSpecs())
	assert.True(t, f.ShouldEmit(telemetry.Soc, telemetry.FloatValue(50), time.Now()))
}

func TestShouldEmitThrottleGateBlocksRapidRepeat(t *testing.T) {
	f := New(DefaultSpecs())
	now := time.Now()
	assert.True(t, f.ShouldEmit(telemetry.Soc, telemetry.FloatValue(50), now))
	assert.False(t, f.ShouldEmit(telemetry.Soc, telemetry.FloatValue(80), now.Add(time.Second)))
}

func TestShouldEmitDeltaGateBlocksSmallChange(t *testing.T) {
	f := New(DefaultSpecs())
	now := time.Now()
	assert.True(t, f.ShouldEmit(telemetry.Soc, telemetry.FloatValue(50), now))
	later := now.Add(time.Minute)
	assert.False(t, f.ShouldEmit(telemetry.Soc, telemetry.FloatValue(50.2), later), "change below granularity must not emit")
	assert.True(t, f.ShouldEmit(telemetry.Soc, telemetry.FloatValue(55), later.Add(time.Second)))
}

func TestShouldEmitUnknownFieldNeverEmits(t *testing.T) {
	f := New(DefaultSpecs())
	assert.False(t, f.ShouldEmit(telemetry.FieldName("unregistered"), telemetry.FloatValue(1), time.Now()))
}

func TestShouldEmitLocationUsesHaversineGranularity(t *testing.T) {
	f := New(DefaultSpecs())
	now := time.Now()
	a := telemetry.LocValue(telemetry.LocationValue{Lat: 37.0, Lon: -122.0})
	assert.True(t, f.ShouldEmit(telemetry.Location, a, now))

	nearby := telemetry.LocValue(telemetry.LocationValue{Lat: 37.00001, Lon: -122.0})
	later := now.Add(10 * time.Second)
	assert.False(t, f.ShouldEmit(telemetry.Location, nearby, later), "sub-granularity movement must not emit")

	far := telemetry.LocValue(telemetry.LocationValue{Lat: 37.01, Lon: -122.0})
	assert.True(t, f.ShouldEmit(telemetry.Location, far, later.Add(time.Second)))
}
