package trigger

import (
	"testing"
	"time"

	"github.com/99souls/vinbridge/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameWith(vin string, field telemetry.FieldName, v telemetry.FieldValue) *telemetry.Frame {
	f := telemetry.NewFrame(telemetry.VehicleID(vin), time.Now())
	f.Set(field, v)
	return f
}

func TestLowBatteryOneShotFiresOnceAndDeletes(t *testing.T) {
	e := New()
	def, err := e.Create(Definition{
		Field:     telemetry.Soc,
		Operator:  OpLT,
		Threshold: ScalarThreshold(telemetry.FloatValue(20)),
		Once:      true,
	})
	require.NoError(t, err)

	e.Evaluate(frameWith("1VIN", telemetry.Soc, telemetry.FloatValue(25)))
	assert.Empty(t, e.Poll(), "above threshold must not fire")

	e.Evaluate(frameWith("1VIN", telemetry.Soc, telemetry.FloatValue(15)))
	notes := e.Poll()
	require.Len(t, notes, 1)
	assert.Equal(t, def.ID, notes[0].TriggerID)

	e.Evaluate(frameWith("1VIN", telemetry.Soc, telemetry.FloatValue(10)))
	assert.Empty(t, e.Poll(), "one-shot trigger must have deleted itself")
	assert.Empty(t, e.List())
}

func TestGeofenceEnterLeave(t *testing.T) {
	e := New()
	_, err := e.Create(Definition{
		Field:     telemetry.Location,
		Operator:  OpEnter,
		Threshold: GeoThreshold(Geofence{Lat: 37.0, Lon: -122.0, RadiusM: 100}),
	})
	require.NoError(t, err)

	outside := telemetry.LocValue(telemetry.LocationValue{Lat: 37.01, Lon: -122.0})
	inside := telemetry.LocValue(telemetry.LocationValue{Lat: 37.0, Lon: -122.0})

	e.Evaluate(frameWith("1VIN", telemetry.Location, outside))
	assert.Empty(t, e.Poll(), "first observation only establishes baseline state")

	e.Evaluate(frameWith("1VIN", telemetry.Location, inside))
	notes := e.Poll()
	require.Len(t, notes, 1, "crossing from outside to inside must fire enter")

	e.Evaluate(frameWith("1VIN", telemetry.Location, inside))
	assert.Empty(t, e.Poll(), "staying inside must not re-fire")

	leave, err := e.Create(Definition{
		Field:     telemetry.Location,
		Operator:  OpLeave,
		Threshold: GeoThreshold(Geofence{Lat: 37.0, Lon: -122.0, RadiusM: 100}),
	})
	require.NoError(t, err)

	e.Evaluate(frameWith("1VIN", telemetry.Location, inside))
	assert.Empty(t, e.Poll(), "first observation of the leave trigger only establishes baseline state")

	e.Evaluate(frameWith("1VIN", telemetry.Location, outside))
	notes = e.Poll()
	require.Len(t, notes, 1, "crossing from inside to outside must fire leave")
	assert.Equal(t, leave.ID, notes[0].TriggerID)
}

func TestCooldownSuppressesRepeatFiring(t *testing.T) {
	e := New()
	_, err := e.Create(Definition{
		Field:     telemetry.VehicleSpeed,
		Operator:  OpGT,
		Threshold: ScalarThreshold(telemetry.FloatValue(80)),
		Cooldown:  time.Hour,
	})
	require.NoError(t, err)

	e.Evaluate(frameWith("1VIN", telemetry.VehicleSpeed, telemetry.FloatValue(90)))
	require.Len(t, e.Poll(), 1)

	e.Evaluate(frameWith("1VIN", telemetry.VehicleSpeed, telemetry.FloatValue(95)))
	assert.Empty(t, e.Poll(), "second firing within cooldown window must be suppressed")
}

func TestChangedOperatorRequiresPriorObservation(t *testing.T) {
	e := New()
	_, err := e.Create(Definition{Field: telemetry.Gear, Operator: OpChanged})
	require.NoError(t, err)

	e.Evaluate(frameWith("1VIN", telemetry.Gear, telemetry.StringValue("P")))
	assert.Empty(t, e.Poll(), "first observation cannot be a change")

	e.Evaluate(frameWith("1VIN", telemetry.Gear, telemetry.StringValue("P")))
	assert.Empty(t, e.Poll(), "identical value is not a change")

	e.Evaluate(frameWith("1VIN", telemetry.Gear, telemetry.StringValue("D")))
	assert.Len(t, e.Poll(), 1)
}

func TestCreateRejectsMismatchedThreshold(t *testing.T) {
	e := New()
	_, err := e.Create(Definition{
		Field:     telemetry.Location,
		Operator:  OpEnter,
		Threshold: ScalarThreshold(telemetry.FloatValue(1)),
	})
	assert.ErrorIs(t, err, ErrBadThreshold)
}

func TestMaxTriggersEnforced(t *testing.T) {
	e := New()
	for i := 0; i < MaxTriggers; i++ {
		_, err := e.Create(Definition{
			Field:     telemetry.Soc,
			Operator:  OpLT,
			Threshold: ScalarThreshold(telemetry.FloatValue(float64(i))),
		})
		require.NoError(t, err)
	}
	_, err := e.Create(Definition{
		Field:     telemetry.Soc,
		Operator:  OpLT,
		Threshold: ScalarThreshold(telemetry.FloatValue(1)),
	})
	assert.ErrorIs(t, err, ErrMaxTriggers)
}

func TestDeleteAndList(t *testing.T) {
	e := New()
	def, err := e.Create(Definition{
		Field:     telemetry.Soc,
		Operator:  OpLT,
		Threshold: ScalarThreshold(telemetry.FloatValue(20)),
	})
	require.NoError(t, err)
	assert.Len(t, e.List(), 1)

	assert.True(t, e.Delete(def.ID))
	assert.False(t, e.Delete(def.ID))
	assert.Empty(t, e.List())
}

type recordingSink struct{ got []Notification }

func (r *recordingSink) PushTriggerNotification(n Notification) { r.got = append(r.got, n) }

func TestPushSinkReceivesFiringsInAdditionToPoll(t *testing.T) {
	e := New()
	sink := &recordingSink{}
	e.SetPushSink(sink)

	_, err := e.Create(Definition{
		Field:     telemetry.Soc,
		Operator:  OpLT,
		Threshold: ScalarThreshold(telemetry.FloatValue(20)),
		Once:      true,
	})
	require.NoError(t, err)

	e.Evaluate(frameWith("1VIN", telemetry.Soc, telemetry.FloatValue(10)))
	assert.Len(t, sink.got, 1)
	assert.Len(t, e.Poll(), 1, "push delivery must not drain the poll deque")
}

func TestPendingDequeEvictsOldestOnOverflow(t *testing.T) {
	e := New()
	_, err := e.Create(Definition{Field: telemetry.Gear, Operator: OpChanged, Cooldown: time.Nanosecond})
	require.NoError(t, err)

	e.Evaluate(frameWith("1VIN", telemetry.Gear, telemetry.StringValue("P")))
	for i := 0; i < PendingCapacity+10; i++ {
		gear := "D"
		if i%2 == 0 {
			gear = "R"
		}
		e.Evaluate(frameWith("1VIN", telemetry.Gear, telemetry.StringValue(gear)))
	}
	notes := e.Poll()
	require.Len(t, notes, PendingCapacity)
	oldestPrev, _ := notes[0].PreviousValue.String()
	assert.Equal(t, "D", oldestPrev, "the first firings, starting with P->R, must have been evicted")
}
