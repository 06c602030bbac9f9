package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVINRejectsWrongLength(t *testing.T) {
	_, err := ParseVIN("TOOSHORT")
	assert.ErrorIs(t, err, ErrInvalidVIN)
}

func TestParseVINAcceptsSeventeenAlphanumerics(t *testing.T) {
	vin, err := ParseVIN("5YJ3E1EA1NF000000")
	require.NoError(t, err)
	assert.Equal(t, VehicleID("5YJ3E1EA1NF000000"), vin)
}

func TestFrameSetGet(t *testing.T) {
	f := NewFrame(VehicleID("5YJ3E1EA1NF000000"), time.Now())
	f.Set(Soc, FloatValue(80))
	v, ok := f.Get(Soc)
	require.True(t, ok)
	got, _ := v.Float()
	assert.Equal(t, 80.0, got)

	_, ok = f.Get(Gear)
	assert.False(t, ok)
}
