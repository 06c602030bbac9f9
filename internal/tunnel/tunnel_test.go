package tunnel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/vinbridge/internal/telemetry"
)

type fakeIngress struct {
	allocated []string
	released  []string
	failAlloc bool
}

func (f *fakeIngress) Allocate(ctx context.Context, localPort int) (string, error) {
	if f.failAlloc {
		return "", errors.New("no capacity")
	}
	host := "tunnel-1.example.com"
	f.allocated = append(f.allocated, host)
	return host, nil
}

func (f *fakeIngress) Release(ctx context.Context, hostname string) error {
	f.released = append(f.released, hostname)
	return nil
}

type fakeFleet struct {
	registered      []string
	restored        []string
	configPushed    bool
	configDeleted   bool
	failRegister    bool
	failConfig      bool
	previousHostname string
}

func (f *fakeFleet) RegisterPartnerHostname(ctx context.Context, hostname string) (string, error) {
	if f.failRegister {
		return "", errors.New("registration rejected")
	}
	f.registered = append(f.registered, hostname)
	if hostname == f.previousHostname {
		return "", nil
	}
	return f.previousHostname, nil
}

func (f *fakeFleet) PostTelemetryConfig(ctx context.Context, vin telemetry.VehicleID, fields []string, intervalSeconds int) error {
	if f.failConfig {
		return errors.New("config rejected")
	}
	f.configPushed = true
	return nil
}

func (f *fakeFleet) DeleteTelemetryConfig(ctx context.Context, vin telemetry.VehicleID) error {
	f.configDeleted = true
	return nil
}

func testConfig() TelemetryConfig {
	return TelemetryConfig{Fields: []telemetry.FieldName{telemetry.Location, telemetry.Soc}, Interval: 10 * time.Second}
}

func TestSessionOpenCloseHappyPath(t *testing.T) {
	ingress := &fakeIngress{}
	fleet := &fakeFleet{previousHostname: "old.example.com"}
	s := New("5YJ3E1EA1NF000000", 8080, testConfig(), ingress, fleet, nil)

	require.NoError(t, s.Open(context.Background()))
	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, "tunnel-1.example.com", s.Hostname())
	assert.True(t, fleet.configPushed)

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, fleet.configDeleted)
	assert.Contains(t, fleet.registered, "old.example.com") // restored on teardown
	assert.Contains(t, ingress.released, "tunnel-1.example.com")
}

func TestSessionOpenFailureUnwindsPartialState(t *testing.T) {
	ingress := &fakeIngress{}
	fleet := &fakeFleet{failConfig: true}
	s := New("5YJ3E1EA1NF000000", 8080, testConfig(), ingress, fleet, nil)

	err := s.Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateClosed, s.State())
	// Ingress was allocated before the failing step, so it must be released.
	assert.Contains(t, ingress.released, "tunnel-1.example.com")
	// Telemetry config was never successfully pushed, so delete is not invoked.
	assert.False(t, fleet.configDeleted)
}

func TestSessionOpenFailureAtIngressDoesNothingElse(t *testing.T) {
	ingress := &fakeIngress{failAlloc: true}
	fleet := &fakeFleet{}
	s := New("5YJ3E1EA1NF000000", 8080, testConfig(), ingress, fleet, nil)

	err := s.Open(context.Background())
	require.Error(t, err)
	assert.Empty(t, fleet.registered)
	assert.Empty(t, ingress.released)
}

func TestSessionDoubleOpenRejected(t *testing.T) {
	ingress := &fakeIngress{}
	fleet := &fakeFleet{}
	s := New("5YJ3E1EA1NF000000", 8080, testConfig(), ingress, fleet, nil)
	require.NoError(t, s.Open(context.Background()))
	assert.ErrorIs(t, s.Open(context.Background()), ErrAlreadyOpen)
	_ = s.Close(context.Background())
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	ingress := &fakeIngress{}
	fleet := &fakeFleet{}
	s := New("5YJ3E1EA1NF000000", 8080, testConfig(), ingress, fleet, nil)
	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	assert.Len(t, ingress.released, 1)
}

// TestSessionClosesOnPanic verifies the teardown runs even when Open's
// caller panics: the caller is expected to defer Close in a recover
// block, which this exercises directly.
func TestSessionClosesOnPanic(t *testing.T) {
	ingress := &fakeIngress{}
	fleet := &fakeFleet{}
	s := New("5YJ3E1EA1NF000000", 8080, testConfig(), ingress, fleet, nil)
	require.NoError(t, s.Open(context.Background()))

	func() {
		defer func() {
			recover()
			s.Close(context.Background())
		}()
		panic("simulated crash mid-session")
	}()

	assert.Equal(t, StateClosed, s.State())
	assert.True(t, fleet.configDeleted)
}
