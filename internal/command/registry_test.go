package command

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/99souls/vinbridge/internal/restclient"
	"github.com/99souls/vinbridge/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookupAndDomainFor(t *testing.T) {
	r := NewRegistry()

	spec, ok := r.Lookup("door.lock")
	require.True(t, ok)
	assert.True(t, spec.RequiresSigning)

	_, ok = r.Lookup("not.a.command")
	assert.False(t, ok)

	domain, ok := r.DomainFor("wake_up")
	require.True(t, ok)
	assert.Equal(t, BroadcastDomain, domain)
}

type fakeSigner struct{ calls int }

func (f *fakeSigner) Sign(ctx context.Context, vin telemetry.VehicleID, name string, payload []byte) ([]byte, error) {
	f.calls++
	return []byte("signed-envelope"), nil
}

type allowAllGate struct{ denyErr error }

func (g allowAllGate) Allow(vin telemetry.VehicleID, name string) error { return g.denyErr }

func TestExecuteBroadcastCommandSkipsSigning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/command/wake_up")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	registry := NewRegistry()
	signer := &fakeSigner{}
	transport := restclient.New(restclient.DefaultConfig(srv.URL, ""), nil)
	router := NewRouter(registry, signer, transport, allowAllGate{}, nil)

	_, err := router.Execute(context.Background(), telemetry.VehicleID("5YJ3E1EA1NF000000"), "wake_up", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, signer.calls, "broadcast commands must never reach the signer")
}

func TestExecuteSignedCommandInvokesSigner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/signed_command")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	registry := NewRegistry()
	signer := &fakeSigner{}
	transport := restclient.New(restclient.DefaultConfig(srv.URL, ""), nil)
	router := NewRouter(registry, signer, transport, allowAllGate{}, nil)

	_, err := router.Execute(context.Background(), telemetry.VehicleID("5YJ3E1EA1NF000000"), "door.lock", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 1, signer.calls)
}

func TestExecuteRespectsGateDenial(t *testing.T) {
	registry := NewRegistry()
	signer := &fakeSigner{}
	transport := restclient.New(restclient.DefaultConfig("http://unused", ""), nil)
	router := NewRouter(registry, signer, transport, allowAllGate{denyErr: ErrTierBlocked}, nil)

	_, err := router.Execute(context.Background(), telemetry.VehicleID("5YJ3E1EA1NF000000"), "door.lock", nil)
	assert.ErrorIs(t, err, ErrTierBlocked)
	assert.Equal(t, 0, signer.calls)
}

func TestExecuteUnknownCommandErrors(t *testing.T) {
	registry := NewRegistry()
	signer := &fakeSigner{}
	transport := restclient.New(restclient.DefaultConfig("http://unused", ""), nil)
	router := NewRouter(registry, signer, transport, allowAllGate{}, nil)

	// Unknown commands fall through to the unsigned path, so the error here
	// comes from the failed REST call to the unreachable host; the router
	// has no unknown-command error of its own.
	_, err := router.Execute(context.Background(), telemetry.VehicleID("5YJ3E1EA1NF000000"), "bogus.command", nil)
	assert.Error(t, err)
}
