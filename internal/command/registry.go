// Package command implements the command registry and router: a static
// name -> CommandSpec table and the execute() entry point that branches
// signed commands through the session manager and unsigned/broadcast
// commands straight to the REST transport.
package command

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/99souls/vinbridge/internal/cache"
	"github.com/99souls/vinbridge/internal/obsmetrics"
	"github.com/99souls/vinbridge/internal/restclient"
	"github.com/99souls/vinbridge/internal/session"
	"github.com/99souls/vinbridge/internal/telemetry"
)

// BroadcastDomain marks a command that bypasses signing entirely (wake_up
// and the managed-charging endpoints).
const BroadcastDomain session.Domain = 0

// PayloadBuilder encodes the params for a signed command into the
// payload bytes the session manager signs.
type PayloadBuilder func(params map[string]any) ([]byte, error)

// Spec is one entry of the static command registry.
type Spec struct {
	Name            string
	Domain          session.Domain
	RequiresSigning bool
	Build           PayloadBuilder
}

// Gate is the tier-policy check that execute() consults before any
// network I/O.
type Gate interface {
	Allow(vin telemetry.VehicleID, name string) error
}

// Registry is the static name -> Spec table.
type Registry struct {
	specs map[string]Spec
}

func NewRegistry() *Registry {
	r := &Registry{specs: make(map[string]Spec)}
	for _, s := range DefaultSpecs() {
		r.specs[s.Name] = s
	}
	return r
}

func (r *Registry) Lookup(name string) (Spec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// DomainFor implements session.CommandRegistry.
func (r *Registry) DomainFor(name string) (session.Domain, bool) {
	s, ok := r.specs[name]
	if !ok {
		return 0, false
	}
	return s.Domain, true
}

// DefaultSpecs returns a representative slice of the full ~75-entry
// command registry, covering door lock, wake_up, and managed charging.
func DefaultSpecs() []Spec {
	jsonEcho := func(params map[string]any) ([]byte, error) { return encodeParamsAsTLVPayload(params) }
	return []Spec{
		{Name: "wake_up", Domain: BroadcastDomain, RequiresSigning: false},
		{Name: "charging.schedule", Domain: BroadcastDomain, RequiresSigning: false},
		{Name: "charging.managed_start", Domain: BroadcastDomain, RequiresSigning: false},
		{Name: "charging.managed_stop", Domain: BroadcastDomain, RequiresSigning: false},

		{Name: "door.lock", Domain: session.VehicleSecurity, RequiresSigning: true, Build: jsonEcho},
		{Name: "door.unlock", Domain: session.VehicleSecurity, RequiresSigning: true, Build: jsonEcho},
		{Name: "trunk.open", Domain: session.VehicleSecurity, RequiresSigning: true, Build: jsonEcho},
		{Name: "frunk.open", Domain: session.VehicleSecurity, RequiresSigning: true, Build: jsonEcho},
		{Name: "sentry_mode.set", Domain: session.VehicleSecurity, RequiresSigning: true, Build: jsonEcho},
		{Name: "climate.start", Domain: session.Infotainment, RequiresSigning: true, Build: jsonEcho},
		{Name: "climate.stop", Domain: session.Infotainment, RequiresSigning: true, Build: jsonEcho},
		{Name: "climate.set_temp", Domain: session.Infotainment, RequiresSigning: true, Build: jsonEcho},
		{Name: "charge_port.open", Domain: session.VehicleSecurity, RequiresSigning: true, Build: jsonEcho},
		{Name: "charge_port.close", Domain: session.VehicleSecurity, RequiresSigning: true, Build: jsonEcho},
		{Name: "charging.set_limit", Domain: session.Infotainment, RequiresSigning: true, Build: jsonEcho},
		{Name: "media.play", Domain: session.Infotainment, RequiresSigning: true, Build: jsonEcho},
		{Name: "media.pause", Domain: session.Infotainment, RequiresSigning: true, Build: jsonEcho},
		{Name: "windows.vent", Domain: session.VehicleSecurity, RequiresSigning: true, Build: jsonEcho},
		{Name: "windows.close", Domain: session.VehicleSecurity, RequiresSigning: true, Build: jsonEcho},
		{Name: "horn.honk", Domain: session.VehicleSecurity, RequiresSigning: true, Build: jsonEcho},
		{Name: "lights.flash", Domain: session.VehicleSecurity, RequiresSigning: true, Build: jsonEcho},
	}
}

// Signer is the session manager's public contract, as consumed by the router.
type Signer interface {
	Sign(ctx context.Context, vin telemetry.VehicleID, commandName string, payload []byte) ([]byte, error)
}

// ErrTierBlocked and ErrSigningUnavailable are returned by the gate.
var (
	ErrTierBlocked        = errors.New("command: blocked by tier policy")
	ErrSigningUnavailable = errors.New("command: signing required but unavailable")
)

// Router is the execute() entry point.
type Router struct {
	registry  *Registry
	signer    Signer
	transport *restclient.Client
	gate      Gate
	cache     *cache.Cache
	metrics   *obsmetrics.Provider
}

func NewRouter(registry *Registry, signer Signer, transport *restclient.Client, gate Gate, c *cache.Cache) *Router {
	return &Router{registry: registry, signer: signer, transport: transport, gate: gate, cache: c}
}

// SetMetrics wires the signed-commands-issued counter; nil (the default)
// disables metrics emission without changing behavior.
func (rt *Router) SetMetrics(m *obsmetrics.Provider) {
	rt.metrics = m
}

func (rt *Router) recordOutcome(outcome string) {
	if rt.metrics != nil {
		rt.metrics.SignedCommands.WithLabelValues(outcome).Inc()
	}
}

// Execute dispatches name against vin with the given params: broadcast and
// unsigned commands go straight to the unsigned REST path; everything
// else is signed by the session manager first.
func (rt *Router) Execute(ctx context.Context, vin telemetry.VehicleID, name string, params map[string]any) ([]byte, error) {
	if rt.gate != nil {
		if err := rt.gate.Allow(vin, name); err != nil {
			return nil, err
		}
	}

	spec, ok := rt.registry.Lookup(name)
	if !ok || spec.Domain == BroadcastDomain {
		resp, class, err := rt.transport.PostUnsignedCommand(ctx, vin, name, params)
		if err != nil {
			return nil, err
		}
		if class != classOK() {
			return nil, fmt.Errorf("command: unsigned command %q rejected", name)
		}
		rt.invalidateAfterWrite(vin)
		return resp, nil
	}

	if spec.Build == nil {
		return nil, fmt.Errorf("command: %q has no payload builder", name)
	}
	payload, err := spec.Build(params)
	if err != nil {
		return nil, fmt.Errorf("command: build payload for %q: %w", name, err)
	}

	envelope, err := rt.signer.Sign(ctx, vin, name, payload)
	if err != nil {
		rt.recordOutcome("sign_error")
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(envelope)
	resp, class, err := rt.transport.PostSignedCommand(ctx, vin, []byte(encoded))
	if err != nil {
		rt.recordOutcome("transport_error")
		return nil, err
	}
	if class != classOK() {
		rt.recordOutcome("rejected")
		return nil, fmt.Errorf("command: signed command %q rejected", name)
	}

	rt.recordOutcome("ok")
	rt.invalidateAfterWrite(vin)
	return resp, nil
}

func (rt *Router) invalidateAfterWrite(vin telemetry.VehicleID) {
	if rt.cache == nil {
		return
	}
	rt.cache.InvalidatePrefix(fmt.Sprintf("vin_%s", vin))
}

func classOK() session.StatusClass { return session.StatusOK }

// encodeParamsAsTLVPayload is a placeholder payload builder: it encodes
// params as a minimal deterministic byte sequence (sorted key=value pairs)
// until per-command protobuf builders are generated from the vehicle's
// actual schema. Every signed command in DefaultSpecs uses this until a
// command-specific builder replaces it.
func encodeParamsAsTLVPayload(params map[string]any) ([]byte, error) {
	if len(params) == 0 {
		return []byte{}, nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sortStrings(keys)

	var buf []byte
	for _, k := range keys {
		buf = append(buf, []byte(k)...)
		buf = append(buf, '=')
		buf = append(buf, []byte(fmt.Sprintf("%v", params[k]))...)
		buf = append(buf, ';')
	}
	return buf, nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
