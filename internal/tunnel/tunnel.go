// Package tunnel implements the tunnel and partner lifecycle: a scoped
// "telemetry session" resource that allocates a public HTTPS ingress in
// front of the telemetry receiver's local port, registers that hostname
// with the fleet service, configures the vehicle to push telemetry at it,
// and tears the whole chain down in reverse on exit — including panics
// and cancellation.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/99souls/vinbridge/internal/telemetry"
)

// Ingress allocates and releases the public HTTPS endpoint fronting the
// telemetry receiver's local port. Implemented by a collaborator (e.g. a
// managed tunnel provider); the core only needs this narrow contract.
type Ingress interface {
	Allocate(ctx context.Context, localPort int) (publicHostname string, err error)
	Release(ctx context.Context, publicHostname string) error
}

// FleetClient is the subset of the REST fleet service the tunnel lifecycle
// drives directly, implemented by internal/restclient.
type FleetClient interface {
	RegisterPartnerHostname(ctx context.Context, hostname string) (previousHostname string, err error)
	PostTelemetryConfig(ctx context.Context, vin telemetry.VehicleID, fields []string, intervalSeconds int) error
	DeleteTelemetryConfig(ctx context.Context, vin telemetry.VehicleID) error
}

// TelemetryConfig is the field set + interval the vehicle is told to push.
type TelemetryConfig struct {
	Fields    []telemetry.FieldName
	Interval  time.Duration
}

// State is the lifecycle's own small state machine: each step only runs
// forward on Open, and Close only undoes steps that actually completed.
type State int

const (
	StateIdle State = iota
	StateIngressAllocated
	StateHostnameRegistered
	StateTelemetryConfigured
	StateOpen
	StateClosed
)

var ErrAlreadyOpen = errors.New("tunnel: session already open")
var ErrNotOpen = errors.New("tunnel: session not open")

// Session is one scoped telemetry-session lifecycle for a single VIN.
// Open performs steps (i)-(iii) in order; Close reverses exactly the steps
// that succeeded, best-effort, and is safe to call multiple times.
type Session struct {
	ID  string
	VIN telemetry.VehicleID

	ingress  Ingress
	fleet    FleetClient
	localPort int
	cfg      TelemetryConfig
	log      *slog.Logger

	mu               struct{} // no concurrent Open/Close expected; single owner
	state            State
	publicHostname   string
	previousHostname string
}

// New constructs a Session scoped to vin, not yet opened.
func New(vin telemetry.VehicleID, localPort int, cfg TelemetryConfig, ingress Ingress, fleet FleetClient, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		ID:        uuid.NewString(),
		VIN:       vin,
		ingress:   ingress,
		fleet:     fleet,
		localPort: localPort,
		cfg:       cfg,
		log:       log,
		state:     StateIdle,
	}
}

// Open runs the forward lifecycle: allocate ingress, register its hostname
// with the fleet service, then push the telemetry configuration to the
// vehicle. On any step's failure, Open calls Close itself to unwind
// whatever already succeeded before returning the error.
func (s *Session) Open(ctx context.Context) (err error) {
	if s.state != StateIdle {
		return ErrAlreadyOpen
	}

	defer func() {
		if err != nil {
			s.log.Warn("tunnel: open failed, unwinding", "session_id", s.ID, "vin", s.VIN, "error", err)
			s.Close(context.Background())
		}
	}()

	hostname, err := s.ingress.Allocate(ctx, s.localPort)
	if err != nil {
		return fmt.Errorf("tunnel: allocate ingress: %w", err)
	}
	s.publicHostname = hostname
	s.state = StateIngressAllocated
	s.log.Info("tunnel: ingress allocated", "session_id", s.ID, "hostname", hostname)

	prev, err := s.fleet.RegisterPartnerHostname(ctx, hostname)
	if err != nil {
		return fmt.Errorf("tunnel: register partner hostname: %w", err)
	}
	s.previousHostname = prev
	s.state = StateHostnameRegistered
	s.log.Info("tunnel: partner hostname registered", "session_id", s.ID, "hostname", hostname, "previous", prev)

	fieldNames := make([]string, len(s.cfg.Fields))
	for i, f := range s.cfg.Fields {
		fieldNames[i] = string(f)
	}
	if err := s.fleet.PostTelemetryConfig(ctx, s.VIN, fieldNames, int(s.cfg.Interval.Seconds())); err != nil {
		return fmt.Errorf("tunnel: post telemetry config: %w", err)
	}
	s.state = StateTelemetryConfigured
	s.log.Info("tunnel: telemetry config pushed", "session_id", s.ID, "vin", s.VIN, "fields", len(s.cfg.Fields))

	s.state = StateOpen
	return nil
}

// Close tears the lifecycle down in reverse: delete the telemetry
// configuration, restore any prior partner hostname, then release the
// ingress. It is best-effort — every step runs regardless of whether an
// earlier step errored, logging and continuing, so a fatal transport error
// during teardown doesn't abandon the remaining steps. Safe to call more
// than once and safe to call from a deferred recover() after a panic.
func (s *Session) Close(ctx context.Context) error {
	if s.state == StateClosed || s.state == StateIdle {
		s.state = StateClosed
		return nil
	}

	var errs []error

	if s.state >= StateTelemetryConfigured {
		if err := s.fleet.DeleteTelemetryConfig(ctx, s.VIN); err != nil {
			s.log.Warn("tunnel: delete telemetry config failed, continuing teardown", "session_id", s.ID, "error", err)
			errs = append(errs, err)
		}
	}

	if s.state >= StateHostnameRegistered {
		restoreTo := s.previousHostname
		if restoreTo != "" {
			if _, err := s.fleet.RegisterPartnerHostname(ctx, restoreTo); err != nil {
				s.log.Warn("tunnel: restore previous hostname failed, continuing teardown", "session_id", s.ID, "error", err)
				errs = append(errs, err)
			}
		}
	}

	if s.state >= StateIngressAllocated {
		if err := s.ingress.Release(ctx, s.publicHostname); err != nil {
			s.log.Warn("tunnel: release ingress failed", "session_id", s.ID, "error", err)
			errs = append(errs, err)
		}
	}

	s.state = StateClosed
	return errors.Join(errs...)
}

// Hostname returns the currently allocated public hostname, or "" if the
// session is not open.
func (s *Session) Hostname() string {
	if s.state != StateOpen {
		return ""
	}
	return s.publicHostname
}

// State reports the current lifecycle state, chiefly for tests and health
// reporting.
func (s *Session) State() State { return s.state }
