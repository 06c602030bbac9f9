// Package sinks provides the frame fanout's built-in sinks: adapters wiring
// the latest-value store, the response cache, the trigger engine, the
// dual-gate event emitter, and an optional dashboard feed into fanout.Sink.
package sinks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/99souls/vinbridge/internal/cache"
	"github.com/99souls/vinbridge/internal/filter"
	"github.com/99souls/vinbridge/internal/store"
	"github.com/99souls/vinbridge/internal/telemetry"
	"github.com/99souls/vinbridge/internal/trigger"
)

// LatestStoreSink merges every frame into the in-memory latest-value
// table.
type LatestStoreSink struct {
	Store *store.Latest
}

func (s *LatestStoreSink) Name() string { return "latest_store" }

func (s *LatestStoreSink) Deliver(ctx context.Context, frame *telemetry.Frame) error {
	s.Store.Merge(frame)
	return nil
}

// CacheSink projects field updates onto the canonical VehicleData shape
// and merges them into the response cache under a vin-scoped key, so reads
// served from the cache reflect the most recent push telemetry without a
// network round trip.
type CacheSink struct {
	Cache *cache.Cache
	TTL   time.Duration
}

const vehicleDataScope = "vin"
const vehicleDataEndpoint = "vehicle_data"

func (s *CacheSink) Name() string { return "cache" }

func (s *CacheSink) Deliver(ctx context.Context, frame *telemetry.Frame) error {
	if s.Cache == nil {
		return nil
	}
	digest := cache.Key(vehicleDataScope, string(frame.VIN), vehicleDataEndpoint, nil)

	projected := map[string]any{}
	if existing, ok := s.Cache.Get(vehicleDataScope, string(frame.VIN), digest); ok {
		_ = json.Unmarshal(existing, &projected)
	}
	for name, value := range frame.Fields {
		projected[string(name)] = projectValue(value)
	}

	raw, err := json.Marshal(projected)
	if err != nil {
		return err
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = cache.TTLDefault
	}
	return s.Cache.Put(vehicleDataScope, string(frame.VIN), digest, raw, ttl)
}

func projectValue(v telemetry.FieldValue) any {
	switch v.Kind() {
	case telemetry.KindFloat:
		f, _ := v.Float()
		return f
	case telemetry.KindInt:
		i, _ := v.Int()
		return i
	case telemetry.KindBool:
		b, _ := v.Bool()
		return b
	case telemetry.KindString:
		s, _ := v.String()
		return s
	case telemetry.KindLocation:
		loc, _ := v.Location()
		out := map[string]any{"lat": loc.Lat, "lon": loc.Lon}
		if loc.Heading != nil {
			out["heading"] = *loc.Heading
		}
		if loc.Speed != nil {
			out["speed"] = *loc.Speed
		}
		return out
	}
	return nil
}

// TriggerSink hands every frame to the trigger engine for condition
// evaluation.
type TriggerSink struct {
	Engine *trigger.Engine
}

func (s *TriggerSink) Name() string { return "trigger" }

func (s *TriggerSink) Deliver(ctx context.Context, frame *telemetry.Frame) error {
	s.Engine.Evaluate(frame)
	return nil
}

// EventPublisher pushes a filter.Event to the gateway client.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event filter.Event) error
}

// EmitterSink runs the dual-gate emission filter over each field and
// forwards passing events to the gateway client.
type EmitterSink struct {
	Filter    *filter.Filter
	Publisher EventPublisher
}

func (s *EmitterSink) Name() string { return "emitter" }

func (s *EmitterSink) Deliver(ctx context.Context, frame *telemetry.Frame) error {
	now := time.Now()
	for name, value := range frame.Fields {
		if !s.Filter.ShouldEmit(name, value, now) {
			continue
		}
		event, ok := filter.ToEvent(name, value)
		if !ok {
			continue
		}
		if s.Publisher == nil {
			continue
		}
		if err := s.Publisher.PublishEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// DashboardRenderer receives a frame to render; implemented by an optional
// TUI. Dropping under pressure is allowed — the fanout's bounded queue
// already provides that, so this sink never needs its own drop logic.
type DashboardRenderer interface {
	RenderFrame(frame *telemetry.Frame)
}

// DashboardSink feeds frames to an optional TUI renderer, never blocking
// business logic: if the runtime has no TTY, this sink simply isn't
// registered.
type DashboardSink struct {
	Renderer DashboardRenderer
}

func (s *DashboardSink) Name() string { return "dashboard" }

func (s *DashboardSink) Deliver(ctx context.Context, frame *telemetry.Frame) error {
	if s.Renderer == nil {
		return nil
	}
	s.Renderer.RenderFrame(frame)
	return nil
}
