// Package dispatch implements the command dispatcher: method-named
// JSON-RPC dispatch across read handlers (served from the latest-value
// store, never touching the network), write handlers (forwarded to the
// command router after policy gates), trigger CRUD, and a depth-limited
// meta-dispatch alias table.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/99souls/vinbridge/internal/command"
	"github.com/99souls/vinbridge/internal/store"
	"github.com/99souls/vinbridge/internal/telemetry"
	"github.com/99souls/vinbridge/internal/trigger"
)

// Tier controls the tier gate: a readonly tier blocks every write.
type Tier string

const (
	TierReadonly  Tier = "readonly"
	TierReadWrite Tier = "readwrite"
)

var (
	ErrTierBlocked        = errors.New("dispatch: readonly tier blocks writes")
	ErrKeyNotEnrolled     = errors.New("dispatch: signing required but no local key enrolled")
	ErrRecursiveSystemRun = errors.New("dispatch: system.run depth limit exceeded")
)

// Router is the command registry's execute() entry point, as consumed by
// the dispatcher.
type Router interface {
	Execute(ctx context.Context, vin telemetry.VehicleID, name string, params map[string]any) ([]byte, error)
}

// Dispatcher wires together the latest-value store, trigger engine, and
// command router behind a single dispatch(method, params) entry point.
type Dispatcher struct {
	latest   *store.Latest
	triggers *trigger.Engine
	router   Router
	registry *command.Registry

	tier          Tier
	signingReady  func() bool

	writeMu sync.Map // per-VIN mutex, so writes to different vehicles never serialize on each other
}

func New(latest *store.Latest, triggers *trigger.Engine, router Router, registry *command.Registry, tier Tier, signingReady func() bool) *Dispatcher {
	return &Dispatcher{latest: latest, triggers: triggers, router: router, registry: registry, tier: tier, signingReady: signingReady}
}

// aliasTable resolves convenience method names to their canonical form.
var aliasTable = map[string]string{
	"cabin_temp.trigger":  "trigger.create",
	"outside_temp.trigger": "trigger.create",
	"battery.trigger":     "trigger.create",
	"location.trigger":    "trigger.create",
	"door_lock":           "door.lock",
	"door_unlock":         "door.unlock",
	"auto_conditioning_start": "climate.start",
	"auto_conditioning_stop":  "climate.stop",
}

var triggerPrefillField = map[string]telemetry.FieldName{
	"cabin_temp.trigger":    telemetry.InsideTemp,
	"outside_temp.trigger":  telemetry.OutsideTemp,
	"battery.trigger":       telemetry.Soc,
	"location.trigger":      telemetry.Location,
}

// Dispatch resolves method against params for vin.
func (d *Dispatcher) Dispatch(ctx context.Context, vin telemetry.VehicleID, method string, params map[string]any) (json.RawMessage, error) {
	return d.dispatchDepth(ctx, vin, method, params, 0)
}

func (d *Dispatcher) dispatchDepth(ctx context.Context, vin telemetry.VehicleID, method string, params map[string]any, depth int) (json.RawMessage, error) {
	if method == "system.run" {
		if depth >= 1 {
			return nil, ErrRecursiveSystemRun
		}
		return d.systemRun(ctx, vin, params, depth)
	}

	if field, ok := triggerPrefillField[method]; ok {
		if params == nil {
			params = map[string]any{}
		}
		params["field"] = string(field)
		method = aliasTable[method]
	} else if canonical, ok := aliasTable[method]; ok {
		method = canonical
	}

	switch method {
	case "location.get":
		return d.read(telemetry.Location)
	case "battery.get":
		return d.read(telemetry.Soc)
	case "temperature.get":
		return d.read(telemetry.InsideTemp)
	case "speed.get":
		return d.read(telemetry.VehicleSpeed)
	case "charge_state.get":
		return d.read(telemetry.ChargeState)
	case "security.get":
		return d.read(telemetry.Locked)

	case "trigger.create":
		return d.triggerCreate(params)
	case "trigger.delete":
		return d.triggerDelete(params)
	case "trigger.list":
		return d.triggerList()
	case "trigger.poll":
		return d.triggerPoll()
	}

	return d.write(ctx, vin, method, params)
}

func (d *Dispatcher) systemRun(ctx context.Context, vin telemetry.VehicleID, params map[string]any, depth int) (json.RawMessage, error) {
	method, _ := params["method"].(string)
	innerParams, _ := params["params"].(map[string]any)
	return d.dispatchDepth(ctx, vin, method, innerParams, depth+1)
}

// read serves from the latest-value store without touching the network.
func (d *Dispatcher) read(field telemetry.FieldName) (json.RawMessage, error) {
	e, ok := d.latest.Get(field)
	if !ok {
		return json.Marshal(map[string]any{"available": false})
	}
	return json.Marshal(map[string]any{"available": true, "value": e.Value.GoString(), "observed_at": e.Timestamp})
}

// write forwards to the command router after the tier and
// signing-availability gates, serialized per-VIN.
func (d *Dispatcher) write(ctx context.Context, vin telemetry.VehicleID, method string, params map[string]any) (json.RawMessage, error) {
	if d.tier == TierReadonly {
		return nil, ErrTierBlocked
	}

	if spec, ok := d.registry.Lookup(method); ok && spec.RequiresSigning {
		if d.signingReady != nil && !d.signingReady() {
			return nil, ErrKeyNotEnrolled
		}
	}

	muAny, _ := d.writeMu.LoadOrStore(vin, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	resp, err := d.router.Execute(ctx, vin, method, params)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp), nil
}

func (d *Dispatcher) triggerCreate(params map[string]any) (json.RawMessage, error) {
	def, err := paramsToDefinition(params)
	if err != nil {
		return nil, err
	}
	stored, err := d.triggers.Create(def)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"id": stored.ID})
}

func (d *Dispatcher) triggerDelete(params map[string]any) (json.RawMessage, error) {
	id, _ := params["id"].(string)
	ok := d.triggers.Delete(id)
	return json.Marshal(map[string]any{"deleted": ok})
}

func (d *Dispatcher) triggerList() (json.RawMessage, error) {
	return json.Marshal(d.triggers.List())
}

func (d *Dispatcher) triggerPoll() (json.RawMessage, error) {
	return json.Marshal(d.triggers.Poll())
}

func paramsToDefinition(params map[string]any) (trigger.Definition, error) {
	field, _ := params["field"].(string)
	op, _ := params["operator"].(string)
	if field == "" || op == "" {
		return trigger.Definition{}, fmt.Errorf("dispatch: trigger.create requires field and operator")
	}

	once, _ := params["once"].(bool)

	def := trigger.Definition{
		Field:    telemetry.FieldName(field),
		Operator: trigger.Operator(op),
		Once:     once,
	}

	if geo, ok := params["geofence"].(map[string]any); ok {
		lat, _ := geo["lat"].(float64)
		lon, _ := geo["lon"].(float64)
		radius, _ := geo["radius_m"].(float64)
		def.Threshold = trigger.GeoThreshold(trigger.Geofence{Lat: lat, Lon: lon, RadiusM: radius})
	} else if v, ok := params["threshold"]; ok {
		def.Threshold = trigger.ScalarThreshold(toFieldValue(v))
	}
	return def, nil
}

func toFieldValue(v any) telemetry.FieldValue {
	switch t := v.(type) {
	case float64:
		return telemetry.FloatValue(t)
	case bool:
		return telemetry.BoolValue(t)
	case string:
		return telemetry.StringValue(t)
	}
	return telemetry.FieldValue{}
}
