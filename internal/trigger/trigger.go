// Package trigger implements the condition engine: user-defined triggers
// evaluated against live telemetry, with one-shot and cooldown semantics
// and dual-channel notification delivery.
package trigger

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/99souls/vinbridge/internal/geo"
	"github.com/99souls/vinbridge/internal/obsmetrics"
	"github.com/99souls/vinbridge/internal/telemetry"
)

type Operator string

const (
	OpLT      Operator = "lt"
	OpGT      Operator = "gt"
	OpLTE     Operator = "lte"
	OpGTE     Operator = "gte"
	OpEQ      Operator = "eq"
	OpNEQ     Operator = "neq"
	OpChanged Operator = "changed"
	OpEnter   Operator = "enter"
	OpLeave   Operator = "leave"
)

// MaxTriggers is the per-runtime trigger count cap.
const MaxTriggers = 100

// PendingCapacity is the bounded notification deque size.
const PendingCapacity = 500

// DefaultCooldown applies when a definition doesn't specify one.
const DefaultCooldown = 60 * time.Second

// Geofence is the threshold shape required for enter/leave operators.
type Geofence struct {
	Lat, Lon, RadiusM float64
}

// Threshold is the ValueOrGeofence sum type: exactly one of Scalar or Geo is
// set, selected by the definition's Operator.
type Threshold struct {
	Scalar telemetry.FieldValue
	Geo    *Geofence
	isGeo  bool
}

func ScalarThreshold(v telemetry.FieldValue) Threshold { return Threshold{Scalar: v} }
func GeoThreshold(g Geofence) Threshold                { return Threshold{Geo: &g, isGeo: true} }

var (
	ErrMaxTriggers     = errors.New("trigger: maximum trigger count reached")
	ErrBadThreshold    = errors.New("trigger: threshold does not match operator")
	ErrUnknownOperator = errors.New("trigger: unknown operator")
)

// Definition is the stored trigger configuration.
type Definition struct {
	ID        string
	Field     telemetry.FieldName
	Operator  Operator
	Threshold Threshold
	Once      bool
	Cooldown  time.Duration
	CreatedAt time.Time
}

// insideState is the geofence tri-state: unknown/inside/outside.
type insideState int

const (
	insideUnknown insideState = iota
	insideYes
	insideNo
)

type runtimeState struct {
	lastFiredAt  *time.Time
	previousVal  *telemetry.FieldValue
	wasInside    insideState
}

// Notification is emitted once per firing.
type Notification struct {
	TriggerID    string
	Field        telemetry.FieldName
	Operator     Operator
	Threshold    Threshold
	Value        telemetry.FieldValue
	PreviousValue *telemetry.FieldValue
	FiredAt      time.Time
	VIN          telemetry.VehicleID
}

// PushSink receives a notification immediately on firing, used when a
// gateway connection is active (dual-channel delivery).
type PushSink interface {
	PushTriggerNotification(n Notification)
}

// Engine is the trigger registry and evaluator. All operations are
// serialized by a single coarse-grained mutex.
type Engine struct {
	mu       sync.Mutex
	byID     map[string]*Definition
	byField  map[telemetry.FieldName][]string
	state    map[string]*runtimeState
	pending  []Notification
	pushSink PushSink
	metrics  *obsmetrics.Provider
}

// SetMetrics wires the trigger-firings counter; nil (the default) disables
// metrics emission without changing behavior.
func (e *Engine) SetMetrics(m *obsmetrics.Provider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = m
}

func New() *Engine {
	return &Engine{
		byID:    make(map[string]*Definition),
		byField: make(map[telemetry.FieldName][]string),
		state:   make(map[string]*runtimeState),
	}
}

// SetPushSink wires the gateway push channel; nil disables the push side
// of dual-channel delivery (poll-only).
func (e *Engine) SetPushSink(sink PushSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pushSink = sink
}

// Create validates and stores a new trigger definition, assigning a
// server-generated 12-hex-character ID.
func (e *Engine) Create(def Definition) (Definition, error) {
	if err := validate(def); err != nil {
		return Definition{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.byID) >= MaxTriggers {
		return Definition{}, ErrMaxTriggers
	}
	def.ID = newID()
	def.CreatedAt = time.Now()
	if !def.Once && def.Cooldown <= 0 {
		def.Cooldown = DefaultCooldown
	}
	stored := def
	e.byID[def.ID] = &stored
	e.byField[def.Field] = append(e.byField[def.Field], def.ID)
	e.state[def.ID] = &runtimeState{}
	return stored, nil
}

func validate(def Definition) error {
	switch def.Operator {
	case OpEnter, OpLeave:
		if !def.Threshold.isGeo {
			return ErrBadThreshold
		}
	case OpChanged:
		if def.Threshold.isGeo {
			return ErrBadThreshold
		}
	case OpLT, OpGT, OpLTE, OpGTE, OpEQ, OpNEQ:
		if def.Threshold.isGeo {
			return ErrBadThreshold
		}
	default:
		return ErrUnknownOperator
	}
	return nil
}

func newID() string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Delete removes a trigger by ID, returning true if it existed.
func (e *Engine) Delete(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deleteLocked(id)
}

func (e *Engine) deleteLocked(id string) bool {
	def, ok := e.byID[id]
	if !ok {
		return false
	}
	delete(e.byID, id)
	delete(e.state, id)
	ids := e.byField[def.Field]
	for i, fid := range ids {
		if fid == id {
			e.byField[def.Field] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return true
}

// List returns every stored trigger definition.
func (e *Engine) List() []Definition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Definition, 0, len(e.byID))
	for _, d := range e.byID {
		out = append(out, *d)
	}
	return out
}

// Poll drains and returns the pending notification deque.
func (e *Engine) Poll() []Notification {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.pending
	e.pending = nil
	return out
}

// Evaluate checks every trigger indexed against frame's fields and fires
// any whose condition holds and whose cooldown has elapsed (enter, leave
// and changed hold only on a transition).
func (e *Engine) Evaluate(frame *telemetry.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for field, value := range frame.Fields {
		ids := append([]string(nil), e.byField[field]...)
		for _, id := range ids {
			def, ok := e.byID[id]
			if !ok {
				continue
			}
			e.evaluateOne(frame, def, value)
		}
	}
}

func (e *Engine) evaluateOne(frame *telemetry.Frame, def *Definition, value telemetry.FieldValue) {
	st := e.state[def.ID]
	if st == nil {
		st = &runtimeState{}
		e.state[def.ID] = st
	}

	fired, prev := e.condition(def, st, value)
	if !fired {
		return
	}

	if !e.cooldownElapsed(def, st) {
		return
	}

	now := time.Now()
	st.lastFiredAt = &now
	n := Notification{
		TriggerID: def.ID, Field: def.Field, Operator: def.Operator,
		Threshold: def.Threshold, Value: value, PreviousValue: prev,
		FiredAt: now, VIN: frame.VIN,
	}
	e.deposit(n)

	if def.Once {
		e.deleteLocked(def.ID)
	}
}

func (e *Engine) cooldownElapsed(def *Definition, st *runtimeState) bool {
	if def.Once {
		return true
	}
	if st.lastFiredAt == nil {
		return true
	}
	return time.Since(*st.lastFiredAt) >= def.Cooldown
}

// condition evaluates the operator, updating runtime state (previous value,
// geofence tri-state) as a side effect even when it doesn't fire — the
// was_inside flag in particular must update on every evaluation.
func (e *Engine) condition(def *Definition, st *runtimeState, value telemetry.FieldValue) (fired bool, prev *telemetry.FieldValue) {
	switch def.Operator {
	case OpLT, OpGT, OpLTE, OpGTE:
		fv, ok1 := value.Float()
		tv, ok2 := def.Threshold.Scalar.Float()
		if !ok1 || !ok2 {
			return false, nil
		}
		switch def.Operator {
		case OpLT:
			fired = fv < tv
		case OpGT:
			fired = fv > tv
		case OpLTE:
			fired = fv <= tv
		case OpGTE:
			fired = fv >= tv
		}
		prevCopy := captureAndSet(st, value)
		return fired, prevCopy

	case OpEQ, OpNEQ:
		eq := value.Equal(def.Threshold.Scalar)
		fired = eq
		if def.Operator == OpNEQ {
			fired = !eq
		}
		prevCopy := captureAndSet(st, value)
		return fired, prevCopy

	case OpChanged:
		hadPrev := st.previousVal != nil
		changed := hadPrev && !value.Equal(*st.previousVal)
		prevCopy := captureAndSet(st, value)
		return hadPrev && changed, prevCopy

	case OpEnter, OpLeave:
		loc, ok := value.Location()
		if !ok || def.Threshold.Geo == nil {
			return false, nil
		}
		g := def.Threshold.Geo
		nowInside := geo.Inside(loc.Lat, loc.Lon, g.Lat, g.Lon, g.RadiusM)
		prevState := st.wasInside

		if nowInside {
			st.wasInside = insideYes
		} else {
			st.wasInside = insideNo
		}

		if prevState == insideUnknown {
			return false, nil
		}
		if def.Operator == OpEnter {
			return prevState == insideNo && nowInside, nil
		}
		return prevState == insideYes && !nowInside, nil
	}
	return false, nil
}

func captureAndSet(st *runtimeState, value telemetry.FieldValue) *telemetry.FieldValue {
	var prevCopy *telemetry.FieldValue
	if st.previousVal != nil {
		v := *st.previousVal
		prevCopy = &v
	}
	v := value
	st.previousVal = &v
	return prevCopy
}

// deposit appends n to the pending deque, evicting the oldest entry on
// overflow (bounded at PendingCapacity), and pushes to the gateway sink if
// one is registered.
func (e *Engine) deposit(n Notification) {
	if len(e.pending) >= PendingCapacity {
		e.pending = e.pending[1:]
	}
	e.pending = append(e.pending, n)
	if e.metrics != nil {
		e.metrics.TriggerFirings.Inc()
	}
	if e.pushSink != nil {
		e.pushSink.PushTriggerNotification(n)
	}
}

func (e *Engine) String() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fmt.Sprintf("trigger.Engine{triggers=%d pending=%d}", len(e.byID), len(e.pending))
}
