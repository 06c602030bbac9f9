// Package telemetry defines the core vehicle telemetry data model: field
// names, field values, and the immutable frame produced by the receiver and
// consumed by every fanout sink.
package telemetry

import "fmt"

// FieldName identifies a telemetry signal. The registry below is a
// representative slice of the ~120-name set the vehicle stream uses; callers
// may reference any FieldName value, known or not, but sinks that depend on
// the filter/trigger field registries will ignore unregistered names.
type FieldName string

const (
	Location        FieldName = "Location"
	Soc              FieldName = "Soc"
	BatteryLevel     FieldName = "BatteryLevel"
	InsideTemp       FieldName = "InsideTemp"
	OutsideTemp      FieldName = "OutsideTemp"
	VehicleSpeed     FieldName = "VehicleSpeed"
	ChargeState      FieldName = "ChargeState"
	Gear             FieldName = "Gear"
	Locked           FieldName = "Locked"
	SentryMode       FieldName = "SentryMode"
	EstBatteryRange  FieldName = "EstBatteryRange"
	Odometer         FieldName = "Odometer"
	TirePressureFL   FieldName = "TirePressureFL"
	TirePressureFR   FieldName = "TirePressureFR"
	TirePressureRL   FieldName = "TirePressureRL"
	TirePressureRR   FieldName = "TirePressureRR"
	ChargeLimitSoc   FieldName = "ChargeLimitSoc"
	ChargerVoltage   FieldName = "ChargerVoltage"
	ChargerPower     FieldName = "ChargerPower"
	FastChargerPresent FieldName = "FastChargerPresent"
)

// Kind identifies the underlying representation of a FieldValue.
type Kind int

const (
	KindFloat Kind = iota
	KindInt
	KindBool
	KindString
	KindLocation
)

// FieldValue is the sum type carried by a telemetry field. Exactly one of
// the typed accessors is meaningful, selected by Kind.
type FieldValue struct {
	kind Kind
	f    float64
	i    int64
	b    bool
	s    string
	loc  LocationValue
}

// LocationValue is the structured payload for a Location field.
type LocationValue struct {
	Lat     float64
	Lon     float64
	Heading *float64
	Speed   *float64
}

func FloatValue(v float64) FieldValue  { return FieldValue{kind: KindFloat, f: v} }
func IntValue(v int64) FieldValue      { return FieldValue{kind: KindInt, i: v} }
func BoolValue(v bool) FieldValue      { return FieldValue{kind: KindBool, b: v} }
func StringValue(v string) FieldValue  { return FieldValue{kind: KindString, s: v} }
func LocValue(v LocationValue) FieldValue { return FieldValue{kind: KindLocation, loc: v} }

func (v FieldValue) Kind() Kind { return v.kind }
func (v FieldValue) Float() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}
func (v FieldValue) Int() (int64, bool)       { return v.i, v.kind == KindInt }
func (v FieldValue) Bool() (bool, bool)       { return v.b, v.kind == KindBool }
func (v FieldValue) String() (string, bool)   { return v.s, v.kind == KindString }
func (v FieldValue) Location() (LocationValue, bool) { return v.loc, v.kind == KindLocation }

// Equal reports structural equality, used by the `eq`/`neq`/`changed`
// trigger operators.
func (v FieldValue) Equal(other FieldValue) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindFloat:
		return v.f == other.f
	case KindInt:
		return v.i == other.i
	case KindBool:
		return v.b == other.b
	case KindString:
		return v.s == other.s
	case KindLocation:
		return v.loc.Lat == other.loc.Lat && v.loc.Lon == other.loc.Lon
	}
	return false
}

func (v FieldValue) GoString() string {
	switch v.kind {
	case KindFloat:
		return fmt.Sprintf("Float(%v)", v.f)
	case KindInt:
		return fmt.Sprintf("Int(%v)", v.i)
	case KindBool:
		return fmt.Sprintf("Bool(%v)", v.b)
	case KindString:
		return fmt.Sprintf("String(%q)", v.s)
	case KindLocation:
		return fmt.Sprintf("Location(%v,%v)", v.loc.Lat, v.loc.Lon)
	}
	return "Unknown"
}
