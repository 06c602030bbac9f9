package telemetry

// Mapper normalizes a raw (vehicle wire format) field name/value pair into
// the canonical FieldName/FieldValue the rest of the system operates on.
// Per spec, unit conversion at this layer is a no-op: Celsius stays
// Celsius, miles stay miles. Display-unit conversion (e.g. to Fahrenheit)
// happens downstream in the dual-gate filter's event translation, never
// here.
type Mapper struct {
	// aliases maps a raw wire field name to its canonical FieldName, for
	// vehicle firmware revisions that spell fields differently.
	aliases map[string]FieldName
}

func NewMapper() *Mapper {
	return &Mapper{aliases: map[string]FieldName{
		"location":          Location,
		"drive_state_gps":   Location,
		"soc":               Soc,
		"battery_level":     BatteryLevel,
		"inside_temp":       InsideTemp,
		"outside_temp":      OutsideTemp,
		"vehicle_speed":     VehicleSpeed,
		"speed":             VehicleSpeed,
		"charge_state":      ChargeState,
		"charging_state":    ChargeState,
		"gear":              Gear,
		"shift_state":       Gear,
		"locked":            Locked,
		"sentry_mode":       SentryMode,
		"est_battery_range": EstBatteryRange,
		"odometer":          Odometer,
	}}
}

// Normalize resolves a raw wire field name to its canonical FieldName. If
// the name isn't a known alias, it is used unmodified (cast to FieldName)
// so forward-compatible vehicle firmware fields still flow through the
// pipeline, even if no sink recognizes them yet.
func (m *Mapper) Normalize(rawName string) FieldName {
	if fn, ok := m.aliases[rawName]; ok {
		return fn
	}
	return FieldName(rawName)
}
