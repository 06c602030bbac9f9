package filter

import "github.com/99souls/vinbridge/internal/telemetry"

// Event is a translated, gateway-ready event payload: an event_type string
// plus its JSON data.
type Event struct {
	Type string
	Data map[string]any
}

// ToEvent translates a field update that has already passed ShouldEmit into
// its typed event payload. Unmapped fields return ok=false. Temperature
// fields convert to Fahrenheit on the outbound side only; the dispatcher's
// read handlers return Celsius unchanged.
func ToEvent(field telemetry.FieldName, value telemetry.FieldValue) (Event, bool) {
	switch field {
	case telemetry.Location:
		loc, ok := value.Location()
		if !ok {
			return Event{}, false
		}
		data := map[string]any{"latitude": loc.Lat, "longitude": loc.Lon}
		if loc.Heading != nil {
			data["heading"] = *loc.Heading
		}
		if loc.Speed != nil {
			data["speed"] = *loc.Speed
		}
		return Event{Type: "location", Data: data}, true

	case telemetry.Soc, telemetry.BatteryLevel:
		f, ok := value.Float()
		if !ok {
			return Event{}, false
		}
		return Event{Type: "battery", Data: map[string]any{"battery_level": f}}, true

	case telemetry.EstBatteryRange:
		f, ok := value.Float()
		if !ok {
			return Event{}, false
		}
		return Event{Type: "battery", Data: map[string]any{"range_miles": f}}, true

	case telemetry.InsideTemp:
		f, ok := value.Float()
		if !ok {
			return Event{}, false
		}
		return Event{Type: "inside_temp", Data: map[string]any{"inside_temp_f": celsiusToFahrenheit(f)}}, true

	case telemetry.OutsideTemp:
		f, ok := value.Float()
		if !ok {
			return Event{}, false
		}
		return Event{Type: "outside_temp", Data: map[string]any{"outside_temp_f": celsiusToFahrenheit(f)}}, true

	case telemetry.VehicleSpeed:
		f, ok := value.Float()
		if !ok {
			return Event{}, false
		}
		return Event{Type: "speed", Data: map[string]any{"speed_mph": f}}, true

	case telemetry.ChargeState:
		s, ok := value.String()
		if !ok {
			return Event{}, false
		}
		eventType := "charge_state_changed"
		switch s {
		case "Charging":
			eventType = "charge_started"
		case "Complete":
			eventType = "charge_complete"
		case "Stopped", "Disconnected":
			eventType = "charge_stopped"
		}
		return Event{Type: eventType, Data: map[string]any{"state": s}}, true

	case telemetry.Locked, telemetry.SentryMode:
		b, ok := value.Bool()
		if !ok {
			return Event{}, false
		}
		return Event{Type: "security_changed", Data: map[string]any{"field": string(field), "value": b}}, true

	case telemetry.Gear:
		s, ok := value.String()
		if !ok {
			return Event{}, false
		}
		return Event{Type: "gear_changed", Data: map[string]any{"gear": s}}, true
	}
	return Event{}, false
}

func celsiusToFahrenheit(c float64) float64 { return c*9/5 + 32 }
