// Package units converts between the unit families the telemetry channels
// use: speed, mass flow and temperature.
package units

// MPSToKMH converts meters per second to kilometers per hour. Ground speed
// is stored in m/s; speed-bin bounds are configured in km/h.
func MPSToKMH(speedMPS float64) float64 {
	return speedMPS * 3.6
}

// KMHToMPS converts kilometers per hour to meters per second.
func KMHToMPS(speedKMH float64) float64 {
	return speedKMH / 3.6
}

// massFlowMgS maps a mass-flow unit to its factor relative to mg/s.
func massFlowMgS(unit string) (float64, bool) {
	switch unit {
	case "ug/s":
		return 1.0 / 1000, true
	case "mg/s":
		return 1, true
	case "g/s":
		return 1000, true
	case "kg/s":
		return 1000 * 1000, true
	case "mg/min":
		return 1.0 / 60, true
	case "g/min":
		return 1000.0 / 60, true
	case "g/h":
		return 1000.0 / 3600, true
	case "kg/h":
		return 1000.0 * 1000 / 3600, true
	}
	return 0, false
}

// MassFlowFactor returns the multiplier converting a mass-flow value
// between two units. Supported units: ug/s, mg/s, g/s, kg/s, mg/min,
// g/min, g/h, kg/h. Concentration units (ppm and friends) are not mass
// flows and are rejected.
func MassFlowFactor(from, to string) (float64, bool) {
	f, okFrom := massFlowMgS(from)
	t, okTo := massFlowMgS(to)
	if !okFrom || !okTo {
		return 0, false
	}
	return f / t, true
}

// ToCelsius converts a temperature reading to degrees Celsius. Supported
// units: C, degC, celsius, F, degF, fahrenheit, K, kelvin.
func ToCelsius(value float64, unit string) (float64, bool) {
	switch unit {
	case "C", "degC", "celsius":
		return value, true
	case "F", "degF", "fahrenheit":
		return (value - 32) * 5 / 9, true
	case "K", "kelvin":
		return value - 273.15, true
	}
	return 0, false
}
