package convert

import (
	"fmt"
	"slices"
	"strings"
)

// unit converts to and from the base unit of its dimension
type unit struct {
	dimension string
	symbol    string
	toBase    func(float64) float64
	fromBase  func(float64) float64
}

func linear(factor float64) (func(float64) float64, func(float64) float64) {
	return func(v float64) float64 { return v * factor }, func(v float64) float64 { return v / factor }
}

func scaled(dimension, symbol string, factor float64) unit {
	to, from := linear(factor)
	return unit{dimension: dimension, symbol: symbol, toBase: to, fromBase: from}
}

// units are keyed by lower-case name; temperature is based on celsius
var units = map[string]unit{
	"celsius": {
		dimension: "temperature", symbol: "C",
		toBase:   func(v float64) float64 { return v },
		fromBase: func(v float64) float64 { return v },
	},
	"fahrenheit": {
		dimension: "temperature", symbol: "F",
		toBase:   func(v float64) float64 { return (v - 32) * 5 / 9 },
		fromBase: func(v float64) float64 { return v*9/5 + 32 },
	},
	"kelvin": {
		dimension: "temperature", symbol: "K",
		toBase:   func(v float64) float64 { return v - 273.15 },
		fromBase: func(v float64) float64 { return v + 273.15 },
	},
	"meters":      scaled("length", "m", 1),
	"kilometers":  scaled("length", "km", 1000),
	"feet":        scaled("length", "ft", 0.3048),
	"miles":       scaled("length", "mi", 1609.344),
	"pascal":      scaled("pressure", "Pa", 1),
	"hectopascal": scaled("pressure", "hPa", 100),
	"bar":         scaled("pressure", "bar", 100000),
	"psi":         scaled("pressure", "psi", 6894.757293168),
	"mps":         scaled("speed", "m/s", 1),
	"kph":         scaled("speed", "km/h", 1/3.6),
	"mph":         scaled("speed", "mph", 0.44704),
}

// Units lists the supported unit names
func Units() []string {
	names := make([]string, 0, len(units))
	for name := range units {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func lookup(name string) (unit, error) {
	u, ok := units[strings.ToLower(name)]
	if !ok {
		return unit{}, fmt.Errorf("unknown unit %q", name)
	}
	return u, nil
}

// converter returns the conversion from one unit to another
func converter(from, to string) (func(float64) float64, unit, error) {
	src, err := lookup(from)
	if err != nil {
		return nil, unit{}, err
	}
	dst, err := lookup(to)
	if err != nil {
		return nil, unit{}, err
	}
	if src.dimension != dst.dimension {
		return nil, unit{}, fmt.Errorf("cannot convert %s (%s) to %s (%s)", from, src.dimension, to, dst.dimension)
	}
	return func(v float64) float64 { return dst.fromBase(src.toBase(v)) }, dst, nil
}
