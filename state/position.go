package state

import (
	"errors"
	"fmt"
)

// Axis names one coordinate of a Position.
type Axis string

const (
	AxisX     Axis = "x"
	AxisY     Axis = "y"
	AxisZ     Axis = "z"
	AxisF     Axis = "f"
	AxisTheta Axis = "theta"
)

// Axes lists every axis in canonical order.
var Axes = []Axis{AxisX, AxisY, AxisZ, AxisF, AxisTheta}

// ParseAxis accepts both "f" and the "f_pos" spelling used in requests.
func ParseAxis(s string) (Axis, error) {
	switch s {
	case "x", "x_pos", "x_rel":
		return AxisX, nil
	case "y", "y_pos", "y_rel":
		return AxisY, nil
	case "z", "z_pos", "z_rel":
		return AxisZ, nil
	case "f", "f_pos", "f_rel":
		return AxisF, nil
	case "theta", "theta_pos", "theta_rel":
		return AxisTheta, nil
	}
	return "", fmt.Errorf("unknown axis %q", s)
}

// Position is a five axis stage coordinate in device-native units
// (micrometres for x, y, z, f; degrees for theta).
type Position struct {
	X     float64 `json:"x_pos" yaml:"x_pos"`
	Y     float64 `json:"y_pos" yaml:"y_pos"`
	Z     float64 `json:"z_pos" yaml:"z_pos"`
	F     float64 `json:"f_pos" yaml:"f_pos"`
	Theta float64 `json:"theta_pos" yaml:"theta_pos"`
}

func (p Position) Get(a Axis) float64 {
	switch a {
	case AxisX:
		return p.X
	case AxisY:
		return p.Y
	case AxisZ:
		return p.Z
	case AxisF:
		return p.F
	case AxisTheta:
		return p.Theta
	}
	panic(fmt.Sprintf("unknown axis %q", a))
}

// With returns a copy of p with axis a set to v.
func (p Position) With(a Axis, v float64) Position {
	switch a {
	case AxisX:
		p.X = v
	case AxisY:
		p.Y = v
	case AxisZ:
		p.Z = v
	case AxisF:
		p.F = v
	case AxisTheta:
		p.Theta = v
	default:
		panic(fmt.Sprintf("unknown axis %q", a))
	}
	return p
}

// Apply returns p with every axis in moves replaced.
func (p Position) Apply(moves map[Axis]float64) Position {
	for a, v := range moves {
		p = p.With(a, v)
	}
	return p
}

var ErrOutOfBounds = errors.New("position out of bounds")

// Range is an inclusive [Min, Max] interval.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Limits holds the configured travel range of each axis. Axes without an
// entry are unconstrained.
type Limits map[Axis]Range

// Check reports the first axis of p outside its range.
func (l Limits) Check(p Position) error {
	for _, a := range Axes {
		r, ok := l[a]
		if !ok {
			continue
		}
		if v := p.Get(a); !r.Contains(v) {
			return fmt.Errorf("%w: %s=%g not in [%g, %g]", ErrOutOfBounds, a, v, r.Min, r.Max)
		}
	}
	return nil
}
