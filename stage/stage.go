// Package stage drives the sample and focus stages.
package stage

import (
	"errors"
	"time"

	"github.com/lightsheet/spimctl/state"
)

var (
	ErrUnknownAxis = errors.New("axis not configured on this stage")
	ErrProtocol    = errors.New("stage protocol error")
	// ErrUnavailable is returned by a stage whose connection failed.
	ErrUnavailable = errors.New("stage unavailable")
)

// Stage is a multi-axis positioner. Moves are absolute, in state.Position
// units, and return once commanded; WaitUntilDone blocks until motion ends.
type Stage interface {
	MoveAbsolute(moves map[state.Axis]float64) error
	WaitUntilDone(timeout time.Duration) error
	ReadPosition() (state.Position, error)
	Stop() error
	Close() error
}
