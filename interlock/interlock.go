// Package interlock rotates a zoom turret without letting it collide with
// the focus stage.
//
// Every rotation runs the same sequence: remember the focus position, drive
// focus to the safe rotation position and wait, rotate and wait, drive focus
// back and wait. Rotation is never commanded before focus has reached the
// safe position, and the sequence only succeeds once focus is back where it
// was. Every wait gets what remains of MaxDuration. A failure aborts the
// sequence where it stands and is reported as a *SafetySequenceError; nothing
// is retried.
package interlock

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/lightsheet/spimctl/state"
	"github.com/lightsheet/spimctl/zoom"
)

// Phase is a step of the rotation sequence.
type Phase int

const (
	Idle Phase = iota
	ReadFocus
	RetractFocus
	WaitFocusSettled
	Rotate
	WaitRotationSettled
	RestoreFocus
	WaitFocusRestored
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "Idle"
	case ReadFocus:
		return "ReadFocus"
	case RetractFocus:
		return "RetractFocus"
	case WaitFocusSettled:
		return "WaitFocusSettled"
	case Rotate:
		return "Rotate"
	case WaitRotationSettled:
		return "WaitRotationSettled"
	case RestoreFocus:
		return "RestoreFocus"
	case WaitFocusRestored:
		return "WaitFocusRestored"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Rotator is the turret side of the interlock. zoom.Turret implements it.
type Rotator interface {
	NeedsRotation(target float64) (bool, float64, error)
	MoveRotation(deg float64) error
	// WaitRotation waits at most timeout for the rotation to settle.
	WaitRotation(timeout time.Duration) error
	Close() error
}

// FocusMover is the focus side of the interlock. microscope.Microscope
// implements it.
type FocusMover interface {
	MoveFocus(f float64) error
	// WaitFocus waits at most timeout for the focus move to settle.
	WaitFocus(timeout time.Duration) error
}

// SafetySequenceError reports a failed rotation sequence. The turret is left
// wherever it stopped; Phase tells how far the sequence got.
type SafetySequenceError struct {
	Phase  Phase
	Label  string
	Target float64
	Err    error
}

func (e *SafetySequenceError) Error() string {
	return fmt.Sprintf("safe rotation to %s (%g deg) failed during %v: %v", e.Label, e.Target, e.Phase, e.Err)
}

func (e *SafetySequenceError) Unwrap() error {
	return e.Err
}

// ErrOverrun is wrapped in a SafetySequenceError when a sequence exceeds
// MaxDuration.
var ErrOverrun = errors.New("rotation sequence exceeded its maximum duration")

// ErrFocusNotSafe is wrapped in a SafetySequenceError when focus did not
// arrive at the safe position, for example because the stage was stopped.
var ErrFocusNotSafe = errors.New("focus not at safe rotation position")

// ErrFocusNotRestored is wrapped in a SafetySequenceError when focus did not
// return to where it was before the rotation. The zoom has changed but the
// sample is out of focus.
var ErrFocusNotRestored = errors.New("focus not restored after rotation")

// DefaultMaxDuration bounds a whole sequence.
const DefaultMaxDuration = 2 * time.Minute

// DefaultFocusTolerance is how far the settled focus may lie from SafeFocus.
const DefaultFocusTolerance = 1.0

// Config holds the sequencer parameters.
type Config struct {
	// Table maps zoom labels to turret angles.
	Table zoom.Table[float64]
	// SafeFocus is the focus position at which rotation cannot collide.
	SafeFocus float64
	// MaxDuration bounds a sequence; exceeding it fails the current phase.
	MaxDuration time.Duration
	// FocusTolerance bounds the distance between the published focus and
	// its target once the retract or the restore has settled.
	FocusTolerance float64
}

// Sequencer implements zoom.Device for a turret.
type Sequencer struct {
	rot   Rotator
	focus FocusMover
	st    *state.State
	cfg   Config

	// OnPhase, if set, is called on every phase transition.
	OnPhase func(Phase)

	mu    sync.Mutex // held for the duration of a sequence
	phase Phase
	phMu  sync.Mutex
}

func New(rot Rotator, focus FocusMover, st *state.State, cfg Config) *Sequencer {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.FocusTolerance <= 0 {
		cfg.FocusTolerance = DefaultFocusTolerance
	}
	return &Sequencer{rot: rot, focus: focus, st: st, cfg: cfg}
}

// Phase returns the phase of the sequence in progress, or Idle.
func (s *Sequencer) Phase() Phase {
	s.phMu.Lock()
	defer s.phMu.Unlock()
	return s.phase
}

func (s *Sequencer) enter(p Phase) {
	s.phMu.Lock()
	s.phase = p
	s.phMu.Unlock()
	if s.OnPhase != nil {
		s.OnPhase(p)
	}
}

// SetZoom rotates the turret to the angle configured for label. The
// sequence always runs to completion or failure, so wait is ignored.
func (s *Sequencer) SetZoom(label string, wait bool) error {
	target, err := s.cfg.Table.Lookup(label)
	if err != nil {
		return err
	}
	return s.rotate(label, target)
}

func (s *Sequencer) rotate(label string, target float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.enter(Idle)

	need, current, err := s.rot.NeedsRotation(target)
	if err != nil {
		return &SafetySequenceError{Phase: Idle, Label: label, Target: target, Err: err}
	}
	if !need {
		log.Printf("interlock: zoom already correct (%s at %g deg, turret at %g deg)", label, target, current)
		return nil
	}

	deadline := time.Now().Add(s.cfg.MaxDuration)
	fail := func(p Phase, err error) error {
		log.Printf("interlock: aborted in %v: %v", p, err)
		return &SafetySequenceError{Phase: p, Label: label, Target: target, Err: err}
	}
	overrun := func(err error) error {
		if err == nil {
			return fmt.Errorf("%w (%v)", ErrOverrun, s.cfg.MaxDuration)
		}
		return fmt.Errorf("%w (%v): %w", ErrOverrun, s.cfg.MaxDuration, err)
	}
	// Each step gets what is left of MaxDuration.
	step := func(p Phase, fn func(budget time.Duration) error) error {
		s.enter(p)
		budget := time.Until(deadline)
		if budget <= 0 {
			return fail(p, overrun(nil))
		}
		err := fn(budget)
		if time.Now().After(deadline) {
			return fail(p, overrun(err))
		}
		if err != nil {
			return fail(p, err)
		}
		return nil
	}

	s.enter(ReadFocus)
	original := s.st.Position().F

	if err := step(RetractFocus, func(time.Duration) error { return s.focus.MoveFocus(s.cfg.SafeFocus) }); err != nil {
		return err
	}
	if err := step(WaitFocusSettled, s.waitSafe); err != nil {
		return err
	}
	if err := step(Rotate, func(time.Duration) error { return s.rot.MoveRotation(target) }); err != nil {
		return err
	}
	if err := step(WaitRotationSettled, s.rot.WaitRotation); err != nil {
		return err
	}
	if err := step(RestoreFocus, func(time.Duration) error { return s.focus.MoveFocus(original) }); err != nil {
		return err
	}
	var restored float64
	if err := step(WaitFocusRestored, func(budget time.Duration) (err error) {
		restored, err = s.waitRestored(budget, original)
		return err
	}); err != nil {
		return err
	}
	log.Printf("interlock: zoom set to %s (%g deg), focus restored to %g", label, target, restored)
	return nil
}

// settledFocus waits for the focus move and returns the published focus.
func (s *Sequencer) settledFocus(budget time.Duration) (float64, error) {
	if err := s.focus.WaitFocus(budget); err != nil {
		return 0, err
	}
	return s.st.Position().F, nil
}

// waitSafe waits for the retract and then confirms, from the published
// position, that focus is where rotation cannot collide.
func (s *Sequencer) waitSafe(budget time.Duration) error {
	f, err := s.settledFocus(budget)
	if err != nil {
		return err
	}
	if math.Abs(f-s.cfg.SafeFocus) > s.cfg.FocusTolerance {
		return fmt.Errorf("%w: focus at %g, safe position %g", ErrFocusNotSafe, f, s.cfg.SafeFocus)
	}
	return nil
}

// waitRestored is waitSafe for the way back: focus must be within
// FocusTolerance of where the sequence found it.
func (s *Sequencer) waitRestored(budget time.Duration, original float64) (float64, error) {
	f, err := s.settledFocus(budget)
	if err != nil {
		return 0, err
	}
	if math.Abs(f-original) > s.cfg.FocusTolerance {
		return f, fmt.Errorf("%w: focus at %g, was %g", ErrFocusNotRestored, f, original)
	}
	return f, nil
}

func (s *Sequencer) Close() error {
	return s.rot.Close()
}
