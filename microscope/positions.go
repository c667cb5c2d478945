package microscope

import (
	"errors"
	"fmt"
	"log"

	"github.com/lightsheet/spimctl/state"
)

var (
	// ErrNoPosition is returned when a named position was never configured
	// or marked.
	ErrNoPosition = errors.New("position not set")
	// ErrFocusOffset is returned when zeroing focus is requested. The safe
	// rotation focus and the focus limits are stage coordinates.
	ErrFocusOffset = errors.New("focus axis cannot be zeroed")
)

// offsets shift stage coordinates to published ones: published = stage + offset.
type offsets map[state.Axis]float64

func (o offsets) published(p state.Position) state.Position {
	for a, v := range o {
		p = p.With(a, p.Get(a)+v)
	}
	return p
}

func (o offsets) stage(p state.Position) state.Position {
	for a, v := range o {
		p = p.With(a, p.Get(a)-v)
	}
	return p
}

// ZeroAxes makes the current position of each axis read as zero. Limits,
// load positions and the rotation position keep their stage coordinates.
func (m *Microscope) ZeroAxes(axes []state.Axis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range axes {
		if a == state.AxisF {
			return ErrFocusOffset
		}
	}
	raw := m.offsets.stage(m.st.Position())
	for _, a := range axes {
		m.offsets[a] = -raw.Get(a)
	}
	m.st.Set(state.KeyPosition, m.offsets.published(raw))
	log.Printf("zeroed %v", axes)
	return nil
}

// UnzeroAxes returns the axes to stage coordinates.
func (m *Microscope) UnzeroAxes(axes []state.Axis) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw := m.offsets.stage(m.st.Position())
	for _, a := range axes {
		delete(m.offsets, a)
	}
	m.st.Set(state.KeyPosition, m.offsets.published(raw))
	log.Printf("unzeroed %v", axes)
}

// LoadSample moves the stage to the configured load position.
func (m *Microscope) LoadSample(wait bool) error {
	return m.goTo("load", m.cfg.LoadPosition, wait)
}

// UnloadSample moves the stage to the configured unload position.
func (m *Microscope) UnloadSample(wait bool) error {
	return m.goTo("unload", m.cfg.UnloadPosition, wait)
}

// MarkRotationPosition remembers the current sample position as the place
// where the sample can be rotated.
func (m *Microscope) MarkRotationPosition() {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw := m.offsets.stage(m.st.Position())
	m.rotPos = map[state.Axis]float64{
		state.AxisX: raw.X,
		state.AxisY: raw.Y,
		state.AxisZ: raw.Z,
	}
	log.Printf("rotation position marked at x=%g y=%g z=%g", raw.X, raw.Y, raw.Z)
}

// GoToRotationPosition moves x, y and z back to the marked rotation position.
func (m *Microscope) GoToRotationPosition(wait bool) error {
	m.mu.Lock()
	pos := m.rotPos
	m.mu.Unlock()
	return m.goTo("rotation", pos, wait)
}

func (m *Microscope) goTo(name string, raw map[state.Axis]float64, wait bool) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: %s", ErrNoPosition, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.moveStageLocked(copyMoves(raw), wait); err != nil {
		return fmt.Errorf("going to %s position: %w", name, err)
	}
	return nil
}
