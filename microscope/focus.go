package microscope

import (
	"errors"
	"log"
)

// FocusTrack keeps a sample in focus along z by interpolating focus
// linearly between two reference points taken inside the sample.
type FocusTrack struct {
	Z1 float64 `json:"z1"`
	F1 float64 `json:"f1"`
	Z2 float64 `json:"z2"`
	F2 float64 `json:"f2"`
}

func NewFocusTrack(z1, f1, z2, f2 float64) (*FocusTrack, error) {
	if z1 == z2 {
		return nil, errors.New("focus tracking needs two different z references")
	}
	return &FocusTrack{Z1: z1, F1: f1, Z2: z2, F2: f2}, nil
}

// At returns the focus position for z.
func (t *FocusTrack) At(z float64) float64 {
	return t.F1 + (z-t.Z1)*(t.F2-t.F1)/(t.Z2-t.Z1)
}

type reference struct {
	z, f float64
}

// SetFocusTracking enables tracking for subsequent z moves, or disables it
// when t is nil.
func (m *Microscope) SetFocusTracking(t *FocusTrack) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track = t
	if t == nil {
		log.Printf("focus tracking disabled")
		return
	}
	log.Printf("focus tracking through (z=%g, f=%g) and (z=%g, f=%g)", t.Z1, t.F1, t.Z2, t.F2)
}

// MarkReference records the current (z, f) pair and returns it. The two
// latest marks are kept for TrackMarkedReferences.
func (m *Microscope) MarkReference() (z, f float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.st.Position()
	m.refs = append(m.refs, reference{p.Z, p.F})
	if len(m.refs) > 2 {
		m.refs = m.refs[len(m.refs)-2:]
	}
	log.Printf("focus reference %d at z=%g f=%g", len(m.refs), p.Z, p.F)
	return p.Z, p.F
}

// TrackMarkedReferences enables focus tracking through the two latest
// marked references.
func (m *Microscope) TrackMarkedReferences() (*FocusTrack, error) {
	m.mu.Lock()
	refs := append([]reference(nil), m.refs...)
	m.mu.Unlock()
	if len(refs) < 2 {
		return nil, errors.New("focus tracking needs two marked references")
	}
	t, err := NewFocusTrack(refs[0].z, refs[0].f, refs[1].z, refs[1].f)
	if err != nil {
		return nil, err
	}
	m.SetFocusTracking(t)
	return t, nil
}
