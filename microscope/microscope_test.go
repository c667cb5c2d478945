package microscope

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/lightsheet/spimctl/filterwheel"
	"github.com/lightsheet/spimctl/interlock"
	"github.com/lightsheet/spimctl/stage"
	"github.com/lightsheet/spimctl/state"
	"github.com/lightsheet/spimctl/zoom"
	"github.com/stretchr/testify/require"
)

// recordingStage wraps a demo stage and logs focus moves.
type recordingStage struct {
	*stage.Demo
	mu    sync.Mutex
	moves []string
}

func (r *recordingStage) MoveAbsolute(moves map[state.Axis]float64) error {
	r.mu.Lock()
	for _, a := range state.Axes {
		if v, ok := moves[a]; ok {
			r.moves = append(r.moves, fmt.Sprintf("%s=%g", a, v))
		}
	}
	r.mu.Unlock()
	return r.Demo.MoveAbsolute(moves)
}

type fakeTurret struct {
	angle float64
	fail  error
}

func (f *fakeTurret) NeedsRotation(target float64) (bool, float64, error) {
	return !zoom.WithinTolerance(f.angle, target, zoom.DefaultTolerance), f.angle, nil
}

func (f *fakeTurret) MoveRotation(deg float64) error {
	if f.fail != nil {
		return f.fail
	}
	f.angle = deg
	return nil
}

func (f *fakeTurret) WaitRotation(time.Duration) error { return nil }
func (f *fakeTurret) Close() error                     { return nil }

type fakeZoom struct {
	err    error
	labels []string
}

func (f *fakeZoom) SetZoom(label string, wait bool) error {
	f.labels = append(f.labels, label)
	return f.err
}

func (f *fakeZoom) Close() error { return nil }

var limits = state.Limits{
	state.AxisX: {Min: 5500, Max: 40000},
	state.AxisF: {Min: 0, Max: 99000},
}

func newMicroscope(t *testing.T, start state.Position) (*Microscope, *recordingStage) {
	t.Helper()
	st := state.New(state.Defaults(), state.WithStrict(true))
	st.Set(state.KeyPosition, start)
	stg := &recordingStage{Demo: stage.NewDemo(start)}
	m := New(st, stg, filterwheel.NewDemo(map[string]int{"Empty": 0, "515LP": 2}), Config{
		Limits:         limits,
		PixelSize:      map[string]float64{"2x": 2.75, "5x": 1.1},
		LoadPosition:   map[state.Axis]float64{state.AxisY: 70000},
		UnloadPosition: map[state.Axis]float64{state.AxisY: 20000},
	})
	return m, stg
}

func TestMoveAbsolute(t *testing.T) {
	m, _ := newMicroscope(t, state.Position{X: 6000, F: 48000})
	require.NoError(t, m.MoveAbsolute(map[state.Axis]float64{state.AxisX: 7000}, true))
	require.Equal(t, state.Position{X: 7000, F: 48000}, m.State().Position())

	require.NoError(t, m.MoveRelative(map[state.Axis]float64{state.AxisF: -1000}, false))
	require.Equal(t, 47000.0, m.State().Position().F)

	err := m.MoveAbsolute(map[state.Axis]float64{state.AxisX: 100}, true)
	require.ErrorIs(t, err, state.ErrOutOfBounds)
	require.Equal(t, 7000.0, m.State().Position().X)
}

func TestTurretZoomChange(t *testing.T) {
	m, stg := newMicroscope(t, state.Position{X: 6000, F: 48000})
	turret := &fakeTurret{angle: 10}
	seq := interlock.New(turret, m.FocusAxis(), m.State(), interlock.Config{
		Table:     zoom.NewTable(map[string]float64{"2x": 90, "5x": 10}),
		SafeFocus: 30000,
	})
	m.AttachZoom(seq)

	var versions []uint64
	sub := m.State().Subscribe(func() {
		versions = append(versions, m.State().Version())
	})
	defer m.State().Unsubscribe(sub)

	require.NoError(t, m.SetZoom("2x", true))
	require.Equal(t, 90.0, turret.angle)
	if diff := cmp.Diff([]string{"f=30000", "f=48000"}, stg.moves); diff != "" {
		t.Errorf("unexpected stage moves: got(+)/want(-):\n%s", diff)
	}
	snap := m.State().GetMany(state.KeyZoom, state.KeyPixelSize, state.KeyPosition)
	require.Equal(t, "2x", snap.Values[state.KeyZoom])
	require.Equal(t, 2.75, snap.Values[state.KeyPixelSize])
	require.Equal(t, 48000.0, snap.Values[state.KeyPosition].(state.Position).F)
	require.NotEmpty(t, versions)

	stg.moves = nil
	require.NoError(t, m.SetZoom("2x", true))
	require.Empty(t, stg.moves, "no focus motion when already within tolerance")
}

func TestTurretFailureKeepsState(t *testing.T) {
	m, stg := newMicroscope(t, state.Position{X: 6000, F: 48000})
	m.State().Set(state.KeyZoom, "5x")
	turret := &fakeTurret{angle: 10, fail: errors.New("servo fault")}
	m.AttachZoom(interlock.New(turret, m.FocusAxis(), m.State(), interlock.Config{
		Table:     zoom.NewTable(map[string]float64{"2x": 90}),
		SafeFocus: 30000,
	}))

	err := m.SetZoom("2x", true)
	var seqErr *interlock.SafetySequenceError
	require.ErrorAs(t, err, &seqErr)
	require.Equal(t, interlock.Rotate, seqErr.Phase)
	require.Equal(t, []string{"f=30000"}, stg.moves)
	require.Equal(t, "5x", m.State().String(state.KeyZoom))
	require.Equal(t, 30000.0, m.State().Position().F, "focus left retracted and reported")
}

func TestSafeFocusOutOfBounds(t *testing.T) {
	m, stg := newMicroscope(t, state.Position{X: 6000, F: 48000})
	turret := &fakeTurret{angle: 10}
	m.AttachZoom(interlock.New(turret, m.FocusAxis(), m.State(), interlock.Config{
		Table:     zoom.NewTable(map[string]float64{"2x": 90}),
		SafeFocus: 120000,
	}))
	err := m.SetZoom("2x", true)
	require.ErrorIs(t, err, state.ErrOutOfBounds)
	require.Empty(t, stg.moves)
	require.Equal(t, 10.0, turret.angle)
}

func TestSetZoomWithoutDevice(t *testing.T) {
	m, _ := newMicroscope(t, state.Position{X: 6000})
	require.ErrorIs(t, m.SetZoom("2x", false), ErrNoZoom)
}

func TestApply(t *testing.T) {
	m, _ := newMicroscope(t, state.Position{X: 6000})
	z := &fakeZoom{}
	m.AttachZoom(z)
	err := m.Apply(map[string]any{
		"zoom":          "5x",
		"filter":        "515LP",
		"laser":         "561 nm",
		"intensity":     20,
		"shutterstate":  true,
		"shutterconfig": "Both",
		"extra_info":    map[string]any{"operator": "ab"},
	}, false)
	require.NoError(t, err)
	snap := m.State().GetMany()
	require.Equal(t, "5x", snap.Values[state.KeyZoom])
	require.Equal(t, 1.1, snap.Values[state.KeyPixelSize])
	require.Equal(t, "515LP", snap.Values[state.KeyFilter])
	require.Equal(t, "561 nm", snap.Values[state.KeyLaser])
	require.Equal(t, 20.0, snap.Values[state.KeyIntensity])
	require.Equal(t, true, snap.Values[state.KeyShutterState])
	require.Equal(t, "Both", snap.Values[state.KeyShutterConfig])
	require.Equal(t, []string{"5x"}, z.labels)

	err = m.Apply(map[string]any{"filter": "594LP", "camera": 1, "laser": 488}, false)
	require.ErrorIs(t, err, filterwheel.ErrUnknownFilter)
	require.ErrorIs(t, err, ErrUnknownRequest)
	require.Equal(t, "515LP", m.State().String(state.KeyFilter))
}

func TestZoomFailureNotPublished(t *testing.T) {
	m, _ := newMicroscope(t, state.Position{X: 6000})
	m.AttachZoom(&fakeZoom{err: zoom.ErrProtocol})
	require.ErrorIs(t, m.SetZoom("2x", true), zoom.ErrProtocol)
	require.Equal(t, "", m.State().String(state.KeyZoom))
}

func TestFocusTracking(t *testing.T) {
	_, err := NewFocusTrack(1, 2, 1, 3)
	require.Error(t, err)

	track, err := NewFocusTrack(0, 40000, 1000, 42000)
	require.NoError(t, err)
	require.Equal(t, 41000.0, track.At(500))

	m, _ := newMicroscope(t, state.Position{X: 6000, F: 40000})
	m.SetFocusTracking(track)
	require.NoError(t, m.MoveAbsolute(map[state.Axis]float64{state.AxisZ: 250}, true))
	require.Equal(t, state.Position{X: 6000, Z: 250, F: 40500}, m.State().Position())

	m.SetFocusTracking(nil)
	require.NoError(t, m.MoveAbsolute(map[state.Axis]float64{state.AxisZ: 1000}, true))
	require.Equal(t, 40500.0, m.State().Position().F)
	z, f := m.MarkReference()
	require.Equal(t, 1000.0, z)
	require.Equal(t, 40500.0, f)
}

func TestMarkedReferences(t *testing.T) {
	m, _ := newMicroscope(t, state.Position{X: 6000, Z: 0, F: 40000})
	_, err := m.TrackMarkedReferences()
	require.Error(t, err)

	m.MarkReference()
	require.NoError(t, m.MoveAbsolute(map[state.Axis]float64{state.AxisZ: 1000, state.AxisF: 42000}, true))
	z, f := m.MarkReference()
	require.Equal(t, 1000.0, z)
	require.Equal(t, 42000.0, f)

	track, err := m.TrackMarkedReferences()
	require.NoError(t, err)
	require.Equal(t, &FocusTrack{Z1: 0, F1: 40000, Z2: 1000, F2: 42000}, track)
	require.NoError(t, m.MoveAbsolute(map[state.Axis]float64{state.AxisZ: 500}, true))
	require.Equal(t, 41000.0, m.State().Position().F)
}

func TestZeroAxes(t *testing.T) {
	m, stg := newMicroscope(t, state.Position{X: 6000, Y: 100, F: 48000})
	require.NoError(t, m.ZeroAxes([]state.Axis{state.AxisX, state.AxisY}))
	require.Equal(t, state.Position{F: 48000}, m.State().Position())

	require.NoError(t, m.MoveAbsolute(map[state.Axis]float64{state.AxisX: 1000}, true))
	require.Equal(t, []string{"x=7000"}, stg.moves)
	require.Equal(t, 1000.0, m.State().Position().X)

	// Limits stay in stage coordinates: x=100 published is 6100 on the stage.
	require.NoError(t, m.MoveAbsolute(map[state.Axis]float64{state.AxisX: 100}, false))
	err := m.MoveAbsolute(map[state.Axis]float64{state.AxisX: -1000}, true)
	require.ErrorIs(t, err, state.ErrOutOfBounds)

	require.ErrorIs(t, m.ZeroAxes([]state.Axis{state.AxisF}), ErrFocusOffset)

	m.UnzeroAxes([]state.Axis{state.AxisX})
	require.Equal(t, state.Position{X: 6100, F: 48000}, m.State().Position())
	require.NoError(t, m.RefreshPosition())
	require.Equal(t, state.Position{X: 6100, F: 48000}, m.State().Position())
}

func TestLoadSample(t *testing.T) {
	m, stg := newMicroscope(t, state.Position{X: 6000, Y: 100, F: 48000})
	require.NoError(t, m.ZeroAxes([]state.Axis{state.AxisY}))
	require.NoError(t, m.LoadSample(true))
	require.Equal(t, []string{"y=70000"}, stg.moves)
	require.Equal(t, 69900.0, m.State().Position().Y)
	require.NoError(t, m.UnloadSample(false))
	require.Equal(t, 19900.0, m.State().Position().Y)

	m.cfg.LoadPosition = nil
	require.ErrorIs(t, m.LoadSample(true), ErrNoPosition)
}

func TestRotationPosition(t *testing.T) {
	m, stg := newMicroscope(t, state.Position{X: 6000, Y: 10, Z: 20, F: 48000, Theta: 5})
	require.ErrorIs(t, m.GoToRotationPosition(true), ErrNoPosition)

	m.MarkRotationPosition()
	require.NoError(t, m.MoveAbsolute(map[state.Axis]float64{state.AxisX: 9000, state.AxisZ: 500, state.AxisTheta: 90}, true))
	stg.moves = nil
	require.NoError(t, m.GoToRotationPosition(true))
	if diff := cmp.Diff([]string{"x=6000", "y=10", "z=20"}, stg.moves); diff != "" {
		t.Errorf("unexpected stage moves: got(+)/want(-):\n%s", diff)
	}
	require.Equal(t, state.Position{X: 6000, Y: 10, Z: 20, F: 48000, Theta: 90}, m.State().Position())
}

func TestFocusWaitBudget(t *testing.T) {
	m, _ := newMicroscope(t, state.Position{X: 6000, F: 48000})
	f := m.FocusAxis()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NoError(t, f.MoveFocus(47000))
	require.NoError(t, f.WaitFocus(time.Second))
	require.Equal(t, 47000.0, m.State().Position().F)
}
