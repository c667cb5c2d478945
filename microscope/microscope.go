// Package microscope is the single path through which motion reaches the
// hardware and the resulting positions reach the shared state.
//
// All commanded motion (stage moves, zoom changes, including interlocked
// turret rotations) is serialized by one lock, so no other move can disturb
// the focus axis while a rotation sequence has it retracted.
package microscope

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/lightsheet/spimctl/filterwheel"
	"github.com/lightsheet/spimctl/interlock"
	"github.com/lightsheet/spimctl/stage"
	"github.com/lightsheet/spimctl/state"
	"github.com/lightsheet/spimctl/zoom"
)

var (
	ErrNoZoom         = errors.New("no zoom device attached")
	ErrUnknownRequest = errors.New("unknown state request")
)

// DefaultSettleTimeout bounds a single stage wait.
const DefaultSettleTimeout = 30 * time.Second

type Config struct {
	// Limits are in stage coordinates, unaffected by zeroed axes.
	Limits state.Limits
	// PixelSize maps zoom labels to micrometres per pixel.
	PixelSize     map[string]float64
	SettleTimeout time.Duration
	// LoadPosition and UnloadPosition are the stage coordinates LoadSample
	// and UnloadSample move to.
	LoadPosition   map[state.Axis]float64
	UnloadPosition map[state.Axis]float64
}

type Microscope struct {
	st      *state.State
	stage   stage.Stage
	filters filterwheel.Wheel
	cfg     Config

	mu      sync.Mutex
	zoom    zoom.Device
	track   *FocusTrack
	refs    []reference
	offsets offsets
	rotPos  map[state.Axis]float64
}

func New(st *state.State, stg stage.Stage, filters filterwheel.Wheel, cfg Config) *Microscope {
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = DefaultSettleTimeout
	}
	return &Microscope{st: st, stage: stg, filters: filters, cfg: cfg, offsets: offsets{}}
}

// AttachZoom installs the zoom device. It is separate from New because a
// turret sequencer needs FocusAxis before it can be built.
func (m *Microscope) AttachZoom(d zoom.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zoom = d
}

// State returns the shared state the microscope publishes to.
func (m *Microscope) State() *state.State {
	return m.st
}

// MoveAbsolute moves the listed axes. The resulting position must lie inside
// the configured limits. If wait is false the commanded position is
// published immediately; otherwise the position read back after the move.
func (m *Microscope) MoveAbsolute(moves map[state.Axis]float64, wait bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.track != nil {
		if z, ok := moves[state.AxisZ]; ok {
			if _, ok := moves[state.AxisF]; !ok {
				moves = copyMoves(moves)
				moves[state.AxisF] = m.track.At(z)
			}
		}
	}
	return m.moveLocked(moves, wait)
}

// MoveRelative moves the listed axes by the given deltas.
func (m *Microscope) MoveRelative(deltas map[state.Axis]float64, wait bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.st.Position()
	moves := make(map[state.Axis]float64, len(deltas))
	for a, d := range deltas {
		moves[a] = cur.Get(a) + d
	}
	if m.track != nil {
		if z, ok := moves[state.AxisZ]; ok {
			if _, ok := moves[state.AxisF]; !ok {
				moves[state.AxisF] = m.track.At(z)
			}
		}
	}
	return m.moveLocked(moves, wait)
}

func copyMoves(moves map[state.Axis]float64) map[state.Axis]float64 {
	out := make(map[state.Axis]float64, len(moves)+1)
	for a, v := range moves {
		out[a] = v
	}
	return out
}

// moveLocked moves to targets given in published coordinates.
func (m *Microscope) moveLocked(moves map[state.Axis]float64, wait bool) error {
	raw := make(map[state.Axis]float64, len(moves))
	for a, v := range moves {
		raw[a] = v - m.offsets[a]
	}
	return m.moveStageLocked(raw, wait)
}

// moveStageLocked moves to targets given in stage coordinates.
func (m *Microscope) moveStageLocked(raw map[state.Axis]float64, wait bool) error {
	target := m.offsets.stage(m.st.Position()).Apply(raw)
	if err := m.cfg.Limits.Check(target); err != nil {
		return err
	}
	if err := m.stage.MoveAbsolute(raw); err != nil {
		return fmt.Errorf("moving %v: %w", raw, err)
	}
	if !wait {
		m.st.Set(state.KeyPosition, m.offsets.published(target))
		return nil
	}
	return m.waitLocked(m.cfg.SettleTimeout)
}

// waitLocked waits for the stage for at most timeout, capped by the
// configured settle timeout, and publishes where it stopped.
func (m *Microscope) waitLocked(timeout time.Duration) error {
	if timeout <= 0 || timeout > m.cfg.SettleTimeout {
		timeout = m.cfg.SettleTimeout
	}
	if err := m.stage.WaitUntilDone(timeout); err != nil {
		return fmt.Errorf("waiting for stage: %w", err)
	}
	return m.refreshLocked()
}

func (m *Microscope) refreshLocked() error {
	pos, err := m.stage.ReadPosition()
	if err != nil {
		return fmt.Errorf("reading stage position: %w", err)
	}
	m.st.Set(state.KeyPosition, m.offsets.published(pos))
	return nil
}

// RefreshPosition reads the stage and publishes its position.
func (m *Microscope) RefreshPosition() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked()
}

// Watch publishes the stage position every interval until ctx is done.
// Ticks that arrive while a motion command holds the lock are skipped.
func (m *Microscope) Watch(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	var last string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if !m.mu.TryLock() {
			continue
		}
		err := m.refreshLocked()
		m.mu.Unlock()
		// An unreachable stage fails every tick; log each distinct failure once.
		if err == nil {
			last = ""
		} else if err.Error() != last {
			last = err.Error()
			log.Printf("position update: %v", err)
		}
	}
}

// Stop halts the stage immediately, without waiting for a command in
// progress.
func (m *Microscope) Stop() error {
	return m.stage.Stop()
}

// focusAxis gives the interlock sequencer access to the focus axis. It runs
// inside SetZoom, which already holds the motion lock.
type focusAxis struct {
	m *Microscope
}

func (f focusAxis) MoveFocus(v float64) error {
	return f.m.moveLocked(map[state.Axis]float64{state.AxisF: v}, false)
}

func (f focusAxis) WaitFocus(timeout time.Duration) error {
	return f.m.waitLocked(timeout)
}

// FocusAxis returns the focus mover for an interlock sequencer. Its methods
// must only be called from a zoom device during SetZoom.
func (m *Microscope) FocusAxis() interlock.FocusMover {
	return focusAxis{m}
}

// SetZoom changes the zoom and, on success, publishes the zoom label and the
// matching pixel size in one write.
func (m *Microscope) SetZoom(label string, wait bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.zoom == nil {
		return ErrNoZoom
	}
	if err := m.zoom.SetZoom(label, wait); err != nil {
		log.Printf("setting zoom %s: %v", label, err)
		return err
	}
	update := map[string]any{state.KeyZoom: label}
	if ps, ok := m.cfg.PixelSize[label]; ok {
		update[state.KeyPixelSize] = ps
	}
	m.st.SetMany(update)
	return nil
}

// SetFilter changes the filter and publishes it.
func (m *Microscope) SetFilter(label string, wait bool) error {
	if err := m.filters.SetFilter(label, wait); err != nil {
		log.Printf("setting filter %s: %v", label, err)
		return err
	}
	m.st.Set(state.KeyFilter, label)
	return nil
}

// Apply handles a batch of state requests: zoom and filter go to their
// devices, plain settings are written to the state. Requests are handled in
// key order; all errors are returned together.
func (m *Microscope) Apply(requests map[string]any, wait bool) error {
	keys := make([]string, 0, len(requests))
	for k := range requests {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var errs []error
	for _, k := range keys {
		if err := m.apply(k, requests[k], wait); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Microscope) apply(key string, value any, wait bool) error {
	switch key {
	case state.KeyZoom:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("want string, got %T", value)
		}
		return m.SetZoom(s, wait)
	case state.KeyFilter:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("want string, got %T", value)
		}
		return m.SetFilter(s, wait)
	case state.KeyState, state.KeyLaser, state.KeyShutterConfig:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("want string, got %T", value)
		}
		m.st.Set(key, s)
	case state.KeyShutterState:
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("want bool, got %T", value)
		}
		m.st.Set(key, b)
	case state.KeyIntensity:
		f, ok := toFloat(value)
		if !ok {
			return fmt.Errorf("want number, got %T", value)
		}
		m.st.Set(key, f)
	case state.KeyExtraInfo:
		info, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("want object, got %T", value)
		}
		m.st.Set(key, info)
	default:
		return ErrUnknownRequest
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Close releases every device.
func (m *Microscope) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	if m.zoom != nil {
		errs = append(errs, m.zoom.Close())
	}
	errs = append(errs, m.filters.Close(), m.stage.Close())
	return errors.Join(errs...)
}
