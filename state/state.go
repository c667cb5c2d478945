// Package state holds the instrument state shared between the motion
// subsystem and any number of display or logging consumers.
//
// A State is a fixed set of keys, each holding exactly one value. Writes
// replace a value wholesale and are followed by a change notification that
// carries no payload: consumers re-read what they need through Get or
// GetMany. GetMany observes all requested keys at a single instant.
//
// Composite values such as Position are read-modify-written by their owner
// (the microscope package); State only guarantees whole-value atomicity.
package state

import (
	"fmt"
	"log"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Well-known keys.
const (
	KeyState         = "state"
	KeyPosition      = "position"
	KeyZoom          = "zoom"
	KeyPixelSize     = "pixelsize"
	KeyFilter        = "filter"
	KeyLaser         = "laser"
	KeyIntensity     = "intensity"
	KeyShutterState  = "shutterstate"
	KeyShutterConfig = "shutterconfig"
	KeyExtraInfo     = "extra_info"
)

// Acquisition modes stored under KeyState.
const (
	ModeInit    = "init"
	ModeIdle    = "idle"
	ModeLive    = "live"
	ModeSnap    = "snap"
	ModeRunning = "running_script"
)

// Defaults returns the startup values for every well-known key.
func Defaults() map[string]any {
	return map[string]any{
		KeyState:         ModeInit,
		KeyPosition:      Position{},
		KeyZoom:          "",
		KeyPixelSize:     0.0,
		KeyFilter:        "",
		KeyLaser:         "",
		KeyIntensity:     0.0,
		KeyShutterState:  false,
		KeyShutterConfig: "Left",
		KeyExtraInfo:     map[string]any{},
	}
}

// Callback is invoked after a committed write.
type Callback func()

// Subscription is a registered change callback.
type Subscription struct {
	ID string
	fn Callback
}

// Snapshot is the result of GetMany.
type Snapshot struct {
	// Version increases by one with every committed write step.
	Version uint64
	// Keys are the requested keys that exist, in request order.
	Keys   []string
	Values map[string]any
}

func (s Snapshot) Get(key string) (any, bool) {
	v, ok := s.Values[key]
	return v, ok
}

// Option configures a State.
type Option func(*State)

// WithStrict makes invariant violations (unknown keys, type changes) panic
// instead of being logged and ignored.
func WithStrict(strict bool) Option {
	return func(s *State) { s.strict = strict }
}

type State struct {
	strict bool

	mu      sync.RWMutex
	values  map[string]any
	version uint64

	subMu sync.Mutex
	subs  []*Subscription
}

// New creates a State whose key set is fixed to the keys of initial.
func New(initial map[string]any, opts ...Option) *State {
	s := &State{values: make(map[string]any, len(initial))}
	for k, v := range initial {
		s.values[k] = clone(v)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the current value of key.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return clone(v), ok
}

// GetMany reads keys under a single lock. With no keys it returns every key,
// sorted.
func (s *State) GetMany(keys ...string) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(keys) == 0 {
		for k := range s.values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	snap := Snapshot{Version: s.version, Values: make(map[string]any, len(keys))}
	for _, k := range keys {
		v, ok := s.values[k]
		if !ok {
			continue
		}
		snap.Keys = append(snap.Keys, k)
		snap.Values[k] = clone(v)
	}
	return snap
}

// Version returns the number of committed write steps.
func (s *State) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Set replaces the value of key and notifies subscribers.
func (s *State) Set(key string, value any) {
	s.SetMany(map[string]any{key: value})
}

// SetMany replaces several values in one write step: readers see either all
// of them or none, and subscribers are notified once.
func (s *State) SetMany(values map[string]any) {
	s.mu.Lock()
	for k, v := range values {
		if err := s.check(k, v); err != nil {
			s.mu.Unlock()
			s.violation(err)
			return
		}
	}
	for k, v := range values {
		s.values[k] = clone(v)
	}
	s.version++
	s.mu.Unlock()
	s.notify()
}

func (s *State) check(key string, value any) error {
	old, ok := s.values[key]
	if !ok {
		return fmt.Errorf("unknown key %q", key)
	}
	if ot, nt := reflect.TypeOf(old), reflect.TypeOf(value); ot != nt {
		return fmt.Errorf("key %q holds %v, cannot store %v", key, ot, nt)
	}
	return nil
}

func (s *State) violation(err error) {
	if s.strict {
		panic(fmt.Sprintf("state: %v", err))
	}
	log.Printf("state: ignoring write: %v", err)
}

// Position is shorthand for the KeyPosition value.
func (s *State) Position() Position {
	v, _ := s.Get(KeyPosition)
	p, _ := v.(Position)
	return p
}

// String returns a string-valued key, or "" if absent or not a string.
func (s *State) String(key string) string {
	v, _ := s.Get(key)
	str, _ := v.(string)
	return str
}

// Float returns a float-valued key, or 0.
func (s *State) Float(key string) float64 {
	v, _ := s.Get(key)
	f, _ := v.(float64)
	return f
}

// Subscribe registers fn to be called after every committed write. fn runs
// on the writer's goroutine after the write lock is released, so it may call
// Get and GetMany but should return promptly.
func (s *State) Subscribe(fn Callback) *Subscription {
	sub := &Subscription{ID: uuid.NewString(), fn: fn}
	s.subMu.Lock()
	s.subs = append(s.subs, sub)
	s.subMu.Unlock()
	return sub
}

// Unsubscribe removes sub. Callbacks already in flight may still run once.
func (s *State) Unsubscribe(sub *Subscription) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for i, x := range s.subs {
		if x == sub {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

// Changes returns a channel that receives a value after writes. Bursts of
// writes are coalesced into one pending signal. The returned stop function
// unsubscribes; the channel is never closed.
func (s *State) Changes() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	sub := s.Subscribe(func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	return ch, func() { s.Unsubscribe(sub) }
}

func (s *State) notify() {
	s.subMu.Lock()
	subs := make([]*Subscription, len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()
	for _, sub := range subs {
		sub.fn()
	}
}

// clone copies the mutable containers a value may hold so callers never
// share them with the State.
func clone(v any) any {
	switch v := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, x := range v {
			m[k] = clone(x)
		}
		return m
	case []any:
		l := make([]any, len(v))
		for i, x := range v {
			l[i] = clone(x)
		}
		return l
	}
	return v
}
