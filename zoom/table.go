package zoom

import (
	"fmt"
	"sort"
	"strconv"
)

// Table maps user-facing zoom labels ("2x") to device-native targets. A
// Table never changes after construction.
type Table[T any] struct {
	targets map[string]T
}

// NewTable copies m into a new Table.
func NewTable[T any](m map[string]T) Table[T] {
	t := Table[T]{targets: make(map[string]T, len(m))}
	for k, v := range m {
		t.targets[k] = v
	}
	return t
}

// Lookup returns the target for label.
func (t Table[T]) Lookup(label string) (T, error) {
	v, ok := t.targets[label]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %q, configured are %v", ErrUnknownZoomLabel, label, t.Labels())
	}
	return v, nil
}

// Labels returns the configured labels sorted.
func (t Table[T]) Labels() []string {
	labels := make([]string, 0, len(t.targets))
	for k := range t.targets {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	return labels
}

// ParseTable converts a string-valued table, as read from configuration,
// into typed targets.
func ParseTable[T string | int32 | float64](raw map[string]string) (Table[T], error) {
	m := make(map[string]T, len(raw))
	for label, s := range raw {
		var v any
		var err error
		var zero T
		switch any(zero).(type) {
		case string:
			v = s
		case int32:
			var i int64
			i, err = strconv.ParseInt(s, 10, 32)
			v = int32(i)
		case float64:
			v, err = strconv.ParseFloat(s, 64)
		}
		if err != nil {
			return Table[T]{}, fmt.Errorf("zoom %q: target %q: %v", label, s, err)
		}
		m[label] = v.(T)
	}
	return NewTable(m), nil
}
