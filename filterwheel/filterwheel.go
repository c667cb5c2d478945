// Package filterwheel selects emission filters.
package filterwheel

import (
	"errors"
	"fmt"
	"log"
	"time"
)

var ErrUnknownFilter = errors.New("filter not in configuration")

// Wheel selects a filter by label.
type Wheel interface {
	SetFilter(label string, wait bool) error
	Close() error
}

// Demo accepts any configured label and pretends to turn.
type Demo struct {
	positions map[string]int
	duration  time.Duration
}

// NewDemo copies positions, the label to slot mapping.
func NewDemo(positions map[string]int) *Demo {
	p := make(map[string]int, len(positions))
	for k, v := range positions {
		p[k] = v
	}
	return &Demo{positions: p, duration: 500 * time.Millisecond}
}

func (d *Demo) SetFilter(label string, wait bool) error {
	slot, ok := d.positions[label]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFilter, label)
	}
	if wait {
		time.Sleep(d.duration)
	}
	log.Printf("demo filter wheel set to %s (slot %d)", label, slot)
	return nil
}

func (d *Demo) Close() error {
	return nil
}
