package stage

import (
	"sync"
	"time"

	"github.com/lightsheet/spimctl/state"
)

// Demo is a stage that arrives instantly.
type Demo struct {
	mu  sync.Mutex
	pos state.Position
}

func NewDemo(start state.Position) *Demo {
	return &Demo{pos: start}
}

func (d *Demo) MoveAbsolute(moves map[state.Axis]float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pos = d.pos.Apply(moves)
	return nil
}

func (d *Demo) WaitUntilDone(time.Duration) error {
	return nil
}

func (d *Demo) ReadPosition() (state.Position, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pos, nil
}

func (d *Demo) Stop() error {
	return nil
}

func (d *Demo) Close() error {
	return nil
}
