package zoom

import (
	"log"
	"time"
)

// DemoDuration is how long a simulated zoom change takes.
const DemoDuration = 1 * time.Second

// Demo pretends to move. Its table values are placeholders.
type Demo struct {
	table    Table[string]
	duration time.Duration
}

func NewDemo(table Table[string]) *Demo {
	return &Demo{table: table, duration: DemoDuration}
}

func (d *Demo) SetZoom(label string, wait bool) error {
	if _, err := d.table.Lookup(label); err != nil {
		return err
	}
	if wait {
		time.Sleep(d.duration)
	}
	log.Printf("demo zoom set to %s", label)
	return nil
}

func (d *Demo) Close() error {
	return nil
}
