package main

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/lightsheet/spimctl/filterwheel"
	"github.com/lightsheet/spimctl/interlock"
	"github.com/lightsheet/spimctl/internal/config"
	"github.com/lightsheet/spimctl/internal/modbus"
	"github.com/lightsheet/spimctl/microscope"
	"github.com/lightsheet/spimctl/serialport"
	"github.com/lightsheet/spimctl/simulator"
	"github.com/lightsheet/spimctl/stage"
	"github.com/lightsheet/spimctl/state"
	"github.com/lightsheet/spimctl/zoom"
	"golang.org/x/sync/errgroup"
)

type runner interface {
	Run(ctx context.Context) error
}

// opener builds devices from the configuration. In simulation mode serial
// devices are connected to in-process simulators, started in g before the
// device handshakes.
type opener struct {
	cfg      *config.Config
	simulate bool
	ctx      context.Context
	g        *errgroup.Group
}

func (o *opener) simulated(sim runner, conn net.Conn, c serialport.Config) *serialport.Port {
	log.Printf("simulating %q", c.Name)
	o.g.Go(func() error { return sim.Run(o.ctx) })
	return serialport.NewPort(conn, c.ReadTimeout)
}

func (o *opener) stage() (stage.Stage, error) {
	c := o.cfg.Stage
	switch c.Type {
	case config.TypeDemo:
		return stage.NewDemo(o.cfg.Startup.Position), nil
	case config.TypeASI:
		letters, err := o.cfg.AxisLetters()
		if err != nil {
			return nil, err
		}
		sc := stage.ASISerial(c.Port, c.Baud)
		if !o.simulate {
			return stage.OpenASI(sc, letters), nil
		}
		sim, conn := simulator.NewASIStage()
		if letters == nil {
			letters = stage.DefaultAxisLetters
		}
		for a, l := range letters {
			// 1/10 µm
			sim.SetPosition(l, o.cfg.Startup.Position.Get(a)*10)
		}
		return stage.NewASI(o.simulated(sim, conn, sc), letters), nil
	}
	return nil, fmt.Errorf("unknown stage type %q", c.Type)
}

func (o *opener) filters() (filterwheel.Wheel, error) {
	switch o.cfg.Filters.Type {
	case config.TypeDemo:
		return filterwheel.NewDemo(o.cfg.Filters.Positions), nil
	}
	return nil, fmt.Errorf("unknown filter wheel type %q", o.cfg.Filters.Type)
}

// zoom selects the zoom variant. A turret is wrapped in an interlock
// sequencer that drives the focus axis through m. A device whose port cannot
// be opened is still returned; its SetZoom fails with zoom.ErrUnavailable.
func (o *opener) zoom(m *microscope.Microscope) (zoom.Device, error) {
	z := o.cfg.Zoom
	switch z.Type {
	case config.TypeDemo:
		table, err := zoom.ParseTable[string](z.Table)
		if err != nil {
			return nil, err
		}
		return zoom.NewDemo(table), nil
	case config.TypeServo:
		table, err := zoom.ParseTable[int32](z.Table)
		if err != nil {
			return nil, err
		}
		if o.simulate {
			log.Printf("no servo simulator; using a demo zoom")
			return zoom.NewDemo(zoom.NewTable(z.Table)), nil
		}
		regs := zoom.DefaultServoRegisters
		if z.Registers != nil {
			regs = *z.Registers
		}
		return zoom.OpenServo(table, regs, &modbus.Client{
			Port:     z.Port,
			BaudRate: z.Baud,
			SlaveId:  z.SlaveID,
			URL:      z.URL,
			Password: z.Password,
			Debug:    o.cfg.Debug,
		}), nil
	case config.TypeRevolver:
		table, err := zoom.ParseTable[string](z.Table)
		if err != nil {
			return nil, err
		}
		sc := zoom.RevolverSerial(z.Port, z.Baud)
		if !o.simulate {
			return zoom.OpenRevolver(table, sc), nil
		}
		sim, conn := simulator.NewRevolver()
		return zoom.NewRevolver(table, o.simulated(sim, conn, sc)), nil
	case config.TypeTurret:
		table, err := zoom.ParseTable[float64](z.Table)
		if err != nil {
			return nil, err
		}
		sc := zoom.TurretSerial(z.Port, z.Baud)
		var tu *zoom.Turret
		if o.simulate {
			sim, conn := simulator.NewTurret()
			if a, err := table.Lookup(o.cfg.Startup.Zoom); err == nil {
				sim.SetAngle(a)
			}
			tu = zoom.NewTurret(o.simulated(sim, conn, sc))
		} else {
			tu = zoom.OpenTurret(sc)
		}
		if z.Tolerance > 0 {
			tu.Tolerance = z.Tolerance
		}
		if z.SettleTimeout > 0 {
			tu.Poll.Timeout = z.SettleTimeout
		}
		seq := interlock.New(tu, m.FocusAxis(), m.State(), interlock.Config{
			Table:          table,
			SafeFocus:      *z.SafeRotationFocus,
			MaxDuration:    z.MaxDuration,
			FocusTolerance: z.FocusTolerance,
		})
		seq.OnPhase = func(p interlock.Phase) {
			if p != interlock.Idle {
				log.Printf("rotation sequence: %v", p)
			}
		}
		return seq, nil
	}
	return nil, fmt.Errorf("unknown zoom type %q", z.Type)
}

// build assembles the microscope from the configuration.
func (o *opener) build(st *state.State) (*microscope.Microscope, error) {
	limits, err := o.cfg.Limits()
	if err != nil {
		return nil, err
	}
	load, unload, err := o.cfg.LoadPositions()
	if err != nil {
		return nil, err
	}
	stg, err := o.stage()
	if err != nil {
		return nil, fmt.Errorf("opening stage: %w", err)
	}
	filters, err := o.filters()
	if err != nil {
		stg.Close()
		return nil, err
	}
	m := microscope.New(st, stg, filters, microscope.Config{
		Limits:         limits,
		PixelSize:      o.cfg.Zoom.PixelSize,
		SettleTimeout:  o.cfg.Stage.SettleTimeout,
		LoadPosition:   load,
		UnloadPosition: unload,
	})
	z, err := o.zoom(m)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("opening zoom: %w", err)
	}
	m.AttachZoom(z)
	return m, nil
}
