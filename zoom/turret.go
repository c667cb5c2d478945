package zoom

import (
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lightsheet/spimctl/internal/poll"
	"github.com/lightsheet/spimctl/serialport"
)

// DefaultTolerance is the rotation band, in degrees, inside which the turret
// counts as already positioned.
const DefaultTolerance = 0.1

// Turret is a rotating carrier of zoom optics on a PI controller speaking
// GCS over a serial link. It never moves on its own behalf: the interlock
// sequencer retracts focus around every rotation.
type Turret struct {
	t       serialport.Transport
	connErr error
	// Axis is the controller axis identifier of the rotation stage.
	Axis string
	// Tolerance is the no-op band used by NeedsRotation.
	Tolerance float64
	// Poll bounds WaitRotation.
	Poll poll.Policy
}

// TurretSerial is the controller's serial profile.
func TurretSerial(port string, baud int) serialport.Config {
	if baud == 0 {
		baud = 115200
	}
	return serialport.Config{Name: port, Baud: baud, Parity: 'N', StopBits: 1, ReadTimeout: time.Second}
}

func NewTurret(t serialport.Transport) *Turret {
	return &Turret{
		t:         t,
		Axis:      "1",
		Tolerance: DefaultTolerance,
		Poll:      poll.Policy{Timeout: 60 * time.Second},
	}
}

// OpenTurret opens the controller's port. A port that cannot be opened is
// logged and leaves a turret whose every command fails with ErrUnavailable.
func OpenTurret(c serialport.Config) *Turret {
	p, err := serialport.Open(c)
	if err != nil {
		log.Printf("turret: %v", err)
		tu := NewTurret(nil)
		tu.connErr = err
		return tu
	}
	log.Printf("turret controller connected on %q", c.Name)
	return NewTurret(p)
}

func (tu *Turret) available() error {
	if tu.t == nil {
		return fmt.Errorf("turret: %w: %w", ErrUnavailable, tu.connErr)
	}
	return nil
}

// query sends a GCS query and returns the value reported for the axis.
func (tu *Turret) query(q string) (string, error) {
	if err := tu.available(); err != nil {
		return "", err
	}
	resp, err := tu.t.SendCommand([]byte(q + " " + tu.Axis + "\n"))
	if err != nil {
		return "", err
	}
	key, value, ok := strings.Cut(strings.TrimSpace(resp), "=")
	if !ok || key != tu.Axis {
		return "", fmt.Errorf("%w: %s answered %q", ErrProtocol, q, resp)
	}
	return value, nil
}

// Rotation reads the current turret angle in degrees.
func (tu *Turret) Rotation() (float64, error) {
	v, err := tu.query("POS?")
	if err != nil {
		return 0, err
	}
	deg, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: position %q: %v", ErrProtocol, v, err)
	}
	return deg, nil
}

// MoveRotation commands an absolute move and checks the controller error
// register.
func (tu *Turret) MoveRotation(deg float64) error {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return fmt.Errorf("%w: rotation %v", ErrInvalidPosition, deg)
	}
	if err := tu.available(); err != nil {
		return err
	}
	if err := tu.t.Send([]byte(fmt.Sprintf("MOV %s %.4f\n", tu.Axis, deg))); err != nil {
		return err
	}
	resp, err := tu.t.SendCommand([]byte("ERR?\n"))
	if err != nil {
		return err
	}
	if code := strings.TrimSpace(resp); code != "0" {
		return fmt.Errorf("%w: controller error %s after MOV %.4f", ErrProtocol, code, deg)
	}
	return nil
}

// RotationOnTarget reports whether the last move has completed.
func (tu *Turret) RotationOnTarget() (bool, error) {
	v, err := tu.query("ONT?")
	if err != nil {
		return false, err
	}
	switch v {
	case "1":
		return true, nil
	case "0":
		return false, nil
	}
	return false, fmt.Errorf("%w: on-target %q", ErrProtocol, v)
}

// WaitRotation blocks until the turret reports on-target or the shorter of
// Poll.Timeout and timeout elapses.
func (tu *Turret) WaitRotation(timeout time.Duration) error {
	return poll.Until(tu.Poll.Within(timeout), tu.RotationOnTarget)
}

// NeedsRotation reports whether target lies outside the tolerance band
// around the current angle, which it also returns.
func (tu *Turret) NeedsRotation(target float64) (bool, float64, error) {
	current, err := tu.Rotation()
	if err != nil {
		return false, 0, err
	}
	return !WithinTolerance(current, target, tu.Tolerance), current, nil
}

// WithinTolerance reports whether current lies strictly inside the band of
// half-width tol around target.
func WithinTolerance(current, target, tol float64) bool {
	return current > target-tol && current < target+tol
}

func (tu *Turret) Close() error {
	if tu.t == nil {
		return nil
	}
	return tu.t.Close()
}
