package simulator

import (
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
)

const (
	// Turret rotation speed in degrees/second
	turretVel = 90
	// PI GCS error codes
	gcsNoError      = 0
	gcsParamSyntax  = 1
	gcsUnknownCmd   = 2
	gcsInvalidAxis  = 15
	gcsOutOfLimits  = 7
	turretMaxTravel = 360
)

// Turret simulates a single-axis rotation stage speaking a subset of PI GCS:
// MOV, POS?, ONT? and ERR?. Errors are latched until read with ERR?.
type Turret struct {
	*device
	axis   string
	pos    float64
	target float64
	errno  int
}

func NewTurret() (*Turret, net.Conn) {
	d, conn := newDevice("turret")
	tu := &Turret{device: d, axis: "1"}
	d.handle = tu.handle
	d.step = tu.step
	return tu, conn
}

// SetAngle places the turret at deg without motion.
func (tu *Turret) SetAngle(deg float64) {
	tu.mu.Lock()
	defer tu.mu.Unlock()
	tu.pos, tu.target = deg, deg
}

func (tu *Turret) Angle() float64 {
	tu.mu.Lock()
	defer tu.mu.Unlock()
	return tu.pos
}

func (tu *Turret) step() {
	tu.pos = approach(tu.pos, tu.target, turretVel*stepSize.Seconds())
}

func (tu *Turret) handle(line string) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "MOV":
		if len(args) != 2 {
			tu.errno = gcsParamSyntax
			return nil
		}
		if args[0] != tu.axis {
			tu.errno = gcsInvalidAxis
			return nil
		}
		v, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			tu.errno = gcsParamSyntax
			return nil
		}
		if math.Abs(v) > turretMaxTravel {
			tu.errno = gcsOutOfLimits
			return nil
		}
		tu.target = v
		return nil
	case "ERR?":
		code := tu.errno
		tu.errno = gcsNoError
		return tu.send("\n", "%d", code)
	case "POS?", "ONT?":
		if len(args) != 1 || args[0] != tu.axis {
			tu.errno = gcsInvalidAxis
			return nil
		}
		if cmd == "POS?" {
			return tu.send("\n", "%s=%.4f", tu.axis, tu.pos)
		}
		ont := 0
		if tu.pos == tu.target {
			ont = 1
		}
		return tu.send("\n", "%s=%d", tu.axis, ont)
	}
	tu.errno = gcsUnknownCmd
	return fmt.Errorf("unknown command %q", cmd)
}
