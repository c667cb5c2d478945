package stage

import (
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lightsheet/spimctl/internal/poll"
	"github.com/lightsheet/spimctl/serialport"
	"github.com/lightsheet/spimctl/state"
)

// ASI controllers count in tenths of a micrometre.
const asiUnitsPerMicron = 10

// DefaultAxisLetters is the usual mapping of position axes to controller
// axis letters.
var DefaultAxisLetters = map[state.Axis]string{
	state.AxisX:     "X",
	state.AxisY:     "Y",
	state.AxisZ:     "Z",
	state.AxisF:     "F",
	state.AxisTheta: "T",
}

// ASISerial is the controller's serial profile.
func ASISerial(port string, baud int) serialport.Config {
	if baud == 0 {
		baud = 115200
	}
	return serialport.Config{Name: port, Baud: baud, Parity: 'N', StopBits: 1, ReadTimeout: time.Second}
}

// ASI drives an ASI Tiger or MS-2000 controller.
type ASI struct {
	t       serialport.Transport
	connErr error
	letters map[state.Axis]string
	// settle is the pause between the two idle reports WaitUntilDone needs.
	settle time.Duration

	mu   sync.Mutex
	last state.Position
}

// NewASI uses letters to map axes; axes missing from letters are not
// driven.
func NewASI(t serialport.Transport, letters map[state.Axis]string) *ASI {
	if len(letters) == 0 {
		letters = DefaultAxisLetters
	}
	return &ASI{t: t, letters: letters, settle: 100 * time.Millisecond}
}

// OpenASI opens the controller's port. A port that cannot be opened is
// logged and leaves a stage whose every command fails with ErrUnavailable.
func OpenASI(c serialport.Config, letters map[state.Axis]string) *ASI {
	p, err := serialport.Open(c)
	if err != nil {
		log.Printf("asi: %v", err)
		a := NewASI(nil, letters)
		a.connErr = err
		return a
	}
	return NewASI(p, letters)
}

func (a *ASI) send(cmd string) (string, error) {
	if a.t == nil {
		return "", fmt.Errorf("asi: %w: %w", ErrUnavailable, a.connErr)
	}
	return a.t.SendCommand([]byte(cmd + "\r"))
}

func (a *ASI) command(cmd string) (string, error) {
	resp, err := a.send(cmd)
	if err != nil {
		return "", err
	}
	resp = strings.TrimSpace(resp)
	if !strings.HasPrefix(resp, ":A") {
		return resp, fmt.Errorf("%w: %q answered %q", ErrProtocol, cmd, resp)
	}
	return resp, nil
}

// axes returns the configured axes in canonical order.
func (a *ASI) axes() []state.Axis {
	var out []state.Axis
	for _, ax := range state.Axes {
		if _, ok := a.letters[ax]; ok {
			out = append(out, ax)
		}
	}
	return out
}

func (a *ASI) MoveAbsolute(moves map[state.Axis]float64) error {
	cmd := "M"
	for _, ax := range state.Axes {
		v, ok := moves[ax]
		if !ok {
			continue
		}
		letter, ok := a.letters[ax]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAxis, ax)
		}
		cmd += fmt.Sprintf(" %s=%d", letter, int64(math.Round(v*asiUnitsPerMicron)))
	}
	if cmd == "M" {
		return nil
	}
	_, err := a.command(cmd)
	return err
}

// busy reports the controller's motion flag: 'B' while any axis moves, 'N'
// otherwise.
func (a *ASI) busy() (bool, error) {
	resp, err := a.send("/")
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(resp) {
	case "N":
		return false, nil
	case "B":
		return true, nil
	}
	return false, fmt.Errorf("%w: status %q", ErrProtocol, resp)
}

// WaitUntilDone returns once the controller reports idle twice in a row.
func (a *ASI) WaitUntilDone(timeout time.Duration) error {
	return poll.Until(poll.Policy{Timeout: timeout, Initial: a.settle, Max: a.settle}, func() (bool, error) {
		b1, err := a.busy()
		if err != nil || b1 {
			return false, err
		}
		time.Sleep(a.settle)
		b2, err := a.busy()
		return !b2, err
	})
}

func (a *ASI) ReadPosition() (state.Position, error) {
	axes := a.axes()
	var letters []string
	for _, ax := range axes {
		letters = append(letters, a.letters[ax])
	}
	resp, err := a.command("W " + strings.Join(letters, " "))
	if err != nil {
		return state.Position{}, err
	}
	fields := strings.Fields(resp)[1:]
	if len(fields) != len(axes) {
		return state.Position{}, fmt.Errorf("%w: position %q has %d values, want %d", ErrProtocol, resp, len(fields), len(axes))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	pos := a.last
	for i, ax := range axes {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			log.Printf("asi: invalid position %q: %v", resp, err)
			return a.last, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		pos = pos.With(ax, v/asiUnitsPerMicron)
	}
	a.last = pos
	return pos, nil
}

// Stop halts every axis.
func (a *ASI) Stop() error {
	_, err := a.command(`\`)
	return err
}

func (a *ASI) Close() error {
	if a.t == nil {
		return nil
	}
	return a.t.Close()
}
