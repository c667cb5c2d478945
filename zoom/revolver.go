package zoom

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lightsheet/spimctl/serialport"
)

// Revolver wire protocol.
const (
	revolverHandshake   = "RRDSTU\r"
	revolverReadyPrefix = "ROK000001"
	revolverMovePrefix  = "RWRMV"
	revolverAck         = "ROK\r\n"
)

// RevolverPositions are the codes a revolver accepts.
var RevolverPositions = []string{"A", "B", "C", "D", "E"}

// RevolverSerial is the fixed serial profile of the revolver. Only the port
// name and baud rate are configurable.
func RevolverSerial(port string, baud int) serialport.Config {
	if baud == 0 {
		baud = 9600
	}
	return serialport.Config{
		Name:        port,
		Baud:        baud,
		Parity:      'E',
		StopBits:    1,
		ReadTimeout: 5 * time.Second,
	}
}

// Revolver is a Mitutoyo style objective revolver addressed by position
// letter.
type Revolver struct {
	table   Table[string]
	t       serialport.Transport
	connErr error
	ready   bool
}

// OpenRevolver opens the revolver's port and performs the status handshake.
// Failures are logged, not returned: the device is still constructed so that
// it can report its condition, and SetZoom fails with ErrUnavailable when the
// port could not be opened.
func OpenRevolver(table Table[string], c serialport.Config) *Revolver {
	p, err := serialport.Open(c)
	if err != nil {
		log.Printf("revolver: %v", err)
		return &Revolver{table: table, connErr: err}
	}
	return NewRevolver(table, p)
}

// NewRevolver uses an existing transport and performs the handshake.
func NewRevolver(table Table[string], t serialport.Transport) *Revolver {
	r := &Revolver{table: table, t: t}
	r.initialize()
	return r
}

func (r *Revolver) initialize() {
	resp, err := r.t.SendCommand([]byte(revolverHandshake))
	if err != nil {
		log.Printf("revolver: initialization failed: %v; check that the revolver is connected", err)
		return
	}
	if !strings.HasPrefix(resp, revolverReadyPrefix) {
		log.Printf("revolver: initialization failed, response %q", resp)
		return
	}
	r.ready = true
	log.Printf("revolver initialized")
}

// Ready reports whether the handshake succeeded.
func (r *Revolver) Ready() bool {
	return r.ready
}

func validRevolverPosition(code string) bool {
	for _, p := range RevolverPositions {
		if code == p {
			return true
		}
	}
	return false
}

// SetZoom rotates to the position for label. The revolver acknowledges only
// after the move, so wait has no further effect.
func (r *Revolver) SetZoom(label string, wait bool) error {
	code, err := r.table.Lookup(label)
	if err != nil {
		return err
	}
	if !validRevolverPosition(code) {
		return fmt.Errorf("%w: revolver position %q must be one of %v", ErrInvalidPosition, code, RevolverPositions)
	}
	if r.t == nil {
		return fmt.Errorf("revolver: %w: %w", ErrUnavailable, r.connErr)
	}
	resp, err := r.t.SendCommand([]byte(revolverMovePrefix + code + "\r"))
	if err != nil {
		log.Printf("revolver: moving to %s: %v", code, err)
		return err
	}
	if resp != revolverAck {
		log.Printf("revolver: unexpected response %q", resp)
		return fmt.Errorf("%w: revolver answered %q to move %s", ErrProtocol, resp, code)
	}
	log.Printf("revolver set to %s (position %s)", label, code)
	return nil
}

func (r *Revolver) Close() error {
	if r.t == nil {
		return nil
	}
	return r.t.Close()
}
