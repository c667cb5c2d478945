package zoom

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lightsheet/spimctl/internal/modbus"
	"github.com/lightsheet/spimctl/internal/poll"
)

var ErrServoFault = errors.New("servo reports fault")

// ServoRegisters is the holding register map of a servo drive. Positions
// are signed 32 bit values spread over two registers, high word first.
type ServoRegisters struct {
	Goal    uint16 `yaml:"goal"`
	Present uint16 `yaml:"present"`
	Status  uint16 `yaml:"status"`
	// Bit numbers within the status register.
	InPositionBit uint `yaml:"in_position_bit"`
	FaultBit      uint `yaml:"fault_bit"`
}

// DefaultServoRegisters is used when the configuration names no map.
var DefaultServoRegisters = ServoRegisters{
	Goal:          0x0000,
	Present:       0x0002,
	Status:        0x0004,
	InPositionBit: 0,
	FaultBit:      1,
}

// Validate checks that the status bits fit a register and differ.
func (m ServoRegisters) Validate() error {
	if m.InPositionBit > 15 || m.FaultBit > 15 {
		return fmt.Errorf("status bits %d and %d must lie in 0..15", m.InPositionBit, m.FaultBit)
	}
	if m.InPositionBit == m.FaultBit {
		return fmt.Errorf("in-position and fault share status bit %d", m.FaultBit)
	}
	return nil
}

// Registers is the part of a modbus client the servo needs.
type Registers interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
}

// Servo is an encoder servo zoom positioned by absolute encoder counts.
type Servo struct {
	table Table[int32]
	m     ServoRegisters
	bus   Registers
	// Poll bounds the wait for the in-position flag.
	Poll    poll.Policy
	closer  func() error
	connErr error
}

func NewServo(table Table[int32], m ServoRegisters, bus Registers) *Servo {
	return &Servo{table: table, m: m, bus: bus, Poll: poll.Policy{Timeout: 20 * time.Second}}
}

// OpenServo connects to the drive through c. A connection failure is logged
// and leaves a servo whose SetZoom fails with ErrUnavailable.
func OpenServo(table Table[int32], m ServoRegisters, c *modbus.Client) *Servo {
	if err := c.Open(); err != nil {
		log.Printf("servo: %v", err)
		s := NewServo(table, m, nil)
		s.connErr = err
		return s
	}
	s := NewServo(table, m, c)
	s.closer = c.Close
	return s
}

func (s *Servo) SetZoom(label string, wait bool) error {
	counts, err := s.table.Lookup(label)
	if err != nil {
		return err
	}
	if s.bus == nil {
		return fmt.Errorf("servo: %w: %w", ErrUnavailable, s.connErr)
	}
	if _, err := s.bus.WriteMultipleRegisters(s.m.Goal, 2, modbus.Int32ToRegisters(counts)); err != nil {
		return fmt.Errorf("servo: writing goal %d: %w", counts, err)
	}
	if !wait {
		log.Printf("servo zoom moving to %s (%d counts)", label, counts)
		return nil
	}
	if err := poll.Until(s.Poll, s.InPosition); err != nil {
		return fmt.Errorf("servo: waiting for %d: %w", counts, err)
	}
	if at, err := s.position(); err != nil {
		log.Printf("servo zoom set to %s (%d counts), reading back: %v", label, counts, err)
	} else {
		log.Printf("servo zoom set to %s (%d counts, at %d)", label, counts, at)
	}
	return nil
}

// position reads the present encoder count.
func (s *Servo) position() (int32, error) {
	b, err := s.bus.ReadHoldingRegisters(s.m.Present, 2)
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: present position is %d bytes", ErrProtocol, len(b))
	}
	return modbus.RegistersToInt32(b), nil
}

// InPosition reports whether the drive has settled on its goal.
func (s *Servo) InPosition() (bool, error) {
	b, err := s.bus.ReadHoldingRegisters(s.m.Status, 1)
	if err != nil {
		return false, err
	}
	if len(b) != 2 {
		return false, fmt.Errorf("%w: status is %d bytes", ErrProtocol, len(b))
	}
	status := binary.BigEndian.Uint16(b)
	if status&(1<<s.m.FaultBit) != 0 {
		return false, fmt.Errorf("%w (status %#04x)", ErrServoFault, status)
	}
	return status&(1<<s.m.InPositionBit) != 0, nil
}

func (s *Servo) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
