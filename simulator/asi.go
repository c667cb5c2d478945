package simulator

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Stage speed in controller units (1/10 µm) per second
const asiVel = 20000

// ASIStage simulates an ASI controller with the axes X, Y, Z, F and T.
// Positions are kept in controller units.
type ASIStage struct {
	*device
	pos    map[string]float64
	target map[string]float64
}

func NewASIStage() (*ASIStage, net.Conn) {
	d, conn := newDevice("asi")
	s := &ASIStage{device: d, pos: map[string]float64{}, target: map[string]float64{}}
	for _, l := range []string{"X", "Y", "Z", "F", "T"} {
		s.pos[l], s.target[l] = 0, 0
	}
	d.handle = s.handle
	d.step = s.step
	return s, conn
}

// Position returns the current value of axis letter in controller units.
func (s *ASIStage) Position(letter string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos[letter]
}

// SetPosition places axis letter at units without motion.
func (s *ASIStage) SetPosition(letter string, units float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pos[letter]; ok {
		s.pos[letter], s.target[letter] = units, units
	}
}

func (s *ASIStage) step() {
	for l, t := range s.target {
		s.pos[l] = approach(s.pos[l], t, asiVel*stepSize.Seconds())
	}
}

func (s *ASIStage) busy() bool {
	for l, t := range s.target {
		if s.pos[l] != t {
			return true
		}
	}
	return false
}

func (s *ASIStage) handle(line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/":
		if s.busy() {
			return s.send("\r\n", "B")
		}
		return s.send("\r\n", "N")
	case `\`:
		for l := range s.target {
			s.target[l] = s.pos[l]
		}
		return s.send("\r\n", ":A")
	case "M":
		moves := map[string]float64{}
		for _, f := range fields[1:] {
			l, v, ok := strings.Cut(f, "=")
			if _, known := s.target[l]; !ok || !known {
				return s.send("\r\n", ":N-1")
			}
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return s.send("\r\n", ":N-2")
			}
			moves[l] = n
		}
		for l, v := range moves {
			s.target[l] = v
		}
		return s.send("\r\n", ":A")
	case "W":
		out := []string{":A"}
		for _, l := range fields[1:] {
			v, ok := s.pos[l]
			if !ok {
				return s.send("\r\n", ":N-1")
			}
			out = append(out, strconv.FormatFloat(v, 'f', 0, 64))
		}
		return s.send("\r\n", "%s", strings.Join(out, " "))
	}
	if err := s.send("\r\n", ":N-6"); err != nil {
		return err
	}
	return fmt.Errorf("unknown command %q", fields[0])
}
