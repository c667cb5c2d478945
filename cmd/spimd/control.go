package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"

	"github.com/lightsheet/spimctl/microscope"
	"github.com/lightsheet/spimctl/state"
)

// Reply codes for the control protocol.
const (
	rprtOK      = 0
	rprtIO      = -5
	rprtInvalid = -22
)

// ListenControl serves the line-oriented control protocol on addr until ctx
// is done.
func (s *Server) ListenControl(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		log.Print("shutdown; closing control socket")
		ln.Close()
	}()
	go func() {
		for ctx.Err() == nil {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("failed to accept: %v", err)
				}
				continue
			}
			go s.handleControl(conn)
		}
	}()
	return nil
}

// parseAxisArgs reads "axis value" pairs.
func parseAxisArgs(args []string) (map[state.Axis]float64, error) {
	if len(args) == 0 || len(args)%2 != 0 {
		return nil, fmt.Errorf("want axis value pairs, got %d arguments", len(args))
	}
	out := make(map[state.Axis]float64, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		a, err := state.ParseAxis(args[i])
		if err != nil {
			return nil, err
		}
		v, err := strconv.ParseFloat(args[i+1], 64)
		if err != nil {
			return nil, err
		}
		out[a] = v
	}
	return out, nil
}

func (s *Server) handleControl(conn net.Conn) {
	defer conn.Close()
	log.Printf("accepted connection from %v", conn.RemoteAddr())
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		s.controlCommand(conn, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		log.Printf("reading from %v: %v", conn.RemoteAddr(), err)
	}
}

// controlCommand executes one line. Two forms of command: single character,
// or "+\" followed by the command name.
func (s *Server) controlCommand(w io.Writer, cmd string) {
	var args []string
	var extended bool
	if len(cmd) == 0 {
		return
	} else if len(cmd) > 2 && cmd[0:2] == `+\` {
		extended = true
		parts := strings.Fields(cmd[2:])
		if len(parts) == 0 {
			return
		}
		cmd = parts[0]
		args = parts[1:]
		fmt.Fprintf(w, "%s:\n", cmd)
	} else {
		// Space after command is optional.
		args = strings.Fields(cmd[1:])
		cmd = string(cmd[0])
	}
	log.Printf("control command: %q args: %#v", cmd, args)
	rprt := rprtInvalid
	fail := func(err error) {
		log.Printf("%s: %v", cmd, err)
		rprt = rprtIO
	}
	switch cmd {
	case "1", "dump_caps":
		fmt.Fprint(w, `Model name: spimd
Axes: x y z f theta
Can set Position: Y
Can get Position: Y
Can set Zoom: Y
Can set Filter: Y
Can Stop: Y
Can zero Axes: Y
Can load Sample: Y
Can track Focus: Y
`)
		rprt = rprtOK
	case "S", "stop":
		extended = true // always print RPRT
		rprt = rprtOK
		if err := s.m.Stop(); err != nil {
			fail(err)
		}
	case "P", "set_pos", "R", "move_rel":
		extended = true
		moves, err := parseAxisArgs(args)
		if err != nil {
			break
		}
		rprt = rprtOK
		if cmd == "P" || cmd == "set_pos" {
			err = s.m.MoveAbsolute(moves, true)
		} else {
			err = s.m.MoveRelative(moves, true)
		}
		if err != nil {
			fail(err)
		}
	case "Z", "set_zoom", "F", "set_filter":
		extended = true
		if len(args) != 1 {
			break
		}
		rprt = rprtOK
		var err error
		if cmd == "Z" || cmd == "set_zoom" {
			err = s.m.SetZoom(args[0], true)
		} else {
			err = s.m.SetFilter(args[0], true)
		}
		if err != nil {
			fail(err)
		}
	case "p", "get_pos":
		p := s.m.State().Position()
		for _, a := range state.Axes {
			if extended {
				fmt.Fprintf(w, "%s: %.3f\n", a, p.Get(a))
			} else {
				fmt.Fprintf(w, "%.3f\n", p.Get(a))
			}
		}
		rprt = rprtOK
	case "zero_axes", "unzero_axes":
		axes, err := parseAxisNames(args)
		if err != nil {
			break
		}
		rprt = rprtOK
		if cmd == "zero_axes" {
			if err := s.m.ZeroAxes(axes); err != nil {
				fail(err)
			}
		} else {
			s.m.UnzeroAxes(axes)
		}
	case "load_sample", "unload_sample", "go_to_rotation_position":
		rprt = rprtOK
		var err error
		switch cmd {
		case "load_sample":
			err = s.m.LoadSample(true)
		case "unload_sample":
			err = s.m.UnloadSample(true)
		default:
			err = s.m.GoToRotationPosition(true)
		}
		if err != nil {
			fail(err)
		}
	case "mark_rotation_position":
		s.m.MarkRotationPosition()
		rprt = rprtOK
	case "mark_reference":
		z, f := s.m.MarkReference()
		fmt.Fprintf(w, "z: %.3f\nf: %.3f\n", z, f)
		rprt = rprtOK
	case "focus_track":
		var refs []float64
		for _, a := range args {
			v, err := strconv.ParseFloat(a, 64)
			if err != nil {
				break
			}
			refs = append(refs, v)
		}
		if len(refs) != len(args) || (len(refs) != 0 && len(refs) != 4) {
			break
		}
		rprt = rprtOK
		if len(refs) == 0 {
			if _, err := s.m.TrackMarkedReferences(); err != nil {
				fail(err)
			}
			break
		}
		track, err := microscope.NewFocusTrack(refs[0], refs[1], refs[2], refs[3])
		if err != nil {
			fail(err)
			break
		}
		s.m.SetFocusTracking(track)
	case "focus_track_off":
		s.m.SetFocusTracking(nil)
		rprt = rprtOK
	case "z", "get_zoom":
		snap := s.m.State().GetMany(state.KeyZoom, state.KeyPixelSize)
		if extended {
			fmt.Fprintf(w, "Zoom: %v\nPixel size: %v\n", snap.Values[state.KeyZoom], snap.Values[state.KeyPixelSize])
		} else {
			fmt.Fprintf(w, "%v\n%v\n", snap.Values[state.KeyZoom], snap.Values[state.KeyPixelSize])
		}
		rprt = rprtOK
	}
	if extended || rprt != rprtOK {
		fmt.Fprintf(w, "RPRT %d\n", rprt)
	}
}
