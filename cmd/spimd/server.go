package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/lightsheet/spimctl/microscope"
	"github.com/lightsheet/spimctl/state"
)

type Server struct {
	m *microscope.Microscope
}

func NewServer(m *microscope.Microscope) *Server {
	return &Server{m: m}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StateMessage is one published snapshot.
type StateMessage struct {
	Version uint64         `json:"version"`
	State   map[string]any `json:"state"`
}

func snapshotMessage(s state.Snapshot) StateMessage {
	return StateMessage{Version: s.Version, State: s.Values}
}

// StateHandler returns the requested keys (all keys without a key
// parameter) as one consistent snapshot.
func (s *Server) StateHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.m.State().GetMany(r.URL.Query()["key"]...)
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(snapshotMessage(snap))
	if err != nil {
		log.Print(err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(data)
}

type Command struct {
	Command string `json:"command"`
	// Label is the zoom or filter for set_zoom and set_filter.
	Label string `json:"label"`
	// Axes holds absolute positions or deltas keyed by axis name.
	Axes map[string]float64 `json:"axes"`
	// Names lists the axes for zero_axes and unzero_axes.
	Names    []string       `json:"names"`
	Requests map[string]any `json:"requests"`
	// Track holds explicit references for focus_track. Without it the two
	// latest marked references are used.
	Track *microscope.FocusTrack `json:"track"`
	Wait  bool                   `json:"wait"`
}

type CommandResult struct {
	Command string `json:"command"`
	Error   string `json:"error,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Reference is a marked focus tracking point.
type Reference struct {
	Z float64 `json:"z_pos"`
	F float64 `json:"f_pos"`
}

func parseAxes(in map[string]float64) (map[state.Axis]float64, error) {
	out := make(map[state.Axis]float64, len(in))
	for name, v := range in {
		a, err := state.ParseAxis(name)
		if err != nil {
			return nil, err
		}
		out[a] = v
	}
	return out, nil
}

func parseAxisNames(names []string) ([]state.Axis, error) {
	if len(names) == 0 {
		return nil, errors.New("no axes given")
	}
	out := make([]state.Axis, 0, len(names))
	for _, name := range names {
		a, err := state.ParseAxis(name)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// execute runs one command. The returned value, if any, is sent back as the
// command result.
func (s *Server) execute(msg Command) (any, error) {
	switch msg.Command {
	case "set_zoom":
		return nil, s.m.SetZoom(msg.Label, msg.Wait)
	case "set_filter":
		return nil, s.m.SetFilter(msg.Label, msg.Wait)
	case "move_absolute", "move_relative":
		axes, err := parseAxes(msg.Axes)
		if err != nil {
			return nil, err
		}
		if msg.Command == "move_absolute" {
			return nil, s.m.MoveAbsolute(axes, msg.Wait)
		}
		return nil, s.m.MoveRelative(axes, msg.Wait)
	case "stop":
		return nil, s.m.Stop()
	case "apply":
		return nil, s.m.Apply(msg.Requests, msg.Wait)
	case "refresh":
		return nil, s.m.RefreshPosition()
	case "zero_axes", "unzero_axes":
		axes, err := parseAxisNames(msg.Names)
		if err != nil {
			return nil, err
		}
		if msg.Command == "zero_axes" {
			return nil, s.m.ZeroAxes(axes)
		}
		s.m.UnzeroAxes(axes)
		return nil, nil
	case "load_sample":
		return nil, s.m.LoadSample(msg.Wait)
	case "unload_sample":
		return nil, s.m.UnloadSample(msg.Wait)
	case "mark_rotation_position":
		s.m.MarkRotationPosition()
		return nil, nil
	case "go_to_rotation_position":
		return nil, s.m.GoToRotationPosition(msg.Wait)
	case "mark_reference":
		z, f := s.m.MarkReference()
		return Reference{Z: z, F: f}, nil
	case "focus_track":
		if t := msg.Track; t != nil {
			track, err := microscope.NewFocusTrack(t.Z1, t.F1, t.Z2, t.F2)
			if err != nil {
				return nil, err
			}
			s.m.SetFocusTracking(track)
			return track, nil
		}
		track, err := s.m.TrackMarkedReferences()
		if err != nil {
			return nil, err
		}
		return track, nil
	case "focus_track_off":
		s.m.SetFocusTracking(nil)
		return nil, nil
	}
	return nil, fmt.Errorf("unknown command %q", msg.Command)
}

// StateSocketHandler sends a snapshot on connect and after every change,
// and executes commands received on the socket. Changes that arrive while a
// snapshot is being sent are coalesced into the next one.
func (s *Server) StateSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			// Commands run in their own goroutine so a long move does not
			// block stop.
			go func() {
				result, err := s.execute(msg)
				res := CommandResult{Command: msg.Command, Result: result}
				if err != nil {
					log.Printf("%v: %s: %v", r.RemoteAddr, msg.Command, err)
					res.Error = err.Error()
				}
				if err := send(res); err != nil {
					log.Print(err)
				}
			}()
		}
	}()

	changes, stop := s.m.State().Changes()
	defer stop()
	for {
		if err := send(snapshotMessage(s.m.State().GetMany())); err != nil {
			log.Print(err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-changes:
		}
	}
}
