// Command servo_bridge exposes a modbus RTU servo drive on a local serial
// port to a remote spimd over HTTP.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/gorilla/mux"
	"github.com/lightsheet/spimctl/internal/modbus/modbushttp"
)

var (
	addr       = flag.String("addr", "127.0.0.1:8503", "address to listen on")
	password   = flag.String("password", "", "password to require on remote connections")
	serialPort = flag.String("serial", "", "servo serial port name")
	baud       = flag.Int("baud", 19200, "servo baud rate")
	slaveID    = flag.Int("slave_id", 1, "servo modbus slave id")
)

var errSlaveID = errors.New("modbus slave id must be in 1..247")

func checkSlaveID(id int) (byte, error) {
	if id < 1 || id > 247 {
		return 0, fmt.Errorf("%w, got %d", errSlaveID, id)
	}
	return byte(id), nil
}

// sender is the part of a modbus handler the bridge forwards to.
type sender interface {
	Send(aduRequest []byte) ([]byte, error)
}

// Health reports what the bridge has forwarded since it started.
type Health struct {
	Port      string `json:"port"`
	SlaveID   byte   `json:"slave_id"`
	Frames    int    `json:"frames"`
	Failures  int    `json:"failures"`
	LastError string `json:"last_error,omitempty"`
}

// Bridge forwards RTU frames addressed to one drive. Frames are sent one at
// a time since the drive shares a half-duplex line.
type Bridge struct {
	drive    sender
	password string

	mu     sync.Mutex
	health Health
}

func newRTUHandler(port string, baud int, slaveID byte) *modbus.RTUClientHandler {
	handler := modbus.NewRTUClientHandler(port)
	handler.BaudRate = baud
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.Timeout = 1 * time.Second
	handler.SlaveId = slaveID
	return handler
}

func NewBridge(drive sender, port string, slaveID byte, password string) *Bridge {
	return &Bridge{
		drive:    drive,
		password: password,
		health:   Health{Port: port, SlaveID: slaveID},
	}
}

// forward sends one frame to the drive. Frames for other slaves are refused
// without touching the line.
func (b *Bridge) forward(adu []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(adu) == 0 || adu[0] != b.health.SlaveID {
		return nil, fmt.Errorf("frame not addressed to slave %d", b.health.SlaveID)
	}
	resp, err := b.drive.Send(adu)
	b.health.Frames++
	if err != nil {
		b.health.Failures++
		b.health.LastError = err.Error()
	}
	return resp, err
}

func (b *Bridge) SendHandler(w http.ResponseWriter, r *http.Request) {
	_, pass, ok := r.BasicAuth()
	if b.password != "" && (!ok || pass != b.password) {
		http.Error(w, "wrong password", http.StatusUnauthorized)
		return
	}
	adu, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := modbushttp.SendResponse{}
	resp.ADUResponse, err = b.forward(adu)
	if err != nil {
		log.Printf("forwarding % x: %v", adu, err)
		resp.Error = err.Error()
	}
	writeJSON(w, resp)
}

func (b *Bridge) HealthHandler(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	h := b.health
	b.mu.Unlock()
	writeJSON(w, h)
}

func writeJSON(w http.ResponseWriter, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Print(err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func main() {
	flag.Parse()
	id, err := checkSlaveID(*slaveID)
	if err != nil {
		log.Fatal(err)
	}
	if *serialPort == "" {
		log.Fatal("no -serial port given")
	}
	handler := newRTUHandler(*serialPort, *baud, id)
	if err := handler.Connect(); err != nil {
		log.Fatalf("opening %q: %v", *serialPort, err)
	}
	defer handler.Close()
	bridge := NewBridge(handler, *serialPort, id, *password)
	r := mux.NewRouter()
	r.Handle("/api/send", http.HandlerFunc(bridge.SendHandler)).Methods(http.MethodPost)
	r.Handle("/api/health", http.HandlerFunc(bridge.HealthHandler)).Methods(http.MethodGet)
	r.PathPrefix("/debug").Handler(http.DefaultServeMux)
	srv := &http.Server{
		Handler:      r,
		Addr:         *addr,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	log.Printf("forwarding to slave %d on %q; listening on %v", id, *serialPort, srv.Addr)
	log.Fatal(srv.ListenAndServe())
}
