// Package modbus opens modbus RTU connections to servo drives, either on a
// local serial port or through a servo_bridge over HTTP.
package modbus

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/goburrow/modbus"
	"github.com/lightsheet/spimctl/internal/modbus/modbushttp"
	"github.com/lightsheet/spimctl/serialport"
)

type modbusHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

type Client struct {
	// Port and BaudRate create a local serial connection
	Port string
	// BaudRate defaults to 19200
	BaudRate int
	SlaveId  byte
	// URL creates a remote connection
	URL string
	// Password authenticates against the bridge at URL
	Password string
	// Debug logs every frame
	Debug bool

	handler modbusHandler
	modbus.Client
}

// Open connects the handler. Errors wrap serialport.ErrConnection so callers
// treat local and remote links alike.
func (c *Client) Open() error {
	port := c.URL
	if c.URL != "" {
		c.handler = modbushttp.NewClient(c.URL, c.Password, c.SlaveId)
	} else {
		port = c.Port
		baud := c.BaudRate
		if baud == 0 {
			baud = 19200
		}
		handler := modbus.NewRTUClientHandler(c.Port)
		handler.BaudRate = baud
		handler.DataBits = 8
		handler.Parity = "N"
		handler.StopBits = 1
		handler.Timeout = 1 * time.Second
		handler.SlaveId = c.SlaveId
		if c.Debug {
			handler.Logger = log.New(os.Stderr, "modbus: ", log.Ldate|log.Ltime|log.Lmicroseconds)
		}
		c.handler = handler
	}
	if err := c.handler.Connect(); err != nil {
		return fmt.Errorf("%w: opening %q: %v", serialport.ErrConnection, port, err)
	}
	log.Printf("opened %q", port)
	c.Client = modbus.NewClient(c.handler)
	return nil
}

func (c *Client) Close() error {
	if c.handler == nil {
		return nil
	}
	return c.handler.Close()
}

// Int32ToRegisters encodes v as two big-endian holding registers, high word
// first.
func Int32ToRegisters(v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}

// RegistersToInt32 decodes two big-endian holding registers.
func RegistersToInt32(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b))
}
