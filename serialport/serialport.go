// Package serialport implements a synchronous, line-oriented request/response
// transport over a serial link.
package serialport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tarm/serial"
)

var (
	// ErrConnection is returned when the port cannot be opened.
	ErrConnection = errors.New("serial connection failed")
	// ErrTimeout is returned when no line terminator arrives within the read timeout.
	ErrTimeout = errors.New("serial read timed out")
	// ErrIO wraps lower-level transport failures.
	ErrIO = errors.New("serial i/o error")
	// ErrClosed is returned by a port that has been closed.
	ErrClosed = errors.New("serial port closed")
)

// Transport is the request/response contract consumed by the device variants.
type Transport interface {
	// SendCommand clears pending data, writes cmd and returns the next
	// newline-terminated response line, terminator included.
	SendCommand(cmd []byte) (string, error)
	// Send writes cmd without waiting for a response.
	Send(cmd []byte) error
	Close() error
}

// Config selects the port and its framing.
type Config struct {
	Name string
	Baud int
	// Parity is 'N', 'E' or 'O'. Zero means none.
	Parity byte
	// StopBits is 1 or 2. Zero means 1.
	StopBits    int
	ReadTimeout time.Duration
}

// DefaultReadTimeout applies when Config.ReadTimeout is zero.
const DefaultReadTimeout = 1 * time.Second

func (c Config) serialConfig() (*serial.Config, error) {
	sc := &serial.Config{Name: c.Name, Baud: c.Baud, ReadTimeout: c.timeout()}
	switch c.Parity {
	case 0, 'N':
		sc.Parity = serial.ParityNone
	case 'E':
		sc.Parity = serial.ParityEven
	case 'O':
		sc.Parity = serial.ParityOdd
	default:
		return nil, fmt.Errorf("unsupported parity %q", c.Parity)
	}
	switch c.StopBits {
	case 0, 1:
		sc.StopBits = serial.Stop1
	case 2:
		sc.StopBits = serial.Stop2
	default:
		return nil, fmt.Errorf("unsupported stop bits %d", c.StopBits)
	}
	return sc, nil
}

func (c Config) timeout() time.Duration {
	if c.ReadTimeout <= 0 {
		return DefaultReadTimeout
	}
	return c.ReadTimeout
}

// Port is an exclusively owned serial connection. All methods are safe for
// concurrent use; requests are serialized.
type Port struct {
	name    string
	timeout time.Duration

	mu     sync.Mutex
	rw     io.ReadWriteCloser
	br     *bufio.Reader
	closed bool
}

// Open opens the named port with the given framing.
func Open(c Config) (*Port, error) {
	sc, err := c.serialConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrConnection, c.Name, err)
	}
	s, err := serial.OpenPort(sc)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %q: %v", ErrConnection, c.Name, err)
	}
	log.Printf("opened %q", c.Name)
	p := NewPort(s, c.timeout())
	p.name = c.Name
	return p, nil
}

// NewPort wraps an already open stream. Streams that support read deadlines
// (net.Conn) use them for the timeout; others are expected to return from
// Read with no data once their own timeout expires, as tarm/serial does.
func NewPort(rw io.ReadWriteCloser, timeout time.Duration) *Port {
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	return &Port{name: fmt.Sprintf("%T", rw), timeout: timeout, rw: rw, br: bufio.NewReader(rw)}
}

type flusher interface {
	Flush() error
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// drainWindow is how long reset waits for each chunk of stale input on a
// stream with read deadlines.
const drainWindow = 10 * time.Millisecond

func (p *Port) SendCommand(cmd []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrClosed
	}
	if err := p.reset(); err != nil {
		return "", err
	}
	if err := p.write(cmd); err != nil {
		return "", err
	}
	line, err := p.readLine()
	if err != nil {
		return line, err
	}
	log.Printf("%s: sent %q received %q", p.name, cmd, line)
	return line, nil
}

func (p *Port) Send(cmd []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := p.write(cmd); err != nil {
		return err
	}
	log.Printf("%s: sent %q", p.name, cmd)
	return nil
}

// write gives up after the port timeout on streams that support write
// deadlines, so a device that stops reading cannot hold the port.
func (p *Port) write(cmd []byte) error {
	if d, ok := p.rw.(writeDeadliner); ok {
		d.SetWriteDeadline(time.Now().Add(p.timeout))
		defer d.SetWriteDeadline(time.Time{})
	}
	if _, err := p.rw.Write(cmd); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("%w: writing %q after %v", ErrTimeout, cmd, p.timeout)
		}
		return fmt.Errorf("%w: writing %q: %v", ErrIO, cmd, err)
	}
	return nil
}

// reset discards anything buffered in either direction.
func (p *Port) reset() error {
	p.br.Reset(p.rw)
	if f, ok := p.rw.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("%w: flushing: %v", ErrIO, err)
		}
		return nil
	}
	d, ok := p.rw.(deadliner)
	if !ok {
		return nil
	}
	// Drain late replies to earlier commands. A deadline of now would fail
	// before looking at pending data, so each read gets a short window.
	defer d.SetReadDeadline(time.Time{})
	buf := make([]byte, 256)
	limit := time.Now().Add(p.timeout)
	for time.Now().Before(limit) {
		if err := d.SetReadDeadline(time.Now().Add(drainWindow)); err != nil {
			return nil
		}
		n, err := p.rw.Read(buf)
		if n > 0 {
			log.Printf("%s: discarded %q", p.name, buf[:n])
		}
		if n == 0 || err != nil {
			break
		}
	}
	return nil
}

func (p *Port) readLine() (string, error) {
	deadline := time.Now().Add(p.timeout)
	if d, ok := p.rw.(deadliner); ok {
		d.SetReadDeadline(deadline)
		defer d.SetReadDeadline(time.Time{})
	}
	var line []byte
	for {
		b, err := p.br.ReadByte()
		switch {
		case err == nil:
			line = append(line, b)
			if b == '\n' {
				return string(line), nil
			}
			continue
		case errors.Is(err, os.ErrDeadlineExceeded):
			return string(line), fmt.Errorf("%w after %v (partial %q)", ErrTimeout, p.timeout, line)
		case errors.Is(err, io.EOF):
			// tarm/serial reports an expired read timeout as a zero-length read.
			if _, ok := p.rw.(deadliner); ok {
				return string(line), fmt.Errorf("%w: %v", ErrIO, err)
			}
		default:
			return string(line), fmt.Errorf("%w: reading: %v", ErrIO, err)
		}
		if time.Now().After(deadline) {
			return string(line), fmt.Errorf("%w after %v (partial %q)", ErrTimeout, p.timeout, line)
		}
		p.br.Reset(p.rw)
	}
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.rw.Close()
}
