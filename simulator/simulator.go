// Package simulator provides in-process stand-ins for the serial devices, so
// the controller can run without hardware. Each simulator owns one end of a
// net.Pipe; the other end is handed to serialport.NewPort.
package simulator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Discrete simulation step size
const stepSize = 25 * time.Millisecond

// device is the line-oriented plumbing shared by all simulators.
type device struct {
	name string
	conn net.Conn
	mu   sync.Mutex
	// handle is called with the lock held for every received line.
	handle func(line string) error
	// step advances motion by one stepSize, with the lock held. May be nil.
	step func()
}

func newDevice(name string) (*device, net.Conn) {
	a, b := net.Pipe()
	return &device{name: name, conn: a}, b
}

// scanLines splits on either '\r' or '\n', dropping empty lines.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
		start++
	}
	if i := bytes.IndexAny(data[start:], "\r\n"); i >= 0 {
		return start + i + 1, data[start : start+i], nil
	}
	if atEOF && start < len(data) {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}

// Run serves the device until ctx is done or the other end is closed.
func (d *device) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		d.conn.Close()
		return nil
	})
	if d.step != nil {
		g.Go(func() error {
			t := time.NewTicker(stepSize)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
				}
				d.mu.Lock()
				d.step()
				d.mu.Unlock()
			}
		})
	}
	g.Go(func() error {
		err := d.reader()
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = io.EOF
		}
		return fmt.Errorf("%s: %w", d.name, err)
	})
	return g.Wait()
}

func (d *device) reader() error {
	scanner := bufio.NewScanner(d.conn)
	scanner.Split(scanLines)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		log.Printf("srv->%s: %q", d.name, input)
		d.mu.Lock()
		err := d.handle(input)
		d.mu.Unlock()
		if errors.Is(err, io.ErrClosedPipe) {
			return err
		}
		if err != nil {
			log.Printf("%s: handling %q: %v", d.name, input, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading port: %w", err)
	}
	return nil
}

// send writes one response line terminated by term.
func (d *device) send(term, format string, args ...interface{}) error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	log.Printf("%s->srv: %q", d.name, msg)
	_, err := io.WriteString(d.conn, msg+term)
	return err
}

// approach moves cur toward target by at most maxStep.
func approach(cur, target, maxStep float64) float64 {
	switch {
	case target > cur+maxStep:
		return cur + maxStep
	case target < cur-maxStep:
		return cur - maxStep
	}
	return target
}
