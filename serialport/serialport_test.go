package serialport

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// echoDevice answers every \r terminated command with reply(cmd).
func echoDevice(t *testing.T, reply func(cmd string) string) *Port {
	t.Helper()
	a, b := net.Pipe()
	go func() {
		defer b.Close()
		r := bufio.NewReader(b)
		for {
			cmd, err := r.ReadString('\r')
			if err != nil {
				return
			}
			if out := reply(cmd); out != "" {
				if _, err := io.WriteString(b, out); err != nil {
					return
				}
			}
		}
	}()
	p := NewPort(a, 200*time.Millisecond)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestSendCommand(t *testing.T) {
	p := echoDevice(t, func(cmd string) string {
		if cmd == "RRDSTU\r" {
			return "ROK000001\r\n"
		}
		return "RNG\r\n"
	})
	got, err := p.SendCommand([]byte("RRDSTU\r"))
	require.NoError(t, err)
	require.Equal(t, "ROK000001\r\n", got)

	got, err = p.SendCommand([]byte("XYZ\r"))
	require.NoError(t, err)
	require.Equal(t, "RNG\r\n", got)
}

func TestSendCommandTimeout(t *testing.T) {
	p := echoDevice(t, func(cmd string) string {
		return "ROK"
	})
	_, err := p.SendCommand([]byte("RRDSTU\r"))
	require.ErrorIs(t, err, ErrTimeout)
}

func TestSendCommandSilentDevice(t *testing.T) {
	p := echoDevice(t, func(cmd string) string { return "" })
	start := time.Now()
	_, err := p.SendCommand([]byte("RRDSTU\r"))
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 2*time.Second)
}

// A reply that arrives after the read timeout must neither block the next
// request nor be mistaken for its answer.
func TestLateReply(t *testing.T) {
	var n atomic.Int32
	p := echoDevice(t, func(cmd string) string {
		if n.Add(1) == 1 {
			time.Sleep(300 * time.Millisecond)
		}
		return "ack " + strings.TrimSpace(cmd) + "\r\n"
	})
	_, err := p.SendCommand([]byte("first\r"))
	require.ErrorIs(t, err, ErrTimeout)

	done := make(chan error, 1)
	go func() {
		_, err := p.SendCommand([]byte("second\r"))
		done <- err
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("SendCommand blocked behind a late reply")
	}

	got, err := p.SendCommand([]byte("third\r"))
	require.NoError(t, err)
	require.Equal(t, "ack third\r\n", got)
}

func TestClosed(t *testing.T) {
	p := echoDevice(t, func(cmd string) string { return "ROK\r\n" })
	require.NoError(t, p.Close())
	_, err := p.SendCommand([]byte("RWRMVA\r"))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, p.Send([]byte("x")), ErrClosed)
}

type failingWriter struct {
	bytes.Buffer
}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("cable unplugged") }
func (failingWriter) Close() error              { return nil }

func TestWriteFailure(t *testing.T) {
	p := NewPort(&failingWriter{}, 10*time.Millisecond)
	_, err := p.SendCommand([]byte("RWRMVA\r"))
	require.ErrorIs(t, err, ErrIO)
}

func TestConfigValidation(t *testing.T) {
	for _, c := range []Config{
		{Name: "/dev/null", Parity: 'X'},
		{Name: "/dev/null", StopBits: 3},
	} {
		_, err := Open(c)
		require.ErrorIs(t, err, ErrConnection)
	}
}
