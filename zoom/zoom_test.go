package zoom

import (
	"bytes"
	"encoding/binary"
	"errors"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/lightsheet/spimctl/internal/modbus"
	"github.com/lightsheet/spimctl/serialport"
	"github.com/stretchr/testify/require"
)

// scriptedTransport answers commands from a map and records what was sent.
type scriptedTransport struct {
	replies map[string]string
	err     error
	sent    []string
	closed  bool
}

func (s *scriptedTransport) SendCommand(cmd []byte) (string, error) {
	s.sent = append(s.sent, string(cmd))
	if s.err != nil {
		return "", s.err
	}
	return s.replies[string(cmd)], nil
}

func (s *scriptedTransport) Send(cmd []byte) error {
	s.sent = append(s.sent, string(cmd))
	return s.err
}

func (s *scriptedTransport) Close() error {
	s.closed = true
	return nil
}

var mitutoyoTable = NewTable(map[string]string{
	"2x":   "A",
	"5x":   "B",
	"7.5x": "C",
	"10x":  "D",
	"20x":  "E",
	"bad":  "F",
})

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	return &buf
}

func TestTable(t *testing.T) {
	src := map[string]string{"2x": "A"}
	table := NewTable(src)
	src["2x"] = "B"
	for i := 0; i < 3; i++ {
		got, err := table.Lookup("2x")
		require.NoError(t, err)
		require.Equal(t, "A", got)
	}
	_, err := table.Lookup("3x")
	require.ErrorIs(t, err, ErrUnknownZoomLabel)
	require.Equal(t, []string{"10x", "20x", "2x", "5x", "7.5x", "bad"}, mitutoyoTable.Labels())
}

func TestParseTable(t *testing.T) {
	counts, err := ParseTable[int32](map[string]string{"1x": "0", "2x": "819"})
	require.NoError(t, err)
	v, _ := counts.Lookup("2x")
	require.Equal(t, int32(819), v)

	angles, err := ParseTable[float64](map[string]string{"2x": "90.5"})
	require.NoError(t, err)
	a, _ := angles.Lookup("2x")
	require.Equal(t, 90.5, a)

	_, err = ParseTable[int32](map[string]string{"2x": "A"})
	require.Error(t, err)
}

func TestDemo(t *testing.T) {
	d := NewDemo(mitutoyoTable)
	d.duration = 0
	require.NoError(t, d.SetZoom("2x", true))
	require.ErrorIs(t, d.SetZoom("3x", false), ErrUnknownZoomLabel)
}

func TestRevolverHandshake(t *testing.T) {
	for _, test := range []struct {
		name  string
		reply string
		ready bool
	}{
		{"ok", "ROK000001\r\n", true},
		{"ok with trailer", "ROK000001XYZ\r\n", true},
		{"wrong status", "ROK000002\r\n", false},
		{"empty", "", false},
	} {
		t.Run(test.name, func(t *testing.T) {
			logs := captureLog(t)
			tr := &scriptedTransport{replies: map[string]string{"RRDSTU\r": test.reply}}
			r := NewRevolver(mitutoyoTable, tr)
			require.Equal(t, test.ready, r.Ready())
			require.Equal(t, []string{"RRDSTU\r"}, tr.sent)
			if !test.ready {
				require.Contains(t, logs.String(), "initialization failed")
			}
		})
	}
}

func TestRevolverSetZoom(t *testing.T) {
	tr := &scriptedTransport{replies: map[string]string{
		"RRDSTU\r": "ROK000001\r\n",
		"RWRMVB\r": "ROK\r\n",
		"RWRMVC\r": "RNG\r\n",
	}}
	r := NewRevolver(mitutoyoTable, tr)

	require.NoError(t, r.SetZoom("5x", true))
	require.ErrorIs(t, r.SetZoom("7.5x", false), ErrProtocol)
	require.ErrorIs(t, r.SetZoom("3x", false), ErrUnknownZoomLabel)

	if diff := cmp.Diff([]string{"RRDSTU\r", "RWRMVB\r", "RWRMVC\r"}, tr.sent); diff != "" {
		t.Errorf("unexpected commands: got(+)/want(-):\n%s", diff)
	}
}

func TestRevolverRejectsPositionBeforeWriting(t *testing.T) {
	tr := &scriptedTransport{replies: map[string]string{"RRDSTU\r": "ROK000001\r\n"}}
	r := NewRevolver(mitutoyoTable, tr)
	tr.sent = nil
	require.ErrorIs(t, r.SetZoom("bad", false), ErrInvalidPosition)
	require.Empty(t, tr.sent)
}

func TestRevolverUnavailable(t *testing.T) {
	logs := captureLog(t)
	r := OpenRevolver(mitutoyoTable, serialport.Config{Name: "/dev/null", Parity: 'X'})
	require.False(t, r.Ready())
	require.Contains(t, logs.String(), "revolver: serial connection failed")
	require.NotContains(t, logs.String(), "serial connection failed: serial connection failed")
	err := r.SetZoom("2x", false)
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, serialport.ErrConnection)
	require.NoError(t, r.Close())
}

func TestRevolverTransportError(t *testing.T) {
	tr := &scriptedTransport{replies: map[string]string{"RRDSTU\r": "ROK000001\r\n"}}
	r := NewRevolver(mitutoyoTable, tr)
	tr.err = serialport.ErrTimeout
	require.ErrorIs(t, r.SetZoom("2x", false), serialport.ErrTimeout)
}

func TestWithinTolerance(t *testing.T) {
	for _, test := range []struct {
		current, target float64
		want            bool
	}{
		{10.0, 10.05, true},
		{10.0, 10.0, true},
		{10.0, 10.1, false},
		{10.0, 9.85, false},
		{90.0, 0, false},
	} {
		if got := WithinTolerance(test.current, test.target, DefaultTolerance); got != test.want {
			t.Errorf("WithinTolerance(%v, %v) = %v, want %v", test.current, test.target, got, test.want)
		}
	}
}

func TestTurret(t *testing.T) {
	tr := &scriptedTransport{replies: map[string]string{
		"POS? 1\n": "1=10.0000\n",
		"ERR?\n":   "0\n",
		"ONT? 1\n": "1=1\n",
	}}
	tu := NewTurret(tr)

	need, current, err := tu.NeedsRotation(10.05)
	require.NoError(t, err)
	require.False(t, need)
	require.Equal(t, 10.0, current)

	need, _, err = tu.NeedsRotation(90)
	require.NoError(t, err)
	require.True(t, need)

	require.NoError(t, tu.MoveRotation(90))
	require.NoError(t, tu.WaitRotation(time.Second))
	require.Equal(t, []string{"POS? 1\n", "POS? 1\n", "MOV 1 90.0000\n", "ERR?\n", "ONT? 1\n"}, tr.sent)
}

func TestTurretErrors(t *testing.T) {
	tr := &scriptedTransport{replies: map[string]string{
		"POS? 1\n": "2=10\n",
		"ERR?\n":   "7\n",
		"ONT? 1\n": "1=x\n",
	}}
	tu := NewTurret(tr)
	_, err := tu.Rotation()
	require.ErrorIs(t, err, ErrProtocol)
	require.ErrorIs(t, tu.MoveRotation(90), ErrProtocol)
	_, err = tu.RotationOnTarget()
	require.ErrorIs(t, err, ErrProtocol)
	require.ErrorIs(t, tu.MoveRotation(nan()), ErrInvalidPosition)
}

func TestTurretWaitUsesShorterBudget(t *testing.T) {
	tr := &scriptedTransport{replies: map[string]string{"ONT? 1\n": "1=0\n"}}
	tu := NewTurret(tr)
	start := time.Now()
	require.Error(t, tu.WaitRotation(30*time.Millisecond))
	require.Less(t, time.Since(start), time.Second)
}

func TestTurretUnavailable(t *testing.T) {
	logs := captureLog(t)
	tu := OpenTurret(serialport.Config{Name: "/dev/does-not-exist"})
	require.Contains(t, logs.String(), "turret: serial connection failed")
	require.NotContains(t, logs.String(), "serial connection failed: serial connection failed")

	_, _, err := tu.NeedsRotation(90)
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, serialport.ErrConnection)
	require.ErrorIs(t, tu.MoveRotation(90), ErrUnavailable)
	require.NoError(t, tu.Close())
}

func nan() float64 {
	var zero float64
	return zero / zero
}

type fakeRegisters struct {
	m      ServoRegisters
	goal   int32
	status uint16
	writes int
	err    error
}

func (f *fakeRegisters) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	switch address {
	case f.m.Present:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(f.goal))
		return b, nil
	case f.m.Status:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, f.status)
		return b, nil
	}
	return nil, errors.New("illegal data address")
}

func (f *fakeRegisters) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	if address != f.m.Goal || quantity != 2 {
		return nil, errors.New("illegal data address")
	}
	f.writes++
	f.goal = int32(binary.BigEndian.Uint32(value))
	f.status = 1 << f.m.InPositionBit
	return value, nil
}

func TestServo(t *testing.T) {
	logs := captureLog(t)
	regs := &fakeRegisters{m: DefaultServoRegisters}
	s := NewServo(NewTable(map[string]int32{"1x": 0, "2x": -2048}), DefaultServoRegisters, regs)
	require.NoError(t, s.SetZoom("2x", true))
	require.Contains(t, logs.String(), "servo zoom set to 2x (-2048 counts, at -2048)")

	require.ErrorIs(t, s.SetZoom("4x", true), ErrUnknownZoomLabel)
	require.Equal(t, 1, regs.writes)

	regs.status = 1 << DefaultServoRegisters.FaultBit
	_, err := s.InPosition()
	require.ErrorIs(t, err, ErrServoFault)

	regs.err = errors.New("crc mismatch")
	err = s.SetZoom("1x", false)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "crc mismatch"))
}

func TestServoRegisterMap(t *testing.T) {
	m := ServoRegisters{Goal: 0x6040, Present: 0x6064, Status: 0x6041, InPositionBit: 10, FaultBit: 3}
	require.NoError(t, m.Validate())
	regs := &fakeRegisters{m: m}
	s := NewServo(NewTable(map[string]int32{"5x": 4096}), m, regs)
	require.NoError(t, s.SetZoom("5x", true))
	require.Equal(t, int32(4096), regs.goal)

	regs.status = 1 << 1
	ok, err := s.InPosition()
	require.NoError(t, err)
	require.False(t, ok)
	regs.status = 1 << 3
	_, err = s.InPosition()
	require.ErrorIs(t, err, ErrServoFault)

	require.Error(t, ServoRegisters{InPositionBit: 16}.Validate())
	require.Error(t, ServoRegisters{InPositionBit: 2, FaultBit: 2}.Validate())
}

func TestServoUnavailable(t *testing.T) {
	logs := captureLog(t)
	s := OpenServo(NewTable(map[string]int32{"1x": 0}), DefaultServoRegisters, &modbus.Client{Port: "/dev/does-not-exist", SlaveId: 1})
	require.Contains(t, logs.String(), "servo: serial connection failed")
	err := s.SetZoom("1x", true)
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, serialport.ErrConnection)
	require.ErrorIs(t, s.SetZoom("3x", true), ErrUnknownZoomLabel)
	require.NoError(t, s.Close())
}
