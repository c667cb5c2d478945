// Package config loads the instrument configuration from a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/lightsheet/spimctl/state"
	"github.com/lightsheet/spimctl/zoom"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

// Device types.
const (
	TypeDemo     = "demo"
	TypeASI      = "asi"
	TypeServo    = "servo"
	TypeRevolver = "revolver"
	TypeTurret   = "turret"
)

type Config struct {
	// Debug makes the shared state panic on broken invariants.
	Debug bool `yaml:"debug"`
	// PositionInterval is how often the stage position is refreshed when idle.
	PositionInterval time.Duration `yaml:"position_interval"`

	Startup Startup      `yaml:"startup"`
	Stage   StageConfig  `yaml:"stage"`
	Zoom    ZoomConfig   `yaml:"zoom"`
	Filters FilterConfig `yaml:"filters"`
}

// Startup holds the initial values of the shared state.
type Startup struct {
	State         string         `yaml:"state"`
	Position      state.Position `yaml:"position"`
	Zoom          string         `yaml:"zoom"`
	Filter        string         `yaml:"filter"`
	Laser         string         `yaml:"laser"`
	Intensity     float64        `yaml:"intensity"`
	ShutterConfig string         `yaml:"shutterconfig"`
}

type StageConfig struct {
	Type string `yaml:"type"`
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
	// Axes maps axis names (x, y, z, f, theta) to controller letters.
	Axes map[string]string `yaml:"axes"`
	// Limits maps axis names to their allowed range in micrometres.
	Limits        map[string]state.Range `yaml:"limits"`
	SettleTimeout time.Duration          `yaml:"settle_timeout"`
	// LoadPosition and UnloadPosition map axis names to stage coordinates,
	// typically only y.
	LoadPosition   map[string]float64 `yaml:"load_position"`
	UnloadPosition map[string]float64 `yaml:"unload_position"`
}

type ZoomConfig struct {
	Type     string `yaml:"type"`
	Port     string `yaml:"port"`
	Baud     int    `yaml:"baud"`
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	SlaveID  byte   `yaml:"slave_id"`
	// Table maps zoom labels to device targets: encoder counts, revolver
	// letters or turret angles, depending on Type.
	Table map[string]string `yaml:"table"`
	// PixelSize maps zoom labels to micrometres per pixel.
	PixelSize map[string]float64 `yaml:"pixelsize"`

	// Servo only. Registers defaults to zoom.DefaultServoRegisters.
	Registers *zoom.ServoRegisters `yaml:"registers"`

	// Turret only.
	SafeRotationFocus *float64      `yaml:"safe_rotation_focus"`
	FocusTolerance    float64       `yaml:"focus_tolerance"`
	Tolerance         float64       `yaml:"tolerance"`
	SettleTimeout     time.Duration `yaml:"settle_timeout"`
	MaxDuration       time.Duration `yaml:"max_duration"`
}

type FilterConfig struct {
	Type      string         `yaml:"type"`
	Positions map[string]int `yaml:"positions"`
}

// Default is a configuration that runs entirely on demo devices.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	c.Startup.Zoom = "1x"
	c.Startup.Filter = "Empty"
	c.Startup.Laser = "488 nm"
	return c
}

// setDefaults fills what the file left out. Maps are only defaulted when
// absent, since decoding into a populated map would merge with it.
func (c *Config) setDefaults() {
	if c.PositionInterval <= 0 {
		c.PositionInterval = time.Second
	}
	if c.Startup.State == "" {
		c.Startup.State = state.ModeInit
	}
	if c.Startup.ShutterConfig == "" {
		c.Startup.ShutterConfig = "Left"
	}
	if c.Stage.Type == "" {
		c.Stage.Type = TypeDemo
	}
	if c.Zoom.Type == "" {
		c.Zoom.Type = TypeDemo
	}
	if c.Zoom.Type == TypeServo && c.Zoom.Registers == nil {
		r := zoom.DefaultServoRegisters
		c.Zoom.Registers = &r
	}
	if c.Zoom.Type == TypeDemo && c.Zoom.Table == nil {
		c.Zoom.Table = map[string]string{"1x": "1x", "2x": "2x", "5x": "5x"}
		if c.Zoom.PixelSize == nil {
			c.Zoom.PixelSize = map[string]float64{"1x": 6.55, "2x": 3.27, "5x": 1.31}
		}
	}
	if c.Filters.Type == "" {
		c.Filters.Type = TypeDemo
	}
	if c.Filters.Positions == nil {
		c.Filters.Positions = map[string]int{"Empty": 0}
	}
}

// Parse decodes and validates a configuration. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Limits converts the stage limits to per-axis ranges.
func (c *Config) Limits() (state.Limits, error) {
	out := state.Limits{}
	for name, r := range c.Stage.Limits {
		a, err := state.ParseAxis(name)
		if err != nil {
			return nil, err
		}
		out[a] = r
	}
	return out, nil
}

// LoadPositions converts the configured load and unload positions.
func (c *Config) LoadPositions() (load, unload map[state.Axis]float64, err error) {
	if load, err = axisMap(c.Stage.LoadPosition); err != nil {
		return nil, nil, fmt.Errorf("load_position: %w", err)
	}
	if unload, err = axisMap(c.Stage.UnloadPosition); err != nil {
		return nil, nil, fmt.Errorf("unload_position: %w", err)
	}
	return load, unload, nil
}

func axisMap(in map[string]float64) (map[state.Axis]float64, error) {
	if len(in) == 0 {
		return nil, nil
	}
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

// AxisLetters converts the stage axis mapping, or returns nil when none is
// configured.
func (c *Config) AxisLetters() (map[state.Axis]string, error) {
	if len(c.Stage.Axes) == 0 {
		return nil, nil
	}
	out := make(map[state.Axis]string, len(c.Stage.Axes))
	for name, l := range c.Stage.Axes {
		a, err := state.ParseAxis(name)
		if err != nil {
			return nil, err
		}
		out[a] = l
	}
	return out, nil
}

// StartupValues returns the initial contents of the shared state.
func (c *Config) StartupValues() map[string]any {
	v := state.Defaults()
	s := c.Startup
	v[state.KeyState] = s.State
	v[state.KeyPosition] = s.Position
	v[state.KeyZoom] = s.Zoom
	v[state.KeyFilter] = s.Filter
	v[state.KeyLaser] = s.Laser
	v[state.KeyIntensity] = s.Intensity
	v[state.KeyShutterConfig] = s.ShutterConfig
	if ps, ok := c.Zoom.PixelSize[s.Zoom]; ok {
		v[state.KeyPixelSize] = ps
	}
	return v
}

// Validate checks the configuration for consistency. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	limits, err := c.Limits()
	if err != nil {
		bad("stage limits: %v", err)
	}
	for a, r := range limits {
		if r.Min > r.Max {
			bad("stage limits: %s minimum %g above maximum %g", a, r.Min, r.Max)
		}
	}
	if _, err := c.AxisLetters(); err != nil {
		bad("stage axes: %v", err)
	}
	switch c.Stage.Type {
	case TypeDemo:
	case TypeASI:
		if c.Stage.Port == "" {
			bad("stage: asi needs a port")
		}
	default:
		bad("stage: unknown type %q", c.Stage.Type)
	}
	if err := limits.Check(c.Startup.Position); err != nil {
		bad("startup position: %v", err)
	}
	if load, unload, err := c.LoadPositions(); err != nil {
		bad("stage: %v", err)
	} else {
		if err := limits.Check(c.Startup.Position.Apply(load)); err != nil {
			bad("stage load_position: %v", err)
		}
		if err := limits.Check(c.Startup.Position.Apply(unload)); err != nil {
			bad("stage unload_position: %v", err)
		}
	}

	z := c.Zoom
	if len(z.Table) == 0 {
		bad("zoom: empty table")
	}
	switch z.Type {
	case TypeDemo:
	case TypeServo:
		if z.Port == "" && z.URL == "" {
			bad("zoom: servo needs a port or a url")
		}
		if _, err := zoom.ParseTable[int32](z.Table); err != nil {
			bad("zoom table: %v", err)
		}
		if z.Registers != nil {
			if err := z.Registers.Validate(); err != nil {
				bad("zoom registers: %v", err)
			}
		}
		if z.SlaveID == 0 || z.SlaveID > 247 {
			bad("zoom: servo slave_id %d not in 1..247", z.SlaveID)
		}
	case TypeRevolver:
		if z.Port == "" {
			bad("zoom: revolver needs a port")
		}
		if _, err := zoom.ParseTable[string](z.Table); err != nil {
			bad("zoom table: %v", err)
		}
		for _, label := range sortedKeys(z.Table) {
			if !isRevolverPosition(z.Table[label]) {
				bad("zoom table: %s: revolver position %q must be one of %v", label, z.Table[label], zoom.RevolverPositions)
			}
		}
	case TypeTurret:
		if z.Port == "" {
			bad("zoom: turret needs a port")
		}
		if _, err := zoom.ParseTable[float64](z.Table); err != nil {
			bad("zoom table: %v", err)
		}
		if z.SafeRotationFocus == nil {
			bad("zoom: turret needs safe_rotation_focus")
		} else if r, ok := limits[state.AxisF]; ok && !r.Contains(*z.SafeRotationFocus) {
			bad("zoom: safe_rotation_focus %g outside focus limits [%g, %g]", *z.SafeRotationFocus, r.Min, r.Max)
		}
		if z.Tolerance < 0 {
			bad("zoom: negative tolerance %g", z.Tolerance)
		}
	default:
		bad("zoom: unknown type %q", z.Type)
	}
	for _, label := range sortedKeys(z.PixelSize) {
		if _, ok := z.Table[label]; !ok {
			bad("zoom pixelsize: %q is not in the zoom table", label)
		}
	}
	if s := c.Startup.Zoom; s != "" {
		if _, ok := z.Table[s]; !ok {
			bad("startup zoom %q is not in the zoom table", s)
		}
	}

	switch c.Filters.Type {
	case TypeDemo:
	default:
		bad("filters: unknown type %q", c.Filters.Type)
	}
	if s := c.Startup.Filter; s != "" {
		if _, ok := c.Filters.Positions[s]; !ok {
			bad("startup filter %q is not configured", s)
		}
	}
	return errors.Join(errs...)
}

func isRevolverPosition(code string) bool {
	for _, p := range zoom.RevolverPositions {
		if p == code {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
