package server

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/stepbus/internal/bus"
	"github.com/shaunagostinho/stepbus/internal/codec"
	"github.com/shaunagostinho/stepbus/internal/logging"
	"github.com/shaunagostinho/stepbus/internal/mapper"
	"github.com/shaunagostinho/stepbus/internal/motor"
	"github.com/shaunagostinho/stepbus/internal/recorder"
	"github.com/shaunagostinho/stepbus/internal/telemetry"
	"github.com/shaunagostinho/stepbus/internal/transport"
)

// Config holds all process configuration.
type Config struct {
	mu sync.RWMutex

	// Serial link and bus timing
	Serial SerialConfig `yaml:"serial" json:"serial"`
	Bus    BusConfig    `yaml:"bus" json:"bus"`

	// Axes
	Rotate   AxisConfig     `yaml:"rotate" json:"rotate"`
	Tilt     AxisConfig     `yaml:"tilt" json:"tilt"`
	Profiles ProfilesConfig `yaml:"profiles" json:"profiles"`
	Gimbal   GimbalConfig   `yaml:"gimbal" json:"gimbal"`

	Server    ServerConfig     `yaml:"server" json:"server"`
	Logging   logging.Config   `yaml:"logging" json:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics" json:"metrics"`
	Recorder  recorder.Config  `yaml:"recorder" json:"recorder"`
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`

	path string // file path for save/load
}

type SerialConfig struct {
	Type      string `yaml:"type" json:"type"` // "serial" or "demo"
	Port      string `yaml:"port" json:"port"` // e.g. /dev/ttyUSB0
	BaudRate  int    `yaml:"baud_rate" json:"baudRate"`
	TimeoutMs int    `yaml:"timeout_ms" json:"timeoutMs"` // port read timeout
}

// BusConfig is bus.Config in milliseconds.
type BusConfig struct {
	TimeoutMs    int  `yaml:"timeout_ms" json:"timeoutMs"`
	MaxRetries   int  `yaml:"max_retries" json:"maxRetries"` // total attempts
	RetryDelayMs int  `yaml:"retry_delay_ms" json:"retryDelayMs"`
	CommandGapMs int  `yaml:"command_gap_ms" json:"commandGapMs"`
	FrameGapMs   int  `yaml:"frame_gap_ms" json:"frameGapMs"`
	Serialize    bool `yaml:"serialize" json:"serialize"`
}

// AxisConfig describes one motor. Leaving both degree limits unset
// disables soft limits.
type AxisConfig struct {
	ID                int      `yaml:"id" json:"id"`
	Division          int      `yaml:"division" json:"division"`
	PositiveDirection string   `yaml:"positive_direction" json:"positiveDirection"` // "cw" or "ccw"
	DegreeMin         *float64 `yaml:"degree_min" json:"degreeMin"`
	DegreeMax         *float64 `yaml:"degree_max" json:"degreeMax"`
	Precision         float64  `yaml:"precision" json:"precision"` // degrees
	MaxSteps          int      `yaml:"max_steps" json:"maxSteps"`
}

// ProfilesConfig holds the error→speed and error→delay curves shared by
// both axes.
type ProfilesConfig struct {
	Speed mapper.Profile `yaml:"speed" json:"speed"`
	Delay mapper.Profile `yaml:"delay" json:"delay"`
}

type GimbalConfig struct {
	StaggerMs     int     `yaml:"stagger_ms" json:"staggerMs"`
	DeltaSpeed    int     `yaml:"delta_speed" json:"deltaSpeed"` // open-loop speed when a request omits it
	Precision     float64 `yaml:"precision" json:"precision"`
	MoveTimeoutMs int     `yaml:"move_timeout_ms" json:"moveTimeoutMs"`
}

type ServerConfig struct {
	ListenAddr     string `yaml:"listen_addr" json:"listenAddr"`
	PositionPollMs int    `yaml:"position_poll_ms" json:"positionPollMs"` // ws broadcast rate
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	bc := bus.DefaultConfig()
	return &Config{
		Serial: SerialConfig{
			Type:      "serial",
			Port:      "/dev/ttyUSB0",
			BaudRate:  transport.DefaultBaudRate,
			TimeoutMs: 100,
		},
		Bus: BusConfig{
			TimeoutMs:    int(bc.Timeout / time.Millisecond),
			MaxRetries:   bc.MaxRetries,
			RetryDelayMs: int(bc.RetryDelay / time.Millisecond),
			CommandGapMs: int(bc.CommandGap / time.Millisecond),
			FrameGapMs:   int(bc.FrameGap / time.Millisecond),
			Serialize:    bc.Serialize,
		},
		Rotate: AxisConfig{
			ID:                0xE0,
			Division:          motor.DefaultDivision,
			PositiveDirection: "ccw",
			Precision:         motor.DefaultPrecision,
			MaxSteps:          2000,
		},
		Tilt: AxisConfig{
			ID:                0xE1,
			Division:          motor.DefaultDivision,
			PositiveDirection: "ccw",
			Precision:         motor.DefaultPrecision,
			MaxSteps:          2000,
		},
		Profiles: ProfilesConfig{
			Speed: mapper.DefaultSpeed(),
			Delay: mapper.DefaultDelay(),
		},
		Gimbal: GimbalConfig{
			StaggerMs:     5,
			DeltaSpeed:    20,
			Precision:     motor.DefaultPrecision,
			MoveTimeoutMs: 10000,
		},
		Server: ServerConfig{
			ListenAddr:     ":8080",
			PositionPollMs: 200,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Recorder: recorder.Config{
			Enabled:    false,
			Path:       "/var/log/stepbus",
			IntervalMs: 100,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string, log *zap.Logger) *Config {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config")

	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("no config file, using defaults", zap.String("path", path))
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn("config parse failed, using defaults", zap.String("path", path), zap.Error(err))
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info("loaded", zap.String("path", path))
	}

	// .env next to the config, then in the working directory
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if loadEnvFile(ep) {
			log.Info("loaded .env", zap.String("path", ep))
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file into the environment.
// Variables already set take precedence.
func loadEnvFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
	return true
}

// applyEnvOverrides reads STEPBUS_* environment variables over the file
// values. Unparseable numbers are ignored.
func (c *Config) applyEnvOverrides() {
	str := func(name string, dst *string) {
		if v := os.Getenv("STEPBUS_" + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv("STEPBUS_" + name); v != "" {
			if n, err := strconv.ParseInt(v, 0, 0); err == nil {
				*dst = int(n)
			}
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv("STEPBUS_" + name); v != "" {
			*dst = v == "1" || v == "true" || v == "yes"
		}
	}

	str("SERIAL_TYPE", &c.Serial.Type)
	str("PORT", &c.Serial.Port)
	num("BAUD", &c.Serial.BaudRate)
	num("ROTATE_ID", &c.Rotate.ID)
	num("TILT_ID", &c.Tilt.ID)
	str("LISTEN", &c.Server.ListenAddr)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_FILE", &c.Logging.File.Filename)
	flag("METRICS_ENABLED", &c.Metrics.Enabled)
	flag("RECORD_ENABLED", &c.Recorder.Enabled)
	str("RECORD_PATH", &c.Recorder.Path)
	num("RECORD_INTERVAL_MS", &c.Recorder.IntervalMs)
	flag("TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	str("REDIS_ADDR", &c.Telemetry.Addr)
	str("REDIS_PASSWORD", &c.Telemetry.Password)
	num("REDIS_DB", &c.Telemetry.DB)
}

// Validate checks that both axes convert to usable motor configs and
// that they do not share an ID.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	if _, err := c.Rotate.Motor(c.Profiles); err != nil {
		return fmt.Errorf("rotate: %w", err)
	}
	if _, err := c.Tilt.Motor(c.Profiles); err != nil {
		return fmt.Errorf("tilt: %w", err)
	}
	if c.Rotate.ID == c.Tilt.ID {
		return fmt.Errorf("%w: rotate and tilt share id 0x%02X", codec.ErrInvalidArgument, c.Rotate.ID)
	}
	if c.Gimbal.DeltaSpeed < 0 || c.Gimbal.DeltaSpeed > codec.MaxSpeed {
		return fmt.Errorf("%w: delta speed %d", codec.ErrInvalidArgument, c.Gimbal.DeltaSpeed)
	}
	return nil
}

// Motor converts the axis section to a motor config.
func (a AxisConfig) Motor(p ProfilesConfig) (motor.Config, error) {
	if a.ID <= codec.BroadcastID || a.ID > 0xFF {
		return motor.Config{}, fmt.Errorf("%w: id %d", codec.ErrInvalidArgument, a.ID)
	}
	cfg := motor.DefaultConfig(byte(a.ID))
	if a.Division > 0 {
		cfg.Division = a.Division
	}
	if a.PositiveDirection != "" {
		dir, err := codec.ParseDirection(a.PositiveDirection)
		if err != nil {
			return motor.Config{}, err
		}
		cfg.PositiveDirection = dir
	}
	if a.DegreeMin != nil || a.DegreeMax != nil {
		l := motor.Limits{Min: math.Inf(-1), Max: math.Inf(1)}
		if a.DegreeMin != nil {
			l.Min = *a.DegreeMin
		}
		if a.DegreeMax != nil {
			l.Max = *a.DegreeMax
		}
		cfg.Limits = &l
	}
	if a.Precision > 0 {
		cfg.Precision = a.Precision
	}
	cfg.MaxSteps = a.MaxSteps
	cfg.Speed = p.Speed
	cfg.Delay = p.Delay
	return cfg, cfg.Validate()
}

// Timing converts the bus section. Zero fields fall back to the bus
// defaults inside bus.New.
func (b BusConfig) Timing() bus.Config {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return bus.Config{
		Timeout:    ms(b.TimeoutMs),
		MaxRetries: b.MaxRetries,
		RetryDelay: ms(b.RetryDelayMs),
		CommandGap: ms(b.CommandGapMs),
		FrameGap:   ms(b.FrameGapMs),
		Serialize:  b.Serialize,
	}
}

// SerialPort converts the serial section.
func (s SerialConfig) SerialPort() transport.SerialConfig {
	return transport.SerialConfig{
		Port:     s.Port,
		BaudRate: s.BaudRate,
		Timeout:  time.Duration(s.TimeoutMs) * time.Millisecond,
	}
}

// GimbalSettings returns the gimbal section, which the API may change at
// runtime.
func (c *Config) GimbalSettings() GimbalConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gimbal
}

func (g GimbalConfig) Stagger() time.Duration {
	return time.Duration(g.StaggerMs) * time.Millisecond
}

func (g GimbalConfig) MoveTimeout() time.Duration {
	return time.Duration(g.MoveTimeoutMs) * time.Millisecond
}

// Path returns the file the config is saved to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = "/etc/stepbus/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON deep-merges a partial JSON document into the config.
// Fields absent from data are preserved. The update is rejected, leaving
// the config untouched, if the merged result does not validate.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}

	next := DefaultConfig()
	if err := json.Unmarshal(merged, next); err != nil {
		return fmt.Errorf("unmarshal merged config: %w", err)
	}
	if err := next.validate(); err != nil {
		return err
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. Nested maps are merged, any
// other value in src replaces the one in dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
