// Package recorder writes gimbal positions to rotating CSV files.
package recorder

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sample is one position reading, with the target in force when it was
// taken.
type Sample struct {
	Time         time.Time
	Rotate       float64
	Tilt         float64
	TargetRotate *float64
	TargetTilt   *float64
	Source       string // poll, move, ws
}

// Config holds recorder configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
	MaxRows    int    `yaml:"max_rows" json:"maxRows"`
}

const defaultMaxRows = 100_000

var csvHeader = []string{
	"timestamp", "session", "rotate_deg", "tilt_deg",
	"target_rotate_deg", "target_tilt_deg", "source",
}

// Recorder appends samples to CSV, starting a new file every MaxRows rows.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	maxRows  int
	enabled  bool
	session  string
	log      *zap.Logger

	file   *os.File
	writer *csv.Writer
	path   string
	lastTs time.Time
	rows   int
}

// New creates a recorder. Files are only opened once a sample arrives.
func New(cfg Config, log *zap.Logger) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "recordings"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 0 {
		interval = 0
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		dir:      cfg.Path,
		interval: interval,
		maxRows:  cfg.MaxRows,
		enabled:  cfg.Enabled,
		session:  uuid.NewString(),
		log:      log.Named("recorder"),
	}
}

// Session identifies this process's recordings.
func (r *Recorder) Session() string {
	return r.session
}

// SetEnabled toggles recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeFile()
	}
}

func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// CurrentFile returns the path being written, or "".
func (r *Recorder) CurrentFile() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Record writes s unless recording is off or the interval has not
// passed since the last row.
func (r *Recorder) Record(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}
	if s.Time.IsZero() {
		s.Time = time.Now()
	}
	if !r.lastTs.IsZero() && s.Time.Sub(r.lastTs) < r.interval {
		return
	}
	r.lastTs = s.Time

	if r.writer == nil || r.rows >= r.maxRows {
		if err := r.rotateFile(s.Time); err != nil {
			r.log.Error("rotate failed", zap.Error(err))
			return
		}
	}

	if err := r.writer.Write(r.buildRow(s)); err != nil {
		r.log.Error("write failed", zap.Error(err))
		return
	}
	r.writer.Flush()
	r.rows++
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	name := fmt.Sprintf("stepbus_%s_%s.csv", now.Format("2006-01-02_150405.000"), r.session[:8])
	path := filepath.Join(r.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.path = path
	r.rows = 0

	if err := r.writer.Write(csvHeader); err != nil {
		return err
	}
	r.writer.Flush()

	r.log.Info("opened", zap.String("path", path))
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.path = ""
}

func (r *Recorder) buildRow(s Sample) []string {
	return []string{
		s.Time.Format(time.RFC3339Nano),
		r.session,
		degrees(s.Rotate),
		degrees(s.Tilt),
		optional(s.TargetRotate),
		optional(s.TargetTilt),
		s.Source,
	}
}

func degrees(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func optional(v *float64) string {
	if v == nil {
		return ""
	}
	return degrees(*v)
}
