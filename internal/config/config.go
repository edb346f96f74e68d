// Package config handles configuration loading, validation, and management for proctord.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"proctord/internal/logging"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PROCTORD_"

// Config holds the complete proctord configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// DataDir holds attempt archives, lock files and the audit log.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	// Identity is the persisted user/exam pair.
	Identity IdentityConfig `toml:"identity" json:"identity" yaml:"identity"`

	Exam    ExamConfig    `toml:"exam" json:"exam" yaml:"exam"`
	Policy  PolicyConfig  `toml:"policy" json:"policy" yaml:"policy"`
	Camera  CameraConfig  `toml:"camera" json:"camera" yaml:"camera"`
	Backend BackendConfig `toml:"backend" json:"backend" yaml:"backend"`
	Server  ServerConfig  `toml:"server" json:"server" yaml:"server"`
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// IdentityConfig identifies the exam taker and the exam.
type IdentityConfig struct {
	UserID string `toml:"user_id" json:"user_id" yaml:"user_id"`
	ExamID string `toml:"exam_id" json:"exam_id" yaml:"exam_id"`
}

// ExamConfig describes the attempt itself.
type ExamConfig struct {
	// DurationSec is the countdown length in ticks.
	DurationSec int `toml:"duration_sec" json:"duration_sec" yaml:"duration_sec"`

	// TickMs is the countdown period in milliseconds.
	TickMs int `toml:"tick_ms" json:"tick_ms" yaml:"tick_ms"`

	// QuestionBank is a YAML or JSON bank file. Empty uses the built-in bank.
	QuestionBank string `toml:"question_bank" json:"question_bank" yaml:"question_bank"`
}

// PolicyConfig holds the violation policy and monitor tunables.
type PolicyConfig struct {
	MaxViolations     int `toml:"max_violations" json:"max_violations" yaml:"max_violations"`
	FaceMissingStreak int `toml:"face_missing_streak" json:"face_missing_streak" yaml:"face_missing_streak"`
	DebounceMs        int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
	GraceMs           int `toml:"grace_ms" json:"grace_ms" yaml:"grace_ms"`
	RiskScore         int `toml:"risk_score" json:"risk_score" yaml:"risk_score"`
	NoticeMs          int `toml:"notice_ms" json:"notice_ms" yaml:"notice_ms"`
}

// CameraConfig decides what a refused camera does.
type CameraConfig struct {
	// OnDenied is "abort" or "degrade".
	OnDenied string `toml:"on_denied" json:"on_denied" yaml:"on_denied"`
}

// BackendConfig locates the receiving backend.
type BackendConfig struct {
	BaseURL   string `toml:"base_url" json:"base_url" yaml:"base_url"`
	TimeoutMs int    `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
}

// ServerConfig configures the reference backend server.
type ServerConfig struct {
	Listen     string  `toml:"listen" json:"listen" yaml:"listen"`
	RatePerSec float64 `toml:"rate_per_sec" json:"rate_per_sec" yaml:"rate_per_sec"`
	Burst      int     `toml:"burst" json:"burst" yaml:"burst"`

	// Database is the sqlite file. Relative paths are resolved against DataDir.
	Database string `toml:"database" json:"database" yaml:"database"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is stdout, stderr, file or both.
	Output string `toml:"output" json:"output" yaml:"output"`

	// File is the log file used when Output includes a file.
	File string `toml:"file" json:"file" yaml:"file"`

	MaxSizeMB  int  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	Compress   bool `toml:"compress" json:"compress" yaml:"compress"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := ProctordDir()

	return &Config{
		Version: Version,
		DataDir: dir,
		Exam: ExamConfig{
			DurationSec: 60,
			TickMs:      1000,
		},
		Policy: PolicyConfig{
			MaxViolations:     4,
			FaceMissingStreak: 3,
			DebounceMs:        1000,
			GraceMs:           2000,
			RiskScore:         30,
			NoticeMs:          3000,
		},
		Camera: CameraConfig{
			OnDenied: "abort",
		},
		Backend: BackendConfig{
			BaseURL:   "http://127.0.0.1:8000",
			TimeoutMs: 5000,
		},
		Server: ServerConfig{
			Listen:     "127.0.0.1:8000",
			RatePerSec: 20,
			Burst:      40,
			Database:   "backend.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			File:       filepath.Join(dir, "proctord.log"),
			MaxSizeMB:  20,
			MaxBackups: 5,
			Compress:   true,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// ProctordDir returns the base data directory.
// PROCTORD_DATA_DIR overrides the platform default.
func ProctordDir() string {
	if envDir := os.Getenv(EnvPrefix + "DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from path, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	return readConfig(path)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the data directory and its subdirectories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.AttemptsDir(),
		c.LocksDir(),
	}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies PROCTORD_* environment variables. Unparseable
// numeric values are ignored and left for Validate to judge the file value.
func (c *Config) ApplyEnvOverrides() {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	str("DATA_DIR", &c.DataDir)
	str("USER_ID", &c.Identity.UserID)
	str("EXAM_ID", &c.Identity.ExamID)

	num("DURATION_SEC", &c.Exam.DurationSec)
	str("QUESTION_BANK", &c.Exam.QuestionBank)

	num("MAX_VIOLATIONS", &c.Policy.MaxViolations)
	str("CAMERA_ON_DENIED", &c.Camera.OnDenied)

	str("BACKEND_URL", &c.Backend.BaseURL)
	num("BACKEND_TIMEOUT_MS", &c.Backend.TimeoutMs)

	str("LISTEN", &c.Server.Listen)
	str("DATABASE", &c.Server.Database)

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_OUTPUT", &c.Logging.Output)
	str("LOG_FILE", &c.Logging.File)
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// AttemptsDir is where finished attempt summaries are archived.
func (c *Config) AttemptsDir() string {
	return filepath.Join(c.DataDir, "attempts")
}

// LocksDir holds the single-taker lock files.
func (c *Config) LocksDir() string {
	return filepath.Join(c.DataDir, "locks")
}

// AuditPath is the audit trail file.
func (c *Config) AuditPath() string {
	return filepath.Join(c.DataDir, "audit.jsonl")
}

// DatabasePath resolves the backend database path against DataDir.
func (c *Config) DatabasePath() string {
	if c.Server.Database == "" || filepath.IsAbs(c.Server.Database) {
		return c.Server.Database
	}
	return filepath.Join(c.DataDir, c.Server.Database)
}

// Tick returns the countdown period.
func (e ExamConfig) Tick() time.Duration {
	return time.Duration(e.TickMs) * time.Millisecond
}

// Debounce returns the violation debounce window.
func (p PolicyConfig) Debounce() time.Duration {
	return time.Duration(p.DebounceMs) * time.Millisecond
}

// Grace returns the start-up grace period for hidden pages.
func (p PolicyConfig) Grace() time.Duration {
	return time.Duration(p.GraceMs) * time.Millisecond
}

// NoticeTTL returns how long a warning stays visible.
func (p PolicyConfig) NoticeTTL() time.Duration {
	return time.Duration(p.NoticeMs) * time.Millisecond
}

// Timeout returns the per-request timeout.
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

// LoggerConfig converts the section into a logging configuration.
func (l LoggingConfig) LoggerConfig() (logging.Config, error) {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return logging.Config{}, err
	}
	format, err := logging.ParseFormat(l.Format)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:      level,
		Format:     format,
		Output:     l.Output,
		File:       l.File,
		MaxSizeMB:  int64(l.MaxSizeMB),
		MaxBackups: l.MaxBackups,
		Compress:   l.Compress,
	}, nil
}
