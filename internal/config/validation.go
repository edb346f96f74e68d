package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrInvalidConfig is wrapped by every ValidationErrors value.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Unwrap() error {
	return ErrInvalidConfig
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	out := make([]string, 0, len(e))
	for _, err := range e {
		out = append(out, err.Field)
	}
	return out
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}
	if c.DataDir == "" {
		errs = append(errs, *RequiredFieldError("data_dir"))
	}

	errs = append(errs, validateExam(&c.Exam)...)
	errs = append(errs, validatePolicy(&c.Policy)...)
	errs = append(errs, validateCamera(&c.Camera)...)
	errs = append(errs, validateBackend(&c.Backend)...)
	errs = append(errs, validateServer(&c.Server)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateIdentity reports whether both identity fields are set. Commands
// that start an attempt call it; the backend does not need an identity.
func (c *Config) ValidateIdentity() error {
	var errs ValidationErrors
	if c.Identity.UserID == "" {
		errs = append(errs, *RequiredFieldError("identity.user_id"))
	}
	if c.Identity.ExamID == "" {
		errs = append(errs, *RequiredFieldError("identity.exam_id"))
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateExam(e *ExamConfig) ValidationErrors {
	var errs ValidationErrors

	if e.DurationSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "exam.duration_sec",
			Message: "duration cannot be negative",
		})
	}
	if e.TickMs < 10 {
		errs = append(errs, *RangeError("exam.tick_ms", 10, "unbounded"))
	}
	return errs
}

func validatePolicy(p *PolicyConfig) ValidationErrors {
	var errs ValidationErrors

	if p.MaxViolations < 0 {
		errs = append(errs, ValidationError{
			Field:   "policy.max_violations",
			Message: "max violations cannot be negative",
		})
	}
	if p.FaceMissingStreak < 1 {
		errs = append(errs, ValidationError{
			Field:   "policy.face_missing_streak",
			Message: "face missing streak must be at least 1",
		})
	}
	if p.DebounceMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "policy.debounce_ms",
			Message: "debounce cannot be negative",
		})
	}
	if p.GraceMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "policy.grace_ms",
			Message: "grace period cannot be negative",
		})
	}
	if p.RiskScore < 0 || p.RiskScore > 100 {
		errs = append(errs, *RangeError("policy.risk_score", 0, 100))
	}
	if p.NoticeMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "policy.notice_ms",
			Message: "notice duration must be positive",
		})
	}
	return errs
}

func validateCamera(c *CameraConfig) ValidationErrors {
	switch c.OnDenied {
	case "abort", "degrade":
		return nil
	default:
		return ValidationErrors{{
			Field:   "camera.on_denied",
			Message: fmt.Sprintf("invalid camera policy: %s (valid: abort, degrade)", c.OnDenied),
		}}
	}
}

func validateBackend(b *BackendConfig) ValidationErrors {
	var errs ValidationErrors

	if !isValidURL(b.BaseURL) {
		errs = append(errs, ValidationError{
			Field:   "backend.base_url",
			Message: fmt.Sprintf("invalid URL: %q (expected http or https)", b.BaseURL),
		})
	}
	if b.TimeoutMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "backend.timeout_ms",
			Message: "timeout must be positive",
		})
	}
	return errs
}

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		errs = append(errs, ValidationError{
			Field:   "server.listen",
			Message: fmt.Sprintf("invalid listen address %q: %v", s.Listen, err),
		})
	}
	if s.RatePerSec <= 0 {
		errs = append(errs, ValidationError{
			Field:   "server.rate_per_sec",
			Message: "rate must be positive",
		})
	}
	if s.Burst < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.burst",
			Message: "burst must be at least 1",
		})
	}
	if s.Database == "" {
		errs = append(errs, *RequiredFieldError("server.database"))
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.File == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file",
				Message: "file path is required when output writes to a file",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	return errs
}

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
