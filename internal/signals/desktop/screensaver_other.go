//go:build !linux

package desktop

import (
	"log/slog"

	"proctord/internal/signals"
)

// ScreenSaver is unavailable on this platform.
type ScreenSaver struct{}

// NewScreenSaver returns ErrUnsupported.
func NewScreenSaver(logger *slog.Logger) (*ScreenSaver, error) {
	return nil, ErrUnsupported
}

// Subscribe implements signals.Source.
func (s *ScreenSaver) Subscribe(handler func(signals.Visibility)) signals.Unsubscribe {
	return func() {}
}

// Close is a no-op.
func (s *ScreenSaver) Close() error { return nil }
