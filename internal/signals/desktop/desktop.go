// Package desktop adapts desktop session events into exam signals.
//
// On Linux the freedesktop screensaver's ActiveChanged signal is treated as a
// visibility change: when the screen locks or the screensaver activates the
// exam page is considered hidden. Other platforms return ErrUnsupported.
package desktop

import (
	"errors"

	"proctord/internal/signals"
)

// D-Bus names of the freedesktop screensaver service.
const (
	ScreenSaverInterface = "org.freedesktop.ScreenSaver"
	ScreenSaverPath      = "/org/freedesktop/ScreenSaver"
	ActiveChangedMember  = "ActiveChanged"
)

// ErrUnsupported is returned on platforms without a session bus.
var ErrUnsupported = errors.New("desktop: visibility source not supported on this platform")

// VisibilityFromActive maps the screensaver active flag to page visibility.
func VisibilityFromActive(active bool) signals.Visibility {
	if active {
		return signals.Hidden
	}
	return signals.Visible
}
