// Package signals defines the external event sources an exam attempt
// observes: page visibility, fullscreen state and per-frame face detections
// from the proctoring capture.
//
// Every source follows the same subscription shape: Subscribe registers a
// handler and returns an Unsubscribe func that removes it. Handlers may be
// invoked from any goroutine; consumers that own single-threaded state must
// hop onto their own event loop before acting.
package signals

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Unsubscribe removes a previously registered handler. Calling it more than
// once is harmless.
type Unsubscribe func()

// Source is a stream of values of type T.
type Source[T any] interface {
	Subscribe(handler func(T)) Unsubscribe
}

// Visibility is the page visibility state.
type Visibility int

const (
	// Visible means the exam page is the foreground page.
	Visible Visibility = iota
	// Hidden means the exam page was backgrounded (tab switch, minimize,
	// screen lock).
	Hidden
)

func (v Visibility) String() string {
	if v == Hidden {
		return "hidden"
	}
	return "visible"
}

// Fullscreen is the display mode of the exam page.
type Fullscreen int

const (
	// FullscreenEntered means the page is displayed fullscreen.
	FullscreenEntered Fullscreen = iota
	// FullscreenExited means the page is no longer fullscreen.
	FullscreenExited
)

func (f Fullscreen) String() string {
	if f == FullscreenExited {
		return "exited"
	}
	return "entered"
}

// Box is a normalized bounding box.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection is one face found in a frame.
type Detection struct {
	Score float64 `json:"score"`
	Box   Box     `json:"box"`
}

// Frame is the detector output for one video frame.
type Frame struct {
	At         time.Time   `json:"at"`
	Detections []Detection `json:"detections,omitempty"`
}

// FacePresent reports whether at least one face was detected. Identity,
// count and position of detections are not considered.
func (f Frame) FacePresent() bool {
	return len(f.Detections) > 0
}

// Capture is a live proctoring stream. It delivers one Frame per processed
// video frame until closed.
type Capture interface {
	Source[Frame]
	Close() error
}

// Camera grants access to the proctoring capture.
type Camera interface {
	// Open acquires the capture. It may block waiting for the user to grant
	// permission.
	Open(ctx context.Context) (Capture, error)
}

// Display controls presentation of the exam page.
type Display interface {
	// RequestFullscreen asks for fullscreen mode. Failures are advisory.
	RequestFullscreen() error
}

var (
	// ErrPermissionDenied is returned when the user refuses a capability.
	ErrPermissionDenied = errors.New("signals: permission denied")

	// ErrClosed is returned when operating on a closed capture.
	ErrClosed = errors.New("signals: capture closed")
)

// Feed is an in-process Source that fans values out to subscribers.
// The zero value is ready to use.
type Feed[T any] struct {
	mu       sync.Mutex
	next     uint64
	handlers map[uint64]func(T)
	order    []uint64
}

// Subscribe registers handler.
func (f *Feed[T]) Subscribe(handler func(T)) Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.handlers == nil {
		f.handlers = make(map[uint64]func(T))
	}
	f.next++
	id := f.next
	f.handlers[id] = handler
	f.order = append(f.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { f.remove(id) })
	}
}

// Send delivers v to every subscriber in subscription order and returns the
// number of handlers invoked. Handlers run on the caller's goroutine.
func (f *Feed[T]) Send(v T) int {
	f.mu.Lock()
	handlers := make([]func(T), 0, len(f.order))
	for _, id := range f.order {
		handlers = append(handlers, f.handlers[id])
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(v)
	}
	return len(handlers)
}

// Subscribers returns the number of registered handlers.
func (f *Feed[T]) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *Feed[T]) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.handlers, id)
	for i, candidate := range f.order {
		if candidate == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}
