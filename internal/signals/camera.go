package signals

import (
	"context"
	"sync"
)

// FeedCamera is a Camera whose frames are pushed through a Feed. It backs
// scripted replays and tests.
type FeedCamera struct {
	// Frames receives the frames delivered to the open capture.
	Frames Feed[Frame]

	mu     sync.Mutex
	deny   error
	opened int
	closed int
	open   *feedCapture
}

// NewFeedCamera returns a camera that grants access.
func NewFeedCamera() *FeedCamera {
	return &FeedCamera{}
}

// Deny makes subsequent Open calls fail with err. A nil err grants access
// again.
func (c *FeedCamera) Deny(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deny = err
}

// Open returns a capture bound to the camera's feed.
func (c *FeedCamera) Open(ctx context.Context) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deny != nil {
		return nil, c.deny
	}
	c.opened++
	capture := &feedCapture{camera: c}
	c.open = capture
	return capture, nil
}

// Push delivers a frame to the open capture, if any. It reports whether a
// capture received it.
func (c *FeedCamera) Push(f Frame) bool {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()

	if open == nil {
		return false
	}
	return open.deliver(f)
}

// Opened returns how many captures were handed out.
func (c *FeedCamera) Opened() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

// Closed returns how many captures were released.
func (c *FeedCamera) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Active reports whether a capture is currently open.
func (c *FeedCamera) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open != nil
}

type feedCapture struct {
	camera *FeedCamera

	mu     sync.Mutex
	closed bool
	feed   Feed[Frame]
}

func (f *feedCapture) Subscribe(handler func(Frame)) Unsubscribe {
	return f.feed.Subscribe(handler)
}

func (f *feedCapture) deliver(frame Frame) bool {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return false
	}
	f.camera.Frames.Send(frame)
	return f.feed.Send(frame) > 0
}

func (f *feedCapture) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	f.closed = true
	f.mu.Unlock()

	c := f.camera
	c.mu.Lock()
	c.closed++
	if c.open == f {
		c.open = nil
	}
	c.mu.Unlock()
	return nil
}

// NoDisplay is a Display that has no fullscreen mode. Requests succeed
// without effect.
type NoDisplay struct{}

// RequestFullscreen implements Display.
func (NoDisplay) RequestFullscreen() error { return nil }
