//go:build linux

package desktop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"proctord/internal/signals"
)

// ScreenSaver is a visibility source fed by the session bus.
type ScreenSaver struct {
	conn   *dbus.Conn
	ch     chan *dbus.Signal
	feed   signals.Feed[signals.Visibility]
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewScreenSaver connects to the session bus and starts listening for
// screensaver state changes.
func NewScreenSaver(logger *slog.Logger) (*ScreenSaver, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	err = conn.AddMatchSignal(
		dbus.WithMatchInterface(ScreenSaverInterface),
		dbus.WithMatchMember(ActiveChangedMember),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", ScreenSaverInterface, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &ScreenSaver{
		conn:   conn,
		ch:     make(chan *dbus.Signal, 16),
		logger: logger.With("component", "screensaver"),
		cancel: cancel,
	}
	conn.Signal(s.ch)

	s.wg.Add(1)
	go s.run(ctx)
	return s, nil
}

// Subscribe implements signals.Source.
func (s *ScreenSaver) Subscribe(handler func(signals.Visibility)) signals.Unsubscribe {
	return s.feed.Subscribe(handler)
}

// Close stops listening and closes the bus connection.
func (s *ScreenSaver) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		s.conn.RemoveSignal(s.ch)
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

func (s *ScreenSaver) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-s.ch:
			if !ok {
				return
			}
			s.handle(sig)
		}
	}
}

func (s *ScreenSaver) handle(sig *dbus.Signal) {
	if sig == nil || sig.Name != ScreenSaverInterface+"."+ActiveChangedMember {
		return
	}
	if len(sig.Body) != 1 {
		return
	}
	active, ok := sig.Body[0].(bool)
	if !ok {
		s.logger.Debug("unexpected ActiveChanged payload", "body", sig.Body)
		return
	}
	s.feed.Send(VisibilityFromActive(active))
}
