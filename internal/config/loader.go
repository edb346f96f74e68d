package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// settle is how long the file must stay quiet before a reload; editors
// often write a file in several steps.
const settle = 100 * time.Millisecond

// Loader keeps the current configuration of a long-running command and
// replaces it when the file changes on disk.
type Loader struct {
	path string

	mu        sync.RWMutex
	current   *Config
	listeners []func(old, new *Config)

	watcher *fsnotify.Watcher
	errs    chan error
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewLoader returns a loader for path. Nothing is read until Load.
func NewLoader(path string) *Loader {
	return &Loader{path: path, errs: make(chan error, 1), stop: make(chan struct{})}
}

// Load reads path, applies environment overrides and validates the result.
// A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	cfg, err := readConfig(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the configuration from the last successful Load or reload.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers fn to run after each successful reload with the
// replaced and the new configuration.
func (l *Loader) OnChange(fn func(old, new *Config)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Errors delivers reload failures. Only the oldest unread one is kept.
func (l *Loader) Errors() <-chan error {
	return l.errs
}

// Watch reloads the file whenever it changes. An edit that fails to parse
// or validate is sent on Errors and the current configuration stays.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// The directory, not the file, so that replace-by-rename is seen.
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(l.path), err)
	}
	l.watcher = w

	l.wg.Add(1)
	go l.watch()
	return nil
}

func (l *Loader) watch() {
	defer l.wg.Done()

	quiet := time.NewTimer(settle)
	quiet.Stop()
	defer quiet.Stop()

	name := filepath.Base(l.path)
	for {
		select {
		case <-l.stop:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				quiet.Reset(settle)
			}
		case <-quiet.C:
			l.reload()
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.fail(err)
		}
	}
}

func (l *Loader) reload() {
	next, err := readConfig(l.path)
	if err != nil {
		l.fail(fmt.Errorf("reload %s: %w", l.path, err))
		return
	}

	l.mu.Lock()
	prev := l.current
	l.current = next
	listeners := append([]func(old, new *Config){}, l.listeners...)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(prev, next)
	}
}

func (l *Loader) fail(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// Close stops watching. It is safe to call more than once.
func (l *Loader) Close() error {
	var err error
	l.stopped.Do(func() {
		close(l.stop)
		if l.watcher != nil {
			err = l.watcher.Close()
		}
	})
	l.wg.Wait()
	return err
}

// readConfig decodes path over the defaults, applies environment overrides
// and validates.
func readConfig(path string) (*Config, error) {
	cfg, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type decoder func(data []byte, cfg *Config) error

func decodeTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func decodeJSON(data []byte, cfg *Config) error { return json.Unmarshal(data, cfg) }
func decodeYAML(data []byte, cfg *Config) error { return yaml.Unmarshal(data, cfg) }

var decoders = map[string]decoder{
	".toml": decodeTOML,
	".json": decodeJSON,
	".yaml": decodeYAML,
	".yml":  decodeYAML,
}

// decodeFile reads path over the defaults. The extension picks the format;
// any other extension is tried as TOML, JSON and YAML in turn.
func decodeFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if dec, ok := decoders[filepath.Ext(path)]; ok {
		cfg := DefaultConfig()
		if err := dec(data, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
		}
		return cfg, nil
	}
	for _, dec := range []decoder{decodeTOML, decodeJSON, decodeYAML} {
		cfg := DefaultConfig()
		if dec(data, cfg) == nil {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("parse %s: not TOML, JSON or YAML", filepath.Base(path))
}

// LoadOrCreate loads the configuration at path, writing the defaults there
// first if the file does not exist. The bool reports whether it was created.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		cfg.ApplyEnvOverrides()
		return cfg, true, cfg.Validate()
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}
