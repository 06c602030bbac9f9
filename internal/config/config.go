// Package config is the runtime's Config struct plus YAML loading and
// fsnotify-driven hot reload: load, defaults, and watch-for-change, nothing
// more (no A/B testing, no version history).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the single value the whole runtime is constructed from: no
// process-wide singletons, one Config passed by reference at startup.
type Config struct {
	ListenAddr      string        `yaml:"listen_addr"`
	FleetBaseURL    string        `yaml:"fleet_base_url"`
	FleetToken      string        `yaml:"fleet_token"`
	GatewayURL      string        `yaml:"gateway_url"`
	Tier            string        `yaml:"tier"`
	CacheDir        string        `yaml:"cache_dir"`
	KeyDir          string        `yaml:"key_dir"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	HealthAddr      string        `yaml:"health_addr"`
	ShutdownDrain   time.Duration `yaml:"shutdown_drain"`
	EnableDashboard bool          `yaml:"enable_dashboard"`
	EnableEmitter   bool          `yaml:"enable_emitter"`

	// PublicHostname is the pre-provisioned ingress hostname fronting
	// ListenAddr, used when no dynamic tunnel provider is wired.
	PublicHostname          string        `yaml:"public_hostname"`
	TelemetryIntervalSeconds int          `yaml:"telemetry_interval_seconds"`
}

// Defaults returns the baseline configuration, overridden by whatever a
// collaborator's CLI/env loader layers on top — that layering is out of
// this package's scope.
func Defaults() Config {
	return Config{
		ListenAddr:      ":8443",
		Tier:            "readwrite",
		CacheDir:        "./data/cache",
		KeyDir:          "./data/keys",
		MetricsAddr:     ":9090",
		HealthAddr:      ":9091",
		ShutdownDrain:   5 * time.Second,
		EnableDashboard: false,
		EnableEmitter:   true,

		TelemetryIntervalSeconds: 10,
	}
}

// Load reads path as YAML over Defaults(); a missing file yields plain
// defaults rather than an error.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Watcher watches a config file's directory for writes and reloads it,
// delivering the new Config on the returned channel: a buffered channel
// pair, one fsnotify watcher on the containing directory (not the file
// itself, since editors often replace-by-rename), filtered to the exact
// path.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu         sync.Mutex
	isWatching bool
}

func NewWatcher(path string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	return &Watcher{path: path, watcher: w}, nil
}

// Watch starts watching and returns channels of reloaded Config values and
// errors (read or parse failures); both channels close when stop is
// closed or Stop is called.
func (w *Watcher) Watch(stop <-chan struct{}) (<-chan Config, <-chan error) {
	changes := make(chan Config, 10)
	errs := make(chan error, 10)

	w.mu.Lock()
	if w.isWatching {
		w.mu.Unlock()
		close(changes)
		close(errs)
		return changes, errs
	}
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		w.mu.Unlock()
		errs <- fmt.Errorf("config: watch dir %s: %w", dir, err)
		close(changes)
		close(errs)
		return changes, errs
	}
	w.isWatching = true
	w.mu.Unlock()

	go func() {
		defer close(changes)
		defer close(errs)
		for {
			select {
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if ev.Name != w.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(w.path)
				if err != nil {
					errs <- err
					continue
				}
				changes <- cfg
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				errs <- err
			case <-stop:
				return
			}
		}
	}()
	return changes, errs
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.isWatching {
		return nil
	}
	w.isWatching = false
	return w.watcher.Close()
}
