// Package config loads the proxy's YAML configuration and watches it for
// changes (gopkg.in/yaml.v3 for parsing, fsnotify for hot-reload).
package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// AuditConfig configures the audit event sink, matching the shape the
// teacher's audit package expects from config.AuditConfig.
type AuditConfig struct {
	Enabled            bool              `yaml:"enabled"`
	MaxEvents          int               `yaml:"max_events"`
	RedactMetadataKeys []string          `yaml:"redact_metadata_keys"`
	Sink               AuditSinkConfig   `yaml:"sink"`
}

// AuditSinkConfig describes where audit events are written.
type AuditSinkConfig struct {
	Type          string            `yaml:"type"` // "stdout", "file", "http"
	Endpoint      string            `yaml:"endpoint"`
	Headers       map[string]string `yaml:"headers"`
	FilePath      string            `yaml:"file_path"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval int               `yaml:"flush_interval_seconds"`
	RetryCount    int               `yaml:"retry_count"`
	RetryBackoff  int               `yaml:"retry_backoff_seconds"`
}

// BufferConfig tunes the per-account buffer manager.
type BufferConfig struct {
	InitialQ        float32 `yaml:"initial_q"`
	ChannelCapacity int     `yaml:"channel_capacity"`
}

// TransportConfig configures the client-facing listener and the upstream
// relay dial.
type TransportConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	RelayURL    string `yaml:"relay_url"`
	StatusEvery int    `yaml:"status_every_seconds"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the top-level proxy configuration document.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Buffers   BufferConfig    `yaml:"buffers"`
	Audit     AuditConfig     `yaml:"audit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

func defaults() Config {
	return Config{
		Transport: TransportConfig{ListenAddr: ":9443", StatusEvery: 30},
		Buffers:   BufferConfig{InitialQ: 0.1, ChannelCapacity: 64},
		Audit:     AuditConfig{Enabled: true, MaxEvents: 1000, Sink: AuditSinkConfig{Type: "stdout"}},
		Metrics:   MetricsConfig{ListenAddr: ":9090"},
	}
}

// Load reads and parses the YAML config file at path, filling unset fields
// from defaults().
func Load(path string) (Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Watcher reloads Config from disk whenever the underlying file changes and
// invokes onChange with the newly parsed value.
type Watcher struct {
	mu       sync.Mutex
	path     string
	watcher  *fsnotify.Watcher
	log      *logrus.Logger
	onChange func(Config)
}

// WatchFile starts watching path for changes, calling onChange after every
// successful reload. The returned Watcher must be closed by the caller.
func WatchFile(path string, log *logrus.Logger, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	w := &Watcher{path: path, watcher: fw, log: log, onChange: onChange}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.log.WithError(err).WithField("path", w.path).Warn("config: reload failed, keeping previous config")
				continue
			}
			w.log.WithField("path", w.path).Info("config: reloaded")
			w.onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config: watcher error")
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
