// Package config loads and live-reloads infinitree's non-cryptographic
// configuration surface: cache tier budgets, writer lane count, chunker
// parameters, mmap toggles, KDF cost, and backend selection.
package config

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// CacheConfig controls the tiered object cache (§4.7).
type CacheConfig struct {
	MemoryBytes int64  `yaml:"memory_bytes"`
	LocalBytes  int64  `yaml:"local_bytes"`
	LocalPath   string `yaml:"local_path"`
	RemoteAddr  string `yaml:"remote_addr"` // optional Redis address for the remote tier
}

// WriterConfig controls the writer object pool (§4.4).
type WriterConfig struct {
	Lanes           int `yaml:"lanes"`
	DedupMaxEntries int `yaml:"dedup_max_entries"`
	UploadQueueSize int `yaml:"upload_queue_size"`
}

// ChunkerConfig controls the content-defined chunker (§4.2).
type ChunkerConfig struct {
	Min      int `yaml:"min"`
	Max      int `yaml:"max"`
	MaskBits uint `yaml:"mask_bits"`
}

// MmapConfig toggles memory-mapped reads where the backend supports it.
type MmapConfig struct {
	Enabled bool `yaml:"enabled"`
}

// KDFConfig holds Argon2id cost parameters for MasterKey derivation.
type KDFConfig struct {
	MemoryKiB   uint32 `yaml:"memory_kib"`
	Iterations  uint32 `yaml:"iterations"`
	Parallelism uint8  `yaml:"parallelism"`
}

// CryptoConfig groups cryptographic tuning knobs.
type CryptoConfig struct {
	KDF KDFConfig `yaml:"kdf"`
}

// HardwareConfig controls whether detected CPU crypto acceleration is used.
type HardwareConfig struct {
	EnableAESNI    bool `yaml:"enable_aesni"`
	EnableARMv8AES bool `yaml:"enable_armv8_aes"`
}

// AuditSinkConfig selects and configures where audit events are written.
type AuditSinkConfig struct {
	Type          string            `yaml:"type"` // "stdout", "file", or "http"
	Endpoint      string            `yaml:"endpoint"`
	Headers       map[string]string `yaml:"headers"`
	FilePath      string            `yaml:"file_path"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval time.Duration     `yaml:"flush_interval"`
	RetryCount    int               `yaml:"retry_count"`
	RetryBackoff  time.Duration     `yaml:"retry_backoff"`
}

// AuditConfig controls structured audit logging of tree open/commit/rewrap
// events (§4.13).
type AuditConfig struct {
	Enabled             bool            `yaml:"enabled"`
	MaxEvents           int             `yaml:"max_events"`
	RedactMetadataKeys  []string        `yaml:"redact_metadata_keys"`
	Sink                AuditSinkConfig `yaml:"sink"`
}

// KMSKeyConfig names one wrapping key known to the configured KMS.
type KMSKeyConfig struct {
	ID      string `yaml:"id"`
	Version int    `yaml:"version"`
}

// KMSConfig controls delegating MasterKey custody to an external KMS
// instead of deriving it from a passphrase (§4.13).
type KMSConfig struct {
	Enabled        bool           `yaml:"enabled"`
	Provider       string         `yaml:"provider"` // "kmip"
	Endpoint       string         `yaml:"endpoint"`
	CACertPath     string         `yaml:"ca_cert_path"`
	Timeout        time.Duration  `yaml:"timeout"`
	DualReadWindow int            `yaml:"dual_read_window"`
	Keys           []KMSKeyConfig `yaml:"keys"`
}

// TracingConfig controls distributed tracing of chunk seal/fetch and
// commit operations.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "otlp" or "stdout"
	Endpoint string `yaml:"endpoint"` // otlp collector address, ignored for "stdout"
}

// BackendConfig selects and configures the object storage backend.
type BackendConfig struct {
	Kind      string `yaml:"kind"` // "fs" or "s3"
	Path      string `yaml:"path"` // fs backend root directory
	Provider  string `yaml:"provider"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Config is the full infinitree configuration surface.
type Config struct {
	Cache    CacheConfig    `yaml:"cache"`
	Writer   WriterConfig   `yaml:"writer"`
	Chunker  ChunkerConfig  `yaml:"chunker"`
	Mmap     MmapConfig     `yaml:"mmap"`
	Crypto   CryptoConfig   `yaml:"crypto"`
	Hardware HardwareConfig `yaml:"hardware"`
	Backend  BackendConfig  `yaml:"backend"`
	Audit    AuditConfig    `yaml:"audit"`
	KMS      KMSConfig      `yaml:"kms"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// Default returns the configuration used when no file is provided,
// matching the defaults named in spec §6.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			MemoryBytes: 256 << 20,
			LocalBytes:  4 << 30,
		},
		Writer: WriterConfig{
			Lanes:           runtime.NumCPU(),
			DedupMaxEntries: 1 << 20,
			UploadQueueSize: 64,
		},
		Chunker: ChunkerConfig{
			Min:      256 * 1024,
			Max:      4*1024*1024 - 64*1024,
			MaskBits: 13,
		},
		Mmap: MmapConfig{Enabled: false},
		Crypto: CryptoConfig{
			KDF: KDFConfig{
				MemoryKiB:   64 * 1024,
				Iterations:  3,
				Parallelism: 4,
			},
		},
		Backend: BackendConfig{Kind: "fs"},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 1024,
			Sink:      AuditSinkConfig{Type: "stdout"},
		},
		KMS: KMSConfig{
			Enabled: false,
			Timeout: 10 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Exporter: "stdout",
		},
	}
}

// Load reads and parses a YAML config file, filling unset fields from Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.Writer.Lanes == 0 {
		cfg.Writer.Lanes = d.Writer.Lanes
	}
	if cfg.Writer.DedupMaxEntries == 0 {
		cfg.Writer.DedupMaxEntries = d.Writer.DedupMaxEntries
	}
	if cfg.Writer.UploadQueueSize == 0 {
		cfg.Writer.UploadQueueSize = d.Writer.UploadQueueSize
	}
	if cfg.Chunker.Min == 0 {
		cfg.Chunker.Min = d.Chunker.Min
	}
	if cfg.Chunker.Max == 0 {
		cfg.Chunker.Max = d.Chunker.Max
	}
	if cfg.Chunker.MaskBits == 0 {
		cfg.Chunker.MaskBits = d.Chunker.MaskBits
	}
	if cfg.Crypto.KDF.Iterations == 0 {
		cfg.Crypto.KDF = d.Crypto.KDF
	}
	if cfg.Backend.Kind == "" {
		cfg.Backend.Kind = d.Backend.Kind
	}
	if cfg.KMS.Timeout == 0 {
		cfg.KMS.Timeout = d.KMS.Timeout
	}
	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = d.Tracing.Exporter
	}
}

// Watcher live-reloads a config file, notifying subscribers of every
// successfully parsed update. Cryptographic parameters (KDF cost) are
// intentionally re-read but never retroactively applied to an already
// derived MasterKey. Watcher applies nothing itself; onChange decides what
// takes effect (Tree.ApplyConfig applies only the cache tier budgets and the
// hardware-acceleration metric).
type Watcher struct {
	mu      sync.RWMutex
	current *Config
	watcher *fsnotify.Watcher
	onErr   func(error)
}

// WatchFile starts watching path for changes, invoking onChange with each
// successfully reloaded Config. The returned Watcher must be closed by
// the caller.
func WatchFile(path string, onChange func(*Config)) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to start config watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	w := &Watcher{current: cfg, watcher: fw}

	go func() {
		for {
			select {
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				reloaded, err := Load(path)
				if err != nil {
					if w.onErr != nil {
						w.onErr(err)
					}
					continue
				}
				w.mu.Lock()
				w.current = reloaded
				w.mu.Unlock()
				if onChange != nil {
					onChange(reloaded)
				}
			case _, ok := <-fw.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops watching the config file.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
