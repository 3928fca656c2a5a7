// Package config provides process-wide configuration for the transfer engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/ini.v1"
)

// UseCacheDir controls where in-flight downloads are staged before being
// moved to their final directory.
type UseCacheDir string

const (
	UseCacheDirAlways    UseCacheDir = "always"
	UseCacheDirNever     UseCacheDir = "never"
	UseCacheDirWhenAble  UseCacheDir = "whenAble"
)

// RequireWiFi controls whether a task is admitted only on a Wi-Fi network.
type RequireWiFi string

const (
	RequireWiFiAsGlobal RequireWiFi = "asGlobal"
	RequireWiFiForAll   RequireWiFi = "forAllTasks"
	RequireWiFiForNone  RequireWiFi = "forNoTasks"
)

// Config is the engine's top-level, process-wide configuration. A loaded
// Config is treated as an immutable snapshot: components are not handed a
// new Config at runtime. The one setting the engine changes while running,
// the Wi-Fi policy, is updated through TransferEngine.SetWiFiPolicy, which
// passes it on to the HoldingQueue.
//
// Config file location:
//   - Windows: %APPDATA%\TransferEngine\engine.conf
//   - Unix: ~/.config/transferengine/engine.conf
type Config struct {
	Engine EngineConfig
	Proxy  ProxyConfig
	Pool   PoolConfig
}

// EngineConfig holds the engine's externally-facing configuration keys.
type EngineConfig struct {
	// RequestTimeoutSeconds bounds how long a single HTTP request for headers
	// may take before the connection is considered dead.
	RequestTimeoutSeconds int `ini:"request_timeout_seconds"`

	// ResourceTimeoutSeconds bounds how long a whole task (request plus body)
	// may run before it is treated as a connection failure.
	ResourceTimeoutSeconds int `ini:"resource_timeout_seconds"`

	// UseCacheDir controls temp-file placement: always stage in the cache
	// directory and move on completion, never stage (write directly into the
	// destination directory with a partial-file suffix), or whenAble (stage
	// in cache when RunInForegroundIfFileLargerThanBytes is zero or less, or
	// when the content length is below half of it; else write directly).
	UseCacheDir UseCacheDir `ini:"use_cache_dir"`

	// RunInForegroundIfFileLargerThanBytes is a threshold the engine core
	// does not use to choose foreground or background execution (that is a
	// host responsibility); the download path does use it as the cache
	// quota for UseCacheDir whenAble.
	RunInForegroundIfFileLargerThanBytes int64 `ini:"run_in_foreground_if_file_larger_than_bytes"`

	// CheckAvailableSpaceThresholdMB is the free-space floor, in MiB, the
	// engine keeps on the destination filesystem before starting a
	// download's byte pump. Zero disables the check.
	CheckAvailableSpaceThresholdMB int64 `ini:"check_available_space_threshold_mb"`

	// RequireWiFi is the global Wi-Fi admission policy. Under asGlobal each
	// task's own requiresWiFi field decides; forAllTasks and forNoTasks
	// override every task's own setting.
	RequireWiFi RequireWiFi `ini:"require_wifi"`

	// MaxConcurrent bounds total concurrently running tasks.
	MaxConcurrent int `ini:"max_concurrent"`

	// MaxConcurrentByHost bounds concurrently running tasks per destination
	// host. Zero means unbounded.
	MaxConcurrentByHost int `ini:"max_concurrent_by_host"`

	// MaxConcurrentByGroup bounds concurrently running tasks per task group.
	// Zero means unbounded.
	MaxConcurrentByGroup int `ini:"max_concurrent_by_group"`

	// StorePath is the filesystem directory the Badger-backed Store keeps
	// its database files in.
	StorePath string `ini:"store_path"`

	// BaseDirectory is the root all of a task's relative `directory` fields
	// resolve under when the task's baseDirectory is "applicationDocuments".
	BaseDirectory string `ini:"base_directory"`

	// CacheDirectory is the root used for in-progress temp files when
	// UseCacheDir is "always" or "whenAble".
	CacheDirectory string `ini:"cache_directory"`

	// ByteStreamBufferBytes is the single-stream download byte pump's
	// read/write buffer size, defaulting to 8192 (8 KiB); zero or less also
	// means 8192. The upload path does not use it, and parallel chunk
	// workers use ParallelChunkBufferBytes instead.
	ByteStreamBufferBytes int `ini:"byte_stream_buffer_bytes"`

	// ParallelChunkBufferBytes is the per-chunk-worker buffer size used by
	// the parallel download path, independent of ByteStreamBufferBytes
	// because chunk workers typically benefit from a larger buffer.
	ParallelChunkBufferBytes int `ini:"parallel_chunk_buffer_bytes"`

	// ParallelDownloadChunks is the number of chunks a ParallelDownloadTask
	// is split into, lowered as needed so no chunk is under 256 KiB. Tasks
	// carry no chunk count of their own.
	ParallelDownloadChunks int `ini:"parallel_download_chunks"`

	// DefaultRetries is used for tasks that don't set their own retries.
	DefaultRetries int `ini:"default_retries"`

	// HoldingQueueStarvationScanLimit is loaded, saved and defaulted with the
	// rest of the configuration, but the HoldingQueue does not read it: each
	// admission scan walks the whole pending set.
	HoldingQueueStarvationScanLimit int `ini:"holding_queue_starvation_scan_limit"`

	// PauseTimeoutSeconds is the idle timeout for download and parallel
	// download tasks: after this long with no byte progress a task that
	// allows pausing is paused, and any other task fails (default 9
	// minutes == 540s). Zero or less disables it.
	PauseTimeoutSeconds int `ini:"pause_timeout_seconds"`

	// RateLimitRequestsPerSecond, when non-zero, enables per-host request
	// pacing ahead of issuing or retrying a request to that host. This is an
	// addition beyond the base admission-control model.
	RateLimitRequestsPerSecond float64 `ini:"rate_limit_requests_per_second"`

	// LogMode selects "cli" (console writer to stdout) or "lib" (console
	// writer to stderr) logging output.
	LogMode string `ini:"log_mode"`
}

// ProxyConfig holds outbound HTTP proxy settings.
type ProxyConfig struct {
	// Mode is one of "no-proxy", "system", or "basic".
	Mode     string `ini:"mode"`
	Host     string `ini:"host"`
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`

	// NoProxy is a comma-separated bypass list of hosts/CIDRs, matched with
	// golang.org/x/net/http/httpproxy semantics.
	NoProxy string `ini:"no_proxy"`
}

// PoolConfig holds outbound HTTP transport connection-pool tuning, exposed
// because the engine must sustain many concurrent per-host transfers
// without the standard library's conservative defaults starving it.
type PoolConfig struct {
	MaxIdleConns        int  `ini:"max_idle_conns"`
	MaxIdleConnsPerHost int  `ini:"max_idle_conns_per_host"`
	MaxConnsPerHost     int  `ini:"max_conns_per_host"`
	IdleConnTimeoutSec  int  `ini:"idle_conn_timeout_seconds"`
	DisableCompression  bool `ini:"disable_compression"`
	ForceAttemptHTTP2   bool `ini:"force_attempt_http2"`
}

// Validation errors.
var (
	ErrInvalidMaxConcurrent  = errors.New("max_concurrent must be at least 1")
	ErrInvalidUseCacheDir    = errors.New("use_cache_dir must be one of: always, never, whenAble")
	ErrInvalidRequireWiFi    = errors.New("require_wifi must be one of: asGlobal, forAllTasks, forNoTasks")
	ErrMissingStorePath      = errors.New("store_path is required")
	ErrInvalidProxyMode      = errors.New("proxy.mode must be one of: no-proxy, system, basic")
	ErrProxyHostRequired     = errors.New("proxy.host is required when proxy.mode is basic")
)

// Default returns a Config populated with the engine's documented defaults.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			RequestTimeoutSeconds:                 60,
			ResourceTimeoutSeconds:                9 * 60,
			UseCacheDir:                            UseCacheDirWhenAble,
			RunInForegroundIfFileLargerThanBytes:   0,
			CheckAvailableSpaceThresholdMB:         500,
			RequireWiFi:                            RequireWiFiAsGlobal,
			MaxConcurrent:                          5,
			MaxConcurrentByHost:                    0,
			MaxConcurrentByGroup:                   0,
			StorePath:                              defaultStorePath(),
			BaseDirectory:                          defaultBaseDirectory(),
			CacheDirectory:                         defaultCacheDirectory(),
			ByteStreamBufferBytes:                  8192,
			ParallelChunkBufferBytes:                64 * 1024,
			ParallelDownloadChunks:                 4,
			DefaultRetries:                         0,
			HoldingQueueStarvationScanLimit:        64,
			PauseTimeoutSeconds:                    9 * 60,
			RateLimitRequestsPerSecond:             0,
			LogMode:                                "lib",
		},
		Proxy: ProxyConfig{
			Mode: "no-proxy",
		},
		Pool: PoolConfig{
			MaxIdleConns:        512,
			MaxIdleConnsPerHost: 100,
			MaxConnsPerHost:     100,
			IdleConnTimeoutSec:  90,
			DisableCompression:  true,
			ForceAttemptHTTP2:   true,
		},
	}
}

// Validate checks that a Config is internally consistent.
func (c *Config) Validate() error {
	if c.Engine.MaxConcurrent < 1 {
		return ErrInvalidMaxConcurrent
	}
	switch c.Engine.UseCacheDir {
	case UseCacheDirAlways, UseCacheDirNever, UseCacheDirWhenAble:
	default:
		return ErrInvalidUseCacheDir
	}
	switch c.Engine.RequireWiFi {
	case RequireWiFiAsGlobal, RequireWiFiForAll, RequireWiFiForNone:
	default:
		return ErrInvalidRequireWiFi
	}
	if c.Engine.StorePath == "" {
		return ErrMissingStorePath
	}
	switch strings.ToLower(c.Proxy.Mode) {
	case "no-proxy", "system", "", "basic":
	default:
		return ErrInvalidProxyMode
	}
	if strings.ToLower(c.Proxy.Mode) == "basic" && c.Proxy.Host == "" {
		return ErrProxyHostRequired
	}
	return nil
}

// DefaultConfigPath returns the default location of the engine's config file.
func DefaultConfigPath() (string, error) {
	var configDir string
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", errors.New("APPDATA environment variable not set")
		}
		configDir = filepath.Join(appData, "TransferEngine")
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config", "transferengine")
	}
	return filepath.Join(configDir, "engine.conf"), nil
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "transferengine", "store")
	}
	return filepath.Join(home, ".local", "share", "transferengine", "store")
}

func defaultBaseDirectory() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	return home
}

func defaultCacheDirectory() string {
	return filepath.Join(os.TempDir(), "transferengine", "cache")
}

// Load reads a Config from an INI file at path. Missing sections fall back
// to Default's values field by field.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	file, err := ini.Load(data)
	if err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	if sec := file.Section("engine"); sec != nil {
		if err := sec.MapTo(&cfg.Engine); err != nil {
			return cfg, fmt.Errorf("parsing [engine] section: %w", err)
		}
	}
	if sec := file.Section("proxy"); sec != nil {
		if err := sec.MapTo(&cfg.Proxy); err != nil {
			return cfg, fmt.Errorf("parsing [proxy] section: %w", err)
		}
	}
	if sec := file.Section("pool"); sec != nil {
		if err := sec.MapTo(&cfg.Pool); err != nil {
			return cfg, fmt.Errorf("parsing [pool] section: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save atomically writes cfg to path: render to a temp file in the same
// directory, chmod 0600, then rename over the destination so a reader never
// observes a partially written file.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	file := ini.Empty()
	if err := file.Section("engine").ReflectFrom(&cfg.Engine); err != nil {
		return fmt.Errorf("encoding [engine] section: %w", err)
	}
	if err := file.Section("proxy").ReflectFrom(&cfg.Proxy); err != nil {
		return fmt.Errorf("encoding [proxy] section: %w", err)
	}
	if err := file.Section("pool").ReflectFrom(&cfg.Pool); err != nil {
		return fmt.Errorf("encoding [pool] section: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".engine-conf-*")
	if err != nil {
		return fmt.Errorf("creating temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := file.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("chmod temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp config file into place: %w", err)
	}
	return nil
}
