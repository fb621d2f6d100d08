package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server  ServerConfig  `toml:"server"`  // HTTP server settings
	Feed    FeedConfig    `toml:"feed"`    // Upstream APRS-IS feed settings
	Ingest  IngestConfig  `toml:"ingest"`  // Packet classification and batching settings
	Storage StorageConfig `toml:"storage"` // Data persistence settings
	Viewer  ViewerConfig  `toml:"viewer"`  // Map viewer session settings
	Logging LoggingConfig `toml:"logging"` // Application logging settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port             int    `toml:"port"`                  // HTTP port for the server
	Host             string `toml:"host"`                  // Host address to bind to (e.g. 127.0.0.1 for localhost only)
	ReadTimeoutSecs  int    `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request
	WriteTimeoutSecs int    `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout, needed for websockets)
	IdleTimeoutSecs  int    `toml:"idle_timeout_seconds"`  // Keep-alive idle timeout
	StaticFilesDir   string `toml:"static_files_dir"`      // Directory to serve static map UI files from
}

// FeedConfig contains upstream APRS-IS feed connection settings
type FeedConfig struct {
	Host                 string `toml:"host"`                   // APRS-IS server hostname
	Port                 int    `toml:"port"`                   // APRS-IS server port (typically 14580 for filtered feeds)
	Callsign             string `toml:"callsign"`               // Login callsign
	Passcode             string `toml:"passcode"`               // Login passcode ("-1" for receive-only)
	Filter               string `toml:"filter"`                 // Server-side filter expression (e.g. "r/60.2/24.9/500")
	SourceID             int    `toml:"source_id"`              // Source id recorded on every packet from this feed
	SourceName           string `toml:"source_name"`            // Human-readable source name
	SendsDirect          bool   `toml:"sends_direct"`           // Source delivers packets directly (wired feed); digipeated copies are ignored
	AllowDuplicates      bool   `toml:"allow_duplicates"`       // Skip continuity lookups for this source
	ReconnectIntervalSec int    `toml:"reconnect_interval_sec"` // Seconds to wait before reconnecting after feed loss
	ReadTimeoutSecs      int    `toml:"read_timeout_seconds"`   // Feed socket read deadline; keepalive comments reset it
}

// IngestConfig contains packet classification and batch commit settings
type IngestConfig struct {
	Workers              int  `toml:"workers"`                 // Number of parse/classify workers
	BatchSize            int  `toml:"batch_size"`              // Packet count that forces a batch flush
	BatchIdleFlushSecs   int  `toml:"batch_idle_flush_secs"`   // Idle seconds after which a partial batch is flushed
	BatchMaxSpreadMs     int  `toml:"batch_max_spread_ms"`     // Max ms between first and last packet in a batch
	MinPacketIntervalSec int  `toml:"min_packet_interval_sec"` // Frequency limiter minimum interval per station and type
	StoreFastPackets     bool `toml:"store_fast_packets"`      // Store rate-limited packets under their own class instead of dropping
	DuplicateWindowSecs  int  `toml:"duplicate_window_secs"`   // Body-hash duplicate detection window
	DuplicateCacheSize   int  `toml:"duplicate_cache_size"`    // Max entries in the duplicate detection cache
}

// StorageConfig contains data persistence configuration
type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path"` // Path to the SQLite database file
}

// ViewerConfig contains map viewer session settings
type ViewerConfig struct {
	DefaultWindowMinutes int `toml:"default_window_minutes"` // Default history window when a request omits one
	MaxWindowMinutes     int `toml:"max_window_minutes"`     // Upper bound on requested history windows
	InactivityTimeoutSec int `toml:"inactivity_timeout_sec"` // Seconds of viewer silence before the session idles
	KeepAliveIntervalSec int `toml:"keepalive_interval_sec"` // Interval between server timestamp ticks
	SendQueueSize        int `toml:"send_queue_size"`        // Per-connection outbound message queue size
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level      string `toml:"level"`        // Log level: "debug", "info", "warn", or "error"
	Format     string `toml:"format"`       // Log format: "json" (structured) or "console" (human-readable)
	FilePath   string `toml:"file_path"`    // Optional log file path; empty logs to stderr
	MaxSizeMB  int    `toml:"max_size_mb"`  // Rotate the log file after this many megabytes
	MaxBackups int    `toml:"max_backups"`  // Number of rotated files to keep
	MaxAgeDays int    `toml:"max_age_days"` // Days to keep rotated files
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	var config Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

// LoadWithFallback loads configuration from the given path, falling back to
// configs/config.toml and ./config.toml when no path is provided
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}

	candidates := []string{
		filepath.Join("configs", "config.toml"),
		"config.toml",
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return Load(candidate)
		}
	}
	return nil, fmt.Errorf("no config file found (searched %v)", candidates)
}

// applyDefaults fills in zero-valued settings with sane defaults
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Feed.Port == 0 {
		c.Feed.Port = 14580
	}
	if c.Feed.SourceID == 0 {
		c.Feed.SourceID = 1
	}
	if c.Feed.SourceName == "" {
		c.Feed.SourceName = "aprs-is"
	}
	if c.Feed.ReconnectIntervalSec == 0 {
		c.Feed.ReconnectIntervalSec = 5
	}
	if c.Feed.ReadTimeoutSecs == 0 {
		c.Feed.ReadTimeoutSecs = 60
	}
	if c.Ingest.Workers == 0 {
		c.Ingest.Workers = 4
	}
	if c.Ingest.BatchSize == 0 {
		c.Ingest.BatchSize = 100
	}
	if c.Ingest.BatchIdleFlushSecs == 0 {
		c.Ingest.BatchIdleFlushSecs = 5
	}
	if c.Ingest.BatchMaxSpreadMs == 0 {
		c.Ingest.BatchMaxSpreadMs = 1000
	}
	if c.Ingest.MinPacketIntervalSec == 0 {
		c.Ingest.MinPacketIntervalSec = 5
	}
	if c.Ingest.DuplicateWindowSecs == 0 {
		c.Ingest.DuplicateWindowSecs = 30 * 60
	}
	if c.Ingest.DuplicateCacheSize == 0 {
		c.Ingest.DuplicateCacheSize = 65536
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "aprsmap.db"
	}
	if c.Viewer.DefaultWindowMinutes == 0 {
		c.Viewer.DefaultWindowMinutes = 60
	}
	if c.Viewer.MaxWindowMinutes == 0 {
		c.Viewer.MaxWindowMinutes = 24 * 60
	}
	if c.Viewer.InactivityTimeoutSec == 0 {
		c.Viewer.InactivityTimeoutSec = 15 * 60
	}
	if c.Viewer.KeepAliveIntervalSec == 0 {
		c.Viewer.KeepAliveIntervalSec = 10
	}
	if c.Viewer.SendQueueSize == 0 {
		c.Viewer.SendQueueSize = 256
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// Validate checks the configuration for invalid combinations
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Feed.Host == "" {
		return fmt.Errorf("feed host is required")
	}
	if c.Feed.Callsign == "" {
		return fmt.Errorf("feed callsign is required")
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest workers must be at least 1")
	}
	if c.Viewer.MaxWindowMinutes < c.Viewer.DefaultWindowMinutes {
		return fmt.Errorf("viewer max_window_minutes (%d) is below default_window_minutes (%d)",
			c.Viewer.MaxWindowMinutes, c.Viewer.DefaultWindowMinutes)
	}
	return nil
}
