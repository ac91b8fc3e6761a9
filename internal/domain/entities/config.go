package entities

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Hub        HubConfig        `toml:"hub"`
	API        APIConfig        `toml:"api"`
	Channels   ChannelsConfig   `toml:"channels"`
	Reconciler ReconcilerConfig `toml:"reconciler"`
	Events     EventsConfig     `toml:"events"`
	Liveness   LivenessConfig   `toml:"liveness"`
	Sessions   SessionsConfig   `toml:"sessions"`
	Logging    LoggingConfig    `toml:"logging"`
}

// Validate validates the entire configuration
func (c *Config) Validate() error {
	if err := c.Hub.Validate(); err != nil {
		return fmt.Errorf("hub config: %w", err)
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api config: %w", err)
	}

	if err := c.Channels.Validate(); err != nil {
		return fmt.Errorf("channels config: %w", err)
	}

	if err := c.Reconciler.Validate(); err != nil {
		return fmt.Errorf("reconciler config: %w", err)
	}

	if err := c.Events.Validate(); err != nil {
		return fmt.Errorf("events config: %w", err)
	}

	if err := c.Liveness.Validate(); err != nil {
		return fmt.Errorf("liveness config: %w", err)
	}

	if err := c.Sessions.Validate(); err != nil {
		return fmt.Errorf("sessions config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// HubConfig contains the push messaging hub configuration
type HubConfig struct {
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	Path               string `toml:"path"`
	Token              string `toml:"token"`
	KeepaliveMs        int    `toml:"keepalive_ms"`
	WriteTimeoutMs     int    `toml:"write_timeout_ms"`
	HandshakeTimeoutMs int    `toml:"handshake_timeout_ms"`
	MaxFrameBytes      int    `toml:"max_frame_bytes"`
}

// Validate validates hub configuration
func (h HubConfig) Validate() error {
	if h.Port < 0 || h.Port > 65535 {
		return errors.New("port must be between 0 and 65535")
	}

	if h.Path != "" && !strings.HasPrefix(h.Path, "/") {
		return fmt.Errorf("path must start with '/': %s", h.Path)
	}

	if h.KeepaliveMs < 0 {
		return errors.New("keepalive must be non-negative")
	}

	if h.WriteTimeoutMs < 0 {
		return errors.New("write timeout must be non-negative")
	}

	if h.HandshakeTimeoutMs < 0 {
		return errors.New("handshake timeout must be non-negative")
	}

	if h.MaxFrameBytes < 0 {
		return errors.New("max frame bytes must be non-negative")
	}

	return nil
}

// Addr returns the listen address
func (h HubConfig) Addr() string {
	return net.JoinHostPort(h.Host, fmt.Sprintf("%d", h.Port))
}

// GetPath returns the upgrade path with default
func (h HubConfig) GetPath() string {
	if h.Path == "" {
		return "/overlay"
	}
	return h.Path
}

// GetKeepalive returns the keepalive interval as a duration
func (h HubConfig) GetKeepalive() time.Duration {
	if h.KeepaliveMs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(h.KeepaliveMs) * time.Millisecond
}

// GetWriteTimeout returns the per-frame write deadline
func (h HubConfig) GetWriteTimeout() time.Duration {
	if h.WriteTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(h.WriteTimeoutMs) * time.Millisecond
}

// GetHandshakeTimeout returns the deadline for reading the upgrade request
func (h HubConfig) GetHandshakeTimeout() time.Duration {
	if h.HandshakeTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(h.HandshakeTimeoutMs) * time.Millisecond
}

// GetMaxFrameBytes returns the largest inbound frame payload accepted
func (h HubConfig) GetMaxFrameBytes() int {
	if h.MaxFrameBytes <= 0 {
		return 1 << 20
	}
	return h.MaxFrameBytes
}

// APIConfig contains control API server configuration
type APIConfig struct {
	Enabled         *bool    `toml:"enabled,omitempty"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	ReadTimeout     int      `toml:"read_timeout"`
	WriteTimeout    int      `toml:"write_timeout"`
	ShutdownTimeout int      `toml:"shutdown_timeout"`
	Environment     string   `toml:"environment"`
	CORSOrigins     []string `toml:"cors_origins"`
}

// Validate validates API server configuration
func (s APIConfig) Validate() error {
	if s.Port < 0 || s.Port > 65535 {
		return errors.New("port must be between 0 and 65535")
	}

	if s.Host != "" {
		if ip := net.ParseIP(s.Host); ip == nil {
			if _, err := net.LookupHost(s.Host); err != nil {
				return fmt.Errorf("invalid host: %w", err)
			}
		}
	}

	if s.ReadTimeout < 0 {
		return errors.New("read timeout must be non-negative")
	}

	if s.WriteTimeout < 0 {
		return errors.New("write timeout must be non-negative")
	}

	if s.ShutdownTimeout < 0 {
		return errors.New("shutdown timeout must be non-negative")
	}

	for _, origin := range s.CORSOrigins {
		if origin == "" {
			return errors.New("CORS origin cannot be empty")
		}
		if origin == "*" {
			continue
		}
		if len(origin) < 7 || (!strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://")) {
			return fmt.Errorf("invalid CORS origin format: %s (must start with http:// or https://)", origin)
		}
	}

	return nil
}

// IsEnabled reports whether the control API should run (default true)
func (s APIConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Addr returns the listen address
func (s APIConfig) Addr() string {
	return net.JoinHostPort(s.Host, fmt.Sprintf("%d", s.Port))
}

// GetReadTimeout returns the read timeout as a duration
func (s APIConfig) GetReadTimeout() time.Duration {
	if s.ReadTimeout <= 0 {
		return 15 * time.Second
	}
	return time.Duration(s.ReadTimeout) * time.Second
}

// GetWriteTimeout returns the write timeout as a duration
func (s APIConfig) GetWriteTimeout() time.Duration {
	if s.WriteTimeout <= 0 {
		return 15 * time.Second
	}
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetShutdownTimeout returns the shutdown timeout as a duration
func (s APIConfig) GetShutdownTimeout() time.Duration {
	if s.ShutdownTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetCORSOrigins returns CORS origins with defaults if empty
func (s APIConfig) GetCORSOrigins() []string {
	if len(s.CORSOrigins) == 0 {
		return []string{
			"http://localhost:3000",
			"http://127.0.0.1:3000",
		}
	}
	return s.CORSOrigins
}

// IsDevelopment returns true if the server is running in development mode
func (s APIConfig) IsDevelopment() bool {
	return s.Environment == "development" || s.Environment == ""
}

// Shared region size limits
const (
	MinSnapshotCapacity = 4 * 1024
	MaxSnapshotCapacity = 4 * 1024 * 1024
	MaxEventSlots       = 4096
	MaxEventPayloadCap  = 16 * 1024
)

// ChannelsConfig names and sizes the shared-memory regions
type ChannelsConfig struct {
	Dir              string `toml:"dir"`
	SnapshotName     string `toml:"snapshot_name"`
	SnapshotCapacity int    `toml:"snapshot_capacity"`
	EventName        string `toml:"event_name"`
	EventSlots       int    `toml:"event_slots"`
	EventPayloadCap  int    `toml:"event_payload_cap"`
}

// Validate validates channel configuration
func (c ChannelsConfig) Validate() error {
	if c.SnapshotName == "" {
		return errors.New("snapshot region name cannot be empty")
	}

	if c.EventName == "" {
		return errors.New("event region name cannot be empty")
	}

	if c.SnapshotName == c.EventName {
		return errors.New("snapshot and event regions must have different names")
	}

	for _, name := range []string{c.SnapshotName, c.EventName} {
		if strings.ContainsAny(name, `/\`) {
			return fmt.Errorf("region name must not contain path separators: %s", name)
		}
	}

	if c.SnapshotCapacity != 0 && (c.SnapshotCapacity < MinSnapshotCapacity || c.SnapshotCapacity > MaxSnapshotCapacity) {
		return fmt.Errorf("snapshot capacity must be between %d and %d bytes", MinSnapshotCapacity, MaxSnapshotCapacity)
	}

	if c.EventSlots < 0 || c.EventSlots > MaxEventSlots {
		return fmt.Errorf("event slots must be between 1 and %d", MaxEventSlots)
	}

	if c.EventPayloadCap < 0 || c.EventPayloadCap > MaxEventPayloadCap {
		return fmt.Errorf("event payload cap must be between 1 and %d bytes", MaxEventPayloadCap)
	}

	return nil
}

// GetSnapshotCapacity returns the snapshot region size with default (64 KiB)
func (c ChannelsConfig) GetSnapshotCapacity() int {
	if c.SnapshotCapacity <= 0 {
		return 64 * 1024
	}
	return c.SnapshotCapacity
}

// GetEventSlots returns the ring slot count with default
func (c ChannelsConfig) GetEventSlots() int {
	if c.EventSlots <= 0 {
		return 64
	}
	return c.EventSlots
}

// GetEventPayloadCap returns the per-slot payload cap with default
func (c ChannelsConfig) GetEventPayloadCap() int {
	if c.EventPayloadCap <= 0 {
		return 512
	}
	return c.EventPayloadCap
}

// GetDir returns the directory backing named regions on unix systems
func (c ChannelsConfig) GetDir() string {
	if c.Dir != "" {
		return c.Dir
	}
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// ReconcilerConfig contains state reconciler configuration
type ReconcilerConfig struct {
	HeartbeatMs int `toml:"heartbeat_ms"`
}

// Validate validates reconciler configuration
func (r ReconcilerConfig) Validate() error {
	if r.HeartbeatMs != 0 && r.HeartbeatMs < 100 {
		return errors.New("heartbeat interval must be at least 100ms")
	}
	return nil
}

// GetHeartbeat returns the heartbeat interval as a duration
func (r ReconcilerConfig) GetHeartbeat() time.Duration {
	if r.HeartbeatMs <= 0 {
		return time.Second
	}
	return time.Duration(r.HeartbeatMs) * time.Millisecond
}

// EventsConfig contains event pump configuration
type EventsConfig struct {
	PollIntervalMs int `toml:"poll_interval_ms"`
	HistoryCap     int `toml:"history_cap"`
}

// Validate validates event pump configuration
func (e EventsConfig) Validate() error {
	if e.PollIntervalMs != 0 && e.PollIntervalMs < 5 {
		return errors.New("event poll interval must be at least 5ms")
	}

	if e.HistoryCap < 0 {
		return errors.New("history cap must be non-negative")
	}

	return nil
}

// GetPollInterval returns the drain interval as a duration
func (e EventsConfig) GetPollInterval() time.Duration {
	if e.PollIntervalMs <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(e.PollIntervalMs) * time.Millisecond
}

// GetHistoryCap returns the catch-up history size with default
func (e EventsConfig) GetHistoryCap() int {
	if e.HistoryCap <= 0 {
		return 256
	}
	return e.HistoryCap
}

// LivenessConfig contains renderer-side staleness configuration
type LivenessConfig struct {
	PollIntervalMs int `toml:"poll_interval_ms"`
	StaleAfterMs   int `toml:"stale_after_ms"`
}

// Validate validates liveness configuration
func (l LivenessConfig) Validate() error {
	if l.PollIntervalMs != 0 && l.PollIntervalMs < 10 {
		return errors.New("liveness poll interval must be at least 10ms")
	}

	if l.StaleAfterMs < 0 {
		return errors.New("stale threshold must be non-negative")
	}

	if l.StaleAfterMs != 0 && l.PollIntervalMs != 0 && l.StaleAfterMs <= l.PollIntervalMs {
		return errors.New("stale threshold must exceed the poll interval")
	}

	return nil
}

// GetPollInterval returns the snapshot poll cadence
func (l LivenessConfig) GetPollInterval() time.Duration {
	if l.PollIntervalMs <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(l.PollIntervalMs) * time.Millisecond
}

// GetStaleAfter returns the heartbeat staleness threshold
func (l LivenessConfig) GetStaleAfter() time.Duration {
	if l.StaleAfterMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(l.StaleAfterMs) * time.Millisecond
}

// SessionsConfig contains session persistence configuration
type SessionsConfig struct {
	Enabled  *bool  `toml:"enabled,omitempty"`
	Database string `toml:"database"`
}

// Validate validates session persistence configuration
func (s SessionsConfig) Validate() error {
	if s.IsEnabled() && s.Database != "" && s.Database != ":memory:" && !filepath.IsAbs(s.Database) {
		return errors.New("sessions database path must be absolute")
	}
	return nil
}

// IsEnabled reports whether session persistence is on (default true)
func (s SessionsConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// GetDatabase returns the database path with default
func (s SessionsConfig) GetDatabase() string {
	if s.Database != "" {
		return s.Database
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".local", "share", "overlaysync", "sessions.db")
}

// BoolPtr returns a pointer to v for optional config fields
func BoolPtr(v bool) *bool {
	return &v
}

// LogLevel represents logging level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `toml:"level"`       // debug, info, warn, error
	Verbose    bool   `toml:"verbose"`     // Enable verbose logging
	JSONFormat bool   `toml:"json_format"` // Output logs in JSON format
	File       string `toml:"file"`        // Log to file (optional)
}

// Validate validates logging configuration
func (l LoggingConfig) Validate() error {
	switch LogLevel(l.Level) {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	case "":
		// Empty is okay, will use default
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", l.Level)
	}

	if l.File != "" {
		if !filepath.IsAbs(l.File) {
			return errors.New("log file path must be absolute")
		}

		dir := filepath.Dir(l.File)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return fmt.Errorf("log file directory does not exist: %s", dir)
		}
	}

	return nil
}

// GetLevel returns the log level with default
func (l LoggingConfig) GetLevel() LogLevel {
	if l.Level == "" {
		return LogLevelInfo
	}
	if l.Verbose && LogLevel(l.Level) == LogLevelInfo {
		return LogLevelDebug
	}
	return LogLevel(l.Level)
}
