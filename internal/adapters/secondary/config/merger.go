package config

import (
	"os"
	"strconv"

	"github.com/fredcamaral/overlaysync/internal/domain/entities"
	"github.com/fredcamaral/overlaysync/internal/domain/ports"
)

// ConfigMerger implements the ConfigMerger interface
type ConfigMerger struct{}

// NewConfigMerger creates a new configuration merger
func NewConfigMerger() *ConfigMerger {
	return &ConfigMerger{}
}

// Merge merges multiple configurations with later configs taking precedence
func (m *ConfigMerger) Merge(configs ...*entities.Config) *entities.Config {
	if len(configs) == 0 {
		return GetDefaultConfig()
	}

	result := deepCopy(configs[0])
	if result == nil {
		result = &entities.Config{}
	}

	for i := 1; i < len(configs); i++ {
		if configs[i] != nil {
			m.mergeInto(result, configs[i])
		}
	}

	return result
}

// ApplyFlags applies CLI flag overrides to a configuration
func (m *ConfigMerger) ApplyFlags(config *entities.Config, flags map[string]interface{}) *entities.Config {
	result := deepCopy(config)

	if port, ok := flags["hub-port"].(int); ok && port > 0 {
		result.Hub.Port = port
	}

	if port, ok := flags["api-port"].(int); ok && port > 0 {
		result.API.Port = port
	}

	if host, ok := flags["host"].(string); ok && host != "" {
		result.Hub.Host = host
		result.API.Host = host
	}

	if token, ok := flags["token"].(string); ok && token != "" {
		result.Hub.Token = token
	}

	if dir, ok := flags["shm-dir"].(string); ok && dir != "" {
		result.Channels.Dir = dir
	}

	if level, ok := flags["log-level"].(string); ok && level != "" {
		result.Logging.Level = level
	}

	if verbose, ok := flags["verbose"].(bool); ok && verbose {
		result.Logging.Verbose = true
	}

	if jsonLogs, ok := flags["log-json"].(bool); ok && jsonLogs {
		result.Logging.JSONFormat = true
	}

	if noAPI, ok := flags["no-api"].(bool); ok && noAPI {
		result.API.Enabled = entities.BoolPtr(false)
	}

	if noSessions, ok := flags["no-sessions"].(bool); ok && noSessions {
		result.Sessions.Enabled = entities.BoolPtr(false)
	}

	if db, ok := flags["sessions-db"].(string); ok && db != "" {
		result.Sessions.Database = db
	}

	return result
}

// ApplyEnvVars applies environment variable overrides to a configuration
func (m *ConfigMerger) ApplyEnvVars(config *entities.Config) *entities.Config {
	result := deepCopy(config)

	if host := os.Getenv("OVERLAYSYNC_HOST"); host != "" {
		result.Hub.Host = host
		result.API.Host = host
	}

	if port, ok := envPort("OVERLAYSYNC_HUB_PORT"); ok {
		result.Hub.Port = port
	}

	if port, ok := envPort("OVERLAYSYNC_API_PORT"); ok {
		result.API.Port = port
	}

	if token := os.Getenv("OVERLAYSYNC_TOKEN"); token != "" {
		result.Hub.Token = token
	}

	if dir := os.Getenv("OVERLAYSYNC_SHM_DIR"); dir != "" {
		result.Channels.Dir = dir
	}

	if enabledStr := os.Getenv("OVERLAYSYNC_API_ENABLED"); enabledStr != "" {
		if enabled, err := strconv.ParseBool(enabledStr); err == nil {
			result.API.Enabled = entities.BoolPtr(enabled)
		}
	}

	if enabledStr := os.Getenv("OVERLAYSYNC_SESSIONS_ENABLED"); enabledStr != "" {
		if enabled, err := strconv.ParseBool(enabledStr); err == nil {
			result.Sessions.Enabled = entities.BoolPtr(enabled)
		}
	}

	if db := os.Getenv("OVERLAYSYNC_SESSIONS_DB"); db != "" {
		result.Sessions.Database = db
	}

	if level := os.Getenv("OVERLAYSYNC_LOG_LEVEL"); level != "" {
		result.Logging.Level = level
	}

	if jsonStr := os.Getenv("OVERLAYSYNC_LOG_JSON"); jsonStr != "" {
		if jsonLogs, err := strconv.ParseBool(jsonStr); err == nil {
			result.Logging.JSONFormat = jsonLogs
		}
	}

	if file := os.Getenv("OVERLAYSYNC_LOG_FILE"); file != "" {
		result.Logging.File = file
	}

	return result
}

func envPort(key string) (int, bool) {
	value := os.Getenv(key)
	if value == "" {
		return 0, false
	}
	port, err := strconv.Atoi(value)
	if err != nil || port <= 0 {
		return 0, false
	}
	return port, true
}

// mergeInto merges source configuration into target configuration
func (m *ConfigMerger) mergeInto(target, source *entities.Config) {
	// Hub config
	if source.Hub.Host != "" {
		target.Hub.Host = source.Hub.Host
	}
	if source.Hub.Port != 0 {
		target.Hub.Port = source.Hub.Port
	}
	if source.Hub.Path != "" {
		target.Hub.Path = source.Hub.Path
	}
	if source.Hub.Token != "" {
		target.Hub.Token = source.Hub.Token
	}
	if source.Hub.KeepaliveMs != 0 {
		target.Hub.KeepaliveMs = source.Hub.KeepaliveMs
	}
	if source.Hub.WriteTimeoutMs != 0 {
		target.Hub.WriteTimeoutMs = source.Hub.WriteTimeoutMs
	}
	if source.Hub.HandshakeTimeoutMs != 0 {
		target.Hub.HandshakeTimeoutMs = source.Hub.HandshakeTimeoutMs
	}
	if source.Hub.MaxFrameBytes != 0 {
		target.Hub.MaxFrameBytes = source.Hub.MaxFrameBytes
	}

	// API config
	if source.API.Enabled != nil {
		target.API.Enabled = entities.BoolPtr(*source.API.Enabled)
	}
	if source.API.Host != "" {
		target.API.Host = source.API.Host
	}
	if source.API.Port != 0 {
		target.API.Port = source.API.Port
	}
	if source.API.ReadTimeout != 0 {
		target.API.ReadTimeout = source.API.ReadTimeout
	}
	if source.API.WriteTimeout != 0 {
		target.API.WriteTimeout = source.API.WriteTimeout
	}
	if source.API.ShutdownTimeout != 0 {
		target.API.ShutdownTimeout = source.API.ShutdownTimeout
	}
	if source.API.Environment != "" {
		target.API.Environment = source.API.Environment
	}
	if len(source.API.CORSOrigins) > 0 {
		target.API.CORSOrigins = copyStrings(source.API.CORSOrigins)
	}

	// Channels config
	if source.Channels.Dir != "" {
		target.Channels.Dir = source.Channels.Dir
	}
	if source.Channels.SnapshotName != "" {
		target.Channels.SnapshotName = source.Channels.SnapshotName
	}
	if source.Channels.SnapshotCapacity != 0 {
		target.Channels.SnapshotCapacity = source.Channels.SnapshotCapacity
	}
	if source.Channels.EventName != "" {
		target.Channels.EventName = source.Channels.EventName
	}
	if source.Channels.EventSlots != 0 {
		target.Channels.EventSlots = source.Channels.EventSlots
	}
	if source.Channels.EventPayloadCap != 0 {
		target.Channels.EventPayloadCap = source.Channels.EventPayloadCap
	}

	// Reconciler, events and liveness
	if source.Reconciler.HeartbeatMs != 0 {
		target.Reconciler.HeartbeatMs = source.Reconciler.HeartbeatMs
	}
	if source.Events.PollIntervalMs != 0 {
		target.Events.PollIntervalMs = source.Events.PollIntervalMs
	}
	if source.Events.HistoryCap != 0 {
		target.Events.HistoryCap = source.Events.HistoryCap
	}
	if source.Liveness.PollIntervalMs != 0 {
		target.Liveness.PollIntervalMs = source.Liveness.PollIntervalMs
	}
	if source.Liveness.StaleAfterMs != 0 {
		target.Liveness.StaleAfterMs = source.Liveness.StaleAfterMs
	}

	// Sessions config
	if source.Sessions.Enabled != nil {
		target.Sessions.Enabled = entities.BoolPtr(*source.Sessions.Enabled)
	}
	if source.Sessions.Database != "" {
		target.Sessions.Database = source.Sessions.Database
	}

	// Logging config. Plain bools cannot be told apart from unset, so true wins.
	if source.Logging.Level != "" {
		target.Logging.Level = source.Logging.Level
	}
	if source.Logging.Verbose {
		target.Logging.Verbose = true
	}
	if source.Logging.JSONFormat {
		target.Logging.JSONFormat = true
	}
	if source.Logging.File != "" {
		target.Logging.File = source.Logging.File
	}
}

// deepCopy creates a deep copy of a configuration
func deepCopy(src *entities.Config) *entities.Config {
	if src == nil {
		return nil
	}

	dst := *src

	dst.API.CORSOrigins = copyStrings(src.API.CORSOrigins)
	if src.API.Enabled != nil {
		dst.API.Enabled = entities.BoolPtr(*src.API.Enabled)
	}
	if src.Sessions.Enabled != nil {
		dst.Sessions.Enabled = entities.BoolPtr(*src.Sessions.Enabled)
	}

	return &dst
}

func copyStrings(src []string) []string {
	if src == nil {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}

// Ensure ConfigMerger implements ports.ConfigMerger
var _ ports.ConfigMerger = (*ConfigMerger)(nil)
