package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/fredcamaral/overlaysync/internal/domain/entities"
)

// Default listen ports for the push hub and the control API
const (
	DefaultHubPort = 4570
	DefaultAPIPort = 4571
)

// GetDefaultConfig returns the default configuration with environment overrides
func GetDefaultConfig() *entities.Config {
	config := &entities.Config{
		Hub: entities.HubConfig{
			Host:               getEnvOrDefault("OVERLAYSYNC_HOST", "127.0.0.1"),
			Port:               getEnvIntOrDefault("OVERLAYSYNC_HUB_PORT", DefaultHubPort),
			Path:               "/overlay",
			Token:              getEnvOrDefault("OVERLAYSYNC_TOKEN", ""),
			KeepaliveMs:        15000,
			WriteTimeoutMs:     5000,
			HandshakeTimeoutMs: 5000,
			MaxFrameBytes:      1 << 20,
		},
		API: entities.APIConfig{
			Enabled:         entities.BoolPtr(getEnvBoolOrDefault("OVERLAYSYNC_API_ENABLED", true)),
			Host:            getEnvOrDefault("OVERLAYSYNC_HOST", "127.0.0.1"),
			Port:            getEnvIntOrDefault("OVERLAYSYNC_API_PORT", DefaultAPIPort),
			ReadTimeout:     getEnvIntOrDefault("OVERLAYSYNC_READ_TIMEOUT", 15),
			WriteTimeout:    getEnvIntOrDefault("OVERLAYSYNC_WRITE_TIMEOUT", 15),
			ShutdownTimeout: getEnvIntOrDefault("OVERLAYSYNC_SHUTDOWN_TIMEOUT", 5),
			Environment:     getEnvOrDefault("OVERLAYSYNC_ENV", "production"),
			CORSOrigins: getEnvSliceOrDefault("OVERLAYSYNC_CORS_ORIGINS", []string{
				"http://localhost:3000",
				"http://127.0.0.1:3000",
			}),
		},
		Channels: entities.ChannelsConfig{
			Dir:              getEnvOrDefault("OVERLAYSYNC_SHM_DIR", ""),
			SnapshotName:     "overlaysync-state",
			SnapshotCapacity: 64 * 1024,
			EventName:        "overlaysync-events",
			EventSlots:       64,
			EventPayloadCap:  512,
		},
		Reconciler: entities.ReconcilerConfig{
			HeartbeatMs: 1000,
		},
		Events: entities.EventsConfig{
			PollIntervalMs: 50,
			HistoryCap:     256,
		},
		Liveness: entities.LivenessConfig{
			PollIntervalMs: 250,
			StaleAfterMs:   5000,
		},
		Sessions: entities.SessionsConfig{
			Enabled:  entities.BoolPtr(getEnvBoolOrDefault("OVERLAYSYNC_SESSIONS_ENABLED", true)),
			Database: getEnvOrDefault("OVERLAYSYNC_SESSIONS_DB", ""),
		},
		Logging: entities.LoggingConfig{
			Level:      getEnvOrDefault("OVERLAYSYNC_LOG_LEVEL", "info"),
			Verbose:    getEnvBoolOrDefault("OVERLAYSYNC_LOG_VERBOSE", false),
			JSONFormat: getEnvBoolOrDefault("OVERLAYSYNC_LOG_JSON", false),
			File:       getEnvOrDefault("OVERLAYSYNC_LOG_FILE", ""),
		},
	}

	applyEnvironmentOverrides(config)

	return config
}

// getEnvOrDefault returns environment variable value or default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault returns environment variable as int or default
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBoolOrDefault returns environment variable as bool or default
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvSliceOrDefault returns a comma separated environment variable as slice or default
func getEnvSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// applyEnvironmentOverrides applies overrides that refine defaults set above
func applyEnvironmentOverrides(config *entities.Config) {
	if host := os.Getenv("OVERLAYSYNC_API_HOST"); host != "" {
		config.API.Host = host
	}

	if name := os.Getenv("OVERLAYSYNC_SNAPSHOT_NAME"); name != "" {
		config.Channels.SnapshotName = name
	}

	if name := os.Getenv("OVERLAYSYNC_EVENT_NAME"); name != "" {
		config.Channels.EventName = name
	}

	if heartbeat := os.Getenv("OVERLAYSYNC_HEARTBEAT_MS"); heartbeat != "" {
		if ms, err := strconv.Atoi(heartbeat); err == nil && ms > 0 {
			config.Reconciler.HeartbeatMs = ms
		}
	}
}
