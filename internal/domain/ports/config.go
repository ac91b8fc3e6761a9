package ports

import (
	"context"

	"github.com/fredcamaral/overlaysync/internal/domain/entities"
)

// ConfigLayer is one configuration file as decoded, before any merging
type ConfigLayer struct {
	Source string
	Config *entities.Config
}

// ConfigLoader finds and decodes the configuration files for a run
type ConfigLoader interface {
	// EnsureGlobal writes the default global file when it is missing and
	// reports whether it did
	EnsureGlobal(ctx context.Context) (bool, error)

	// Layers returns the files that exist for workingDir, lowest precedence first
	Layers(ctx context.Context, workingDir string) ([]ConfigLayer, error)

	GlobalPath() string
}

// ConfigMerger combines layers and applies environment and flag overrides
type ConfigMerger interface {
	Merge(configs ...*entities.Config) *entities.Config
	ApplyEnvVars(config *entities.Config) *entities.Config
	ApplyFlags(config *entities.Config, flags map[string]interface{}) *entities.Config
}

// ResolvedConfig is the effective configuration and where it came from
type ResolvedConfig struct {
	Config *entities.Config

	// Sources lists the merged files, lowest precedence first
	Sources []string

	// EnvOverrides lists the OVERLAYSYNC_* variables present in the environment
	EnvOverrides []string

	// CreatedGlobal is set when this run wrote the default global file
	CreatedGlobal bool
}

// ConfigResolver produces the validated configuration for a command
type ConfigResolver interface {
	Resolve(ctx context.Context, workingDir string, flags map[string]interface{}) (*ResolvedConfig, error)
}
