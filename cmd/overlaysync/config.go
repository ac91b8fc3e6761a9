package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fredcamaral/overlaysync/internal/adapters/secondary/config"
	"github.com/fredcamaral/overlaysync/internal/domain/entities"
	"github.com/fredcamaral/overlaysync/internal/domain/services"
)

// Flags forwarded to the config merger when set on the command line
var (
	intFlags    = []string{"hub-port", "api-port"}
	stringFlags = []string{"host", "token", "shm-dir", "log-level", "sessions-db"}
	boolFlags   = []string{"verbose", "log-json", "no-api", "no-sessions"}
)

// loadConfig resolves defaults, global and local files, environment and flags
func loadConfig(cmd *cobra.Command) (*entities.Config, error) {
	loader := config.NewTOMLLoader()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loader = config.NewTOMLLoaderAt(path)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolving working directory: %w", err)
	}

	resolver := services.NewConfigResolver(loader, config.NewConfigMerger(), nil)
	resolved, err := resolver.Resolve(cmd.Context(), workingDir, collectFlags(cmd))
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if resolved.CreatedGlobal {
		fmt.Fprintf(cmd.ErrOrStderr(), "Wrote default configuration to %s\n", loader.GlobalPath())
	}
	return resolved.Config, nil
}

// collectFlags returns the explicitly set flags keyed by name
func collectFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	set := cmd.Flags()

	for _, name := range intFlags {
		if set.Lookup(name) != nil && set.Changed(name) {
			if v, err := set.GetInt(name); err == nil {
				flags[name] = v
			}
		}
	}
	for _, name := range stringFlags {
		if set.Lookup(name) != nil && set.Changed(name) {
			if v, err := set.GetString(name); err == nil {
				flags[name] = v
			}
		}
	}
	for _, name := range boolFlags {
		if set.Lookup(name) != nil && set.Changed(name) {
			if v, err := set.GetBool(name); err == nil {
				flags[name] = v
			}
		}
	}

	return flags
}
