package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/fredcamaral/overlaysync/internal/domain/entities"
	"github.com/fredcamaral/overlaysync/internal/domain/ports"
)

// EnvPrefix marks environment variables read by the config layer
const EnvPrefix = "OVERLAYSYNC_"

// ErrConfigConflict is returned when settings that are valid on their own
// cannot be used together
var ErrConfigConflict = errors.New("conflicting configuration")

// ConfigResolver layers defaults, the global and local files, environment
// and flags, then validates the result once.
type ConfigResolver struct {
	loader ports.ConfigLoader
	merger ports.ConfigMerger
	logger *slog.Logger
}

var _ ports.ConfigResolver = (*ConfigResolver)(nil)

// NewConfigResolver creates a resolver
func NewConfigResolver(loader ports.ConfigLoader, merger ports.ConfigMerger, logger *slog.Logger) *ConfigResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigResolver{
		loader: loader,
		merger: merger,
		logger: logger.With("service", "config"),
	}
}

// Resolve returns the effective configuration for workingDir. A global file
// that cannot be created is logged and skipped; a file that cannot be decoded
// is an error.
func (r *ConfigResolver) Resolve(ctx context.Context, workingDir string, flags map[string]interface{}) (*ports.ResolvedConfig, error) {
	created, err := r.loader.EnsureGlobal(ctx)
	if err != nil {
		r.logger.Warn("Could not create global config",
			slog.String("path", r.loader.GlobalPath()),
			slog.String("error", err.Error()),
		)
	}

	layers, err := r.loader.Layers(ctx, workingDir)
	if err != nil {
		return nil, fmt.Errorf("loading config files: %w", err)
	}

	configs := []*entities.Config{r.merger.Merge()}
	sources := make([]string, 0, len(layers))
	for _, layer := range layers {
		configs = append(configs, layer.Config)
		sources = append(sources, layer.Source)
	}

	cfg := r.merger.Merge(configs...)
	cfg = r.merger.ApplyEnvVars(cfg)
	cfg = r.merger.ApplyFlags(cfg, flags)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration from %s: %w", describeSources(sources), err)
	}
	if err := checkConflicts(cfg); err != nil {
		return nil, err
	}

	return &ports.ResolvedConfig{
		Config:        cfg,
		Sources:       sources,
		EnvOverrides:  envOverrides(os.Environ()),
		CreatedGlobal: created,
	}, nil
}

// checkConflicts rejects combinations that every section accepts alone
func checkConflicts(cfg *entities.Config) error {
	if cfg.API.IsEnabled() && cfg.Hub.Port != 0 && cfg.Hub.Port == cfg.API.Port && sameBindHost(cfg.Hub.Host, cfg.API.Host) {
		return fmt.Errorf("%w: hub and control API both bind port %d", ErrConfigConflict, cfg.Hub.Port)
	}

	if cfg.Liveness.GetStaleAfter() <= cfg.Reconciler.GetHeartbeat() {
		return fmt.Errorf("%w: liveness.stale_after_ms (%s) must exceed reconciler.heartbeat_ms (%s)",
			ErrConfigConflict, cfg.Liveness.GetStaleAfter(), cfg.Reconciler.GetHeartbeat())
	}

	return nil
}

// sameBindHost reports whether two listen hosts would collide on one port
func sameBindHost(a, b string) bool {
	wildcard := func(h string) bool { return h == "" || h == "0.0.0.0" || h == "::" }
	return a == b || wildcard(a) || wildcard(b)
}

// envOverrides returns the sorted names of OVERLAYSYNC_* variables in environ
func envOverrides(environ []string) []string {
	var names []string
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if ok && value != "" && strings.HasPrefix(name, EnvPrefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func describeSources(sources []string) string {
	if len(sources) == 0 {
		return "defaults"
	}
	return "defaults, " + strings.Join(sources, ", ")
}
