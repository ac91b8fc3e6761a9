package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/fredcamaral/overlaysync/internal/domain/entities"
	"github.com/fredcamaral/overlaysync/internal/domain/ports"
)

// LocalFileName is the per-directory config file
const LocalFileName = "overlaysync.toml"

const defaultsHeader = `# overlaysync configuration.
# Values here are overridden by ./overlaysync.toml, OVERLAYSYNC_* variables
# and command-line flags, in that order.

`

// TOMLLoader reads the global and local TOML files
type TOMLLoader struct {
	globalPath string
}

var _ ports.ConfigLoader = (*TOMLLoader)(nil)

// NewTOMLLoader creates a loader for ~/.config/overlaysync/config.toml
func NewTOMLLoader() *TOMLLoader {
	homeDir, _ := os.UserHomeDir()
	return NewTOMLLoaderAt(filepath.Join(homeDir, ".config", "overlaysync", "config.toml"))
}

// NewTOMLLoaderAt creates a loader with an explicit global config path
func NewTOMLLoaderAt(globalPath string) *TOMLLoader {
	return &TOMLLoader{globalPath: globalPath}
}

// GlobalPath returns the global config file path
func (l *TOMLLoader) GlobalPath() string {
	return l.globalPath
}

// EnsureGlobal writes the defaults file on first run. An existing file is
// never touched.
func (l *TOMLLoader) EnsureGlobal(ctx context.Context) (bool, error) {
	if l.globalPath == "" {
		return false, nil
	}
	if _, err := os.Stat(l.globalPath); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("checking %s: %w", l.globalPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(l.globalPath), 0750); err != nil {
		return false, fmt.Errorf("creating config directory: %w", err)
	}

	data, err := EncodeDefaults()
	if err != nil {
		return false, err
	}

	// O_EXCL so two first runs do not both write the file
	file, err := os.OpenFile(l.globalPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600) // #nosec G304 - global config path
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("creating %s: %w", l.globalPath, err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(data); err != nil {
		return false, fmt.Errorf("writing %s: %w", l.globalPath, err)
	}
	return true, nil
}

// Layers returns the global file then ./overlaysync.toml, skipping missing ones
func (l *TOMLLoader) Layers(ctx context.Context, workingDir string) ([]ports.ConfigLayer, error) {
	var layers []ports.ConfigLayer
	for _, path := range []string{l.globalPath, filepath.Join(workingDir, LocalFileName)} {
		if path == "" || path == LocalFileName && workingDir == "" {
			continue
		}
		cfg, err := decodeFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		layers = append(layers, ports.ConfigLayer{Source: path, Config: cfg})
	}
	return layers, nil
}

// EncodeDefaults renders the default configuration as a commented TOML file.
// The hub token is left out so a secret from the environment is never
// persisted.
func EncodeDefaults() ([]byte, error) {
	defaults := GetDefaultConfig()
	defaults.Hub.Token = ""

	var buf bytes.Buffer
	buf.WriteString(defaultsHeader)

	encoder := toml.NewEncoder(&buf)
	encoder.Indent = "  "
	if err := encoder.Encode(defaults); err != nil {
		return nil, fmt.Errorf("encoding default config: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeFile decodes one file. Unknown keys are errors so a typo does not
// silently fall back to a default.
func decodeFile(path string) (*entities.Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - global or local config path
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg entities.Config
	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q in %s", undecoded[0].String(), path)
	}
	return &cfg, nil
}
