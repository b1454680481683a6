// Package config loads storage-engine options from hujson (JSON-with-
// comments) files, layering a global user config under a project-local
// one, the way the teacher's own CLI loads its ticket-directory settings.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/quadstore/internal/page"
	"github.com/calvinalkan/quadstore/internal/pool"
	"github.com/calvinalkan/quadstore/internal/wal"
)

// ErrConfigInvalid wraps any error produced while parsing or validating a
// config file.
var ErrConfigInvalid = errors.New("config: invalid")

// Options holds the tunable defaults for opening a Store or a Pool.
type Options struct {
	// PageCacheSlots is the number of entries in the clock-replacement
	// PageCache (spec §4.2).
	PageCacheSlots int `json:"page_cache_slots,omitempty"`

	// CheckpointSizeTrigger is the WAL size, in bytes, that forces a
	// checkpoint (spec §4.4).
	CheckpointSizeTrigger int64 `json:"checkpoint_size_trigger,omitempty"`

	// CheckpointTimeTriggerSeconds is the wall-clock time since the last
	// checkpoint that forces a new one (spec §4.4).
	CheckpointTimeTriggerSeconds int64 `json:"checkpoint_time_trigger_seconds,omitempty"`

	// PoolGateCapacity is the default cross-process gate capacity a
	// pool's creator writes if none exists yet (spec §4.6).
	PoolGateCapacity int `json:"pool_gate_capacity,omitempty"`
}

// DefaultOptions returns the engine's built-in defaults.
func DefaultOptions() Options {
	return Options{
		PageCacheSlots:               page.DefaultCacheSlots,
		CheckpointSizeTrigger:        wal.CheckpointSizeTrigger,
		CheckpointTimeTriggerSeconds: int64(wal.CheckpointTimeTrigger / time.Second),
		PoolGateCapacity:             pool.DefaultGateCapacity,
	}
}

// CheckpointTimeTrigger returns CheckpointTimeTriggerSeconds as a
// [time.Duration].
func (o Options) CheckpointTimeTrigger() time.Duration {
	return time.Duration(o.CheckpointTimeTriggerSeconds) * time.Second
}

// ConfigFileName is the default project-local config file name.
const ConfigFileName = "quadstore.json"

// Sources records which config files a Load call actually found.
type Sources struct {
	Global  string
	Project string
}

// Load builds Options by layering, lowest precedence first: built-in
// defaults, the global user config
// ($XDG_CONFIG_HOME/quadstore/config.json, falling back to
// ~/.config/quadstore/config.json), then the project config at
// filepath.Join(workDir, ConfigFileName) if it exists.
func Load(workDir string) (Options, Sources, error) {
	opts := DefaultOptions()
	var sources Sources

	globalPath := globalConfigPath()
	if globalPath != "" {
		loaded, found, err := loadFile(globalPath)
		if err != nil {
			return Options{}, Sources{}, err
		}
		if found {
			opts = merge(opts, loaded)
			sources.Global = globalPath
		}
	}

	projectPath := filepath.Join(workDir, ConfigFileName)
	loaded, found, err := loadFile(projectPath)
	if err != nil {
		return Options{}, Sources{}, err
	}
	if found {
		opts = merge(opts, loaded)
		sources.Project = projectPath
	}

	if err := validate(opts); err != nil {
		return Options{}, Sources{}, err
	}

	return opts, sources, nil
}

// LoadFile loads a single hujson options file at path, merged over the
// built-in defaults. Unlike Load, path must exist.
func LoadFile(path string) (Options, error) {
	loaded, found, err := loadFile(path)
	if err != nil {
		return Options{}, err
	}
	if !found {
		return Options{}, fmt.Errorf("%w: %s: not found", ErrConfigInvalid, path)
	}

	opts := merge(DefaultOptions(), loaded)
	if err := validate(opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func globalConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "quadstore", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "quadstore", "config.json")
}

// loadFile reads and parses a hujson options file. found is false (with a
// nil error) when the file simply does not exist.
func loadFile(path string) (opts Options, found bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Options{}, false, nil
		}
		return Options{}, false, fmt.Errorf("%w: read %s: %w", ErrConfigInvalid, path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Options{}, false, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, path, err)
	}

	if err := json.Unmarshal(standardized, &opts); err != nil {
		return Options{}, false, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, path, err)
	}

	return opts, true, nil
}

// merge overlays every non-zero field of overlay onto base.
func merge(base, overlay Options) Options {
	if overlay.PageCacheSlots != 0 {
		base.PageCacheSlots = overlay.PageCacheSlots
	}
	if overlay.CheckpointSizeTrigger != 0 {
		base.CheckpointSizeTrigger = overlay.CheckpointSizeTrigger
	}
	if overlay.CheckpointTimeTriggerSeconds != 0 {
		base.CheckpointTimeTriggerSeconds = overlay.CheckpointTimeTriggerSeconds
	}
	if overlay.PoolGateCapacity != 0 {
		base.PoolGateCapacity = overlay.PoolGateCapacity
	}
	return base
}

func validate(o Options) error {
	var problems []string

	if o.PageCacheSlots <= 0 {
		problems = append(problems, "page_cache_slots must be > 0")
	}
	if o.CheckpointSizeTrigger <= 0 {
		problems = append(problems, "checkpoint_size_trigger must be > 0")
	}
	if o.CheckpointTimeTriggerSeconds <= 0 {
		problems = append(problems, "checkpoint_time_trigger_seconds must be > 0")
	}
	if o.PoolGateCapacity <= 0 {
		problems = append(problems, "pool_gate_capacity must be > 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}
