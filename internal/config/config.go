// Package config loads layered JSONC configuration for the sync client and
// its operator CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"
)

// Queue backends.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Config holds all configuration options.
type Config struct {
	// From config files (serialized)
	DataDir                string   `json:"data_dir"`
	QueueBackend           string   `json:"queue_backend"`
	Collection             string   `json:"collection"`
	Scope                  string   `json:"scope,omitempty"`
	MaxAttempts            int      `json:"max_attempts"`
	SubscriptionMaxRetries int      `json:"subscription_max_retries"`
	SubscriptionBaseDelay  Duration `json:"subscription_base_delay"`
	ProbeInterval          Duration `json:"probe_interval"`
	ProbeURL               string   `json:"probe_url,omitempty"`
	FailureRetention       int      `json:"failure_retention"`

	// Resolved paths (computed, not serialized)
	EffectiveCwd string `json:"-"`
	DataDirAbs   string `json:"-"`

	// Sources tracks which config files were loaded (for diagnostics)
	Sources Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project config if loaded, empty otherwise
}

// Duration is a [time.Duration] written as a Go duration string ("1s").
type Duration time.Duration

// Std returns d as a [time.Duration].
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string

	err := json.Unmarshal(data, &s)
	if err != nil {
		return fmt.Errorf("duration must be a string like \"1s\": %w", err)
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	*d = Duration(parsed)

	return nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DataDir:                ".tasksync",
		QueueBackend:           BackendFile,
		Collection:             "tasks",
		MaxAttempts:            3,
		SubscriptionMaxRetries: 3,
		SubscriptionBaseDelay:  Duration(time.Second),
		ProbeInterval:          Duration(10 * time.Second),
		FailureRetention:       50,
	}
}

// FileName is the default project config file name.
const FileName = ".tasksync.json"

// globalPath returns the path to the global config file.
// Uses $XDG_CONFIG_HOME/tasksync/config.json if set, otherwise
// ~/.config/tasksync/config.json. Returns empty string if home directory
// cannot be determined.
func globalPath(env map[string]string) string {
	if xdgConfig := env["XDG_CONFIG_HOME"]; xdgConfig != "" {
		return filepath.Join(xdgConfig, "tasksync", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "tasksync", "config.json")
	}

	return ""
}

// LoadInput holds the inputs for Load.
type LoadInput struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // -c/--config flag value
	DataDirOverride string            // --data-dir flag value; empty means no override
	BackendOverride string            // --backend flag value; empty means no override
	Env             map[string]string // environment variables
}

// Load loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config (~/.config/tasksync/config.json or $XDG_CONFIG_HOME/tasksync/config.json)
// 3. Project config file at default location (.tasksync.json, if exists)
// 4. Explicit config file via ConfigPath (if non-empty)
// 5. CLI overrides.
//
// DataDirAbs in the returned Config is absolute.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := DefaultConfig()

	globalCfg, globalFile, err := loadGlobal(input.Env)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Global = globalFile
	cfg = merge(cfg, globalCfg)

	projectCfg, projectFile, err := loadProject(workDir, input.ConfigPath)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Project = projectFile
	cfg = merge(cfg, projectCfg)

	if input.DataDirOverride != "" {
		cfg.DataDir = input.DataDirOverride
	}

	if input.BackendOverride != "" {
		cfg.QueueBackend = input.BackendOverride
	}

	err = validate(cfg)
	if err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir

	if filepath.IsAbs(cfg.DataDir) {
		cfg.DataDirAbs = cfg.DataDir
	} else {
		cfg.DataDirAbs = filepath.Join(workDir, cfg.DataDir)
	}

	return cfg, nil
}

func loadGlobal(env map[string]string) (Config, string, error) {
	path := globalPath(env)
	if path == "" {
		return Config{}, "", nil
	}

	cfg, explicitEmpty, loaded, err := loadFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	if explicitEmpty["data_dir"] {
		return Config{}, "", fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, ErrDataDirEmpty)
	}

	return cfg, path, nil
}

// loadProject loads the project config file (.tasksync.json) or an explicit
// config file.
func loadProject(workDir, configPath string) (Config, string, error) {
	var (
		path      string
		mustExist bool
	)

	if configPath != "" {
		path = configPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}

		mustExist = true

		_, statErr := os.Stat(path)
		if statErr != nil {
			return Config{}, "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
		}
	} else {
		path = filepath.Join(workDir, FileName)
	}

	cfg, explicitEmpty, loaded, err := loadFile(path, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	if explicitEmpty["data_dir"] {
		return Config{}, "", fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, ErrDataDirEmpty)
	}

	return cfg, path, nil
}

// loadFile loads a config file. If mustExist is false, missing files return
// a zero config. It also reports which fields were explicitly set to "".
func loadFile(path string, mustExist bool) (Config, map[string]bool, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, nil, false, nil
		}

		if mustExist {
			return Config{}, nil, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
		}

		return Config{}, nil, false, nil
	}

	cfg, explicitEmpty, parseErr := parse(data)
	if parseErr != nil {
		return Config{}, nil, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, parseErr)
	}

	return cfg, explicitEmpty, true, nil
}

func parse(data []byte) (Config, map[string]bool, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, nil, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	unmarshalErr := json.Unmarshal(standardized, &cfg)
	if unmarshalErr != nil {
		return Config{}, nil, fmt.Errorf("invalid JSON: %w", unmarshalErr)
	}

	var raw map[string]any

	_ = json.Unmarshal(standardized, &raw)

	explicitEmpty := make(map[string]bool)

	if val, exists := raw["data_dir"]; exists {
		if str, ok := val.(string); ok && str == "" {
			explicitEmpty["data_dir"] = true
		}
	}

	return cfg, explicitEmpty, nil
}

func merge(base, overlay Config) Config {
	if overlay.DataDir != "" {
		base.DataDir = overlay.DataDir
	}

	if overlay.QueueBackend != "" {
		base.QueueBackend = overlay.QueueBackend
	}

	if overlay.Collection != "" {
		base.Collection = overlay.Collection
	}

	if overlay.Scope != "" {
		base.Scope = overlay.Scope
	}

	if overlay.MaxAttempts != 0 {
		base.MaxAttempts = overlay.MaxAttempts
	}

	if overlay.SubscriptionMaxRetries != 0 {
		base.SubscriptionMaxRetries = overlay.SubscriptionMaxRetries
	}

	if overlay.SubscriptionBaseDelay != 0 {
		base.SubscriptionBaseDelay = overlay.SubscriptionBaseDelay
	}

	if overlay.ProbeInterval != 0 {
		base.ProbeInterval = overlay.ProbeInterval
	}

	if overlay.ProbeURL != "" {
		base.ProbeURL = overlay.ProbeURL
	}

	if overlay.FailureRetention != 0 {
		base.FailureRetention = overlay.FailureRetention
	}

	return base
}

func validate(cfg Config) error {
	if cfg.DataDir == "" {
		return ErrDataDirEmpty
	}

	switch cfg.QueueBackend {
	case BackendFile, BackendBadger, BackendSQLite:
	default:
		return fmt.Errorf("%w: %q (want %s, %s or %s)", ErrUnknownBackend, cfg.QueueBackend, BackendFile, BackendBadger, BackendSQLite)
	}

	for name, v := range map[string]int64{
		"max_attempts":             int64(cfg.MaxAttempts),
		"subscription_max_retries": int64(cfg.SubscriptionMaxRetries),
		"subscription_base_delay":  int64(cfg.SubscriptionBaseDelay),
		"probe_interval":           int64(cfg.ProbeInterval),
		"failure_retention":        int64(cfg.FailureRetention),
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s: %w", ErrConfigInvalid, name, ErrNegativeValue)
		}
	}

	return nil
}
