// Package config resolves the docdb settings from config files, a .env file,
// the environment and command line overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/docdb/pkg/lockfile"
)

// Error variables for config loading.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config")
	ErrPathEmpty          = errors.New("path cannot be empty")
)

// FileName is the project config file looked up in the working directory.
const FileName = ".docdb.json"

// DotEnvName is the env file looked up in the working directory.
const DotEnvName = ".env"

// Config holds all configuration options.
type Config struct {
	// Path is the document file.
	Path string `json:"path"`

	// Lock settings. Zero means the lockfile default.
	Stale        Duration `json:"stale,omitempty"`
	Update       Duration `json:"update,omitempty"`
	Retries      *int     `json:"retries,omitempty"`
	RetryFactor  float64  `json:"retry_factor,omitempty"`  //nolint:tagliatelle // snake_case for config file
	RetryMinWait Duration `json:"retry_min_wait,omitempty"` //nolint:tagliatelle // snake_case for config file
	RetryMaxWait Duration `json:"retry_max_wait,omitempty"` //nolint:tagliatelle // snake_case for config file

	// MaxIdle is how long an active user keeps others from logging in.
	MaxIdle Duration `json:"max_idle,omitempty"` //nolint:tagliatelle // snake_case for config file

	// Resolved (computed, not serialized)
	EffectiveCwd string `json:"-"`
	PathAbs      string `json:"-"`

	// Sources tracks where settings came from (for diagnostics)
	Sources Sources `json:"-"`
}

// Sources tracks which files were loaded.
type Sources struct {
	Global  string
	Project string
	DotEnv  string
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Path:    "db.json",
		MaxIdle: Duration(30 * time.Minute),
	}
}

// LockOptions converts the lock settings. Unset retry fields keep the
// values of [lockfile.DefaultRetryPolicy].
func (c Config) LockOptions() lockfile.Options {
	retry := lockfile.DefaultRetryPolicy()

	if c.Retries != nil {
		retry.Retries = *c.Retries
	}

	if c.RetryFactor != 0 {
		retry.Factor = c.RetryFactor
	}

	if c.RetryMinWait != 0 {
		retry.MinWait = time.Duration(c.RetryMinWait)
	}

	if c.RetryMaxWait != 0 {
		retry.MaxWait = time.Duration(c.RetryMaxWait)
	}

	return lockfile.Options{
		Stale:  time.Duration(c.Stale),
		Update: time.Duration(c.Update),
		Retry:  retry,
	}
}

// Input holds the inputs for [Load].
type Input struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // -c/--config flag value
	Overrides       Config            // flag values; zero fields mean no override
	Env             map[string]string // process environment
}

// Load resolves the configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/docdb/config.json or ~/.config/docdb/config.json)
// 3. Project config file (.docdb.json, if it exists)
// 4. Explicit config file via ConfigPath (if non-empty)
// 5. .env in the working directory
// 6. Process environment (DOCDB_*)
// 7. CLI overrides.
//
// Variables set in both .env and the process environment take the process
// value.
func Load(in Input) (Config, error) {
	workDir := in.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	if path := globalPath(in.Env); path != "" {
		fileCfg, loaded, err := loadFile(path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg.Sources.Global = path
			cfg = merge(cfg, fileCfg)
		}
	}

	projectFile, mustExist := filepath.Join(workDir, FileName), false
	if in.ConfigPath != "" {
		projectFile, mustExist = in.ConfigPath, true
		if !filepath.IsAbs(projectFile) {
			projectFile = filepath.Join(workDir, projectFile)
		}
	}

	fileCfg, loaded, err := loadFile(projectFile, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg.Sources.Project = projectFile
		cfg = merge(cfg, fileCfg)
	}

	env, dotEnv, err := withDotEnv(workDir, in.Env)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.DotEnv = dotEnv

	envCfg, err := fromEnv(env)
	if err != nil {
		return Config{}, err
	}

	cfg = merge(cfg, envCfg)
	cfg = merge(cfg, in.Overrides)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir

	cfg.PathAbs = cfg.Path
	if !filepath.IsAbs(cfg.PathAbs) {
		cfg.PathAbs = filepath.Join(workDir, cfg.Path)
	}

	return cfg, nil
}

// globalPath returns the global config file path, or "" if neither
// XDG_CONFIG_HOME nor HOME is set.
func globalPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "docdb", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "docdb", "config.json")
	}

	return ""
}

// loadFile loads a config file. If mustExist is false, a missing file
// returns loaded=false.
func loadFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		switch {
		case os.IsNotExist(err) && mustExist:
			return Config{}, false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		case os.IsNotExist(err):
			return Config{}, false, nil
		default:
			return Config{}, false, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
		}
	}

	cfg, err := parse(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	if cfg.Path == "" && hasEmptyPath(data) {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, ErrPathEmpty)
	}

	return cfg, true, nil
}

func parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

// hasEmptyPath reports whether the file explicitly sets "path" to "".
func hasEmptyPath(data []byte) bool {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return false
	}

	var raw map[string]any

	_ = json.Unmarshal(standardized, &raw)

	s, ok := raw["path"].(string)

	return ok && s == ""
}

// withDotEnv returns env extended with the variables of workDir/.env that
// env does not set, and the .env path if one was loaded.
func withDotEnv(workDir string, env map[string]string) (map[string]string, string, error) {
	path := filepath.Join(workDir, DotEnvName)

	vars, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return env, "", nil
	}

	if err != nil {
		return nil, "", fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	merged := make(map[string]string, len(env)+len(vars))
	maps.Copy(merged, vars)
	maps.Copy(merged, env)

	return merged, path, nil
}

func fromEnv(env map[string]string) (Config, error) {
	var cfg Config

	cfg.Path = env["DOCDB_PATH"]

	durations := []struct {
		key string
		dst *Duration
	}{
		{"DOCDB_STALE", &cfg.Stale},
		{"DOCDB_UPDATE", &cfg.Update},
		{"DOCDB_RETRY_MIN_WAIT", &cfg.RetryMinWait},
		{"DOCDB_RETRY_MAX_WAIT", &cfg.RetryMaxWait},
		{"DOCDB_MAX_IDLE", &cfg.MaxIdle},
	}

	for _, d := range durations {
		v, ok := env[d.key]
		if !ok || v == "" {
			continue
		}

		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, d.key, err)
		}

		*d.dst = Duration(parsed)
	}

	if v := env["DOCDB_RETRIES"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: DOCDB_RETRIES: %w", ErrConfigInvalid, err)
		}

		cfg.Retries = &n
	}

	if v := env["DOCDB_RETRY_FACTOR"]; v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("%w: DOCDB_RETRY_FACTOR: %w", ErrConfigInvalid, err)
		}

		cfg.RetryFactor = f
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.Path != "" {
		base.Path = overlay.Path
	}

	if overlay.Stale != 0 {
		base.Stale = overlay.Stale
	}

	if overlay.Update != 0 {
		base.Update = overlay.Update
	}

	if overlay.Retries != nil {
		base.Retries = overlay.Retries
	}

	if overlay.RetryFactor != 0 {
		base.RetryFactor = overlay.RetryFactor
	}

	if overlay.RetryMinWait != 0 {
		base.RetryMinWait = overlay.RetryMinWait
	}

	if overlay.RetryMaxWait != 0 {
		base.RetryMaxWait = overlay.RetryMaxWait
	}

	if overlay.MaxIdle != 0 {
		base.MaxIdle = overlay.MaxIdle
	}

	return base
}

func validate(cfg Config) error {
	if cfg.Path == "" {
		return ErrPathEmpty
	}

	if cfg.Retries != nil && *cfg.Retries < 0 {
		return fmt.Errorf("%w: retries must not be negative", ErrConfigInvalid)
	}

	if cfg.RetryFactor < 0 {
		return fmt.Errorf("%w: retry_factor must not be negative", ErrConfigInvalid)
	}

	if cfg.Stale < 0 || cfg.RetryMinWait < 0 || cfg.RetryMaxWait < 0 || cfg.MaxIdle < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrConfigInvalid)
	}

	return nil
}
