// Package config loads a policy.Config the way cmd/agent-sandbox's
// LoadConfig loads its Config: a global file, a project file (or an
// explicit --config path), then CLI flag overrides, each layer merged over
// the last with policy.Merge. Both .json and .jsonc are accepted via
// tailscale/hujson so config files may carry comments.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/safeshell/safesh/policy"
)

// LoadInput holds the inputs for Load.
type LoadInput struct {
	WorkDirOverride string
	ConfigPath      string
	EnvVars         map[string]string
	CLIFlags        *pflag.FlagSet
}

// LoadedFrom tracks which config files were loaded, for debug/log output.
type LoadedFrom struct {
	Global   string
	Project  string
	Explicit string
	Tasks    string
}

// Load resolves a policy.Config with the same layering LoadConfig uses in
// the teacher: built-in defaults, then
// $XDG_CONFIG_HOME/safesh/config.json[c] (or ~/.config/safesh/config.json[c]),
// then the project config (.safesh.json[c] in workDir, or the --config
// path), then CLI flag overrides.
func Load(input LoadInput) (policy.Config, LoadedFrom, error) {
	workDir := input.WorkDirOverride

	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return policy.Config{}, LoadedFrom{}, fmt.Errorf("config: getting working directory: %w", err)
		}

		workDir = wd
	}

	if !filepath.IsAbs(workDir) {
		cwd, err := os.Getwd()
		if err != nil {
			return policy.Config{}, LoadedFrom{}, fmt.Errorf("config: getting working directory: %w", err)
		}

		workDir = filepath.Join(cwd, workDir)
	}

	cfg := Default()
	var loaded LoadedFrom

	globalBase, err := userConfigBasePath(input.EnvVars)
	if err != nil {
		return policy.Config{}, LoadedFrom{}, err
	}

	if globalBase != "" {
		globalPath, findErr := findConfigFile(globalBase)
		if findErr == nil {
			globalCfg, parseErr := parseFile(globalPath)
			if parseErr != nil {
				return policy.Config{}, LoadedFrom{}, parseErr
			}

			cfg = policy.Merge(&cfg, &globalCfg)
			loaded.Global = globalPath
		} else if !errors.Is(findErr, os.ErrNotExist) {
			return policy.Config{}, LoadedFrom{}, findErr
		}
	}

	if input.ConfigPath != "" {
		explicitPath := input.ConfigPath
		if !filepath.IsAbs(explicitPath) {
			explicitPath = filepath.Join(workDir, explicitPath)
		}

		explicitCfg, parseErr := parseFile(explicitPath)
		if parseErr != nil {
			return policy.Config{}, LoadedFrom{}, parseErr
		}

		cfg = policy.Merge(&cfg, &explicitCfg)
		loaded.Explicit = explicitPath
	} else {
		projectBase := filepath.Join(workDir, ".safesh")

		projectPath, findErr := findConfigFile(projectBase)
		if findErr == nil {
			projectCfg, parseErr := parseFile(projectPath)
			if parseErr != nil {
				return policy.Config{}, LoadedFrom{}, parseErr
			}

			cfg = policy.Merge(&cfg, &projectCfg)
			loaded.Project = projectPath
		} else if !errors.Is(findErr, os.ErrNotExist) {
			return policy.Config{}, LoadedFrom{}, findErr
		}
	}

	cfg.EffectiveCwd = workDir

	if cfg.ProjectDir == "" {
		cfg.ProjectDir = workDir
	}

	tasks, tasksPath, err := loadTasksFile(workDir)
	if err != nil {
		return policy.Config{}, LoadedFrom{}, err
	}

	if tasks != nil {
		if cfg.Tasks == nil {
			cfg.Tasks = make(map[string]policy.TaskDef, len(tasks))
		}

		for name, def := range tasks {
			if _, exists := cfg.Tasks[name]; !exists {
				cfg.Tasks[name] = def
			}
		}

		loaded.Tasks = tasksPath
	}

	if input.CLIFlags != nil {
		applyCLIFlags(&cfg, input.CLIFlags)
	}

	return cfg, loaded, nil
}

// loadTasksFile accepts tasks authored as YAML in a sibling tasks.yaml or
// tasks.yml file in workDir (original_source parity: task files are
// commonly authored as YAML in comparable agent-sandbox tools), merged
// under the project config's own "tasks" key. Entries here lose to an
// identically-named task declared directly in the JSON/JSONC config, the
// same explicit-beats-implicit precedence CLI flags get over file config.
func loadTasksFile(workDir string) (map[string]policy.TaskDef, string, error) {
	for _, name := range []string{"tasks.yaml", "tasks.yml"} {
		path := filepath.Join(workDir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			return nil, "", fmt.Errorf("config: reading %s: %w", path, err)
		}

		var tasks map[string]policy.TaskDef

		if err := yaml.Unmarshal(data, &tasks); err != nil {
			return nil, "", fmt.Errorf("config: parsing %s: %w", path, err)
		}

		return tasks, path, nil
	}

	return nil, "", nil
}

// Default returns SafeShell's built-in default policy: no external commands
// whitelisted, no network, default timeout of 30s.
func Default() policy.Config {
	return policy.Config{
		Timeout: 30_000,
	}
}

func applyCLIFlags(cfg *policy.Config, flags *pflag.FlagSet) {
	if flags.Changed("timeout") {
		v, _ := flags.GetInt64("timeout")
		cfg.Timeout = v
	}

	if flags.Changed("allow-run") {
		v, _ := flags.GetStringArray("allow-run")
		cfg.Permissions.Run = append(cfg.Permissions.Run, v...)
	}

	if flags.Changed("ro") {
		v, _ := flags.GetStringArray("ro")
		cfg.Permissions.Read = append(cfg.Permissions.Read, v...)
	}

	if flags.Changed("rw") {
		v, _ := flags.GetStringArray("rw")
		cfg.Permissions.Write = append(cfg.Permissions.Write, v...)
	}

	if flags.Changed("project-dir") {
		v, _ := flags.GetString("project-dir")
		cfg.ProjectDir = v
	}
}

// findConfigFile checks for basePath+".json" and basePath+".jsonc",
// erroring if both exist (ambiguous).
func findConfigFile(basePath string) (string, error) {
	jsonPath := basePath + ".json"
	jsoncPath := basePath + ".jsonc"

	jsonExists, err := fileExists(jsonPath)
	if err != nil {
		return "", err
	}

	jsoncExists, err := fileExists(jsoncPath)
	if err != nil {
		return "", err
	}

	if jsonExists && jsoncExists {
		return "", fmt.Errorf("config: duplicate config files found: both %s and %s exist; remove one", jsonPath, jsoncPath)
	}

	if jsonExists {
		return jsonPath, nil
	}

	if jsoncExists {
		return jsoncPath, nil
	}

	return "", os.ErrNotExist
}

func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("config: checking %s: %w", path, err)
	}

	return !info.IsDir(), nil
}

// parseFile loads and parses a JSON/JSONC policy.Config file, rejecting
// unknown fields the same way the teacher's parseConfigFile does.
func parseFile(path string) (policy.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return policy.Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return policy.Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	var cfg policy.Config

	decoder := json.NewDecoder(bytes.NewReader(standardized))
	decoder.DisallowUnknownFields()

	err = decoder.Decode(&cfg)
	if err != nil {
		return policy.Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return cfg, nil
}

func userConfigBasePath(env map[string]string) (string, error) {
	if xdg, ok := env["XDG_CONFIG_HOME"]; ok && xdg != "" {
		return filepath.Join(xdg, "safesh", "config"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: getting home directory: %w", err)
	}

	return filepath.Join(home, ".config", "safesh", "config"), nil
}

// PersistGrant implements the "always allow" persistence step of the
// pending-retry protocol (spec.md §4.E choice 3): it merges the grant for
// commands into projectDir/.safesh.json (creating it if necessary) and
// returns the Config it wrote; it does not re-run Load. Failure to persist
// must abort the retry with CONFIG_ERROR; callers are expected to wrap this
// error accordingly.
func PersistGrant(projectDir string, commands []string) (policy.Config, error) {
	path := filepath.Join(projectDir, ".safesh.json")

	existing := policy.Config{}

	data, err := os.ReadFile(path)
	if err == nil {
		standardized, stdErr := hujson.Standardize(data)
		if stdErr != nil {
			return policy.Config{}, fmt.Errorf("config: parsing %s: %w", path, stdErr)
		}

		decodeErr := json.Unmarshal(standardized, &existing)
		if decodeErr != nil {
			return policy.Config{}, fmt.Errorf("config: parsing %s: %w", path, decodeErr)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return policy.Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	grant := policy.WithSessionGrants(existing, commands)

	out, err := json.MarshalIndent(grant, "", "  ")
	if err != nil {
		return policy.Config{}, fmt.Errorf("config: marshaling %s: %w", path, err)
	}

	err = os.WriteFile(path, out, 0o644)
	if err != nil {
		return policy.Config{}, fmt.Errorf("config: writing %s: %w", path, err)
	}

	return grant, nil
}
