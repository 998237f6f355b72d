package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/shellgate/internal/command"
)

// EnvConfigDir names the environment variable consulted by DiscoverConfigDir.
const EnvConfigDir = "SHELLGATE_CONFIG_DIR"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory holding
// config.yaml. Files listed under include are merged into the root; their
// commands are appended in include order. Relative paths are resolved against
// the root file's directory.
func Load(configPath string) (*Config, error) {
	cfg, err := loadTree(configPath)
	if err != nil {
		return nil, err
	}
	if err := verifyAllConfigHashes(cfg.SourceFiles); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadTree parses the root file and its includes and applies defaults,
// without integrity checks or validation.
func loadTree(configPath string) (*Config, error) {
	absPath, err := ResolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.Path = absPath
	cfg.SourceFiles = []string{absPath}

	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	cfg = applyConfigDefaults(cfg)
	resolvePaths(cfg, filepath.Dir(absPath))
	return cfg, nil
}

// ResolveConfigFile turns a file or directory argument into the absolute
// path of the root config file.
func ResolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// DiscoverConfigDir finds the config by checking standard locations.
// Priority order: $SHELLGATE_CONFIG_DIR, ~/.config/shellgate, /etc/shellgate, ./config.yaml.
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "shellgate")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/shellgate"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/shellgate, /etc/shellgate, ./config.yaml)", EnvConfigDir)
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)

		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}
		visited[absPath] = true
		cfg.SourceFiles = append(cfg.SourceFiles, absPath)

		includedCfg, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		mergeConfig(cfg, includedCfg)

		if len(includedCfg.Include) > 0 {
			if err := loadIncludes(cfg, includedCfg.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadConfigFile loads and parses a single config file without defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// mergeConfig merges src into dst: non-zero scalars in src win, commands are appended.
func mergeConfig(dst, src *Config) {
	mergeString(&dst.Service.Name, src.Service.Name)
	mergeString(&dst.Service.LogLevel, src.Service.LogLevel)
	mergeString(&dst.Service.LogFormat, src.Service.LogFormat)
	mergeString(&dst.State.Path, src.State.Path)
	mergeString(&dst.Files.UploadsDir, src.Files.UploadsDir)
	mergeString(&dst.Files.DownloadsDir, src.Files.DownloadsDir)

	s, d := src.Scheduler, &dst.Scheduler
	if s.JobInterval != 0 {
		d.JobInterval = s.JobInterval
	}
	if s.CleanupInterval != 0 {
		d.CleanupInterval = s.CleanupInterval
	}
	if s.JobRetention != 0 {
		d.JobRetention = s.JobRetention
	}
	if s.DefaultCommandTimeout != 0 {
		d.DefaultCommandTimeout = s.DefaultCommandTimeout
	}
	if s.TerminationGrace != 0 {
		d.TerminationGrace = s.TerminationGrace
	}

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	mergeString(&dst.API.Listen, src.API.Listen)
	if src.API.MaxInputBytes != 0 {
		dst.API.MaxInputBytes = src.API.MaxInputBytes
	}

	dst.Commands = append(dst.Commands, src.Commands...)
}

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

// applyConfigDefaults fills values not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	mergeString(&defaults.Service.Name, cfg.Service.Name)
	mergeString(&defaults.Service.LogLevel, cfg.Service.LogLevel)
	mergeString(&defaults.Service.LogFormat, cfg.Service.LogFormat)
	cfg.Service = defaults.Service

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.Files.UploadsDir == "" {
		cfg.Files.UploadsDir = defaults.Files.UploadsDir
	}
	if cfg.Files.DownloadsDir == "" {
		cfg.Files.DownloadsDir = defaults.Files.DownloadsDir
	}

	s, d := &cfg.Scheduler, defaults.Scheduler
	if s.JobInterval == 0 {
		s.JobInterval = d.JobInterval
	}
	if s.CleanupInterval == 0 {
		s.CleanupInterval = d.CleanupInterval
	}
	if s.JobRetention == 0 {
		s.JobRetention = d.JobRetention
	}
	if s.DefaultCommandTimeout == 0 {
		s.DefaultCommandTimeout = d.DefaultCommandTimeout
	}
	if s.TerminationGrace == 0 {
		s.TerminationGrace = d.TerminationGrace
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.API.MaxInputBytes == 0 {
		cfg.API.MaxInputBytes = defaults.API.MaxInputBytes
	}
	return cfg
}

// resolvePaths anchors relative state and file paths at baseDir.
func resolvePaths(cfg *Config, baseDir string) {
	for _, p := range []*string{&cfg.State.Path, &cfg.Files.UploadsDir, &cfg.Files.DownloadsDir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func verifyAllConfigHashes(paths []string) error {
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			// No .checksums in this directory: integrity checking is opt-in.
			continue
		}
		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: shellgate config lock --config %s", basename, dir, dir)
			}
			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: shellgate config lock --config %s", path, err, dir)
			}
		}
	}
	return nil
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	s := cfg.Scheduler
	for name, d := range map[string]int64{
		"scheduler.job_interval":            int64(s.JobInterval),
		"scheduler.cleanup_interval":        int64(s.CleanupInterval),
		"scheduler.job_retention":           int64(s.JobRetention),
		"scheduler.default_command_timeout": int64(s.DefaultCommandTimeout),
		"scheduler.termination_grace":       int64(s.TerminationGrace),
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.API.Enabled && cfg.API.MaxInputBytes <= 0 {
		return fmt.Errorf("api.max_input_bytes must be positive")
	}

	if len(cfg.Commands) == 0 {
		return fmt.Errorf("commands: at least one command is required")
	}
	if _, err := command.NewRegistry(cfg.Commands); err != nil {
		return fmt.Errorf("commands: %w", err)
	}
	return nil
}

// Registry builds the command registry from the loaded definitions.
func (c *Config) Registry() (*command.Registry, error) {
	return command.NewRegistry(c.Commands)
}
