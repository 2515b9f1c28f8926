package config

import (
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is the project-level config file name, searched
	// upward from the working directory.
	ProjectConfigFile = "lexstream.yaml"
	// UserConfigDir is the user-level config directory under $HOME.
	UserConfigDir = ".config/lexstream"
	// UserConfigFile is the user-level config file name.
	UserConfigFile = "config.yaml"
)

// Loader loads configuration with layered precedence.
type Loader struct {
	logger *slog.Logger

	// workDir anchors the project-config search. Empty means the current
	// working directory.
	workDir string
}

// NewLoader creates a configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load merges configuration layers in precedence order:
//  1. defaults
//  2. user config (~/.config/lexstream/config.yaml)
//  3. project config (lexstream.yaml in the working directory or a parent)
//
// The merged result is validated before being returned.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	userConfigPath := l.userConfigPath()
	if userConfigPath != "" {
		if userCfg, err := LoadFromFile(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
			cfg.Merge(userCfg)
		} else if !os.IsNotExist(err) {
			l.logger.Warn("Failed to load user config",
				slog.String("path", userConfigPath),
				slog.String("error", err.Error()))
		}
	}

	projectConfigPath := l.FindProjectConfig()
	if projectConfigPath != "" {
		projectCfg, err := LoadFromFile(projectConfigPath)
		if err != nil {
			l.logger.Warn("Failed to load project config",
				slog.String("path", projectConfigPath),
				slog.String("error", err.Error()))
		} else {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			cfg.Merge(projectCfg)
		}
	} else {
		l.logger.Debug("No project config found")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnsureUserConfig writes a default user config file if none exists.
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return nil
	}
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	if err := Default().SaveToFile(userConfigPath); err != nil {
		return err
	}
	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// FindProjectConfig searches for lexstream.yaml in the working directory
// and its parents. Returns empty when none exists.
func (l *Loader) FindProjectConfig() string {
	dir := l.workDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return ""
		}
		dir = cwd
	}

	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
