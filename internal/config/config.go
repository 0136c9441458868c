package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/DominicWuest/versisect/pkg/versisect"
	"github.com/spf13/viper"
)

// Config holds the runtime settings of versisect
type Config struct {
	Catalog         string `mapstructure:"catalog"`          // Path to a yaml version catalog. If empty, ReleasesURL is fetched
	ReleasesURL     string `mapstructure:"releases_url"`     // The releases feed versions are fetched from
	SupportedMajors int    `mapstructure:"supported_majors"` // How many of the newest stable majors are not obsolete

	Executor string `mapstructure:"executor"` // Either "process" or "docker"

	Binary      string   `mapstructure:"binary"`       // Binary of remote versions for the process executor, {version} gets replaced
	LocalBinary string   `mapstructure:"local_binary"` // Name of the binary inside local builds
	Args        []string `mapstructure:"args"`         // Arguments passed before the fiddle directory

	Dockerfile string                  `mapstructure:"dockerfile"` // Path to the dockerfile of the docker executor
	Cmd        []string                `mapstructure:"cmd"`        // Command of the docker containers
	Ports      []int                   `mapstructure:"ports"`      // Container ports to publish
	Docker     versisect.BackoffConfig `mapstructure:"docker"`     // How long to wait for the docker daemon

	RunTimeout time.Duration `mapstructure:"run_timeout"` // Zero waits for results indefinitely
	CompareURL string        `mapstructure:"compare_url"`
	GistAPI    string        `mapstructure:"gist_api"`

	Port               int  `mapstructure:"port"`                 // Port of the task server
	MaxConcurrentTasks uint `mapstructure:"max_concurrent_tasks"` // How many tasks the task server executes at once

	File string `mapstructure:"-"` // The config file which was read, if any
}

// Load loads the configuration from defaults, the config file and VERSISECT_ environment variables.
// If path is empty, versisect.yaml is looked for in the working directory and in $HOME/.config/versisect.
func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("versisect")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "versisect"))
		}
	}
	v.SetEnvPrefix("VERSISECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("catalog", "")
	v.SetDefault("releases_url", "https://releases.electronjs.org/releases.json")
	v.SetDefault("supported_majors", 3)
	v.SetDefault("executor", "process")
	v.SetDefault("binary", defaultBinary())
	v.SetDefault("local_binary", "electron")
	v.SetDefault("args", []string{})
	v.SetDefault("dockerfile", "Dockerfile")
	v.SetDefault("cmd", []string{})
	v.SetDefault("ports", []int{})
	v.SetDefault("docker.retries", 10)
	v.SetDefault("docker.backoff", time.Second)
	v.SetDefault("docker.backoff_increment", 100*time.Millisecond)
	v.SetDefault("docker.max_backoff", 2*time.Second)
	v.SetDefault("run_timeout", time.Duration(0))
	v.SetDefault("compare_url", "https://github.com/electron/electron/compare/v{good}...v{bad}")
	v.SetDefault("gist_api", versisect.DefaultGistAPI)
	v.SetDefault("port", 40032)
	v.SetDefault("max_concurrent_tasks", 1)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	switch cfg.Executor {
	case "process", "docker":
	default:
		return Config{}, fmt.Errorf("unknown executor %q, expected process or docker", cfg.Executor)
	}

	return cfg, nil
}

func defaultBinary() string {
	cache, err := os.UserCacheDir()
	if err != nil {
		cache = os.TempDir()
	}
	return filepath.Join(cache, "versisect", "{version}", "electron")
}

// Settings returns the settings worth printing as environment diagnostics
func (c Config) Settings() map[string]string {
	settings := map[string]string{
		"executor":    c.Executor,
		"run timeout": c.RunTimeout.String(),
	}
	if c.File != "" {
		settings["config"] = c.File
	}
	if c.Catalog != "" {
		settings["catalog"] = c.Catalog
	} else {
		settings["releases"] = c.ReleasesURL
	}
	switch c.Executor {
	case "process":
		settings["binary"] = c.Binary
	case "docker":
		settings["dockerfile"] = c.Dockerfile
	}
	return settings
}
