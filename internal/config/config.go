package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Bots      []int64         `yaml:"bots"`
	Actions   ActionsConfig   `yaml:"actions"`
	Plugins   PluginsConfig   `yaml:"plugins"`
	Storage   StorageConfig   `yaml:"storage"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type GatewayConfig struct {
	URL         string        `yaml:"url"`
	AccessToken string        `yaml:"access_token"`
	Reconnect   BackoffConfig `yaml:"reconnect"`
}

type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier int           `yaml:"multiplier"`
}

type ActionsConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	QueueDepth  int           `yaml:"queue_depth"`
	Workers     int           `yaml:"workers"`
	MinInterval time.Duration `yaml:"min_interval"`
}

type PluginsConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// StorageConfig selects where the disabled-plugin list is persisted.
// Backend is one of "sqlite", "postgres", "redis" or "memory".
type StorageConfig struct {
	Backend string `yaml:"backend"`
	DataDir string `yaml:"data_dir"`
	DSN     string `yaml:"dsn"`
	Redis   string `yaml:"redis"`
}

type WebhookConfig struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"token"`
}

type SchedulerConfig struct {
	Jobs []JobConfig `yaml:"jobs"`
}

// JobConfig describes a static scheduled job that submits an action to the
// gateway. Exactly one of Every or Cron must be set.
type JobConfig struct {
	Name   string         `yaml:"name"`
	Every  time.Duration  `yaml:"every,omitempty"`
	Cron   string         `yaml:"cron,omitempty"`
	Action string         `yaml:"action"`
	Params map[string]any `yaml:"params,omitempty"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)}`)

func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

func expandEnvFields(cfg *Config) {
	cfg.Gateway.URL = expandEnv(cfg.Gateway.URL)
	cfg.Gateway.AccessToken = expandEnv(cfg.Gateway.AccessToken)
	cfg.Storage.DSN = expandEnv(cfg.Storage.DSN)
	cfg.Storage.Redis = expandEnv(cfg.Storage.Redis)
	cfg.Webhook.Token = expandEnv(cfg.Webhook.Token)
}

func applyDefaults(cfg *Config) {
	if cfg.Actions.Timeout <= 0 {
		cfg.Actions.Timeout = 10 * time.Second
	}
	if cfg.Actions.QueueDepth <= 0 {
		cfg.Actions.QueueDepth = 256
	}
	if cfg.Actions.Workers <= 0 {
		cfg.Actions.Workers = 4
	}
	if cfg.Gateway.Reconnect.Initial <= 0 {
		cfg.Gateway.Reconnect.Initial = time.Second
	}
	if cfg.Gateway.Reconnect.Max <= 0 {
		cfg.Gateway.Reconnect.Max = time.Minute
	}
	if cfg.Gateway.Reconnect.Multiplier <= 1 {
		cfg.Gateway.Reconnect.Multiplier = 2
	}
	if cfg.Plugins.Dir == "" {
		cfg.Plugins.Dir = "plugins"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
}

func validate(cfg *Config) error {
	if cfg.Gateway.URL == "" {
		return fmt.Errorf("config: gateway.url is required")
	}
	if len(cfg.Bots) == 0 {
		return fmt.Errorf("config: at least one bot id is required")
	}
	switch cfg.Storage.Backend {
	case "sqlite", "postgres", "redis", "memory":
	default:
		return fmt.Errorf("config: unknown storage backend %q", cfg.Storage.Backend)
	}
	for _, j := range cfg.Scheduler.Jobs {
		if j.Name == "" {
			return fmt.Errorf("config: scheduler job without a name")
		}
		if (j.Every > 0) == (j.Cron != "") {
			return fmt.Errorf("config: job %q must set exactly one of every or cron", j.Name)
		}
		if j.Action == "" {
			return fmt.Errorf("config: job %q has no action", j.Name)
		}
	}
	return nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	expandEnvFields(&cfg)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
