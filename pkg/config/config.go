// Copyright 2024-2026 Aiku AI

// Package config loads the bridgelink YAML config. User files are upgraded
// onto the embedded example config so new keys always get their defaults.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgelink/pkg/platform"
)

//go:embed example-config.yaml
var ExampleConfig string

// Database types.
const (
	DatabaseMemory   = "memory"
	DatabaseSQLite   = "sqlite3"
	DatabasePostgres = "postgres"
)

const defaultListenAddr = ":29330"

// Config is the full service config.
type Config struct {
	Homeserver HomeserverConfig                  `yaml:"homeserver"`
	Database   DatabaseConfig                    `yaml:"database"`
	API        APIConfig                         `yaml:"api"`
	Redis      RedisConfig                       `yaml:"redis"`
	Platforms  map[platform.Name]platform.Config `yaml:"platforms"`
	Logging    zeroconfig.Config                 `yaml:"logging"`

	registry *platform.Registry `yaml:"-"`
}

type HomeserverConfig struct {
	Address     string    `yaml:"address"`
	Domain      string    `yaml:"domain"`
	UserID      id.UserID `yaml:"user_id"`
	AccessToken string    `yaml:"access_token"`
}

type DatabaseConfig struct {
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`
}

type APIConfig struct {
	// ListenAddr is the admin API listen address. Defaults to ":29330".
	ListenAddr string `yaml:"listen_addr"`
}

type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Address       string `yaml:"address"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// Environment variables that override secrets from the file.
const (
	EnvAccessToken   = "BRIDGELINK_ACCESS_TOKEN"
	EnvDatabaseURI   = "BRIDGELINK_DATABASE_URI"
	EnvRedisPassword = "BRIDGELINK_REDIS_PASSWORD"
)

// ApplyEnv overrides secrets with non-empty environment values.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvAccessToken); v != "" {
		c.Homeserver.AccessToken = v
	}
	if v := getenv(EnvDatabaseURI); v != "" {
		c.Database.URI = v
	}
	if v := getenv(EnvRedisPassword); v != "" {
		c.Redis.Password = v
	}
}

// PostProcess fills defaults, validates the config and compiles the
// platform registry.
func (c *Config) PostProcess() error {
	var errs []error
	if c.Homeserver.Address == "" {
		errs = append(errs, errors.New("homeserver.address is required"))
	}
	if c.Homeserver.Domain == "" {
		errs = append(errs, errors.New("homeserver.domain is required"))
	}
	if _, _, err := c.Homeserver.UserID.Parse(); err != nil {
		errs = append(errs, fmt.Errorf("homeserver.user_id is invalid: %w", err))
	}
	if c.Homeserver.AccessToken == "" {
		errs = append(errs, errors.New("homeserver.access_token is required"))
	}

	c.Database.Type = strings.ToLower(c.Database.Type)
	switch c.Database.Type {
	case "":
		c.Database.Type = DatabaseMemory
	case DatabaseMemory:
	case DatabaseSQLite, DatabasePostgres:
		if c.Database.URI == "" {
			errs = append(errs, fmt.Errorf("database.uri is required for %s", c.Database.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported database.type %q", c.Database.Type))
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = defaultListenAddr
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		errs = append(errs, errors.New("redis.address is required when redis is enabled"))
	}

	if len(errs) == 0 {
		reg, err := platform.NewRegistry(c.Homeserver.Domain, c.Platforms)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid platforms config: %w", err))
		}
		c.registry = reg
	}
	return errors.Join(errs...)
}

// Registry returns the platform registry compiled by PostProcess.
func (c *Config) Registry() *platform.Registry {
	return c.registry
}

// Logger builds the root logger from the logging section.
func (c *Config) Logger() (*zerolog.Logger, error) {
	log, err := c.Logging.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")
	helper.Copy(up.Str, "homeserver", "user_id")
	helper.Copy(up.Str, "homeserver", "access_token")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")

	helper.Copy(up.Str, "api", "listen_addr")

	helper.Copy(up.Bool, "redis", "enabled")
	helper.Copy(up.Str, "redis", "address")
	helper.Copy(up.Str, "redis", "password")
	helper.Copy(up.Int, "redis", "db")
	helper.Copy(up.Str, "redis", "channel_prefix")

	helper.Copy(up.Map, "platforms")
	helper.Copy(up.Map, "logging")
}

// Upgrader returns the upgrader that merges user configs onto ExampleConfig.
func Upgrader() *up.StructUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks:         nil,
		Base:           ExampleConfig,
	}
}

// Load reads the config at path, upgrading it onto the example config and
// writing the result back when save is set. Environment overrides are
// applied before validation.
func Load(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyEnv(os.Getenv)
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteExample writes the example config to path, refusing to overwrite an
// existing file.
func WriteExample(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err = f.WriteString(ExampleConfig); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
