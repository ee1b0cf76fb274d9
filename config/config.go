// Package config loads the settings shared by the catalog binaries from
// flags, CATALOG_* environment variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/chn0318/catalogstore/catalog"
	"github.com/chn0318/catalogstore/sharedlog"
	"github.com/chn0318/catalogstore/sharedlog/memorylog"
	"github.com/chn0318/catalogstore/sharedlog/pebblelog"
	"github.com/chn0318/catalogstore/sharedlog/remotelog"
)

// Keys.
const (
	KeyLogBackend            = "log-backend"
	KeyPebbleDir             = "pebble-dir"
	KeyPebbleSync            = "pebble-sync"
	KeyLogServerAddr         = "log-server-addr"
	KeyListenAddr            = "listen-addr"
	KeyOrganizationID        = "organization-id"
	KeyBuildVersion          = "build-version"
	KeyLogLevel              = "log-level"
	KeyDebugRetryMaxElapsed  = "debug-retry-max-elapsed"
	KeyDebugRetryMaxInterval = "debug-retry-max-interval"
)

// Log backends.
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
	BackendRemote = "remote"
)

const envPrefix = "CATALOG"

// Config is the resolved configuration of a binary.
type Config struct {
	LogBackend            string
	PebbleDir             string
	PebbleSync            bool
	LogServerAddr         string
	ListenAddr            string
	OrganizationID        uuid.UUID
	BuildVersion          string
	LogLevel              zerolog.Level
	DebugRetryMaxElapsed  time.Duration
	DebugRetryMaxInterval time.Duration
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyLogBackend, BackendRemote)
	v.SetDefault(KeyPebbleDir, "catalog-data")
	v.SetDefault(KeyPebbleSync, true)
	v.SetDefault(KeyLogServerAddr, "localhost:50051")
	v.SetDefault(KeyListenAddr, ":50051")
	v.SetDefault(KeyBuildVersion, "v0.1.0")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyDebugRetryMaxElapsed, catalog.DefaultDebugRetryMaxElapsed)
	v.SetDefault(KeyDebugRetryMaxInterval, catalog.DefaultDebugRetryMaxInterval)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file, if set, into v and resolves the configuration.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	c := &Config{
		LogBackend:            strings.ToLower(v.GetString(KeyLogBackend)),
		PebbleDir:             v.GetString(KeyPebbleDir),
		PebbleSync:            v.GetBool(KeyPebbleSync),
		LogServerAddr:         v.GetString(KeyLogServerAddr),
		ListenAddr:            v.GetString(KeyListenAddr),
		BuildVersion:          v.GetString(KeyBuildVersion),
		DebugRetryMaxElapsed:  v.GetDuration(KeyDebugRetryMaxElapsed),
		DebugRetryMaxInterval: v.GetDuration(KeyDebugRetryMaxInterval),
	}

	switch c.LogBackend {
	case BackendMemory, BackendPebble, BackendRemote:
	default:
		return nil, fmt.Errorf("%s: unknown log backend %q", KeyLogBackend, c.LogBackend)
	}
	if sharedlog.CanonicalVersion(c.BuildVersion) == "" {
		return nil, fmt.Errorf("%s: invalid version %q", KeyBuildVersion, c.BuildVersion)
	}
	level, err := zerolog.ParseLevel(v.GetString(KeyLogLevel))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeyLogLevel, err)
	}
	c.LogLevel = level
	if org := v.GetString(KeyOrganizationID); org != "" {
		if c.OrganizationID, err = uuid.Parse(org); err != nil {
			return nil, fmt.Errorf("%s: %w", KeyOrganizationID, err)
		}
	}
	return c, nil
}

// ErrNoOrganization is returned by RequireOrganization when no organization
// id is configured.
var ErrNoOrganization = errors.New("config: " + KeyOrganizationID + " is required")

// RequireOrganization returns the configured organization id.
func (c *Config) RequireOrganization() (uuid.UUID, error) {
	if c.OrganizationID == uuid.Nil {
		return uuid.Nil, ErrNoOrganization
	}
	return c.OrganizationID, nil
}

// DebugRetry returns the retry bounds of debug edits.
func (c *Config) DebugRetry() catalog.DebugRetry {
	return catalog.DebugRetry{MaxElapsed: c.DebugRetryMaxElapsed, MaxInterval: c.DebugRetryMaxInterval}
}

// OpenBackend opens the configured log backend.
func (c *Config) OpenBackend() (sharedlog.Backend, error) {
	switch c.LogBackend {
	case BackendMemory:
		return memorylog.NewMemoryLog(), nil
	case BackendPebble:
		return pebblelog.Open(c.PebbleDir, pebblelog.Options{Sync: c.PebbleSync})
	case BackendRemote:
		return remotelog.Dial(c.LogServerAddr)
	}
	return nil, fmt.Errorf("unknown log backend %q", c.LogBackend)
}

// SetupLogging configures the global zerolog logger. Console output is meant
// for interactive tools.
func (c *Config) SetupLogging(console bool) {
	zerolog.SetGlobalLevel(c.LogLevel)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
