// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kkyr/fig"
)

const configEnv = "GEOHASHD"

// Config represents the application's configuration structure.
type Config struct {
	LogLevel slog.Level `fig:"loglevel" default:"0"`

	Server struct {
		Host           string        `fig:"host" default:"127.0.0.1"`
		Port           uint          `fig:"port" default:"9999"`
		MaxSessions    int           `fig:"max_sessions" default:"1024"`
		IdleTimeout    time.Duration `fig:"idle_timeout" default:"5m"`
		WriteTimeout   time.Duration `fig:"write_timeout" default:"10s"`
		MaxRequestSize int64         `fig:"max_request_size" default:"4096"`
		ShutdownGrace  time.Duration `fig:"shutdown_grace" default:"5s"`
	} `fig:"server"`

	Database struct {
		// Allowed values: sqlite, postgres
		Driver       string `fig:"driver" default:"sqlite"`
		DSN          string `fig:"dsn" default:"geohash_worldcities.db"`
		MaxOpenConns int    `fig:"max_open_conns" default:"16"`
	} `fig:"database"`

	Cache struct {
		Disable       bool          `fig:"disable"`
		HitTTL        time.Duration `fig:"hit_ttl" default:"1h"`
		MissTTL       time.Duration `fig:"miss_ttl" default:"5m"`
		PurgeInterval time.Duration `fig:"purge_interval" default:"10m"`
		MaxEntries    int           `fig:"max_entries" default:"100000"`

		Redis struct {
			Addr     string        `fig:"addr"`
			Password string        `fig:"password"`
			DB       int           `fig:"db"`
			TTL      time.Duration `fig:"ttl" default:"24h"`
		} `fig:"redis"`
	} `fig:"cache"`

	Stats struct {
		Interval time.Duration `fig:"interval" default:"1m"`
		LogEvery uint64        `fig:"log_every" default:"3000"`
	} `fig:"stats"`

	Metrics struct {
		Listen string `fig:"listen"`
	} `fig:"metrics"`
}

// NewFromFile loads the configuration from the given file, overlays environment variables and
// validates the result.
func NewFromFile(path, file string) (*Config, error) {
	conf := new(Config)
	_, err := os.Stat(filepath.Join(path, file))
	if err != nil {
		return conf, fmt.Errorf("failed to read Config: %w", err)
	}
	if err = fig.Load(conf, fig.Dirs(path), fig.File(file), fig.UseEnv(configEnv)); err != nil {
		return conf, fmt.Errorf("failed to load Config: %w", err)
	}

	return conf, conf.Validate()
}

// New loads the default configuration with environment overrides.
func New() (*Config, error) {
	conf := new(Config)
	if err := fig.Load(conf, fig.AllowNoFile(), fig.UseEnv(configEnv)); err != nil {
		return conf, fmt.Errorf("failed to load Config: %w", err)
	}

	return conf, conf.Validate()
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxSessions < 1 {
		return fmt.Errorf("invalid max sessions: %d", c.Server.MaxSessions)
	}
	if c.Server.IdleTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownGrace < 0 {
		return fmt.Errorf("server timeouts must not be negative")
	}
	if c.Server.MaxRequestSize < 64 {
		return fmt.Errorf("invalid max request size: %d", c.Server.MaxRequestSize)
	}

	c.Database.Driver = strings.ToLower(c.Database.Driver)
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn must not be empty")
	}
	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("invalid max open connections: %d", c.Database.MaxOpenConns)
	}

	if c.Cache.HitTTL <= 0 || c.Cache.MissTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	if !c.Cache.Disable && c.Cache.PurgeInterval <= 0 {
		return fmt.Errorf("invalid cache purge interval: %s", c.Cache.PurgeInterval)
	}
	if !c.Cache.Disable && c.Cache.MaxEntries < 1 {
		return fmt.Errorf("invalid cache max entries: %d", c.Cache.MaxEntries)
	}
	if c.Cache.Redis.DB < 0 {
		return fmt.Errorf("invalid redis database: %d", c.Cache.Redis.DB)
	}

	if c.Stats.Interval <= 0 {
		return fmt.Errorf("invalid stats interval: %s", c.Stats.Interval)
	}

	return nil
}

// ListenAddr returns the host:port the query service listens on.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.FormatUint(uint64(c.Server.Port), 10))
}
