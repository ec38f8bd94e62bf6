// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package main implements the geohashd lookup service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/wneessen/geohashd/internal/config"
	"github.com/wneessen/geohashd/internal/logger"
	"github.com/wneessen/geohashd/internal/resolver"
	"github.com/wneessen/geohashd/internal/service"
	"github.com/wneessen/geohashd/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer cancel()

	// Initialize logger
	log := logger.New(slog.LevelError)

	confPath := flag.String("config", "", "path to the config file")
	envFile := flag.String("env", ".env", "path to an optional dotenv file")
	flag.Parse()

	// Environment overrides from a dotenv file must be present before the config is read
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Error("failed to load dotenv file", slog.String("file", *envFile), logger.Err(err))
		os.Exit(1)
	}

	conf, err := loadConfig(*confPath)
	if err != nil {
		log.Error("failed to load config", logger.Err(err))
		os.Exit(1)
	}

	log = logger.New(conf.LogLevel)
	log.Info("starting geohashd service", slog.String("version", version),
		slog.String("commit", commit), slog.String("date", date))
	if err = run(ctx, conf, log); err != nil {
		log.Error("geohashd service failed", logger.Err(err))
		cancel()
		os.Exit(1)
	}
	log.Info("shutting down geohashd service")
}

func run(ctx context.Context, conf *config.Config, log *logger.Logger) error {
	table, err := store.Open(ctx, conf.Database.Driver, conf.Database.DSN,
		store.Options{MaxOpenConns: conf.Database.MaxOpenConns})
	if err != nil {
		return fmt.Errorf("failed to open spatial table: %w", err)
	}
	defer func() {
		if closeErr := table.Close(); closeErr != nil {
			log.Error("failed to close spatial table", logger.Err(closeErr))
		}
	}()
	total, err := table.Total(ctx)
	if err != nil {
		return err
	}
	log.Info("spatial table opened", slog.String("driver", table.Driver()), slog.Int("records", total))

	var lookup resolver.Lookup = resolver.NewProgressive(table)
	if conf.Cache.Redis.Addr != "" {
		client := resolver.OpenRedis(conf.Cache.Redis.Addr, conf.Cache.Redis.Password, conf.Cache.Redis.DB)
		defer func() {
			_ = client.Close()
		}()
		if err = client.Ping(ctx).Err(); err != nil {
			log.Warn("redis not reachable, resolutions will bypass it until it is", slog.String("addr",
				conf.Cache.Redis.Addr), logger.Err(err))
		}
		lookup = resolver.NewRedis(lookup, client, conf.Cache.Redis.TTL, log)
	}
	if !conf.Cache.Disable {
		lookup = resolver.NewCached(lookup, conf.Cache.HitTTL, conf.Cache.MissTTL, conf.Cache.MaxEntries)
	}

	server, err := service.New(conf, log, lookup)
	if err != nil {
		return fmt.Errorf("failed to initialize query service: %w", err)
	}
	return server.Run(ctx)
}

// loadConfig reads the config file given on the command line, a config file in the default
// location or, if neither exists, the defaults with environment overrides.
func loadConfig(confPath string) (*config.Config, error) {
	if confPath != "" {
		return config.NewFromFile(filepath.Dir(confPath), filepath.Base(confPath))
	}
	if path, file := findConfigFile(); path != "" && file != "" {
		return config.NewFromFile(path, file)
	}
	return config.New()
}

func findConfigFile() (string, string) {
	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", ""
	}
	exts := []string{"toml", "yaml", "yml", "json"}
	for _, ext := range exts {
		path := filepath.Join(homedir, ".config", "geohashd", "config."+ext)
		if _, err = os.Stat(path); err == nil {
			return filepath.Dir(path), filepath.Base(path)
		}
	}
	return "", ""
}
