package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-authgate/session-cli/kvstore"
)

const (
	backendFile   = "file"
	backendRedis  = "redis"
	backendSQLite = "sqlite"
	backendMemory = "memory"
)

func isKnownBackend(name string) bool {
	switch name {
	case backendFile, backendRedis, backendSQLite, backendMemory:
		return true
	}
	return false
}

// openStore opens the session storage selected by c. The returned func
// releases it and is never nil.
func openStore(ctx context.Context, c *appConfig, logger *slog.Logger) (kvstore.Store, func(), error) {
	noop := func() {}

	switch c.storeBackend {
	case backendMemory:
		logger.Warn("memory storage selected: the session ends with this process")
		return kvstore.NewMemoryStore(), noop, nil

	case backendRedis:
		rs, err := kvstore.NewRedisStore(ctx, kvstore.RedisConfig{
			Addr:     c.redisAddr,
			Password: c.redisPassword,
			DB:       c.redisDB,
			Prefix:   "session-cli:" + c.profile,
		})
		if err != nil {
			return nil, noop, err
		}
		return rs, closer(rs.Close, "redis", logger), nil

	case backendSQLite:
		ss, err := kvstore.OpenSQLiteStore(ctx, c.sqlitePath, c.profile)
		if err != nil {
			return nil, noop, err
		}
		return ss, closer(ss.Close, "sqlite", logger), nil

	case backendFile:
		var opts []kvstore.FileOption
		if c.storeSecret != "" {
			sealer, err := kvstore.NewSealer([]byte(c.storeSecret))
			if err != nil {
				return nil, noop, fmt.Errorf("invalid STORE_SECRET: %w", err)
			}
			opts = append(opts, kvstore.WithSealer(sealer))
		}
		return kvstore.NewFileStore(c.tokenFile, c.profile, opts...), noop, nil

	default:
		return nil, noop, fmt.Errorf("unknown storage backend %q", c.storeBackend)
	}
}

func closer(fn func() error, name string, logger *slog.Logger) func() {
	return func() {
		if err := fn(); err != nil {
			logger.Warn("failed to close storage", "backend", name, "error", err)
		}
	}
}
