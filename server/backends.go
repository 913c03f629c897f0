package main

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"collabtext/internal/config"
	"collabtext/internal/persist"
	"collabtext/internal/projectstore"
)

// backends are the storage services selected by the configuration.
type backends struct {
	log   persist.Log
	store projectstore.Store

	pool *pgxpool.Pool
	rdb  *redis.Client
}

func openBackends(ctx context.Context, cfg config.Config) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			if b.log != nil {
				b.log.Close()
			}
			b.close()
		}
	}()

	if cfg.LogBackend == config.BackendPostgres || cfg.ProjectStore == config.StorePostgres {
		b.pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("unable to connect to database: %w", err)
		}
		if err = b.pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("unable to connect to database: %w", err)
		}
		glog.Infof("[server]connected to PostgreSQL\n")
	}

	switch cfg.LogBackend {
	case config.BackendBolt:
		var l *persist.BoltLog
		if l, err = persist.OpenBoltLog(cfg.BoltPath); err == nil {
			b.log = l
		}
	case config.BackendPostgres:
		var l *persist.PostgresLog
		if l, err = persist.NewPostgresLog(ctx, b.pool); err == nil {
			b.log = l
		}
	case config.BackendRedis:
		b.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err = b.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("could not connect to Redis: %w", err)
		}
		glog.Infof("[server]connected to Redis at %s\n", cfg.RedisAddr)
		b.log = persist.NewRedisLog(b.rdb)
	case config.BackendMemory:
		glog.Warningf("[server]durable log is in memory, documents are lost on restart\n")
		b.log = persist.NewMemoryLog()
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s log: %w", cfg.LogBackend, err)
	}

	switch cfg.ProjectStore {
	case config.StorePostgres:
		var s *projectstore.PostgresStore
		if s, err = projectstore.NewPostgresStore(ctx, b.pool); err == nil {
			b.store = s
		}
	case config.StoreHTTP:
		b.store = projectstore.NewClient(cfg.ProjectStoreURL)
	case config.StoreMemory:
		b.store = projectstore.NewMemoryStore(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s project store: %w", cfg.ProjectStore, err)
	}
	return b, nil
}

// close releases the connections. The log itself is closed by the adapter.
func (b *backends) close() {
	if b.rdb != nil {
		b.rdb.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}
