package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/VenkatGGG/pushrelay-bridge/internal/config"
	"github.com/VenkatGGG/pushrelay-bridge/internal/marker"
	"github.com/VenkatGGG/pushrelay-bridge/internal/transient"
)

type stores struct {
	transient transient.Store
	markers   marker.Store
	pool      *pgxpool.Pool
	redis     *redis.Client
}

func (s stores) close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// openStores builds the backoff/lock store and the marker store. The postgres
// backend keeps markers in Postgres and short-lived facts in Redis.
func openStores(ctx context.Context, cfg config.Config, logger *log.Logger) (stores, error) {
	var out stores
	switch cfg.StoreBackend {
	case config.BackendMemory:
		out.transient = transient.NewInMemoryStore()
		out.markers = marker.NewInMemoryStore()
		logger.Printf("using in-memory stores; markers do not survive restarts")
	case config.BackendRedis, config.BackendPostgres:
		client, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return stores{}, err
		}
		out.redis = client
		out.transient = transient.NewRedisStore(client, "")
		if cfg.StoreBackend == config.BackendRedis {
			out.markers = marker.NewRedisStore(client, "")
			break
		}
		pool, err := connectPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			out.close()
			return stores{}, err
		}
		out.pool = pool
		markers, err := marker.NewPostgresStore(ctx, pool)
		if err != nil {
			out.close()
			return stores{}, err
		}
		out.markers = markers
	default:
		return stores{}, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}

	if cfg.RequestLogPersist && out.pool == nil {
		pool, err := connectPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			out.close()
			return stores{}, err
		}
		out.pool = pool
	}
	return out, nil
}

// connectRedis accepts either a redis:// URL or a bare host:port.
func connectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func connectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}
