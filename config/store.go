package config

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/store"
	"github.com/xraph/orchestra/store/memory"
	"github.com/xraph/orchestra/store/mongo"
	"github.com/xraph/orchestra/store/postgres"
	"github.com/xraph/orchestra/store/redis"
)

// Store drivers accepted in store.driver.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

// OpenStore connects the backend selected by cfg.Store, checks it with a
// ping and runs its migrations. Closing the returned store releases every
// connection OpenStore created.
func OpenStore(ctx context.Context, cfg orchestra.Config, logger *slog.Logger) (store.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := dial(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("orchestra/config: ping %s: %w", cfg.Store.Driver, err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("orchestra/config: migrate %s: %w", cfg.Store.Driver, err)
	}

	logger.Info("store opened", slog.String("driver", cfg.Store.Driver))
	return s, nil
}

func dial(ctx context.Context, cfg orchestra.Config, logger *slog.Logger) (store.Store, error) {
	sc := cfg.Store
	switch sc.Driver {
	case DriverMemory, "":
		return memory.New(), nil

	case DriverPostgres:
		s, err := postgres.New(ctx, sc.DSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("orchestra/config: %w", err)
		}
		return s, nil

	case DriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
		})
		s := redis.New(client,
			redis.WithLogger(logger),
			redis.WithLockTTL(cfg.LockTTL),
		)
		return &ownedStore{Store: s, release: client.Close}, nil

	case DriverMongo:
		s, err := mongo.Connect(ctx, sc.MongoURI, sc.MongoDatabase,
			mongo.WithLogger(logger),
			mongo.WithLockTTL(cfg.LockTTL),
		)
		if err != nil {
			return nil, fmt.Errorf("orchestra/config: %w", err)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("orchestra/config: unknown store driver %q", sc.Driver)
	}
}

// ownedStore closes a client the backend itself does not own.
type ownedStore struct {
	store.Store
	release func() error
}

func (o *ownedStore) Close() error {
	err := o.Store.Close()
	if relErr := o.release(); err == nil {
		err = relErr
	}
	return err
}
