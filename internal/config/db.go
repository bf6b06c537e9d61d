package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ConnectDB opens the pool and pings it, retrying with exponential backoff
// while the database comes up.
func ConnectDB(ctx context.Context, dbCfg DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	logger.Info("connecting to database",
		zap.String("host", dbCfg.Host),
		zap.String("port", dbCfg.Port),
		zap.String("db", dbCfg.Name),
		zap.String("user", dbCfg.User))

	poolConfig, err := pgxpool.ParseConfig(dbCfg.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolConfig.MaxConns = int32(dbCfg.MaxConns)
	poolConfig.MinConns = int32(dbCfg.MinConns)
	poolConfig.MaxConnLifetime = dbCfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = dbCfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheStatement
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	retries := dbCfg.ConnectRetries
	if retries <= 0 {
		retries = 1
	}

	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		pool, err := connectOnce(ctx, poolConfig)
		if err == nil {
			stat := pool.Stat()
			logger.Info("database connected",
				zap.Int32("total_conns", stat.TotalConns()),
				zap.Int32("max_conns", stat.MaxConns()))
			return pool, nil
		}
		lastErr = err
		logger.Warn("database connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", retries),
			zap.Duration("retry_in", backoff),
			zap.Error(err))

		if attempt == retries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", retries, lastErr)
}

func connectOnce(ctx context.Context, poolConfig *pgxpool.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
