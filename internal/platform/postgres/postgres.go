package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/packfarm/packfarm/internal/platform/env"
)

// Config is the optional database behind vessel's job store and summit's
// index. Without a URL the service stays on its state directory.
type Config struct {
	URL string
	// ApplicationName tags the service's sessions in pg_stat_activity.
	ApplicationName  string
	StatementTimeout time.Duration
	PingTimeout      time.Duration
	Pool             Pool
}

type Pool struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// ConfigFromEnv reads the DATABASE_* settings for service.
func ConfigFromEnv(service string) (Config, error) {
	cfg := Config{
		URL:             strings.TrimSpace(env.String("DATABASE_URL", "")),
		ApplicationName: "packfarm-" + strings.TrimSpace(service),
	}
	if !cfg.Enabled() {
		return cfg, nil
	}

	var err error
	if cfg.StatementTimeout, err = env.Duration("DATABASE_STATEMENT_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PingTimeout, err = env.Duration("DATABASE_PING_TIMEOUT", 2*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.Pool.MaxOpen, err = env.Int("DATABASE_MAX_OPEN_CONNS", 10); err != nil {
		return Config{}, err
	}
	if cfg.Pool.MaxIdle, err = env.Int("DATABASE_MAX_IDLE_CONNS", 5); err != nil {
		return Config{}, err
	}
	if cfg.Pool.MaxLifetime, err = env.Duration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.Pool.MaxIdleTime, err = env.Duration("DATABASE_CONN_MAX_IDLE_TIME", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Enabled() bool {
	return c.URL != ""
}

func (c Config) Validate() error {
	switch {
	case c.URL == "":
		return errors.New("DATABASE_URL is required")
	case c.StatementTimeout < 0:
		return errors.New("DATABASE_STATEMENT_TIMEOUT must be >= 0")
	case c.PingTimeout <= 0:
		return errors.New("DATABASE_PING_TIMEOUT must be positive")
	case c.Pool.MaxOpen < 1:
		return errors.New("DATABASE_MAX_OPEN_CONNS must be >= 1")
	case c.Pool.MaxIdle < 0 || c.Pool.MaxIdle > c.Pool.MaxOpen:
		return errors.New("DATABASE_MAX_IDLE_CONNS must be between 0 and DATABASE_MAX_OPEN_CONNS")
	case c.Pool.MaxLifetime < 0 || c.Pool.MaxIdleTime < 0:
		return errors.New("DATABASE_CONN_MAX_LIFETIME and DATABASE_CONN_MAX_IDLE_TIME must be >= 0")
	}
	return nil
}

// connConfig parses URL and adds the session settings every packfarm
// connection runs with.
func (c Config) connConfig() (*pgx.ConnConfig, error) {
	conn, err := pgx.ParseConfig(c.URL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if c.ApplicationName != "" {
		conn.RuntimeParams["application_name"] = c.ApplicationName
	}
	if c.StatementTimeout > 0 {
		conn.RuntimeParams["statement_timeout"] = strconv.FormatInt(c.StatementTimeout.Milliseconds(), 10)
	}
	return conn, nil
}

// Open connects and pings within PingTimeout. Callers run the schema
// migration themselves.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := cfg.connConfig()
	if err != nil {
		return nil, err
	}

	db := stdlib.OpenDB(*conn)
	db.SetMaxOpenConns(cfg.Pool.MaxOpen)
	db.SetMaxIdleConns(cfg.Pool.MaxIdle)
	db.SetConnMaxLifetime(cfg.Pool.MaxLifetime)
	db.SetConnMaxIdleTime(cfg.Pool.MaxIdleTime)

	if err := Ping(db, cfg.PingTimeout)(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Ping returns a readiness check that pings db within timeout.
func Ping(db *sql.DB, timeout time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		return nil
	}
}
