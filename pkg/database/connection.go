// Package database is the PostgreSQL persistence layer: connection pool,
// embedded schema migrations and the incident store.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	_ "github.com/lib/pq"

	"cybersentinel/pkg/structlog"
)

// Config describes one PostgreSQL primary. DSN wins over the discrete fields
// when set.
type Config struct {
	DSN      string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	ConnectTimeout     time.Duration
	StatementTimeout   time.Duration
	SlowQueryThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = time.Minute
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.StatementTimeout == 0 {
		c.StatementTimeout = 30 * time.Second
	}
	if c.SlowQueryThreshold == 0 {
		c.SlowQueryThreshold = time.Second
	}
	if c.SSLMode == "" {
		c.SSLMode = "require"
	}
	return c
}

// ConnString renders the lib/pq connection string.
func (c Config) ConnString() string {
	c = c.withDefaults()
	if c.DSN != "" {
		return c.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
		Path:   "/" + c.DBName,
	}
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	q.Set("connect_timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
	q.Set("statement_timeout", strconv.FormatInt(c.StatementTimeout.Milliseconds(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

// DatabaseName is the name migrations are recorded under.
func (c Config) DatabaseName() string {
	if c.DBName != "" {
		return c.DBName
	}
	if u, err := url.Parse(c.DSN); err == nil && len(u.Path) > 1 {
		return u.Path[1:]
	}
	return "cybersentinel"
}

// Database wraps the pool and logs slow statements.
type Database struct {
	DB     *sql.DB
	config Config
	logger *structlog.Logger
}

// Open connects and pings the primary.
func Open(ctx context.Context, cfg Config, logger *structlog.Logger) (*Database, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = structlog.Nop()
	}
	conn, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := conn.PingContext(pctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Database{DB: conn, config: cfg, logger: logger}, nil
}

func (db *Database) observe(query string, start time.Time, err error) {
	d := time.Since(start)
	if err != nil {
		db.logger.Debug("query failed", structlog.Fields{"query": truncateQuery(query, 120), "error": err})
	}
	if d >= db.config.SlowQueryThreshold {
		db.logger.Warn("slow query", structlog.Fields{"query": truncateQuery(query, 120), "duration_ms": d.Milliseconds()})
	}
}

func (db *Database) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	start := time.Now()
	rows, err := db.DB.QueryContext(ctx, query, args...)
	db.observe(query, start, err)
	return rows, err
}

func (db *Database) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	start := time.Now()
	row := db.DB.QueryRowContext(ctx, query, args...)
	db.observe(query, start, row.Err())
	return row
}

func (db *Database) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	res, err := db.DB.ExecContext(ctx, query, args...)
	db.observe(query, start, err)
	return res, err
}

func (db *Database) Ping(ctx context.Context) error {
	if err := db.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

func (db *Database) Close() error {
	return db.DB.Close()
}

func truncateQuery(query string, maxLen int) string {
	out := make([]byte, 0, len(query))
	space := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '\n' || c == '\t' || c == ' ' {
			if !space && len(out) > 0 {
				out = append(out, ' ')
			}
			space = true
			continue
		}
		space = false
		out = append(out, c)
	}
	if len(out) > maxLen {
		return string(out[:maxLen]) + "..."
	}
	return string(out)
}
