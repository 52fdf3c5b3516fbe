package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"qtune/internal/logger"
)

// Dialect names the SQL flavour behind a connection.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// DB represents the database connection
type DB struct {
	*sql.DB
	dialect Dialect
	config  *Config
	stats   *PoolStats
	mu      sync.RWMutex
	log     logger.Logger
	stopCh  chan struct{}
	once    sync.Once
}

// Config represents database configuration
type Config struct {
	Driver            string        `yaml:"driver" env:"DRIVER"`
	Host              string        `yaml:"host" env:"HOST"`
	Port              int           `yaml:"port" env:"PORT"`
	User              string        `yaml:"user" env:"USER"`
	Password          string        `yaml:"password" env:"PASSWORD"`
	DBName            string        `yaml:"dbname" env:"NAME"`
	SSLMode           string        `yaml:"sslmode" env:"SSLMODE"`
	Path              string        `yaml:"path" env:"PATH"` // sqlite3 file or ":memory:"
	MaxOpen           int           `yaml:"max_open"`
	MaxIdle           int           `yaml:"max_idle"`
	Timeout           time.Duration `yaml:"timeout"`
	ConnMaxLifetime   time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime   time.Duration `yaml:"conn_max_idle_time"`
	MigrationsOnStart bool          `yaml:"migrations_on_start" env:"MIGRATIONS_ON_START"`
}

// PoolStats represents connection pool statistics
type PoolStats struct {
	MaxOpenConnections int
	OpenConnections    int
	InUse              int
	Idle               int
	WaitCount          int64
	WaitDuration       time.Duration
	LastUpdated        time.Time
}

// DSN builds the driver-specific connection string.
func (c *Config) DSN() string {
	if Dialect(c.Driver) == DialectSQLite {
		path := c.Path
		if path == "" {
			path = ":memory:"
		}
		if strings.Contains(path, "?") {
			return path
		}
		return path + "?_foreign_keys=on&_busy_timeout=5000"
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, sslMode)
}

// NewConnection creates a new database connection
func NewConnection(cfg *Config, log logger.Logger) (*DB, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	dialect := Dialect(cfg.Driver)
	if dialect == "" {
		dialect = DialectPostgres
	}
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sql.Open(string(dialect), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set default values if not provided
	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = 25
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = time.Hour
	}
	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = 15 * time.Minute
	}
	if dialect == DialectSQLite {
		// sqlite 单写者；内存库每个连接都是独立数据库
		cfg.MaxOpen = 1
		cfg.MaxIdle = 1
		cfg.ConnMaxLifetime = 0
		cfg.ConnMaxIdleTime = 0
	}

	db.SetMaxOpenConns(cfg.MaxOpen)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	var pingErr error
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		pingErr = db.PingContext(ctx)
		if pingErr == nil {
			break
		}
		log.Warn("Database ping failed", "attempt", i+1, "max_retries", maxRetries, "error", pingErr)
		if i < maxRetries-1 {
			time.Sleep(time.Second * time.Duration(i+1))
		}
	}
	if pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database after %d attempts: %w", maxRetries, pingErr)
	}

	log.Info("Database connection established",
		"driver", dialect, "max_open", cfg.MaxOpen, "max_idle", cfg.MaxIdle)

	database := &DB{
		DB:      db,
		dialect: dialect,
		config:  cfg,
		stats:   &PoolStats{},
		log:     log,
		stopCh:  make(chan struct{}),
	}
	go database.monitorPoolStats()

	return database, nil
}

// Dialect returns the SQL flavour of the connection.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Rebind rewrites ? placeholders into the dialect's form.
func (db *DB) Rebind(query string) string {
	return Rebind(db.dialect, query)
}

// Rebind rewrites ? placeholders into $1, $2, ... for postgres.
func Rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			inQuote = !inQuote
		}
		if ch == '?' && !inQuote {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// WithTx runs fn inside a transaction, committing on success.
func (db *DB) WithTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.log.Warn("Transaction rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SnapshotTxOptions returns options for a read-only consistent snapshot.
func (db *DB) SnapshotTxOptions() *sql.TxOptions {
	if db.dialect == DialectPostgres {
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.once.Do(func() { close(db.stopCh) })
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.PingContext(ctx)
}

// GetPoolStats returns current connection pool statistics
func (db *DB) GetPoolStats() *PoolStats {
	db.mu.RLock()
	defer db.mu.RUnlock()
	stats := *db.stats
	return &stats
}

// monitorPoolStats periodically updates connection pool statistics
func (db *DB) monitorPoolStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-db.stopCh:
			return
		case <-ticker.C:
			db.updatePoolStats()
		}
	}
}

func (db *DB) updatePoolStats() {
	stats := db.DB.Stats()

	db.mu.Lock()
	db.stats.MaxOpenConnections = stats.MaxOpenConnections
	db.stats.OpenConnections = stats.OpenConnections
	db.stats.InUse = stats.InUse
	db.stats.Idle = stats.Idle
	db.stats.WaitCount = stats.WaitCount
	db.stats.WaitDuration = stats.WaitDuration
	db.stats.LastUpdated = time.Now()
	db.mu.Unlock()

	if stats.WaitCount > 0 {
		db.log.Warn("Database connection pool under pressure",
			"wait_count", stats.WaitCount, "wait_duration", stats.WaitDuration,
			"in_use", stats.InUse, "idle", stats.Idle)
	}
}

// GetHealthStatus returns detailed health status
func (db *DB) GetHealthStatus(ctx context.Context) map[string]interface{} {
	stats := db.DB.Stats()
	pingErr := db.PingContext(ctx)
	status := map[string]interface{}{
		"healthy":          pingErr == nil,
		"driver":           db.dialect,
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
		"wait_count":       stats.WaitCount,
	}
	if pingErr != nil {
		status["error"] = pingErr.Error()
	}
	return status
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
