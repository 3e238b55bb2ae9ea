package database

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Config holds database configuration.
type Config struct {
	// URL is the full connection string (DB_URL). Required; there is no
	// localhost default.
	URL string

	// Database is the database name, parsed from URL, needed by the
	// migration runner.
	Database string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewConfig builds a Config from a connection string with default pool
// settings.
func NewConfig(dbURL string) (Config, error) {
	if dbURL == "" {
		return Config{}, fmt.Errorf("database URL is required")
	}
	u, err := url.Parse(dbURL)
	if err != nil {
		return Config{}, fmt.Errorf("invalid database URL: %w", err)
	}
	dbName := ""
	if len(u.Path) > 1 {
		dbName = u.Path[1:]
	}
	if dbName == "" {
		return Config{}, fmt.Errorf("database URL %q has no database name", redacted(u))
	}

	cfg := Config{
		URL:             dbURL,
		Database:        dbName,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
	if v := u.Query().Get("pool_max_conns"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("invalid pool_max_conns %q", v)
		}
		cfg.MaxOpenConns = n
	}
	return cfg, nil
}

// redacted renders a URL with the password elided, for error messages.
func redacted(u *url.URL) string {
	clone := *u
	if clone.User != nil {
		clone.User = url.User(clone.User.Username())
	}
	return clone.String()
}
