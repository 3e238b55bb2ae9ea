package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/patternops/patternops/pkg/version"
)

// ExpectedSchemaVersion is the schema version this binary was built
// against. Each migration that changes the persisted contract bumps the
// db_metadata singleton; the handshake refuses to run against anything
// else. Keep in lockstep with the highest migration touching db_metadata.
const ExpectedSchemaVersion = 4

// ErrSchemaMismatch is returned when the store's schema version differs
// from ExpectedSchemaVersion.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// ErrBadFingerprint is returned when the installed-by fingerprint in
// db_metadata was not written by this application.
var ErrBadFingerprint = errors.New("installed-by fingerprint invalid")

// Metadata is the db_metadata singleton row.
type Metadata struct {
	SchemaVersion int
	InstalledBy   string
	InstalledAt   time.Time
	LastBootAt    sql.NullTime
	LastBootBy    sql.NullString
}

// Handshake verifies the db_metadata singleton against this binary and
// records the boot. Any mismatch is fatal: refusing to start beats silent
// corruption.
func (c *Client) Handshake(ctx context.Context) error {
	meta, err := c.ReadMetadata(ctx)
	if err != nil {
		return fmt.Errorf("boot handshake: reading db_metadata: %w", err)
	}

	if meta.SchemaVersion != ExpectedSchemaVersion {
		return fmt.Errorf("boot handshake: %w: store has %d, binary expects %d",
			ErrSchemaMismatch, meta.SchemaVersion, ExpectedSchemaVersion)
	}
	if !strings.HasPrefix(meta.InstalledBy, version.AppName+"/") {
		return fmt.Errorf("boot handshake: %w: %q", ErrBadFingerprint, meta.InstalledBy)
	}

	now := time.Now().UTC()
	if _, err := c.db.ExecContext(ctx,
		`UPDATE db_metadata SET last_boot_at = $1, last_boot_by = $2`,
		now, version.Full(),
	); err != nil {
		return fmt.Errorf("boot handshake: recording boot: %w", err)
	}

	slog.Info("Boot handshake passed",
		"schema_version", meta.SchemaVersion,
		"installed_by", meta.InstalledBy,
		"installed_at", meta.InstalledAt)
	return nil
}

// ReadMetadata fetches the db_metadata singleton.
func (c *Client) ReadMetadata(ctx context.Context) (*Metadata, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT schema_version, installed_by, installed_at, last_boot_at, last_boot_by FROM db_metadata`)

	var m Metadata
	if err := row.Scan(&m.SchemaVersion, &m.InstalledBy, &m.InstalledAt, &m.LastBootAt, &m.LastBootBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("db_metadata singleton row is missing")
		}
		return nil, err
	}
	return &m, nil
}
