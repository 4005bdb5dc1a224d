// PostgreSQL Backend implementation using pgx. Tenant isolation is a
// column in the primary key; data_version is bumped by a trigger that
// fires only when the stored value actually changes, giving higher
// layers a server-side optimistic-concurrency point.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Postgres implements Backend over a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database and runs migrations.
func NewPostgres(ctx context.Context, connURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("Postgres storage backend initialized")
	return p, nil
}

// Migrate creates the entries table and the version trigger.
func (p *Postgres) Migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS rh_entries (
			tenant       TEXT NOT NULL,
			key          TEXT NOT NULL,
			value        BYTEA NOT NULL,
			checksum     TEXT NOT NULL,
			data_version BIGINT NOT NULL DEFAULT 1,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant, key)
		);

		CREATE TABLE IF NOT EXISTS rh_schema (
			version INT NOT NULL
		);

		CREATE OR REPLACE FUNCTION rh_bump_version() RETURNS trigger AS $$
		BEGIN
			IF NEW.checksum IS DISTINCT FROM OLD.checksum THEN
				NEW.data_version := OLD.data_version + 1;
				NEW.updated_at := NOW();
			ELSE
				NEW.data_version := OLD.data_version;
			END IF;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql;

		DROP TRIGGER IF EXISTS rh_entries_version ON rh_entries;
		CREATE TRIGGER rh_entries_version
			BEFORE UPDATE ON rh_entries
			FOR EACH ROW EXECUTE FUNCTION rh_bump_version();
	`
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return err
	}

	var count int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM rh_schema`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		_, err := p.pool.Exec(ctx, `INSERT INTO rh_schema (version) VALUES ($1)`, schemaVersion)
		return err
	}
	return nil
}

// MigrationVersion reads the recorded schema version.
func (p *Postgres) MigrationVersion(ctx context.Context) (int, error) {
	var v int
	if err := p.pool.QueryRow(ctx, `SELECT version FROM rh_schema LIMIT 1`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Get returns the entry for key, verifying its checksum.
func (p *Postgres) Get(ctx context.Context, tenant, key string) (*Entry, error) {
	var entry Entry
	err := p.pool.QueryRow(ctx,
		`SELECT value, checksum, data_version, updated_at FROM rh_entries WHERE tenant = $1 AND key = $2`,
		tenant, key,
	).Scan(&entry.Value, &entry.Checksum, &entry.DataVersion, &entry.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Tenant: tenant, Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	actual := Checksum(entry.Value)
	if actual != entry.Checksum {
		return nil, &ErrChecksumMismatch{Tenant: tenant, Key: key, Expected: entry.Checksum, Actual: actual}
	}
	return &entry, nil
}

// Set upserts the value; the trigger bumps data_version on content
// change.
func (p *Postgres) Set(ctx context.Context, tenant, key string, value []byte) (*Entry, error) {
	checksum := Checksum(value)
	var entry Entry
	entry.Value = value
	entry.Checksum = checksum
	err := p.pool.QueryRow(ctx, `
		INSERT INTO rh_entries (tenant, key, value, checksum)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant, key) DO UPDATE SET value = EXCLUDED.value, checksum = EXCLUDED.checksum
		RETURNING data_version, updated_at`,
		tenant, key, value, checksum,
	).Scan(&entry.DataVersion, &entry.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("set %s: %w", key, err)
	}
	return &entry, nil
}

// Delete removes key from the tenant namespace.
func (p *Postgres) Delete(ctx context.Context, tenant, key string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM rh_entries WHERE tenant = $1 AND key = $2`, tenant, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Tenant: tenant, Key: key}
	}
	return nil
}

// Exists reports whether key is present.
func (p *Postgres) Exists(ctx context.Context, tenant, key string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM rh_entries WHERE tenant = $1 AND key = $2)`,
		tenant, key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return exists, nil
}

// ListKeys returns all keys with the given prefix, sorted.
func (p *Postgres) ListKeys(ctx context.Context, tenant, prefix string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key FROM rh_entries WHERE tenant = $1 AND key LIKE $2 || '%' ORDER BY key`,
		tenant, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// GetBatch returns entries for the requested keys; missing keys are
// omitted.
func (p *Postgres) GetBatch(ctx context.Context, tenant string, keys []string) (map[string]*Entry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key, value, checksum, data_version, updated_at FROM rh_entries
		 WHERE tenant = $1 AND key = ANY($2)`,
		tenant, keys,
	)
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Entry, len(keys))
	for rows.Next() {
		var key string
		var entry Entry
		if err := rows.Scan(&key, &entry.Value, &entry.Checksum, &entry.DataVersion, &entry.UpdatedAt); err != nil {
			return nil, err
		}
		if actual := Checksum(entry.Value); actual != entry.Checksum {
			return nil, &ErrChecksumMismatch{Tenant: tenant, Key: key, Expected: entry.Checksum, Actual: actual}
		}
		result[key] = &entry
	}
	return result, rows.Err()
}

// SetBatch stores every value in one batch round-trip.
func (p *Postgres) SetBatch(ctx context.Context, tenant string, values map[string][]byte) error {
	batch := &pgx.Batch{}
	for key, value := range values {
		batch.Queue(`
			INSERT INTO rh_entries (tenant, key, value, checksum)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant, key) DO UPDATE SET value = EXCLUDED.value, checksum = EXCLUDED.checksum`,
			tenant, key, value, Checksum(value))
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range values {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("set batch: %w", err)
		}
	}
	return nil
}

// DeleteBatch removes every key; missing keys are ignored.
func (p *Postgres) DeleteBatch(ctx context.Context, tenant string, keys []string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM rh_entries WHERE tenant = $1 AND key = ANY($2)`, tenant, keys)
	if err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	return nil
}

// Clear removes every key in the tenant namespace.
func (p *Postgres) Clear(ctx context.Context, tenant string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM rh_entries WHERE tenant = $1`, tenant)
	if err != nil {
		return fmt.Errorf("clear tenant: %w", err)
	}
	return nil
}

func (p *Postgres) Type() string { return "postgres" }

func (p *Postgres) Characteristics() Characteristics {
	return Characteristics{
		Persistent:         true,
		Transactional:      true,
		SupportsPrefixScan: true,
		SupportsAtomicOps:  true,
		AvgReadLatency:     time.Millisecond,
		AvgWriteLatency:    2 * time.Millisecond,
	}
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
