// Package migrate applies the embedded, versioned schema migrations.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/commhub/communication-server/internal/errs"
)

//go:embed migrations
var embedded embed.FS

// Set names a group of migrations that is versioned independently.
type Set string

const (
	// SetMaster holds the tenant directory schema.
	SetMaster Set = "master"
	// SetTenant holds the schema of every tenant database.
	SetTenant Set = "tenant"
)

const createVersionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	set_name   VARCHAR(32) NOT NULL,
	version    INTEGER NOT NULL,
	name       VARCHAR(255) NOT NULL,
	checksum   CHAR(64) NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (set_name, version)
)`

// Migration is one numbered script.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// Source returns the embedded scripts of a set.
func Source(set Set) (fs.FS, error) {
	return fs.Sub(embedded, path.Join("migrations", string(set)))
}

// Load reads every *.sql file of fsys, ordered by version.
func Load(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}

	var list []Migration
	seen := make(map[int]string)
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasSuffix(n, ".sql") {
			continue
		}
		v, err := scriptVersion(n)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", n, err)
		}
		if prev, ok := seen[v]; ok {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, n, v)
		}
		seen[v] = n

		body, err := fs.ReadFile(fsys, n)
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(body)
		list = append(list, Migration{
			Version:  v,
			Name:     strings.TrimSuffix(n, ".sql"),
			SQL:      string(body),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Version < list[j].Version
	})
	return list, nil
}

// extract the version number from a file named like "0002_migration_name.sql"
func scriptVersion(filename string) (int, error) {
	v, err := strconv.Atoi(strings.Split(filename, "_")[0])
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("version must be positive")
	}
	return v, nil
}

// Migrator brings one database up to date with one set.
type Migrator struct {
	db     *sql.DB
	set    Set
	source fs.FS
}

// New creates a migrator for set using the embedded scripts.
func New(db *sql.DB, set Set) (*Migrator, error) {
	src, err := Source(set)
	if err != nil {
		return nil, err
	}
	return NewWithSource(db, set, src), nil
}

// NewWithSource creates a migrator reading scripts from source.
func NewWithSource(db *sql.DB, set Set, source fs.FS) *Migrator {
	return &Migrator{db: db, set: set, source: source}
}

// applied returns the recorded checksum of each applied version.
func (m *Migrator) applied(ctx context.Context) (map[int]string, error) {
	if _, err := m.db.ExecContext(ctx, createVersionTable); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx,
		`SELECT version, checksum FROM schema_migrations WHERE set_name = $1`, string(m.set))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	done := make(map[int]string)
	for rows.Next() {
		var (
			v   int
			sum string
		)
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		done[v] = strings.TrimSpace(sum)
	}
	return done, rows.Err()
}

// Pending lists the migrations not yet applied. An applied script whose
// content has changed since is an error.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	list, err := Load(m.source)
	if err != nil {
		return nil, errs.Wrap(errs.Migration, err, "load %s migrations", m.set)
	}
	done, err := m.applied(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Migration, err, "read %s migration state", m.set)
	}

	var pending []Migration
	for _, mig := range list {
		sum, ok := done[mig.Version]
		if !ok {
			pending = append(pending, mig)
			continue
		}
		if sum != mig.Checksum {
			return nil, errs.New(errs.Migration, "%s migration %s was modified after it was applied", m.set, mig.Name)
		}
	}
	return pending, nil
}

// Up applies pending migrations in order, each in its own transaction, and
// returns how many ran.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	pending, err := m.Pending(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) > 0 {
		log.Info().Str("set", string(m.set)).Int("migration_count", len(pending)).Msg("Applying schema migrations")
	}

	for i, mig := range pending {
		log.Debug().Str("set", string(m.set)).Str("migration", mig.Name).Msg("Executing migration")
		if err := m.apply(ctx, mig); err != nil {
			return i, errs.Wrap(errs.Migration, err, "apply %s migration %s", m.set, mig.Name)
		}
	}
	return len(pending), nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (set_name, version, name, checksum) VALUES ($1, $2, $3, $4)`,
		string(m.set), mig.Version, mig.Name, mig.Checksum,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Tenant applies the tenant set to db.
func Tenant(ctx context.Context, db *sql.DB) error {
	m, err := New(db, SetTenant)
	if err != nil {
		return errs.Wrap(errs.Migration, err, "load tenant migrations")
	}
	_, err = m.Up(ctx)
	return err
}

// Master applies the master set to db.
func Master(ctx context.Context, db *sql.DB) error {
	m, err := New(db, SetMaster)
	if err != nil {
		return errs.Wrap(errs.Migration, err, "load master migrations")
	}
	_, err = m.Up(ctx)
	return err
}
