// Package registry holds the process-wide table of tenant database aliases
// and their connection pools.
package registry

import (
	"context"
	"database/sql"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/commhub/communication-server/internal/errs"
	"github.com/commhub/communication-server/internal/metrics"
)

const lockStripes = 32

// Opener opens a pool for a config. Opening must not require the server to
// be reachable; liveness is checked separately.
type Opener interface {
	Open(ctx context.Context, cfg ConnectionConfig) (*sql.DB, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, cfg ConnectionConfig) (*sql.DB, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context, cfg ConnectionConfig) (*sql.DB, error) {
	return f(ctx, cfg)
}

// PostgresOpener opens lib/pq pools.
type PostgresOpener struct{}

// Open implements Opener.
func (PostgresOpener) Open(_ context.Context, cfg ConnectionConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxAge > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxAge)
	}
	return db, nil
}

// entry is replaced, never mutated, once it is in the map.
type entry struct {
	cfg ConnectionConfig
	db  *sql.DB
}

// Registry maps aliases to connection configs and lazily opened pools.
//
// Mutations for one alias are serialized by a striped lock; the map lock is
// only held for map access, so unrelated tenants never wait on each other's
// network I/O.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	stripes [lockStripes]sync.Mutex
	opener  Opener
}

// New creates a registry. A nil opener uses PostgresOpener.
func New(opener Opener) *Registry {
	if opener == nil {
		opener = PostgresOpener{}
	}
	return &Registry{
		entries: make(map[string]*entry),
		opener:  opener,
	}
}

func (r *Registry) lockFor(alias string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(alias))
	return &r.stripes[h.Sum32()%lockStripes]
}

func (r *Registry) get(alias string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[alias]
}

func (r *Registry) put(alias string, e *entry) {
	r.mu.Lock()
	r.entries[alias] = e
	n := len(r.entries)
	r.mu.Unlock()
	metrics.RegisteredAliases.Set(float64(n))
}

func (r *Registry) remove(alias string) {
	r.mu.Lock()
	delete(r.entries, alias)
	n := len(r.entries)
	r.mu.Unlock()
	metrics.RegisteredAliases.Set(float64(n))
}

type registerOptions struct {
	force bool
}

// RegisterOption tunes Register.
type RegisterOption func(*registerOptions)

// Force overwrites an existing alias, closing its pool.
func Force() RegisterOption {
	return func(o *registerOptions) { o.force = true }
}

// Has reports whether alias is registered.
func (r *Registry) Has(alias string) bool {
	return r.get(alias) != nil
}

// Register adds alias. An existing alias fails with AlreadyRegistered unless
// Force is given.
func (r *Registry) Register(alias string, cfg ConnectionConfig, opts ...RegisterOption) error {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	if alias == "" {
		return errs.New(errs.Validation, "alias is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Engine == "" {
		cfg.Engine = EnginePostgres
	}

	l := r.lockFor(alias)
	l.Lock()
	defer l.Unlock()

	old := r.get(alias)
	if old != nil && !o.force {
		return errs.New(errs.AlreadyRegistered, "alias %s is already registered", alias)
	}

	r.put(alias, &entry{cfg: cfg})

	if old != nil && old.db != nil {
		if err := old.db.Close(); err != nil {
			log.Warn().Err(err).Str("alias", alias).Msg("Failed to close replaced pool")
		}
	}

	log.Info().Str("alias", alias).Object("conn", cfg).Bool("forced", old != nil).Msg("Alias registered")
	return nil
}

// Unregister closes the alias' pool and removes it. A missing alias is a no-op.
func (r *Registry) Unregister(alias string) error {
	l := r.lockFor(alias)
	l.Lock()
	defer l.Unlock()

	e := r.get(alias)
	if e == nil {
		return nil
	}

	var err error
	if e.db != nil {
		err = e.db.Close()
	}
	r.remove(alias)

	log.Info().Str("alias", alias).Msg("Alias unregistered")
	return err
}

// Config returns the registered config for alias.
func (r *Registry) Config(alias string) (ConnectionConfig, bool) {
	e := r.get(alias)
	if e == nil {
		return ConnectionConfig{}, false
	}
	return e.cfg, true
}

// Aliases returns the registered aliases in sorted order.
func (r *Registry) Aliases() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.entries))
	for alias := range r.entries {
		out = append(out, alias)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// DB returns the pool for alias, opening it on first use. With health checks
// enabled the pool is pinged first and replaced if the ping fails. A caller
// whose context is done gets its context error and the pool is left alone.
func (r *Registry) DB(ctx context.Context, alias string) (*sql.DB, error) {
	e := r.get(alias)
	if e == nil {
		return nil, errs.New(errs.NotFound, "alias %s is not registered", alias)
	}

	// Fast path
	if e.db != nil {
		if !e.cfg.HealthChecks {
			return e.db, nil
		}
		err := r.ping(ctx, e.db, e.cfg)
		if err == nil {
			return e.db, nil
		}
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.ConnectionTest, ctx.Err(), "health check for %s", alias)
		}
		log.Warn().Err(err).Str("alias", alias).Msg("Pool failed health check, reconnecting")
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.ConnectionTest, err, "connect to %s", alias)
	}

	// Slow path
	l := r.lockFor(alias)
	l.Lock()
	defer l.Unlock()

	cur := r.get(alias)
	if cur == nil {
		return nil, errs.New(errs.NotFound, "alias %s is not registered", alias)
	}
	if cur.db != nil && cur.db != e.db {
		// someone else reopened it while we waited
		return cur.db, nil
	}

	db, err := r.opener.Open(ctx, cur.cfg)
	if err != nil {
		return nil, errs.Wrap(errs.ConnectionTest, err, "open pool for %s", alias)
	}

	if cur.cfg.HealthChecks {
		// the new pool is shared, so its first ping must not die with this caller
		if err := r.ping(context.WithoutCancel(ctx), db, cur.cfg); err != nil {
			db.Close()
			return nil, errs.Wrap(errs.ConnectionTest, err, "connect to %s", alias)
		}
	}
	r.put(alias, &entry{cfg: cur.cfg, db: db})
	metrics.PoolsOpened.Inc()

	if cur.db != nil {
		if err := cur.db.Close(); err != nil {
			log.Warn().Err(err).Str("alias", alias).Msg("Failed to close replaced pool")
		}
	}

	return db, nil
}

// defaultPingTimeout bounds health checks when the config sets no connect
// timeout.
const defaultPingTimeout = 5 * time.Second

func (r *Registry) ping(ctx context.Context, db *sql.DB, cfg ConnectionConfig) error {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return db.PingContext(ctx)
}

// Release closes the alias' pool but keeps its config; the next DB call
// reopens it.
func (r *Registry) Release(alias string) error {
	l := r.lockFor(alias)
	l.Lock()
	defer l.Unlock()

	e := r.get(alias)
	if e == nil || e.db == nil {
		return nil
	}
	r.put(alias, &entry{cfg: e.cfg})
	return e.db.Close()
}

// CloseAll closes every pool and empties the registry.
func (r *Registry) CloseAll() error {
	var firstErr error
	for _, alias := range r.Aliases() {
		if err := r.Unregister(alias); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
