// Package directory resolves tenants to their database metadata and
// materializes connection registry aliases from it.
package directory

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/commhub/communication-server/internal/errs"
	"github.com/commhub/communication-server/internal/metrics"
	"github.com/commhub/communication-server/internal/models"
	"github.com/commhub/communication-server/internal/registry"
	"github.com/commhub/communication-server/pkg/crypto"
)

// Options configures a Client.
type Options struct {
	Source   Source
	Cache    Cache
	Vault    *crypto.Vault
	Registry *registry.Registry
	Tester   registry.Tester
	TTL      time.Duration
	// FetchTimeout bounds one upstream fetch. Zero uses DefaultHTTPTimeout.
	FetchTimeout time.Duration
	// Defaults carries the pool settings applied to new aliases.
	Defaults registry.ConnectionConfig
}

// Client resolves tenants through a TTL cache and keeps the connection
// registry populated.
type Client struct {
	source   Source
	cache    Cache
	vault    *crypto.Vault
	registry *registry.Registry
	tester   registry.Tester
	ttl      time.Duration
	timeout  time.Duration
	defaults registry.ConnectionConfig

	group singleflight.Group

	// evictMu orders cache writes of in-flight fetches against Invalidate.
	evictMu sync.Mutex
	seq     uint64
	evicted map[string]uint64
}

// NewClient creates a directory client.
func NewClient(opts Options) *Client {
	c := &Client{
		source:   opts.Source,
		cache:    opts.Cache,
		vault:    opts.Vault,
		registry: opts.Registry,
		tester:   opts.Tester,
		ttl:      opts.TTL,
		timeout:  opts.FetchTimeout,
		defaults: opts.Defaults,
		evicted:  make(map[string]uint64),
	}
	if c.cache == nil {
		c.cache = NewMemoryCache()
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.timeout <= 0 {
		c.timeout = DefaultHTTPTimeout
	}
	if c.tester == nil {
		c.tester = registry.NewPingTester(nil, c.defaults.ConnectTimeout)
	}
	return c
}

// ParseTenant turns a bound tenant value ("42", "client_42" or a username)
// into a lookup.
func ParseTenant(tenant string) Lookup {
	tenant = strings.TrimSpace(tenant)
	id := strings.TrimPrefix(tenant, models.AliasPrefix)
	if n, err := strconv.ParseInt(id, 10, 64); err == nil && n > 0 {
		return Lookup{ClientID: n}
	}
	return Lookup{Username: tenant}
}

// Resolve returns the tenant record for l. Concurrent misses for the same
// key share one upstream fetch.
func (c *Client) Resolve(ctx context.Context, l Lookup) (*models.TenantRecord, error) {
	if !l.Valid() {
		return nil, errs.New(errs.Validation, "client id or username is required")
	}
	key := l.Key()

	rec, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Directory cache read failed, fetching upstream")
	} else if ok {
		metrics.DirectoryLookups.WithLabelValues("hit").Inc()
		return rec, nil
	}
	metrics.DirectoryLookups.WithLabelValues("miss").Inc()

	// the fetch is shared, so it outlives the caller that started it
	ch := c.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.fetch(fctx, l)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Directory, ctx.Err(), "resolve tenant %s", l)
	case res = <-ch:
	}
	if res.Err != nil {
		metrics.DirectoryLookups.WithLabelValues("error").Inc()
		return nil, res.Err
	}

	out := *res.Val.(*models.TenantRecord)
	return &out, nil
}

func (c *Client) generation() uint64 {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()
	return c.seq
}

// store caches rec under keys unless one of them was invalidated after the
// fetch that produced rec started.
func (c *Client) store(ctx context.Context, started uint64, keys []string, rec *models.TenantRecord) {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()
	for _, k := range keys {
		if c.evicted[k] > started {
			log.Debug().Str("key", k).Msg("Tenant invalidated during fetch, not caching")
			return
		}
	}
	for _, k := range keys {
		if err := c.cache.Set(ctx, k, rec, c.ttl); err != nil {
			log.Warn().Err(err).Str("key", k).Msg("Directory cache write failed")
		}
	}
}

func (c *Client) evict(keys []string) {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()
	c.seq++
	for _, k := range keys {
		c.evicted[k] = c.seq
	}
}

func (c *Client) fetch(ctx context.Context, l Lookup) (*models.TenantRecord, error) {
	started := c.generation()
	f, err := c.source.Fetch(ctx, l)
	if err != nil {
		return nil, err
	}
	rec := f.Record
	if rec.IsDeleted {
		return nil, errs.New(errs.NotFound, "tenant %s is deleted", l)
	}

	if f.Password != "" {
		if c.vault == nil {
			return nil, errs.New(errs.Configuration, "no vault to protect directory password")
		}
		ct, err := c.vault.Encrypt(f.Password)
		if err != nil {
			return nil, err
		}
		rec.DBPassword = ct
	}

	keys := []string{l.Key()}
	if l.ClientID == 0 && rec.ClientID > 0 {
		keys = append(keys, Lookup{ClientID: rec.ClientID}.Key())
	}
	c.store(ctx, started, keys, rec)

	log.Info().
		Str("tenant", l.String()).
		Str("alias", rec.Alias).
		Str("host", rec.DBHost).
		Msg("Resolved tenant database")
	return rec, nil
}

// EnsureAlias makes sure the tenant's alias is in the registry and returns it.
// A new alias is only registered after a successful connection test.
func (c *Client) EnsureAlias(ctx context.Context, l Lookup) (string, error) {
	rec, err := c.Resolve(ctx, l)
	if err != nil {
		return "", err
	}
	if c.registry.Has(rec.Alias) {
		return rec.Alias, nil
	}

	_, err, _ = c.group.Do("ensure:"+rec.Alias, func() (interface{}, error) {
		if c.registry.Has(rec.Alias) {
			return nil, nil
		}
		// the tester bounds its own connection attempt
		return nil, c.materialize(context.WithoutCancel(ctx), rec)
	})
	if err != nil {
		return "", err
	}
	return rec.Alias, nil
}

func (c *Client) materialize(ctx context.Context, rec *models.TenantRecord) error {
	if c.vault == nil {
		return errs.New(errs.Configuration, "no vault configured")
	}
	password, err := c.vault.Decrypt(rec.DBPassword)
	if err != nil {
		return err
	}

	cfg := registry.FromRecord(rec, password, c.defaults)
	if err := c.tester.Test(ctx, cfg); err != nil {
		return err
	}

	err = c.registry.Register(rec.Alias, cfg)
	if errs.Is(err, errs.AlreadyRegistered) {
		// a concurrent caller registered it first
		return nil
	}
	return err
}

// Invalidate evicts the cached metadata of l and unregisters its alias,
// closing any live pool.
func (c *Client) Invalidate(ctx context.Context, l Lookup) error {
	if !l.Valid() {
		return errs.New(errs.Validation, "client id or username is required")
	}

	keys := []string{l.Key()}
	var aliases []string
	if rec, ok, _ := c.cache.Get(ctx, l.Key()); ok {
		aliases = append(aliases, rec.Alias)
		if rec.ClientID > 0 {
			keys = append(keys, Lookup{ClientID: rec.ClientID}.Key())
		}
		if rec.Username != "" {
			keys = append(keys, Lookup{Username: rec.Username}.Key())
		}
	}
	if l.ClientID > 0 {
		aliases = append(aliases, models.AliasFor(l.ClientID))
	}

	c.evict(keys)
	for _, k := range keys {
		c.group.Forget(k)
	}
	if err := c.cache.Delete(ctx, keys...); err != nil {
		return errs.Wrap(errs.Internal, err, "evict tenant %s", l)
	}

	for _, alias := range aliases {
		if err := c.registry.Unregister(alias); err != nil {
			log.Warn().Err(err).Str("alias", alias).Msg("Error closing pool on invalidate")
		}
	}

	log.Info().Str("tenant", l.String()).Msg("Tenant directory entry invalidated")
	return nil
}

// Refresh drops everything known about l and rebuilds the alias from fresh
// upstream data, e.g. after credential rotation.
func (c *Client) Refresh(ctx context.Context, l Lookup) (string, error) {
	if err := c.Invalidate(ctx, l); err != nil {
		return "", err
	}
	return c.EnsureAlias(ctx, l)
}
