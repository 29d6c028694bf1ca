package directory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commhub/communication-server/internal/errs"
	"github.com/commhub/communication-server/internal/models"
	"github.com/commhub/communication-server/internal/registry"
	"github.com/commhub/communication-server/pkg/crypto"
)

type countingSource struct {
	calls    int32
	release  chan struct{}
	password string
	err      error
}

func (s *countingSource) Fetch(_ context.Context, l Lookup) (*Fetched, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return nil, s.err
	}
	rec := sampleRecord()
	rec.DBPassword = ""
	if l.ClientID > 0 {
		rec.ClientID = l.ClientID
		rec.Alias = models.AliasFor(l.ClientID)
	}
	return &Fetched{Record: rec, Password: s.password}, nil
}

type fakeTester struct {
	calls int32
	err   error
	seen  registry.ConnectionConfig
	mu    sync.Mutex
}

func (t *fakeTester) Test(_ context.Context, cfg registry.ConnectionConfig) error {
	atomic.AddInt32(&t.calls, 1)
	t.mu.Lock()
	t.seen = cfg
	t.mu.Unlock()
	return t.err
}

func newTestVault(t *testing.T) *crypto.Vault {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	v, err := crypto.NewVault(crypto.VaultOptions{Key: key})
	require.NoError(t, err)
	return v
}

func newTestClient(t *testing.T, src Source, tester registry.Tester, clock *fakeClock) (*Client, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil)
	cache := NewMemoryCache()
	if clock != nil {
		cache.WithClock(clock.Now)
	}
	c := NewClient(Options{
		Source:   src,
		Cache:    cache,
		Vault:    newTestVault(t),
		Registry: reg,
		Tester:   tester,
		TTL:      2000 * time.Second,
		Defaults: registry.ConnectionConfig{ConnectTimeout: 5 * time.Second, ConnMaxAge: time.Minute},
	})
	return c, reg
}

func TestResolveCachesUntilTTL(t *testing.T) {
	src := &countingSource{password: "pw"}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c, _ := newTestClient(t, src, &fakeTester{}, clock)
	ctx := context.Background()

	_, err := c.Resolve(ctx, Lookup{ClientID: 42})
	require.NoError(t, err)
	_, err = c.Resolve(ctx, Lookup{ClientID: 42})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))

	clock.Advance(1999 * time.Second)
	_, err = c.Resolve(ctx, Lookup{ClientID: 42})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))

	clock.Advance(2 * time.Second)
	_, err = c.Resolve(ctx, Lookup{ClientID: 42})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&src.calls), "expired entry must be refetched")
}

func TestResolveEncryptsPlaintextBeforeCaching(t *testing.T) {
	src := &countingSource{password: "plain-pw"}
	c, _ := newTestClient(t, src, &fakeTester{}, nil)

	rec, err := c.Resolve(context.Background(), Lookup{ClientID: 42})
	require.NoError(t, err)
	assert.NotEqual(t, "plain-pw", rec.DBPassword)

	pw, err := c.vault.Decrypt(rec.DBPassword)
	require.NoError(t, err)
	assert.Equal(t, "plain-pw", pw)
}

func TestResolveCollapsesConcurrentMisses(t *testing.T) {
	src := &countingSource{password: "pw", release: make(chan struct{})}
	c, _ := newTestClient(t, src, &fakeTester{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := c.Resolve(context.Background(), Lookup{ClientID: 42})
			assert.NoError(t, err)
			assert.Equal(t, "client_42", rec.Alias)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(src.release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))
}

func TestResolveOutlivesCancelledCaller(t *testing.T) {
	src := &countingSource{password: "pw", release: make(chan struct{})}
	c, _ := newTestClient(t, src, &fakeTester{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Resolve(ctx, Lookup{ClientID: 42})
		first <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&src.calls) == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan error, 1)
	go func() {
		rec, err := c.Resolve(context.Background(), Lookup{ClientID: 42})
		if err == nil && rec.Alias != "client_42" {
			err = errors.New("unexpected alias " + rec.Alias)
		}
		second <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(src.release)
	assert.NoError(t, <-second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))
}

func TestInvalidateDuringFetchIsNotOverwritten(t *testing.T) {
	src := &countingSource{password: "pw", release: make(chan struct{})}
	c, _ := newTestClient(t, src, &fakeTester{}, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := c.Resolve(ctx, Lookup{ClientID: 42})
		done <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&src.calls) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Invalidate(ctx, Lookup{ClientID: 42}))
	close(src.release)
	require.NoError(t, <-done)

	_, ok, err := c.cache.Get(ctx, Lookup{ClientID: 42}.Key())
	require.NoError(t, err)
	assert.False(t, ok, "a fetch that raced an invalidation must not be cached")

	_, err = c.Resolve(ctx, Lookup{ClientID: 42})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&src.calls))

	_, ok, _ = c.cache.Get(ctx, Lookup{ClientID: 42}.Key())
	assert.True(t, ok)
}

func TestResolveSurfacesUpstreamError(t *testing.T) {
	src := &countingSource{err: errs.New(errs.Directory, "directory error 503")}
	c, _ := newTestClient(t, src, &fakeTester{}, nil)

	_, err := c.Resolve(context.Background(), Lookup{ClientID: 1})
	assert.True(t, errs.Is(err, errs.Directory))

	_, err = c.Resolve(context.Background(), Lookup{})
	assert.True(t, errs.Is(err, errs.Validation))
}

func TestEnsureAliasRegistersOnce(t *testing.T) {
	src := &countingSource{password: "pw"}
	tester := &fakeTester{}
	c, reg := newTestClient(t, src, tester, nil)

	alias, err := c.EnsureAlias(context.Background(), Lookup{ClientID: 42})
	require.NoError(t, err)
	assert.Equal(t, "client_42", alias)
	assert.True(t, reg.Has("client_42"))

	cfg, _ := reg.Config("client_42")
	assert.Equal(t, "pw", cfg.Password, "registry gets the decrypted password")
	assert.Equal(t, time.Minute, cfg.ConnMaxAge)

	_, err = c.EnsureAlias(context.Background(), Lookup{ClientID: 42})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tester.calls))
}

func TestEnsureAliasConnectionFailure(t *testing.T) {
	src := &countingSource{password: "pw"}
	tester := &fakeTester{err: errs.Wrap(errs.ConnectionTest, errors.New("password authentication failed"), "connect")}
	c, reg := newTestClient(t, src, tester, nil)

	_, err := c.EnsureAlias(context.Background(), Lookup{ClientID: 7})
	assert.True(t, errs.Is(err, errs.ConnectionTest))
	assert.False(t, reg.Has("client_7"))
}

func TestInvalidateAndRefresh(t *testing.T) {
	src := &countingSource{password: "pw"}
	c, reg := newTestClient(t, src, &fakeTester{}, nil)
	ctx := context.Background()

	_, err := c.EnsureAlias(ctx, Lookup{ClientID: 42})
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(ctx, Lookup{ClientID: 42}))
	assert.False(t, reg.Has("client_42"))

	alias, err := c.Refresh(ctx, Lookup{ClientID: 42})
	require.NoError(t, err)
	assert.Equal(t, "client_42", alias)
	assert.True(t, reg.Has("client_42"))
	assert.Equal(t, int32(2), atomic.LoadInt32(&src.calls))
}

func TestInvalidateByUsernameEvictsIDKey(t *testing.T) {
	src := &countingSource{password: "pw"}
	c, _ := newTestClient(t, src, &fakeTester{}, nil)
	ctx := context.Background()

	_, err := c.Resolve(ctx, Lookup{Username: "ACME"})
	require.NoError(t, err)
	_, err = c.Resolve(ctx, Lookup{ClientID: 42})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls), "id key populated by username lookup")

	require.NoError(t, c.Invalidate(ctx, Lookup{Username: "acme"}))
	_, err = c.Resolve(ctx, Lookup{ClientID: 42})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&src.calls))
}

func TestParseTenant(t *testing.T) {
	assert.Equal(t, Lookup{ClientID: 42}, ParseTenant("42"))
	assert.Equal(t, Lookup{ClientID: 42}, ParseTenant("client_42"))
	assert.Equal(t, Lookup{Username: "acme"}, ParseTenant("acme"))
}
