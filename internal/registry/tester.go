package registry

import (
	"context"
	"time"

	"github.com/commhub/communication-server/internal/errs"
)

// DefaultTestTimeout bounds a connection test when the config sets none.
const DefaultTestTimeout = 10 * time.Second

// Tester opens and closes a real connection to prove a config works.
type Tester interface {
	Test(ctx context.Context, cfg ConnectionConfig) error
}

// PingTester tests a config by opening a pool and pinging it once.
type PingTester struct {
	Opener  Opener
	Timeout time.Duration
}

// NewPingTester returns a tester with the given timeout. A nil opener uses
// PostgresOpener.
func NewPingTester(opener Opener, timeout time.Duration) *PingTester {
	if opener == nil {
		opener = PostgresOpener{}
	}
	if timeout <= 0 {
		timeout = DefaultTestTimeout
	}
	return &PingTester{Opener: opener, Timeout: timeout}
}

// Test implements Tester. The returned error carries the driver message.
func (t *PingTester) Test(ctx context.Context, cfg ConnectionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	timeout := t.Timeout
	if cfg.ConnectTimeout > 0 && cfg.ConnectTimeout < timeout {
		timeout = cfg.ConnectTimeout
	}
	cfg.ConnectTimeout = timeout
	cfg.MaxOpenConns = 1

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := t.Opener.Open(ctx, cfg)
	if err != nil {
		return errs.Wrap(errs.ConnectionTest, err, "open connection to %s", cfg.Host)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return errs.Wrap(errs.ConnectionTest, err, "connect to %s", cfg.Host)
	}
	return nil
}
