// Package registration onboards tenant databases at runtime.
package registration

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/commhub/communication-server/internal/directory"
	"github.com/commhub/communication-server/internal/errs"
	"github.com/commhub/communication-server/internal/events"
	"github.com/commhub/communication-server/internal/metrics"
	"github.com/commhub/communication-server/internal/models"
	"github.com/commhub/communication-server/internal/registry"
	"github.com/commhub/communication-server/internal/router"
	"github.com/commhub/communication-server/internal/storage"
	"github.com/commhub/communication-server/internal/validation"
	"github.com/commhub/communication-server/pkg/crypto"
)

// State is a step of the workflow.
type State string

const (
	StateValidated         State = "validated"
	StateHostChecked       State = "host_checked"
	StatePasswordDecrypted State = "password_decrypted"
	StateConnectionTested  State = "connection_tested"
	StateRecordPersisted   State = "record_persisted"
	StateAliasRegistered   State = "alias_registered"
	StateMigrated          State = "migrated"
	StateRegistered        State = "registered"
	StateFailed            State = "failed"
)

const (
	DefaultHostTimeout     = 5 * time.Second
	DefaultRollbackTimeout = 30 * time.Second
)

// Request is a self-service registration. DBPassword is vault ciphertext.
type Request struct {
	ClientID   int64  `json:"user_id" validate:"required,min=1"`
	Username   string `json:"username" validate:"max=150"`
	DBName     string `json:"db_name" validate:"required,max=100"`
	DBUser     string `json:"db_user" validate:"required,max=100"`
	DBPassword string `json:"db_password" validate:"required"`
	DBHost     string `json:"db_host" validate:"required,max=255"`
	DBPort     int    `json:"db_port" validate:"required,min=1,max=65535"`
	DBType     string `json:"db_type" validate:"oneof=self_hosted client_hosted"`
}

// Result is a finished registration.
type Result struct {
	Alias    string    `json:"alias"`
	RecordID uuid.UUID `json:"id"`
}

// HostResolver resolves database host names. *net.Resolver implements it.
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// MigrateFunc applies the tenant schema to a freshly registered database.
type MigrateFunc func(ctx context.Context, db *sql.DB) error

// Directory is the part of the directory client the workflow drives.
type Directory interface {
	EnsureAlias(ctx context.Context, l directory.Lookup) (string, error)
	Invalidate(ctx context.Context, l directory.Lookup) error
	Refresh(ctx context.Context, l directory.Lookup) (string, error)
}

// Options wires a Workflow.
type Options struct {
	Store     storage.Store
	Vault     *crypto.Vault
	Registry  *registry.Registry
	Router    *router.Router
	Tester    registry.Tester
	Resolver  HostResolver
	Directory Directory
	Migrate   MigrateFunc
	Publisher events.Publisher
	// Defaults carries the pool settings applied to new aliases.
	Defaults        registry.ConnectionConfig
	HostTimeout     time.Duration
	RollbackTimeout time.Duration
}

// Workflow registers, attaches and offboards tenants.
type Workflow struct {
	store     storage.Store
	vault     *crypto.Vault
	registry  *registry.Registry
	router    *router.Router
	tester    registry.Tester
	resolver  HostResolver
	dir       Directory
	migrate   MigrateFunc
	publisher events.Publisher
	validator *validation.Validator
	defaults  registry.ConnectionConfig

	hostTimeout     time.Duration
	rollbackTimeout time.Duration
}

// New creates a workflow.
func New(opts Options) *Workflow {
	w := &Workflow{
		store:           opts.Store,
		vault:           opts.Vault,
		registry:        opts.Registry,
		router:          opts.Router,
		tester:          opts.Tester,
		resolver:        opts.Resolver,
		dir:             opts.Directory,
		migrate:         opts.Migrate,
		publisher:       opts.Publisher,
		validator:       validation.NewValidator(),
		defaults:        opts.Defaults,
		hostTimeout:     opts.HostTimeout,
		rollbackTimeout: opts.RollbackTimeout,
	}
	if w.router == nil {
		w.router = router.New(router.Options{})
	}
	if w.tester == nil {
		w.tester = registry.NewPingTester(nil, registry.DefaultTestTimeout)
	}
	if w.resolver == nil {
		w.resolver = net.DefaultResolver
	}
	if w.publisher == nil {
		w.publisher = events.NopPublisher{}
	}
	if w.hostTimeout <= 0 {
		w.hostTimeout = DefaultHostTimeout
	}
	if w.rollbackTimeout <= 0 {
		w.rollbackTimeout = DefaultRollbackTimeout
	}
	return w
}

func enter(logger zerolog.Logger, s State) {
	metrics.RegistrationSteps.WithLabelValues(string(s)).Inc()
	logger.Debug().Str("state", string(s)).Msg("Registration state")
}

// Register runs the full workflow. Failures before the record is persisted
// leave no state behind; later failures are rolled back before returning.
func (w *Workflow) Register(ctx context.Context, req Request) (res *Result, err error) {
	logger := log.With().Int64("client_id", req.ClientID).Str("db_host", req.DBHost).Logger()
	logger.Info().Msg("Registering tenant database")

	defer func() {
		if err != nil {
			enter(logger, StateFailed)
			metrics.RegistrationResults.WithLabelValues(string(errs.KindOf(err))).Inc()
			logger.Error().Err(err).Str("kind", string(errs.KindOf(err))).Msg("Tenant registration failed")
			return
		}
		metrics.RegistrationResults.WithLabelValues(string(StateRegistered)).Inc()
	}()

	if err := w.validator.Validate(req); err != nil {
		return nil, err
	}
	alias := models.AliasFor(req.ClientID)
	logger = logger.With().Str("alias", alias).Logger()
	enter(logger, StateValidated)

	exists, err := w.store.TenantRecordExists(ctx, req.ClientID, req.Username)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "check existing tenant")
	}
	if exists {
		return nil, errs.New(errs.DuplicateTenant, "a database is already registered for tenant %d", req.ClientID)
	}

	if err := w.checkHost(ctx, req.DBHost); err != nil {
		return nil, err
	}
	enter(logger, StateHostChecked)

	if w.vault == nil {
		return nil, errs.New(errs.Configuration, "no encryption key configured")
	}
	password, err := w.vault.Decrypt(req.DBPassword)
	if err != nil {
		return nil, err
	}
	enter(logger, StatePasswordDecrypted)

	rec := &models.TenantRecord{
		ClientID: req.ClientID,
		Username: req.Username,
		Alias:    alias,
		DBName:   req.DBName,
		DBUser:   req.DBUser,
		DBHost:   req.DBHost,
		DBPort:   req.DBPort,
		DBType:   models.DBType(req.DBType),
	}
	if rec.DBType == "" {
		rec.DBType = models.DBTypeSelfHosted
	}
	cfg := registry.FromRecord(rec, password, w.defaults)

	if err := w.tester.Test(ctx, cfg); err != nil {
		return nil, err
	}
	enter(logger, StateConnectionTested)

	if w.registry.Has(alias) {
		return nil, errs.New(errs.AlreadyRegistered, "alias %s is already registered", alias)
	}

	// at rest the password is always sealed with the current key
	if rec.DBPassword, err = w.vault.Encrypt(password); err != nil {
		return nil, err
	}
	if err := w.store.CreateTenantRecord(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil, errs.New(errs.DuplicateTenant, "a database is already registered for tenant %d", req.ClientID)
		}
		return nil, errs.Wrap(errs.Internal, err, "persist tenant record")
	}
	enter(logger, StateRecordPersisted)

	defer func() {
		if err != nil {
			w.compensate(ctx, logger, rec)
		}
	}()

	if err := w.registry.Register(alias, cfg); err != nil {
		return nil, err
	}
	enter(logger, StateAliasRegistered)
	defer w.release(logger, alias)

	if err := w.migrateAlias(ctx, alias); err != nil {
		return nil, err
	}
	enter(logger, StateMigrated)

	enter(logger, StateRegistered)
	logger.Info().Str("record_id", rec.ID.String()).Msg("Tenant database registered")

	w.announce(ctx, events.Event{
		Type:     events.TypeRegistered,
		ClientID: rec.ClientID,
		Username: rec.Username,
		Alias:    alias,
	})
	return &Result{Alias: alias, RecordID: rec.ID}, nil
}

func (w *Workflow) checkHost(ctx context.Context, host string) error {
	ctx, cancel := context.WithTimeout(ctx, w.hostTimeout)
	defer cancel()

	addrs, err := w.resolver.LookupHost(ctx, host)
	if err != nil {
		return errs.Wrap(errs.HostUnreachable, err, "host %q is not resolvable", host)
	}
	if len(addrs) == 0 {
		return errs.New(errs.HostUnreachable, "host %q is not resolvable", host)
	}
	return nil
}

// migrateAlias applies the tenant schema through the alias's pool.
func (w *Workflow) migrateAlias(ctx context.Context, alias string) error {
	if !w.router.AllowMigrate(alias, router.CategoryAPI) {
		return errs.New(errs.Migration, "tenant schema may not be applied to %s", alias)
	}
	if w.migrate == nil {
		return nil
	}

	db, err := w.registry.DB(ctx, alias)
	if err != nil {
		return errs.Wrap(errs.Migration, err, "open %s for migration", alias)
	}
	if err := w.migrate(ctx, db); err != nil {
		if errs.Is(err, errs.Migration) {
			return err
		}
		return errs.Wrap(errs.Migration, err, "migrate %s", alias)
	}
	return nil
}

// compensate undoes a persisted registration. It runs detached from the
// caller's cancellation so an aborted request still rolls back.
func (w *Workflow) compensate(ctx context.Context, logger zerolog.Logger, rec *models.TenantRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.rollbackTimeout)
	defer cancel()

	logger.Warn().Msg("Rolling back tenant registration")

	if err := w.store.HardDeleteTenantRecord(ctx, rec.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Error().Err(err).Str("record_id", rec.ID.String()).Msg("Failed to delete tenant record during rollback")
	}
	if err := w.registry.Unregister(rec.Alias); err != nil {
		logger.Error().Err(err).Msg("Failed to unregister alias during rollback")
	}
}

func (w *Workflow) release(logger zerolog.Logger, alias string) {
	if err := w.registry.Release(alias); err != nil {
		logger.Warn().Err(err).Msg("Error closing administrative connection")
	}
}

func (w *Workflow) announce(ctx context.Context, ev events.Event) {
	if err := w.publisher.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("type", string(ev.Type)).Int64("client_id", ev.ClientID).Msg("Failed to publish tenant event")
	}
}
