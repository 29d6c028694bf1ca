package registration

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/commhub/communication-server/internal/directory"
	"github.com/commhub/communication-server/internal/errs"
	"github.com/commhub/communication-server/internal/events"
	"github.com/commhub/communication-server/internal/models"
	"github.com/commhub/communication-server/internal/storage"
)

// Attach registers the alias of a tenant known to the directory and, when
// migrate is set, brings its schema up to date.
func (w *Workflow) Attach(ctx context.Context, l directory.Lookup, migrate bool) (string, error) {
	if !l.Valid() {
		return "", errs.New(errs.Validation, "client_id or client_username is required")
	}
	if w.dir == nil {
		return "", errs.New(errs.Configuration, "no tenant directory configured")
	}

	alias, err := w.dir.EnsureAlias(ctx, l)
	if err != nil {
		return "", err
	}
	logger := log.With().Str("tenant", l.String()).Str("alias", alias).Logger()

	if migrate {
		defer w.release(logger, alias)
		if err := w.migrateAlias(ctx, alias); err != nil {
			logger.Error().Err(err).Msg("Tenant migration failed")
			return "", err
		}
		logger.Info().Msg("Tenant schema migrated")
	}

	logger.Info().Msg("Tenant database attached")
	return alias, nil
}

// Refresh rebuilds a tenant's alias from fresh directory data and tells
// peers to drop theirs.
func (w *Workflow) Refresh(ctx context.Context, l directory.Lookup) (string, error) {
	if w.dir == nil {
		return "", errs.New(errs.Configuration, "no tenant directory configured")
	}
	alias, err := w.dir.Refresh(ctx, l)
	if err != nil {
		return "", err
	}
	w.announce(ctx, events.Event{Type: events.TypeRefreshed, ClientID: l.ClientID, Username: l.Username, Alias: alias})
	return alias, nil
}

// Offboard soft-deletes a tenant's record and tears down everything cached
// for it. The record stays so the tenant id cannot be silently reused.
func (w *Workflow) Offboard(ctx context.Context, clientID int64) error {
	var rec *models.TenantRecord
	err := w.inTx(ctx, func(tx storage.Store) error {
		var err error
		rec, err = tx.GetActiveTenantRecordByClientID(ctx, clientID)
		if errors.Is(err, storage.ErrNotFound) {
			return errs.New(errs.NotFound, "no active database for tenant %d", clientID)
		}
		if err != nil {
			return errs.Wrap(errs.Internal, err, "load tenant %d", clientID)
		}

		if err := tx.SoftDeleteTenantRecord(ctx, clientID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return errs.New(errs.NotFound, "no active database for tenant %d", clientID)
			}
			return errs.Wrap(errs.Internal, err, "offboard tenant %d", clientID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if w.dir != nil {
		if err := w.dir.Invalidate(ctx, directory.Lookup{ClientID: clientID, Username: rec.Username}); err != nil {
			log.Warn().Err(err).Int64("client_id", clientID).Msg("Failed to invalidate offboarded tenant")
		}
	}
	if err := w.registry.Unregister(rec.Alias); err != nil {
		log.Warn().Err(err).Str("alias", rec.Alias).Msg("Error closing pool of offboarded tenant")
	}

	log.Info().Int64("client_id", clientID).Str("alias", rec.Alias).Msg("Tenant offboarded")
	w.announce(ctx, events.Event{Type: events.TypeOffboarded, ClientID: clientID, Username: rec.Username, Alias: rec.Alias})
	return nil
}

// Purge permanently removes an offboarded tenant's record so the id can be
// registered again.
func (w *Workflow) Purge(ctx context.Context, clientID int64) error {
	err := w.inTx(ctx, func(tx storage.Store) error {
		rec, err := tx.GetTenantRecordByClientID(ctx, clientID)
		if errors.Is(err, storage.ErrNotFound) {
			return errs.New(errs.NotFound, "no database record for tenant %d", clientID)
		}
		if err != nil {
			return errs.Wrap(errs.Internal, err, "load tenant %d", clientID)
		}
		if !rec.Deleted() {
			return errs.New(errs.Validation, "tenant %d must be offboarded before it is purged", clientID)
		}

		if err := tx.HardDeleteTenantRecord(ctx, rec.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return errs.Wrap(errs.Internal, err, "purge tenant %d", clientID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Int64("client_id", clientID).Str("alias", models.AliasFor(clientID)).Msg("Tenant record purged")
	return nil
}

// inTx runs fn in a store transaction, committing only when fn succeeds.
func (w *Workflow) inTx(ctx context.Context, fn func(tx storage.Store) error) error {
	tx, err := w.store.BeginTx(ctx)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Warn().Err(rbErr).Msg("Failed to roll back transaction")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.Internal, err, "commit transaction")
	}
	return nil
}
