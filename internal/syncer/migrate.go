package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/reader-sync/internal/store"
)

// migrate pushes pre-existing local data to the remote store, once per
// user. The migrated marker is only written after every domain
// succeeds, so a partial failure reruns the whole migration next
// start; remote upserts are idempotent, so the rerun is safe.
func (m *Manager) migrate(ctx context.Context) error {
	migrated, err := store.IsMigrated(m.stateDir, m.userID)
	if err != nil {
		return fmt.Errorf("reading migrated users: %w", err)
	}

	if migrated {
		m.logger.Debug("user already migrated", slog.String("user", m.userID))
		return nil
	}

	for _, c := range m.cols {
		if err := c.migrate(ctx); err != nil {
			return fmt.Errorf("migrating %s: %w", c.domainName(), err)
		}
	}

	if err := store.MarkMigrated(m.stateDir, m.userID); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}

	m.logger.Info("local data migrated", slog.String("user", m.userID))

	return nil
}
