package store

import (
	"context"
	"fmt"

	"automatic-submission-service/internal/config"
)

// Open returns the store selected by config, migrated and ready for use,
// together with a function releasing it.
func Open(ctx context.Context, cfg config.Config) (Store, func(), error) {
	if cfg.Memory() {
		return NewMemory(), func() {}, nil
	}
	pg, err := NewPostgres(ctx, cfg.PostgresDSN, WithCallTimeout(cfg.StoreCallTimeout))
	if err != nil {
		return nil, nil, err
	}
	if err := pg.RunMigrations(ctx); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	return pg, pg.Close, nil
}
