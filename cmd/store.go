package main

import (
	"context"

	"github.com/sells-group/evidence-cli/internal/store"
)

// initStore opens the run-history backend named by the config. The sqlite
// driver falls back to data/evidence.db when no path is configured.
func initStore(ctx context.Context) (store.Store, error) {
	dsn := cfg.Store.DatabaseURL
	if (cfg.Store.Driver == "" || cfg.Store.Driver == "sqlite") && dsn == "" {
		dsn = "data/evidence.db"
	}
	return store.Open(ctx, cfg.Store.Driver, dsn, &cfg.Store.Pool)
}
