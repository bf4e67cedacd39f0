package store

import (
	"context"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/config"
)

// Open builds the backend selected by cfg.StoreDriver.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (ChatStore, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMemory, "":
		return NewMemory(opts...), nil
	case config.StoreDriverSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath, opts...)
	case config.StoreDriverPostgres:
		return OpenPostgres(ctx, cfg.DatabaseURL, opts...)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}
