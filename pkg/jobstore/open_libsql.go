//go:build cgo

package jobstore

import (
	"context"
	"database/sql"

	_ "github.com/tursodatabase/go-libsql"
)

const driverName = "libsql"

// Open opens (and creates if needed) a libsql job database, local or remote.
func Open(ctx context.Context, cfg SQLConfig) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	return openDB(ctx, dsn)
}
