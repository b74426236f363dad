//go:build !cgo

package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	sqlite "modernc.org/sqlite"
)

const driverName = "libsql"

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}

// Open opens (and creates if needed) a SQLite job database.
// Remote libsql URLs require a cgo-enabled build.
func Open(ctx context.Context, cfg SQLConfig) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(dsn, "libsql://") || strings.HasPrefix(dsn, "https://") {
		return nil, errors.New("libsql URL requires cgo-enabled build")
	}
	return openDB(ctx, dsn)
}
