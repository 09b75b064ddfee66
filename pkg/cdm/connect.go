package cdm

import (
	"fmt"
	"io"
	"strings"

	"github.com/synaptica-ai/omopwide/pkg/common/config"
	"github.com/synaptica-ai/omopwide/pkg/common/database"
	"gorm.io/gorm"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Connect opens the store selected by cfg.CDMStore. The returned closer
// releases the underlying connection; the gorm handle is non-nil only for the
// postgres store and lets callers reuse the connection for metadata tables.
func Connect(cfg *config.Config) (Store, *gorm.DB, io.Closer, error) {
	switch strings.ToLower(cfg.CDMStore) {
	case "", "postgres", "postgresql":
		db, err := database.GetPostgres()
		if err != nil {
			return nil, nil, nil, err
		}
		store, err := NewGormStore(db, cfg.CDMSchema, WithDatetimeValues(cfg.CDMDatetimeValues))
		if err != nil {
			return nil, nil, nil, err
		}
		return store, db, closerFunc(database.ClosePostgres), nil
	case "duckdb":
		conn, err := database.OpenDuckDB(cfg.DuckDBPath)
		if err != nil {
			return nil, nil, nil, err
		}
		store, err := NewSQLStore(conn, cfg.CDMSchema, cfg.CDMDatetimeValues)
		if err != nil {
			conn.Close()
			return nil, nil, nil, err
		}
		return store, nil, conn, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown cdm store %q", cfg.CDMStore)
	}
}
