package database

import (
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/synaptica-ai/omopwide/pkg/common/logger"
)

// OpenDuckDB opens a DuckDB file holding a CDM extract. An empty path opens
// an in-memory database.
func OpenDuckDB(path string) (*sql.DB, error) {
	conn, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	logger.Log.WithField("path", path).Info("Opened DuckDB")
	return conn, nil
}
