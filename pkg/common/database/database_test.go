package database

import (
	"strings"
	"testing"

	"github.com/synaptica-ai/omopwide/pkg/common/config"
)

func TestPostgresDSN(t *testing.T) {
	dsn := PostgresDSN(&config.Config{
		PostgresHost:    "db",
		PostgresPort:    "5433",
		PostgresUser:    "omop",
		PostgresDB:      "cdm",
		PostgresSSLMode: "require",
	})
	for _, part := range []string{"host=db", "port=5433", "dbname=cdm", "sslmode=require", "application_name=omopwide"} {
		if !strings.Contains(dsn, part) {
			t.Fatalf("dsn %q missing %q", dsn, part)
		}
	}
}

func TestRedisOptions(t *testing.T) {
	opts := RedisOptions(&config.Config{RedisHost: "cache", RedisPort: "6380", RedisDB: 2})
	if opts.Addr != "cache:6380" || opts.DB != 2 {
		t.Fatalf("unexpected options %+v", opts)
	}
}
