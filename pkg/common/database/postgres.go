package database

import (
	"fmt"
	"sync"
	"time"

	"github.com/synaptica-ai/omopwide/pkg/common/config"
	"github.com/synaptica-ai/omopwide/pkg/common/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	db     *gorm.DB
	dbErr  error
	dbOnce sync.Once
)

// PostgresDSN builds the libpq keyword/value string. The application name
// makes extraction queries easy to find in pg_stat_activity.
func PostgresDSN(cfg *config.Config) string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s application_name=omopwide",
		cfg.PostgresHost,
		cfg.PostgresPort,
		cfg.PostgresUser,
		cfg.PostgresPassword,
		cfg.PostgresDB,
		cfg.PostgresSSLMode,
	)
}

// GetPostgres returns the shared connection used for CDM reads and job
// bookkeeping. Writes that need atomicity open explicit transactions.
func GetPostgres() (*gorm.DB, error) {
	dbOnce.Do(func() {
		cfg := config.Load()
		db, dbErr = gorm.Open(postgres.Open(PostgresDSN(cfg)), &gorm.Config{
			SkipDefaultTransaction: true,
			Logger:                 gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if dbErr != nil {
			logger.Log.WithError(dbErr).Error("Failed to connect to PostgreSQL")
			return
		}

		sqlDB, err := db.DB()
		if err != nil {
			dbErr = err
			return
		}
		if cfg.PostgresMaxConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.PostgresMaxConns)
			sqlDB.SetMaxIdleConns(cfg.PostgresMaxConns)
		}
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)

		logger.Log.WithField("database", cfg.PostgresDB).WithField("max_conns", cfg.PostgresMaxConns).Info("Connected to PostgreSQL")
	})

	return db, dbErr
}

func ClosePostgres() error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
