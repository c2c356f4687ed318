package store

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Config struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	// DSN is a file path for sqlite or a connection string for postgres.
	DSN          string
	Migrate      bool
	MaxOpenConns int
	Models       []any
}

// Open opens the feed database and optionally migrates the given models.
func Open(logger *slog.Logger, cfg Config) (*gorm.DB, error) {
	gormLogger := slogGorm.New()

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		dialector = sqlite.Open(sqliteDSN(cfg.DSN))
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormLogger,
		NowFunc: utcNow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s db: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql db: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if cfg.Driver == "" || cfg.Driver == "sqlite" {
		// Set pragmas for performance
		if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
			return nil, fmt.Errorf("failed to set journal mode: %w", err)
		}
		if err := db.Exec("PRAGMA synchronous=normal;").Error; err != nil {
			return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
		}
	}

	if cfg.Migrate && len(cfg.Models) > 0 {
		logger.Info("migrating database", "driver", cfg.Driver, "models", len(cfg.Models))
		if err := db.AutoMigrate(cfg.Models...); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return db, nil
}

// OpenMemory opens a private in-memory sqlite database holding a single connection, so every
// caller sees the same data. Used by tests and throwaway local runs.
func OpenMemory(name string, models ...any) (*gorm.DB, error) {
	name = strings.NewReplacer("/", "_", " ", "_").Replace(name)
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=private", name)), &gorm.Config{
		Logger:  slogGorm.New(),
		NowFunc: utcNow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open memory db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetConnMaxIdleTime(0)

	if err := db.AutoMigrate(models...); err != nil {
		return nil, fmt.Errorf("failed to migrate memory db: %w", err)
	}
	return db, nil
}

// All timestamps are stored in UTC so that sqlite's text comparison orders them correctly.
func utcNow() time.Time { return time.Now().UTC() }

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000"
}
