package fleet

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// StoreConfig holds the parameters needed to create a Store backend.
type StoreConfig struct {
	Backend    string // "memory", "sqlite", "postgres"; inferred from DBURL when empty
	DataDir    string // base data directory (used for SQLite path default)
	SQLitePath string // explicit SQLite path (overrides DataDir default)
	DBURL      string // postgres:// connection URL (DB_URL)
}

// NewStore creates the appropriate Store implementation based on config.
//
// Backends:
//   - "memory": in-process, non-durable (dev/test only)
//   - "sqlite": single-file durable store (single-node production)
//   - "postgres": PostgreSQL durable store (multi-node production)
func NewStore(cfg StoreConfig, logger *slog.Logger) (Store, error) {
	backend := cfg.Backend
	if backend == "" {
		if strings.HasPrefix(cfg.DBURL, "postgres://") || strings.HasPrefix(cfg.DBURL, "postgresql://") {
			backend = "postgres"
		} else {
			backend = "sqlite"
		}
	}

	switch backend {
	case "memory":
		logger.Info("store: using in-memory backend (non-durable)")
		return NewMemoryStore(), nil

	case "sqlite":
		dbPath := cfg.SQLitePath
		if dbPath == "" {
			if cfg.DataDir == "" {
				return nil, fmt.Errorf("sqlite store requires sqlite_path or data_dir")
			}
			dbPath = filepath.Join(cfg.DataDir, "deployx.db")
		}
		logger.Info("store: using SQLite backend", "path", dbPath)
		return NewSQLiteStore(dbPath)

	case "postgres":
		if cfg.DBURL == "" {
			return nil, fmt.Errorf("postgres store requires DB_URL")
		}
		logger.Info("store: using PostgreSQL backend")
		return NewPostgresStore(cfg.DBURL)

	default:
		return nil, fmt.Errorf("unknown store backend: %q (supported: memory, sqlite, postgres)", backend)
	}
}
