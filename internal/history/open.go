package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mediguard-intake/internal/database"
	"github.com/mediguard-intake/internal/domain"
)

// Open builds the store selected by cfg.Driver. The "none" driver returns
// a nil store.
func Open(ctx context.Context, cfg domain.HistoryConfig, dbCfg domain.DatabaseConfig, logger *logrus.Logger) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = "data/history.db"
		}
		store, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		logger.WithField("path", path).Info("Using SQLite prediction history")
		return store, nil

	case "postgres":
		db, err := database.NewConnection(ctx, database.FromDomain(dbCfg), logger)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(db.Pool)

	case "none":
		logger.Info("Prediction history disabled")
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown history driver %q", cfg.Driver)
	}
}
