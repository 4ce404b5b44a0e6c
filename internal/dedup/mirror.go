package dedup

import (
	"context"
	"fmt"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/config"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/database"
)

// NewMirror builds the mirror selected by cfg.Dedup.Mirror. It returns nil
// for a memory-only store. db is required for the "database" mirror.
func NewMirror(ctx context.Context, cfg *config.Config, db database.DB) (Mirror, error) {
	switch cfg.Dedup.Mirror {
	case "", "memory", "none":
		return nil, nil
	case "file":
		if cfg.Dedup.File == "" {
			return nil, fmt.Errorf("dedup.file is required for the file mirror")
		}
		fm, err := NewFileMirror(cfg.Dedup.File)
		if err != nil {
			return nil, err
		}
		return fm, nil
	case "database", "sql":
		if db == nil {
			return nil, fmt.Errorf("dedup database mirror needs a database")
		}
		return NewSQLMirror(db), nil
	case "redis":
		rm, err := NewRedisMirror(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.KeyPrefix)
		if err != nil {
			return nil, err
		}
		return rm, nil
	default:
		return nil, fmt.Errorf("unsupported dedup mirror %q (supported: file, database, redis)", cfg.Dedup.Mirror)
	}
}
