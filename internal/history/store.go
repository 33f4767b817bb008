package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quailyquaily/gemigram/llm"
)

const tableName = "chat_history"

var ErrMissingDSN = errors.New("history: missing dsn")

// Turn is one persisted utterance of a chat.
type Turn struct {
	ChatID    int64
	Role      llm.Role
	Text      string
	CreatedAt time.Time
}

// Store persists per-chat conversation turns.
type Store interface {
	Append(ctx context.Context, chatID int64, role llm.Role, text string) error
	// Recent returns up to limit turns, oldest first.
	Recent(ctx context.Context, chatID int64, limit int) ([]Turn, error)
	Clear(ctx context.Context, chatID int64) error
	Close() error
}

type Config struct {
	Driver string
	DSN    string
	// AutoMigrate creates the history table when missing.
	AutoMigrate bool
}

// Open returns the store selected by cfg.Driver. A nil store with a nil error
// means history is disabled.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	dsn := strings.TrimSpace(cfg.DSN)
	switch driver {
	case "", "none", "off":
		return nil, nil
	case "memory":
		return NewMemoryStore(0), nil
	case "sqlite", "sqlite3":
		path, err := resolveSQLitePath(dsn)
		if err != nil {
			return nil, err
		}
		store, err := OpenSQLite(path, cfg.AutoMigrate)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres", "postgresql", "supabase":
		if dsn == "" {
			return nil, ErrMissingDSN
		}
		store, err := OpenPostgres(ctx, dsn, cfg.AutoMigrate)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("history: unknown driver %q", cfg.Driver)
	}
}

// OpenOrDisable opens the configured store and logs instead of failing: the
// bot keeps answering without memory when the store is unavailable.
func OpenOrDisable(ctx context.Context, logger *slog.Logger, cfg Config) Store {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := Open(ctx, cfg)
	if err != nil {
		logger.Warn("history_store_disabled", "driver", cfg.Driver, "error", err.Error())
		return nil
	}
	if store == nil {
		logger.Warn("history_store_disabled", "driver", cfg.Driver, "reason", "not configured")
		return nil
	}
	logger.Info("history_store_ready", "driver", cfg.Driver)
	return store
}

func ToMessages(turns []Turn) []llm.Message {
	if len(turns) == 0 {
		return nil
	}
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, llm.Message{Role: t.Role, Text: t.Text})
	}
	return out
}
