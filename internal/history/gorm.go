package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quailyquaily/gemigram/llm"
)

// chatHistory matches the chat_history table used on Supabase, so an existing
// project database can be pointed at directly.
type chatHistory struct {
	ID               int64     `gorm:"primaryKey;autoIncrement"`
	ChatID           int64     `gorm:"not null;index:idx_chat_history_chat_id"`
	Role             string    `gorm:"not null"`
	Content          string    `gorm:"not null"`
	MessageTimestamp time.Time `gorm:"not null"`
}

func (chatHistory) TableName() string {
	return tableName
}

// AutoMigrate creates or updates the history table.
func AutoMigrate(gdb *gorm.DB) error {
	if gdb == nil {
		return fmt.Errorf("nil gorm db")
	}
	return gdb.AutoMigrate(&chatHistory{})
}

// SQLStore keeps chat history in a SQL database through gorm. It backs both
// the sqlite and the postgres drivers.
type SQLStore struct {
	db      *gorm.DB
	now     func() time.Time
	closers []func() error
}

func gormConfig() *gorm.Config {
	return &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
}

func newSQLStore(gdb *gorm.DB, autoMigrate bool, closers ...func() error) (*SQLStore, error) {
	s := &SQLStore{db: gdb, now: time.Now, closers: closers}
	if autoMigrate {
		if err := AutoMigrate(gdb); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate history: %w", err)
		}
	}
	return s, nil
}

func (s *SQLStore) Append(ctx context.Context, chatID int64, role llm.Role, text string) error {
	row := chatHistory{
		ChatID:           chatID,
		Role:             string(role),
		Content:          text,
		MessageTimestamp: s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// Recent orders by id: turns appended within the same clock tick keep their
// insertion order.
func (s *SQLStore) Recent(ctx context.Context, chatID int64, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []chatHistory
	err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	turns := make([]Turn, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		turns = append(turns, Turn{
			ChatID:    r.ChatID,
			Role:      llm.Role(r.Role),
			Text:      r.Content,
			CreatedAt: r.MessageTimestamp,
		})
	}
	return turns, nil
}

func (s *SQLStore) Clear(ctx context.Context, chatID int64) error {
	if err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Delete(&chatHistory{}).Error; err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	var errs []error
	if sqlDB, err := s.db.DB(); err == nil {
		errs = append(errs, sqlDB.Close())
	} else {
		errs = append(errs, err)
	}
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
