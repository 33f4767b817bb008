package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quailyquaily/gemigram/internal/telegram"
)

const (
	DefaultChunkDelay = 600 * time.Millisecond

	fallbackRetryAfter = time.Second
	sendErrorNotice    = "Sorry, an error occurred while sending the reply."
)

var (
	ErrRateLimited    = errors.New("telegram rate limited")
	ErrMarkupRejected = errors.New("telegram rejected markup")
	ErrSendFailed     = errors.New("telegram send failed")
)

// Transport is the outbound half of the chat transport.
type Transport interface {
	SendText(ctx context.Context, chatID int64, text string, replyTo int64, parseMode string) (*telegram.Message, error)
}

// Report describes how far a SendLong call got.
type Report struct {
	Chunks int
	Sent   int
	// Notified is set when the user was already told that sending failed.
	Notified bool
}

// Sender delivers long texts as ordered chunks, one at a time.
type Sender struct {
	Transport  Transport
	Logger     *slog.Logger
	Limit      int
	ChunkDelay time.Duration
	// Sleep waits for d or until ctx ends. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewSender(transport Transport, logger *slog.Logger) *Sender {
	return &Sender{
		Transport:  transport,
		Logger:     logger,
		Limit:      DefaultLimit,
		ChunkDelay: DefaultChunkDelay,
	}
}

// SendLong sends text split into chunks. Only the first chunk replies to
// replyTo. A failing chunk is retried at most once (after the flood wait, or
// without markup); after that the remaining chunks are dropped and the error
// is returned. Chunks already sent are never retracted.
func (s *Sender) SendLong(ctx context.Context, chatID int64, text string, replyTo int64, parseMode string) (Report, error) {
	logger := s.logger()
	chunks := SplitMessage(text, s.Limit)
	rep := Report{Chunks: len(chunks)}
	if len(chunks) == 0 {
		logger.Warn("telegram_send_long_empty", "chat_id", chatID)
		return rep, nil
	}
	if len(chunks) > 1 {
		logger.Info("telegram_send_long_split", "chat_id", chatID, "chunks", len(chunks), "chars", len(text))
	}

	for i, chunk := range chunks {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		chunkReplyTo := int64(0)
		if i == 0 {
			chunkReplyTo = replyTo
		}
		if err := s.sendChunk(ctx, chatID, chunk, chunkReplyTo, parseMode, i, &rep); err != nil {
			return rep, err
		}
		rep.Sent++

		if i < len(chunks)-1 && s.ChunkDelay > 0 {
			if err := s.sleep(ctx, s.ChunkDelay); err != nil {
				return rep, err
			}
		}
	}
	return rep, nil
}

func (s *Sender) sendChunk(ctx context.Context, chatID int64, chunk string, replyTo int64, parseMode string, i int, rep *Report) error {
	logger := s.logger()
	total := rep.Chunks
	_, err := s.Transport.SendText(ctx, chatID, chunk, replyTo, parseMode)
	if err == nil {
		return nil
	}

	switch {
	case telegram.IsRateLimited(err):
		wait := telegram.RetryAfter(err)
		if wait <= 0 {
			wait = fallbackRetryAfter
		}
		logger.Warn("telegram_send_chunk_rate_limited", "chat_id", chatID, "chunk", i+1, "chunks", total, "retry_after", wait.String())
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
		if _, retryErr := s.Transport.SendText(ctx, chatID, chunk, replyTo, parseMode); retryErr != nil {
			logger.Error("telegram_send_chunk_retry_failed", "chat_id", chatID, "chunk", i+1, "chunks", total, "error", retryErr.Error())
			return fmt.Errorf("%w: chunk %d/%d: %w", ErrRateLimited, i+1, total, retryErr)
		}
		return nil

	case telegram.IsMarkupParseError(err) && parseMode != telegram.ParseModeNone:
		logger.Warn("telegram_send_chunk_markup_rejected", "chat_id", chatID, "chunk", i+1, "chunks", total, "parse_mode", parseMode, "error", err.Error())
		if _, plainErr := s.Transport.SendText(ctx, chatID, chunk, replyTo, telegram.ParseModeNone); plainErr != nil {
			logger.Error("telegram_send_chunk_plain_failed", "chat_id", chatID, "chunk", i+1, "chunks", total, "error", plainErr.Error())
			return fmt.Errorf("%w: chunk %d/%d: %w", ErrMarkupRejected, i+1, total, plainErr)
		}
		logger.Info("telegram_send_chunk_plain_ok", "chat_id", chatID, "chunk", i+1)
		return nil

	default:
		logger.Error("telegram_send_chunk_error", "chat_id", chatID, "chunk", i+1, "chunks", total, "error", err.Error())
		if i == 0 {
			if _, noticeErr := s.Transport.SendText(ctx, chatID, sendErrorNotice, 0, telegram.ParseModeNone); noticeErr != nil {
				logger.Warn("telegram_send_error_notice_failed", "chat_id", chatID, "error", noticeErr.Error())
			} else {
				rep.Notified = true
			}
		}
		return fmt.Errorf("%w: chunk %d/%d: %w", ErrSendFailed, i+1, total, err)
	}
}

func (s *Sender) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Sender) sleep(ctx context.Context, d time.Duration) error {
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
