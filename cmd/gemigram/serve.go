package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quailyquaily/gemigram/internal/channelruntime/worker"
	"github.com/quailyquaily/gemigram/internal/dispatch"
	"github.com/quailyquaily/gemigram/internal/gemini"
	"github.com/quailyquaily/gemigram/internal/history"
	"github.com/quailyquaily/gemigram/internal/logutil"
	"github.com/quailyquaily/gemigram/internal/relay"
	"github.com/quailyquaily/gemigram/internal/telegram"
)

type serveSettings struct {
	BotToken       string
	BaseURL        string
	PollTimeout    time.Duration
	MaxConcurrency int
	AllowedChats   map[int64]bool

	Gemini  gemini.Config
	History history.Config
	Relay   relay.Config
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot (long polling)",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := settingsFromViper()
			if err != nil {
				return err
			}
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, logger, st)
		},
	}

	cmd.Flags().String("telegram-bot-token", "", "Telegram bot token.")
	cmd.Flags().StringArray("telegram-allowed-chat-id", nil, "Allowed chat id(s). If empty, allows all.")
	cmd.Flags().Duration("telegram-poll-timeout", 30*time.Second, "Long polling timeout for getUpdates.")
	cmd.Flags().Int("telegram-max-concurrency", 3, "Max number of chats processed concurrently.")
	cmd.Flags().String("gemini-api-key", "", "Gemini API key.")
	cmd.Flags().String("gemini-model", gemini.DefaultModel, "Gemini model for regular replies.")
	cmd.Flags().String("history-driver", "none", "Chat history store: none|memory|sqlite|postgres.")
	cmd.Flags().String("history-dsn", "", "History store DSN (sqlite file path or postgres URL).")

	_ = viper.BindPFlag("telegram.bot_token", cmd.Flags().Lookup("telegram-bot-token"))
	_ = viper.BindPFlag("telegram.allowed_chat_ids", cmd.Flags().Lookup("telegram-allowed-chat-id"))
	_ = viper.BindPFlag("telegram.poll_timeout", cmd.Flags().Lookup("telegram-poll-timeout"))
	_ = viper.BindPFlag("telegram.max_concurrency", cmd.Flags().Lookup("telegram-max-concurrency"))
	_ = viper.BindPFlag("gemini.api_key", cmd.Flags().Lookup("gemini-api-key"))
	_ = viper.BindPFlag("gemini.model", cmd.Flags().Lookup("gemini-model"))
	_ = viper.BindPFlag("history.driver", cmd.Flags().Lookup("history-driver"))
	_ = viper.BindPFlag("history.dsn", cmd.Flags().Lookup("history-dsn"))

	return cmd
}

func settingsFromViper() (serveSettings, error) {
	token := strings.TrimSpace(viper.GetString("telegram.bot_token"))
	if token == "" {
		return serveSettings{}, fmt.Errorf("missing telegram.bot_token (set via --telegram-bot-token or GEMIGRAM_TELEGRAM_BOT_TOKEN)")
	}
	apiKey := strings.TrimSpace(viper.GetString("gemini.api_key"))
	if apiKey == "" {
		return serveSettings{}, fmt.Errorf("missing gemini.api_key (set via --gemini-api-key or GEMIGRAM_GEMINI_API_KEY)")
	}
	allowed, err := parseChatIDs(viper.GetStringSlice("telegram.allowed_chat_ids"))
	if err != nil {
		return serveSettings{}, err
	}

	pollTimeout := viper.GetDuration("telegram.poll_timeout")
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	maxConc := viper.GetInt("telegram.max_concurrency")
	if maxConc <= 0 {
		maxConc = 3
	}

	model := strings.TrimSpace(viper.GetString("gemini.model"))
	return serveSettings{
		BotToken:       token,
		BaseURL:        strings.TrimSpace(viper.GetString("telegram.base_url")),
		PollTimeout:    pollTimeout,
		MaxConcurrency: maxConc,
		AllowedChats:   allowed,
		Gemini: gemini.Config{
			APIKey:            apiKey,
			Model:             model,
			SystemInstruction: viper.GetString("gemini.system_instruction"),
			RequestTimeout:    viper.GetDuration("gemini.request_timeout"),
		},
		History: history.Config{
			Driver:      viper.GetString("history.driver"),
			DSN:         viper.GetString("history.dsn"),
			AutoMigrate: viper.GetBool("history.auto_migrate"),
		},
		Relay: relay.Config{
			Triggers:           trimmedStrings(viper.GetStringSlice("group.triggers")),
			ImagesEnabled:      viper.GetBool("images.enabled"),
			MaxImages:          viper.GetInt("images.max_per_album"),
			AlbumDelay:         viper.GetDuration("images.album_delay"),
			DefaultImagePrompt: viper.GetString("images.default_prompt"),
			HistoryLimit:       viper.GetInt("history.limit"),
			Model:              model,
			ThinkingModel:      strings.TrimSpace(viper.GetString("gemini.thinking_model")),
			ThinkingBudget:     viper.GetInt("gemini.thinking_budget"),
			ThinkingIndicator:  viper.GetString("gemini.thinking_indicator"),
			Commands:           trimmedStrings(viper.GetStringSlice("commands.enabled")),
		},
	}, nil
}

// parseChatIDs accepts repeated values as well as comma separated lists, so
// GEMIGRAM_TELEGRAM_ALLOWED_CHAT_IDS="1,2" works.
func parseChatIDs(values []string) (map[int64]bool, error) {
	allowed := make(map[int64]bool)
	for _, v := range values {
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			id, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid telegram.allowed_chat_ids entry %q: %w", s, err)
			}
			allowed[id] = true
		}
	}
	return allowed, nil
}

func trimmedStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func runServe(ctx context.Context, logger *slog.Logger, st serveSettings) error {
	api := telegram.NewAPI(&http.Client{Timeout: st.PollTimeout + 30*time.Second}, st.BaseURL, st.BotToken)

	client, err := gemini.New(ctx, st.Gemini)
	if err != nil {
		return err
	}

	store := history.OpenOrDisable(ctx, logger, st.History)
	if store != nil {
		defer store.Close()
	}

	me, err := api.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}

	cfg := st.Relay
	cfg.BotID = me.ID
	cfg.BotUsername = me.Username
	bot := relay.New(relay.Options{
		Config:    cfg,
		Transport: api,
		Client:    client,
		Store:     store,
		Sender:    dispatch.NewSender(api, logger),
		Logger:    logger,
		Context:   ctx,
	})
	defer bot.Close()

	pool := worker.NewPool(ctx, worker.PoolOptions[int64, *telegram.Message]{
		MaxConcurrency: st.MaxConcurrency,
		Handle: func(ctx context.Context, chatID int64, msg *telegram.Message) {
			bot.HandleMessage(ctx, msg)
		},
	})
	defer pool.Close()

	logger.Info("telegram_start",
		"base_url", api.BaseURL(),
		"bot_username", me.Username,
		"bot_id", me.ID,
		"poll_timeout", st.PollTimeout.String(),
		"max_concurrency", st.MaxConcurrency,
		"allowed_chats", len(st.AllowedChats),
		"model", cfg.Model,
		"thinking_model", cfg.ThinkingModel,
		"history_enabled", store != nil,
		"images_enabled", cfg.ImagesEnabled,
		"commands", strings.Join(bot.CommandNames(), ","),
	)

	err = pollUpdates(ctx, logger, api, st.PollTimeout, st.AllowedChats, pool.Submit)
	logger.Info("telegram_stop", "pending_albums", bot.PendingAlbums())
	return err
}

type updateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, int64, error)
}

// pollUpdates long-polls until ctx ends and hands each message to submit,
// keyed by chat so a chat's messages are handled in order.
func pollUpdates(ctx context.Context, logger *slog.Logger, src updateSource, pollTimeout time.Duration, allowed map[int64]bool, submit func(context.Context, int64, *telegram.Message) error) error {
	var offset int64
	for {
		updates, nextOffset, err := src.GetUpdates(ctx, offset, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if telegram.IsPollTimeoutError(err) {
				logger.Debug("telegram_get_updates_timeout", "error", err.Error())
			} else {
				logger.Warn("telegram_get_updates_error", "error", err.Error())
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		offset = nextOffset

		for _, u := range updates {
			msg := u.Message
			if msg == nil || msg.Chat == nil {
				continue
			}
			chatID := msg.Chat.ID
			if len(allowed) > 0 && !allowed[chatID] {
				logger.Warn("telegram_unauthorized_chat", "chat_id", chatID)
				continue
			}
			if err := submit(ctx, chatID, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn("telegram_enqueue_error", "chat_id", chatID, "error", err.Error())
			}
		}
	}
}
