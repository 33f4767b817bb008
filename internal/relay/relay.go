package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quailyquaily/gemigram/internal/dispatch"
	"github.com/quailyquaily/gemigram/internal/history"
	"github.com/quailyquaily/gemigram/internal/mediagroup"
	"github.com/quailyquaily/gemigram/internal/telegram"
	"github.com/quailyquaily/gemigram/llm"
)

const (
	DefaultImagePrompt       = "Describe all of these images and how they relate to each other."
	DefaultThinkingIndicator = "🤔 Thinking deeply..."
	DefaultHistoryLimit      = 20

	clarifyText        = "Please include your question after `%s` or check /help."
	backendErrorText   = "Sorry, something went wrong while contacting the AI. Please try again later."
	blockedText        = "Sorry, your request could not be processed for safety reasons: %s."
	notReadyText       = "Sorry, the AI connection is not ready right now."
	deliveryFailedText = "Sorry, I had trouble delivering the reply. Please try again."
	albumFailedText    = "Sorry, I couldn't process the images in this album."
	imageFailedText    = "Sorry, I couldn't process this image right now."
	overflowText       = "You sent too many images in one album. Only the first %d will be processed."
)

var DefaultTriggers = []string{"/ai", "/ask"}

// Transport is what the relay needs from the chat transport.
type Transport interface {
	dispatch.Transport
	EditMessageText(ctx context.Context, chatID, messageID int64, text string, parseMode string) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
	GetFileBytes(ctx context.Context, fileID string) ([]byte, error)
}

type Config struct {
	BotID       int64
	BotUsername string
	Triggers    []string

	ImagesEnabled      bool
	MaxImages          int
	AlbumDelay         time.Duration
	DefaultImagePrompt string

	HistoryLimit int

	Model         string
	ThinkingModel string
	// ThinkingBudget applies to /td. Negative keeps the model default and 0
	// turns thinking off.
	ThinkingBudget    int
	ThinkingIndicator string

	// Commands lists the enabled command names without the leading slash.
	Commands []string

	TypingInterval time.Duration
}

type Options struct {
	Config    Config
	Transport Transport
	// Client may be nil; every prompt is then answered with a not-ready notice.
	Client llm.Client
	// Store may be nil; the bot then answers without memory.
	Store  history.Store
	Sender *dispatch.Sender
	Logger *slog.Logger
	// Context bounds album processing started from timer callbacks.
	Context context.Context
	// AlbumAfterFunc overrides the album debounce scheduler.
	AlbumAfterFunc func(d time.Duration, f func()) mediagroup.Timer
}

// Relay turns inbound chat messages into model prompts and delivers the
// replies.
type Relay struct {
	cfg      Config
	api      Transport
	client   llm.Client
	store    history.Store
	sender   *dispatch.Sender
	albums   *mediagroup.Aggregator
	commands map[string]commandHandler
	logger   *slog.Logger
}

func New(opts Options) *Relay {
	cfg := opts.Config
	if len(cfg.Triggers) == 0 {
		cfg.Triggers = append([]string(nil), DefaultTriggers...)
	}
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = mediagroup.DefaultMaxImages
	}
	if strings.TrimSpace(cfg.DefaultImagePrompt) == "" {
		cfg.DefaultImagePrompt = DefaultImagePrompt
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if strings.TrimSpace(cfg.ThinkingIndicator) == "" {
		cfg.ThinkingIndicator = DefaultThinkingIndicator
	}
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = 4 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sender := opts.Sender
	if sender == nil {
		sender = dispatch.NewSender(opts.Transport, logger)
	}

	r := &Relay{
		cfg:    cfg,
		api:    opts.Transport,
		client: opts.Client,
		store:  opts.Store,
		sender: sender,
		logger: logger,
	}
	r.albums = mediagroup.New(mediagroup.Options{
		MaxImages:      cfg.MaxImages,
		Delay:          cfg.AlbumDelay,
		Submit:         r.ProcessAlbum,
		NotifyOverflow: r.notifyOverflow,
		Logger:         logger,
		Context:        opts.Context,
		AfterFunc:      opts.AlbumAfterFunc,
	})
	r.commands = r.buildCommands(cfg.Commands)
	return r
}

// Close stops pending album timers. Albums still buffered are dropped.
func (r *Relay) Close() {
	r.albums.Close()
}

// PendingAlbums reports how many albums are waiting for their timer.
func (r *Relay) PendingAlbums() int {
	return r.albums.Pending()
}

// HandleMessage routes one inbound message: photos, registered commands, then
// plain text.
func (r *Relay) HandleMessage(ctx context.Context, msg *telegram.Message) {
	if msg == nil || msg.Chat == nil {
		return
	}
	if len(msg.Photo) > 0 {
		r.HandlePhoto(ctx, msg)
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	cmdWord, cmdArgs := splitCommand(text)
	if name := normalizeCommand(cmdWord, r.cfg.BotUsername); name != "" {
		if h, ok := r.commands[name]; ok {
			r.logger.Info("telegram_command", "chat_id", msg.Chat.ID, "command", name)
			h(ctx, msg, cmdArgs)
			return
		}
	}
	r.HandleText(ctx, msg)
}

func (r *Relay) HandleText(ctx context.Context, msg *telegram.Message) {
	chatID := msg.Chat.ID
	dec := Decide(msg, r.cfg.BotID, r.cfg.Triggers)
	if !dec.Respond {
		r.logger.Debug("telegram_message_ignored", "chat_id", chatID, "message_id", msg.MessageID, "chat_type", msg.Chat.Type)
		return
	}
	r.logger.Info("telegram_message_accepted",
		"chat_id", chatID,
		"message_id", msg.MessageID,
		"reason", dec.Reason,
		"trigger", dec.Trigger,
		"from", telegram.DisplayName(msg.From),
	)
	if dec.NeedsClarification {
		r.reply(ctx, chatID, fmt.Sprintf(clarifyText, dec.Trigger), msg.MessageID, telegram.ParseModeMarkdown)
		return
	}
	if dec.Payload == "" {
		return
	}

	stopTyping := telegram.StartTyping(ctx, r.api, chatID, r.cfg.TypingInterval)
	reply, _ := r.Dispatch(ctx, chatID, Prompt{
		Parts:       []llm.Part{llm.Text(dec.Payload)},
		HistoryText: dec.Payload,
	})
	stopTyping()
	r.deliverReply(ctx, chatID, reply, msg.MessageID)
}

// Prompt is one request to the model on behalf of a chat.
type Prompt struct {
	Parts []llm.Part
	// HistoryText is the user turn persisted on success. Empty skips
	// persistence.
	HistoryText    string
	Model          string
	ThinkingBudget *int
}

// Dispatch loads the chat history, calls the model and persists the exchange
// on success. It always returns text to show the user; ok is false when that
// text is an apology rather than a model answer.
func (r *Relay) Dispatch(ctx context.Context, chatID int64, p Prompt) (reply string, ok bool) {
	logger := r.logger
	if r.client == nil {
		logger.Error("llm_not_configured", "chat_id", chatID)
		return notReadyText, false
	}

	var hist []llm.Message
	if r.store != nil {
		turns, err := r.store.Recent(ctx, chatID, r.cfg.HistoryLimit)
		if err != nil {
			logger.Warn("history_load_error", "chat_id", chatID, "error", err.Error())
		} else {
			hist = history.ToMessages(turns)
		}
	}

	model := p.Model
	if model == "" {
		model = r.cfg.Model
	}
	logger.Info("llm_request",
		"chat_id", chatID,
		"model", model,
		"history", len(hist),
		"images", llm.CountImages(p.Parts),
		"thinking_budget", budgetAttr(p.ThinkingBudget),
	)
	res, err := r.client.Respond(ctx, llm.Request{
		Model:          model,
		History:        hist,
		Parts:          p.Parts,
		ThinkingBudget: p.ThinkingBudget,
	})
	if err != nil {
		logger.Error("llm_request_error", "chat_id", chatID, "model", model, "error", err.Error())
		return backendErrorText, false
	}
	if res.Blocked() {
		logger.Warn("llm_request_blocked", "chat_id", chatID, "model", model, "block_reason", res.BlockReason)
		return fmt.Sprintf(blockedText, res.BlockReason), false
	}
	logger.Info("llm_response",
		"chat_id", chatID,
		"model", model,
		"chars", len(res.Text),
		"total_tokens", res.Usage.TotalTokens,
		"duration", res.Duration.String(),
	)

	if r.store != nil && strings.TrimSpace(p.HistoryText) != "" {
		if err := r.store.Append(ctx, chatID, llm.RoleUser, p.HistoryText); err != nil {
			logger.Warn("history_append_error", "chat_id", chatID, "role", llm.RoleUser, "error", err.Error())
		} else if err := r.store.Append(ctx, chatID, llm.RoleModel, res.Text); err != nil {
			logger.Warn("history_append_error", "chat_id", chatID, "role", llm.RoleModel, "error", err.Error())
		}
	}
	return res.Text, true
}

// deliverReply sends text as Markdown. When Telegram rejects the markup
// before anything went out, the whole text is sent once more as plain text.
func (r *Relay) deliverReply(ctx context.Context, chatID int64, text string, replyTo int64) {
	rep, err := r.sender.SendLong(ctx, chatID, text, replyTo, telegram.ParseModeMarkdown)
	if err == nil {
		return
	}
	if !errors.Is(err, dispatch.ErrMarkupRejected) || rep.Sent > 0 {
		r.logger.Warn("telegram_deliver_error", "chat_id", chatID, "sent", rep.Sent, "chunks", rep.Chunks, "error", err.Error())
		return
	}
	r.logger.Warn("telegram_deliver_markup_fallback", "chat_id", chatID, "error", err.Error())
	plain, err := r.sender.SendLong(ctx, chatID, text, replyTo, telegram.ParseModeNone)
	if err != nil {
		r.logger.Error("telegram_deliver_plain_error", "chat_id", chatID, "error", err.Error())
		if !plain.Notified {
			r.reply(ctx, chatID, deliveryFailedText, replyTo, telegram.ParseModeNone)
		}
	}
}

func budgetAttr(budget *int) int {
	if budget == nil {
		return -1
	}
	return *budget
}

// reply sends a short single message and only logs failures.
func (r *Relay) reply(ctx context.Context, chatID int64, text string, replyTo int64, parseMode string) *telegram.Message {
	msg, err := r.api.SendText(ctx, chatID, text, replyTo, parseMode)
	if err != nil && parseMode != telegram.ParseModeNone && telegram.IsMarkupParseError(err) {
		msg, err = r.api.SendText(ctx, chatID, text, replyTo, telegram.ParseModeNone)
	}
	if err != nil {
		r.logger.Warn("telegram_send_error", "chat_id", chatID, "reply_to", replyTo, "error", err.Error())
		return nil
	}
	return msg
}
