package relay

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/quailyquaily/gemigram/internal/dispatch"
	"github.com/quailyquaily/gemigram/internal/telegram"
	"github.com/quailyquaily/gemigram/llm"
)

type commandHandler func(ctx context.Context, msg *telegram.Message, args string)

var DefaultCommands = []string{"start", "reset", "about", "help", "td"}

const (
	resetDoneText   = "Okay, I've forgotten our previous conversation in this chat."
	resetFailedText = "Couldn't reset the history, or there was no conversation yet."
	tdUsageText     = "Use `/td <your question>` or reply to a text message with `/td` to have me think about it more deeply."
	tdFailedText    = "Sorry, I can't give a deep-thinking answer right now."
	tdHistoryPrefix = "[TD] "
)

// buildCommands registers the enabled subset of the known commands. Unknown
// names are logged and skipped.
func (r *Relay) buildCommands(enabled []string) map[string]commandHandler {
	known := map[string]commandHandler{
		"start": r.cmdStart,
		"reset": r.cmdReset,
		"about": r.cmdAbout,
		"help":  r.cmdHelp,
		"td":    r.cmdThinkDeeper,
	}
	if enabled == nil {
		enabled = DefaultCommands
	}
	out := make(map[string]commandHandler, len(enabled))
	for _, name := range enabled {
		name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "/"))
		if name == "" {
			continue
		}
		h, ok := known[name]
		if !ok {
			r.logger.Warn("telegram_command_unknown", "command", name)
			continue
		}
		out[name] = h
	}
	return out
}

// CommandNames lists the registered commands in the default order.
func (r *Relay) CommandNames() []string {
	var out []string
	for _, name := range DefaultCommands {
		if _, ok := r.commands[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

func (r *Relay) clearHistory(ctx context.Context, chatID int64) error {
	r.albums.FlushChat(chatID)
	if r.store == nil {
		return nil
	}
	return r.store.Clear(ctx, chatID)
}

func (r *Relay) cmdStart(ctx context.Context, msg *telegram.Message, _ string) {
	chatID := msg.Chat.ID
	if err := r.clearHistory(ctx, chatID); err != nil {
		r.logger.Warn("history_clear_error", "chat_id", chatID, "command", "start", "error", err.Error())
	}
	name := telegram.DisplayName(msg.From)
	if name == "" {
		name = "there"
	}
	r.reply(ctx, chatID, fmt.Sprintf("Hi %s! I'm an AI bot connected to Gemini. Send me a message, or /help to see what I can do.", name), msg.MessageID, telegram.ParseModeNone)
}

func (r *Relay) cmdReset(ctx context.Context, msg *telegram.Message, _ string) {
	chatID := msg.Chat.ID
	if err := r.clearHistory(ctx, chatID); err != nil {
		r.logger.Warn("history_clear_error", "chat_id", chatID, "command", "reset", "error", err.Error())
		r.reply(ctx, chatID, resetFailedText, msg.MessageID, telegram.ParseModeNone)
		return
	}
	r.logger.Info("history_cleared", "chat_id", chatID)
	r.reply(ctx, chatID, resetDoneText, msg.MessageID, telegram.ParseModeNone)
}

func (r *Relay) cmdAbout(ctx context.Context, msg *telegram.Message, _ string) {
	var b strings.Builder
	b.WriteString("I relay your messages and images to Google Gemini and post the answers here.\n\n")
	fmt.Fprintf(&b, "Model: `%s`\n", r.cfg.Model)
	if _, ok := r.commands["td"]; ok && r.cfg.ThinkingModel != "" {
		fmt.Fprintf(&b, "Deep-thinking model (/td): `%s`\n", r.cfg.ThinkingModel)
	}
	if r.store != nil {
		fmt.Fprintf(&b, "Memory: the last %d messages of this chat.", r.cfg.HistoryLimit)
	} else {
		b.WriteString("Memory: off.")
	}
	r.reply(ctx, msg.Chat.ID, b.String(), msg.MessageID, telegram.ParseModeMarkdown)
}

func (r *Relay) cmdHelp(ctx context.Context, msg *telegram.Message, _ string) {
	triggers := make([]string, 0, len(r.cfg.Triggers))
	for _, t := range r.cfg.Triggers {
		triggers = append(triggers, "`"+t+"`")
	}
	example := "/ai"
	if len(r.cfg.Triggers) > 0 {
		example = r.cfg.Triggers[0]
	}
	descriptions := map[string]string{
		"start": "start over and forget the conversation",
		"reset": "forget our conversation in this chat",
		"about": "what this bot is",
		"help":  "show this message",
		"td":    "think more deeply about a question",
	}

	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range r.CommandNames() {
		fmt.Fprintf(&b, "/%s - %s\n", name, descriptions[name])
	}
	b.WriteString("\n*Talking to the AI:*\n")
	b.WriteString("- In a private chat, just send your message or question.\n")
	if r.cfg.ImagesEnabled {
		fmt.Fprintf(&b, "- Send images, with or without a caption, and I'll describe them (up to %d per album).\n", r.cfg.MaxImages)
	}
	b.WriteString("- In groups, reply to one of my messages or start with a trigger, ")
	fmt.Fprintf(&b, "like `%s your question`.\n\n", example)
	fmt.Fprintf(&b, "Group triggers: %s", strings.Join(triggers, ", "))
	r.reply(ctx, msg.Chat.ID, b.String(), msg.MessageID, telegram.ParseModeMarkdown)
}

// cmdThinkDeeper asks the thinking model. The prompt is the command argument
// or, without one, the text of the replied-to message.
func (r *Relay) cmdThinkDeeper(ctx context.Context, msg *telegram.Message, args string) {
	chatID := msg.Chat.ID
	prompt := strings.TrimSpace(args)
	target := msg
	if prompt == "" && msg.ReplyTo != nil && strings.TrimSpace(msg.ReplyTo.Text) != "" {
		prompt = strings.TrimSpace(msg.ReplyTo.Text)
		target = msg.ReplyTo
	}
	if prompt == "" {
		r.reply(ctx, chatID, tdUsageText, msg.MessageID, telegram.ParseModeMarkdown)
		return
	}

	indicator, err := r.api.SendText(ctx, chatID, r.cfg.ThinkingIndicator, target.MessageID, telegram.ParseModeNone)
	if err != nil {
		r.logger.Warn("td_indicator_error", "chat_id", chatID, "error", err.Error())
		indicator = nil
	}

	model := r.cfg.ThinkingModel
	if model == "" {
		model = r.cfg.Model
	}
	stopTyping := telegram.StartTyping(ctx, r.api, chatID, r.cfg.TypingInterval)
	reply, ok := r.Dispatch(ctx, chatID, Prompt{
		Parts:          []llm.Part{llm.Text(prompt)},
		HistoryText:    tdHistoryPrefix + prompt,
		Model:          model,
		ThinkingBudget: r.thinkingBudget(),
	})
	stopTyping()
	if !ok && reply == backendErrorText {
		reply = tdFailedText
	}

	limit := r.sender.Limit
	if limit <= 0 {
		limit = dispatch.DefaultLimit
	}
	switch {
	case indicator == nil:
		r.deliverReply(ctx, chatID, reply, target.MessageID)
	case utf8.RuneCountInString(reply) > limit:
		if err := r.api.DeleteMessage(ctx, chatID, indicator.MessageID); err != nil {
			r.logger.Warn("td_indicator_delete_error", "chat_id", chatID, "message_id", indicator.MessageID, "error", err.Error())
		}
		r.deliverReply(ctx, chatID, reply, target.MessageID)
	default:
		if err := r.editReply(ctx, chatID, indicator.MessageID, reply); err != nil {
			r.logger.Warn("td_indicator_edit_error", "chat_id", chatID, "message_id", indicator.MessageID, "error", err.Error())
			r.deliverReply(ctx, chatID, reply, target.MessageID)
		}
	}
}

func (r *Relay) editReply(ctx context.Context, chatID, messageID int64, text string) error {
	err := r.api.EditMessageText(ctx, chatID, messageID, text, telegram.ParseModeMarkdown)
	if err != nil && telegram.IsMarkupParseError(err) {
		err = r.api.EditMessageText(ctx, chatID, messageID, text, telegram.ParseModeNone)
	}
	return err
}

func (r *Relay) thinkingBudget() *int {
	if r.cfg.ThinkingBudget < 0 {
		return nil
	}
	budget := r.cfg.ThinkingBudget
	return &budget
}
