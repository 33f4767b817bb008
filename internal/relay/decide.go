package relay

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/quailyquaily/gemigram/internal/telegram"
)

const (
	ReasonPrivate = "private"
	ReasonReply   = "reply"
	ReasonTrigger = "trigger"
)

// Decision says whether an inbound message should reach the model and with
// which text.
type Decision struct {
	Respond bool
	Payload string
	Reason  string
	// Trigger is the configured trigger that matched, in its configured case.
	Trigger string
	// NeedsClarification is set when a group trigger was sent without a
	// question; the bot asks for one instead of calling the model.
	NeedsClarification bool
}

// Decide applies the chat-kind rules: private chats always respond, groups
// respond to replies to the bot and to trigger-prefixed messages, everything
// else is ignored.
func Decide(msg *telegram.Message, botID int64, triggers []string) Decision {
	if msg == nil || msg.Chat == nil {
		return Decision{}
	}
	text := messageText(msg)
	switch strings.ToLower(strings.TrimSpace(msg.Chat.Type)) {
	case "private":
		return Decision{Respond: true, Payload: strings.TrimSpace(text), Reason: ReasonPrivate}
	case "group", "supergroup":
		if isReplyToBot(msg, botID) {
			return Decision{Respond: true, Payload: strings.TrimSpace(text), Reason: ReasonReply}
		}
		trigger, rest, ok := matchTrigger(text, triggers)
		if !ok {
			return Decision{}
		}
		return Decision{
			Respond:            true,
			Payload:            rest,
			Reason:             ReasonTrigger,
			Trigger:            trigger,
			NeedsClarification: rest == "",
		}
	default:
		return Decision{}
	}
}

func isReplyToBot(msg *telegram.Message, botID int64) bool {
	return botID != 0 && msg.ReplyTo != nil && msg.ReplyTo.From != nil && msg.ReplyTo.From.ID == botID
}

// matchTrigger reports the first trigger that prefixes text case-insensitively
// and is followed by whitespace or the end of text.
func matchTrigger(text string, triggers []string) (string, string, bool) {
	text = strings.TrimLeftFunc(text, unicode.IsSpace)
	for _, trigger := range triggers {
		trigger = strings.TrimSpace(trigger)
		if trigger == "" || len(text) < len(trigger) {
			continue
		}
		if !strings.EqualFold(text[:len(trigger)], trigger) {
			continue
		}
		tail := text[len(trigger):]
		if tail == "" {
			return trigger, "", true
		}
		r, _ := utf8.DecodeRuneInString(tail)
		if !unicode.IsSpace(r) {
			continue
		}
		return trigger, strings.TrimSpace(tail), true
	}
	return "", "", false
}

func messageText(msg *telegram.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

func splitCommand(text string) (cmd string, rest string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ""
	}
	i := strings.IndexAny(text, " \n\t")
	if i == -1 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i:])
}

// normalizeCommand lowercases "/cmd" and strips an "@botname" suffix. It
// returns "" when the word is not a command or names another bot.
func normalizeCommand(word, botUsername string) string {
	word = strings.TrimSpace(word)
	if len(word) < 2 || !strings.HasPrefix(word, "/") {
		return ""
	}
	if at := strings.IndexByte(word, '@'); at >= 0 {
		target := word[at+1:]
		if botUsername == "" || !strings.EqualFold(target, strings.TrimPrefix(botUsername, "@")) {
			return ""
		}
		word = word[:at]
	}
	return strings.ToLower(strings.TrimPrefix(word, "/"))
}
