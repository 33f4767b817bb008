package relay

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/quailyquaily/gemigram/internal/history"
	"github.com/quailyquaily/gemigram/internal/telegram"
	"github.com/quailyquaily/gemigram/llm"
)

func TestReset_ClearsHistory(t *testing.T) {
	store := history.NewMemoryStore(0)
	ctx := context.Background()
	_ = store.Append(ctx, 5, llm.RoleUser, "remember me")
	tr := newTestRelay(t, &fakeLLM{}, store)

	tr.HandleMessage(ctx, privateMessage(1, "/reset"))

	turns, _ := store.Recent(ctx, 5, 10)
	if len(turns) != 0 {
		t.Fatalf("history not cleared: %+v", turns)
	}
	sent := tr.api.texts()
	if len(sent) != 1 || sent[0].Text != resetDoneText {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestStart_GreetsByName(t *testing.T) {
	tr := newTestRelay(t, &fakeLLM{}, nil)
	tr.HandleMessage(context.Background(), privateMessage(1, "/start"))

	sent := tr.api.texts()
	if len(sent) != 1 || !strings.HasPrefix(sent[0].Text, "Hi Ana!") {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestCommands_AddressedToOtherBotFallThrough(t *testing.T) {
	client := &fakeLLM{result: llm.Result{Text: "answer"}}
	tr := newTestRelay(t, client, nil)

	tr.HandleMessage(context.Background(), groupMessage(1, "/help@other_bot"))

	if len(tr.api.texts()) != 0 || client.calls() != 0 {
		t.Fatalf("command for another bot must be ignored in groups")
	}

	tr.HandleMessage(context.Background(), groupMessage(2, "/help@gemigram_bot"))
	sent := tr.api.texts()
	if len(sent) != 1 || !strings.Contains(sent[0].Text, "Group triggers: `/ai`, `/ask`") {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestCommands_OnlyEnabledAreRegistered(t *testing.T) {
	client := &fakeLLM{result: llm.Result{Text: "answer"}}
	tr := newTestRelay(t, client, nil)
	tr.commands = tr.buildCommands([]string{"help", "bogus"})

	if got := tr.CommandNames(); len(got) != 1 || got[0] != "help" {
		t.Fatalf("CommandNames() = %v", got)
	}
	// Disabled commands reach the model as plain text in private chats.
	tr.HandleMessage(context.Background(), privateMessage(1, "/reset"))
	if client.calls() != 1 {
		t.Fatalf("llm calls = %d", client.calls())
	}
}

func TestThinkDeeper_EditsIndicator(t *testing.T) {
	client := &fakeLLM{result: llm.Result{Text: "deep answer"}}
	store := history.NewMemoryStore(0)
	tr := newTestRelay(t, client, store)

	tr.HandleMessage(context.Background(), privateMessage(4, "/td why?"))

	sent := tr.api.texts()
	if len(sent) != 1 || sent[0].Text != DefaultThinkingIndicator || sent[0].ReplyTo != 4 {
		t.Fatalf("sent = %+v", sent)
	}
	if len(tr.api.edits) != 1 || tr.api.edits[0] != "deep answer" {
		t.Fatalf("edits = %v", tr.api.edits)
	}
	req := client.requests[0]
	if req.Model != "gemini-2.5-flash" || req.ThinkingBudget == nil || *req.ThinkingBudget != 4096 {
		t.Fatalf("request = %+v", req)
	}
	turns, _ := store.Recent(context.Background(), 5, 10)
	if len(turns) != 2 || turns[0].Text != "[TD] why?" {
		t.Fatalf("turns = %+v", turns)
	}
}

func TestThinkDeeper_BudgetZeroAndModelDefault(t *testing.T) {
	client := &fakeLLM{result: llm.Result{Text: "ok"}}
	tr := newTestRelay(t, client, nil)

	tr.cfg.ThinkingBudget = 0
	tr.HandleMessage(context.Background(), privateMessage(4, "/td fast"))
	tr.cfg.ThinkingBudget = -1
	tr.HandleMessage(context.Background(), privateMessage(5, "/td default"))
	tr.HandleMessage(context.Background(), privateMessage(6, "plain question"))

	if client.calls() != 3 {
		t.Fatalf("llm calls = %d, want 3", client.calls())
	}
	if b := client.requests[0].ThinkingBudget; b == nil || *b != 0 {
		t.Fatalf("budget 0 should be passed through, got %v", b)
	}
	if b := client.requests[1].ThinkingBudget; b != nil {
		t.Fatalf("negative budget should keep the model default, got %d", *b)
	}
	if b := client.requests[2].ThinkingBudget; b != nil {
		t.Fatalf("regular replies should not set a budget, got %d", *b)
	}
}

func TestThinkDeeper_UsesRepliedText(t *testing.T) {
	client := &fakeLLM{result: llm.Result{Text: "deep"}}
	tr := newTestRelay(t, client, nil)

	msg := privateMessage(4, "/td")
	msg.ReplyTo = &telegram.Message{MessageID: 2, Text: "is P = NP?"}
	tr.HandleMessage(context.Background(), msg)

	if got := client.requests[0].Parts[0].Text; got != "is P = NP?" {
		t.Fatalf("prompt = %q", got)
	}
	if sent := tr.api.texts(); sent[0].ReplyTo != 2 {
		t.Fatalf("indicator should reply to the target message: %+v", sent)
	}
}

func TestThinkDeeper_Usage(t *testing.T) {
	client := &fakeLLM{}
	tr := newTestRelay(t, client, nil)

	tr.HandleMessage(context.Background(), privateMessage(4, "/td"))

	if client.calls() != 0 {
		t.Fatalf("model must not be called without a prompt")
	}
	if sent := tr.api.texts(); len(sent) != 1 || sent[0].Text != tdUsageText {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestThinkDeeper_LongAnswerReplacesIndicator(t *testing.T) {
	long := strings.Repeat("line of deep thought\n", 400)
	client := &fakeLLM{result: llm.Result{Text: long}}
	tr := newTestRelay(t, client, nil)

	tr.HandleMessage(context.Background(), privateMessage(4, "/td explain"))

	if len(tr.api.deleted) != 1 {
		t.Fatalf("indicator should be deleted, deleted = %v", tr.api.deleted)
	}
	if len(tr.api.edits) != 0 {
		t.Fatalf("long answers must not be edited in")
	}
	sent := tr.api.texts()
	if len(sent) < 3 || sent[1].ReplyTo != 4 || sent[2].ReplyTo != 0 {
		t.Fatalf("sent %d messages", len(sent))
	}
}

func TestThinkDeeper_EditFailureSendsNewMessage(t *testing.T) {
	client := &fakeLLM{result: llm.Result{Text: "short"}}
	tr := newTestRelay(t, client, nil)
	tr.api.editErr = errors.New("message can't be edited")

	tr.HandleMessage(context.Background(), privateMessage(4, "/td q"))

	sent := tr.api.texts()
	if len(sent) != 2 || sent[1].Text != "short" || sent[1].ReplyTo != 4 {
		t.Fatalf("sent = %+v", sent)
	}
}
