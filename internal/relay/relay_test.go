package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quailyquaily/gemigram/internal/dispatch"
	"github.com/quailyquaily/gemigram/internal/history"
	"github.com/quailyquaily/gemigram/internal/mediagroup"
	"github.com/quailyquaily/gemigram/internal/telegram"
	"github.com/quailyquaily/gemigram/llm"
)

type sentText struct {
	ChatID    int64
	Text      string
	ReplyTo   int64
	ParseMode string
}

type fakeTransport struct {
	mu        sync.Mutex
	nextID    int64
	sent      []sentText
	edits     []string
	deleted   []int64
	files     map[string][]byte
	sendErr   func(call int, text, parseMode string) error
	editErr   error
	sendCalls int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{nextID: 1000, files: map[string][]byte{}}
}

func (f *fakeTransport) SendText(_ context.Context, chatID int64, text string, replyTo int64, parseMode string) (*telegram.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.sendErr != nil {
		if err := f.sendErr(f.sendCalls, text, parseMode); err != nil {
			return nil, err
		}
	}
	f.nextID++
	f.sent = append(f.sent, sentText{ChatID: chatID, Text: text, ReplyTo: replyTo, ParseMode: parseMode})
	return &telegram.Message{MessageID: f.nextID, Chat: &telegram.Chat{ID: chatID}, Text: text}, nil
}

func (f *fakeTransport) EditMessageText(_ context.Context, _ int64, _ int64, text string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeTransport) DeleteMessage(_ context.Context, _ int64, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeTransport) SendChatAction(context.Context, int64, string) error { return nil }

func (f *fakeTransport) GetFileBytes(_ context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[fileID]
	if !ok {
		return nil, errors.New("file not found")
	}
	return data, nil
}

func (f *fakeTransport) texts() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.sent...)
}

type fakeLLM struct {
	mu       sync.Mutex
	requests []llm.Request
	result   llm.Result
	err      error
}

func (f *fakeLLM) Respond(_ context.Context, req llm.Request) (llm.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.result, f.err
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeScheduler struct {
	mu    sync.Mutex
	funcs []func()
}

type fakeTimer struct{}

func (fakeTimer) Stop() bool { return true }

func (s *fakeScheduler) AfterFunc(_ time.Duration, f func()) mediagroup.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs = append(s.funcs, f)
	return fakeTimer{}
}

func (s *fakeScheduler) fireLast() {
	s.mu.Lock()
	f := s.funcs[len(s.funcs)-1]
	s.mu.Unlock()
	f()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testRelay struct {
	*Relay
	api   *fakeTransport
	llm   *fakeLLM
	store history.Store
	sched *fakeScheduler
}

func newTestRelay(t *testing.T, client *fakeLLM, store history.Store) testRelay {
	t.Helper()
	api := newFakeTransport()
	logger := discardLogger()
	sender := dispatch.NewSender(api, logger)
	sender.Sleep = func(context.Context, time.Duration) error { return nil }
	sched := &fakeScheduler{}
	var c llm.Client
	if client != nil {
		c = client
	}
	r := New(Options{
		Config: Config{
			BotID:          99,
			BotUsername:    "gemigram_bot",
			ImagesEnabled:  true,
			MaxImages:      5,
			Model:          "gemini-2.0-flash",
			ThinkingModel:  "gemini-2.5-flash",
			ThinkingBudget: 4096,
		},
		Transport:      api,
		Client:         c,
		Store:          store,
		Sender:         sender,
		Logger:         logger,
		AlbumAfterFunc: sched.AfterFunc,
	})
	t.Cleanup(r.Close)
	return testRelay{Relay: r, api: api, llm: client, store: store, sched: sched}
}

func groupMessage(id int64, text string) *telegram.Message {
	return &telegram.Message{
		MessageID: id,
		Chat:      &telegram.Chat{ID: -100, Type: "supergroup"},
		From:      &telegram.User{ID: 1, FirstName: "Ana"},
		Text:      text,
	}
}

func privateMessage(id int64, text string) *telegram.Message {
	return &telegram.Message{
		MessageID: id,
		Chat:      &telegram.Chat{ID: 5, Type: "private"},
		From:      &telegram.User{ID: 5, FirstName: "Ana"},
		Text:      text,
	}
}

func TestHandleText_PrivateRepliesAndPersists(t *testing.T) {
	client := &fakeLLM{result: llm.Result{Text: "hello!"}}
	store := history.NewMemoryStore(0)
	tr := newTestRelay(t, client, store)

	tr.HandleMessage(context.Background(), privateMessage(10, "hi there"))

	sent := tr.api.texts()
	if len(sent) != 1 || sent[0].Text != "hello!" || sent[0].ReplyTo != 10 || sent[0].ParseMode != telegram.ParseModeMarkdown {
		t.Fatalf("sent = %+v", sent)
	}
	turns, _ := store.Recent(context.Background(), 5, 10)
	if len(turns) != 2 || turns[0].Text != "hi there" || turns[1].Role != llm.RoleModel {
		t.Fatalf("turns = %+v", turns)
	}
}

func TestHandleText_HistoryIsSentOldestFirst(t *testing.T) {
	client := &fakeLLM{result: llm.Result{Text: "ok"}}
	store := history.NewMemoryStore(0)
	ctx := context.Background()
	_ = store.Append(ctx, 5, llm.RoleUser, "first")
	_ = store.Append(ctx, 5, llm.RoleModel, "second")
	tr := newTestRelay(t, client, store)

	tr.HandleMessage(ctx, privateMessage(10, "third"))

	if client.calls() != 1 {
		t.Fatalf("llm calls = %d", client.calls())
	}
	req := client.requests[0]
	if len(req.History) != 2 || req.History[0].Text != "first" || req.History[1].Role != llm.RoleModel {
		t.Fatalf("history = %+v", req.History)
	}
	if req.Model != "gemini-2.0-flash" {
		t.Fatalf("model = %q", req.Model)
	}
}

func TestHandleText_GroupTriggerOnlyAsksForClarification(t *testing.T) {
	client := &fakeLLM{result: llm.Result{Text: "x"}}
	tr := newTestRelay(t, client, nil)

	tr.HandleMessage(context.Background(), groupMessage(3, "/ai"))

	if client.calls() != 0 {
		t.Fatalf("model must not be called")
	}
	sent := tr.api.texts()
	if len(sent) != 1 || sent[0].Text != "Please include your question after `/ai` or check /help." || sent[0].ReplyTo != 3 {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestHandleText_GroupTriggerStripsPrefix(t *testing.T) {
	client := &fakeLLM{result: llm.Result{Text: "an answer"}}
	tr := newTestRelay(t, client, nil)

	tr.HandleMessage(context.Background(), groupMessage(3, "/ai  what is this"))

	if client.calls() != 1 {
		t.Fatalf("llm calls = %d", client.calls())
	}
	if got := client.requests[0].Parts[0].Text; got != "what is this" {
		t.Fatalf("payload = %q", got)
	}
}

func TestHandleText_GroupUnrelatedIgnored(t *testing.T) {
	client := &fakeLLM{result: llm.Result{Text: "x"}}
	tr := newTestRelay(t, client, nil)

	tr.HandleMessage(context.Background(), groupMessage(3, "just chatting"))

	if client.calls() != 0 || len(tr.api.texts()) != 0 {
		t.Fatalf("unrelated group message must be ignored")
	}
}

func TestDispatch_BlockedIsNotPersisted(t *testing.T) {
	client := &fakeLLM{result: llm.Result{BlockReason: "SAFETY"}}
	store := history.NewMemoryStore(0)
	tr := newTestRelay(t, client, store)

	reply, ok := tr.Dispatch(context.Background(), 5, Prompt{Parts: []llm.Part{llm.Text("bad")}, HistoryText: "bad"})
	if ok {
		t.Fatalf("blocked reply should not be ok")
	}
	if reply != "Sorry, your request could not be processed for safety reasons: SAFETY." {
		t.Fatalf("reply = %q", reply)
	}
	turns, _ := store.Recent(context.Background(), 5, 10)
	if len(turns) != 0 {
		t.Fatalf("blocked exchange persisted: %+v", turns)
	}
}

func TestDispatch_ErrorsAndMissingClient(t *testing.T) {
	client := &fakeLLM{err: errors.New("boom")}
	tr := newTestRelay(t, client, history.NewMemoryStore(0))
	reply, ok := tr.Dispatch(context.Background(), 5, Prompt{Parts: []llm.Part{llm.Text("q")}, HistoryText: "q"})
	if ok || reply != backendErrorText {
		t.Fatalf("reply = %q ok=%v", reply, ok)
	}

	tr = newTestRelay(t, nil, nil)
	reply, ok = tr.Dispatch(context.Background(), 5, Prompt{Parts: []llm.Part{llm.Text("q")}})
	if ok || reply != notReadyText {
		t.Fatalf("reply = %q ok=%v", reply, ok)
	}
}

func TestDispatch_NilStoreStillAnswers(t *testing.T) {
	client := &fakeLLM{result: llm.Result{Text: "fine"}}
	tr := newTestRelay(t, client, nil)

	reply, ok := tr.Dispatch(context.Background(), 5, Prompt{Parts: []llm.Part{llm.Text("q")}, HistoryText: "q"})
	if !ok || reply != "fine" {
		t.Fatalf("reply = %q ok=%v", reply, ok)
	}
	if len(client.requests[0].History) != 0 {
		t.Fatalf("history should be empty without a store")
	}
}

func TestDeliverReply_MarkupRejectedFallsBackToPlain(t *testing.T) {
	client := &fakeLLM{result: llm.Result{Text: "bad *markdown"}}
	tr := newTestRelay(t, client, nil)
	tr.api.sendErr = func(_ int, _ string, parseMode string) error {
		if parseMode == telegram.ParseModeMarkdown {
			return &telegram.RequestError{Method: "sendMessage", StatusCode: 400, ErrorCode: 400, Description: "Bad Request: can't parse entities"}
		}
		return nil
	}

	tr.HandleMessage(context.Background(), privateMessage(10, "q"))

	sent := tr.api.texts()
	if len(sent) != 1 || sent[0].ParseMode != telegram.ParseModeNone || sent[0].Text != "bad *markdown" {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestDeliverReply_PlainResendFailureSendsOneNotice(t *testing.T) {
	client := &fakeLLM{result: llm.Result{Text: "bad *markdown"}}
	tr := newTestRelay(t, client, nil)
	tr.api.sendErr = func(call int, _ string, parseMode string) error {
		switch {
		case call == 1 && parseMode == telegram.ParseModeMarkdown:
			return &telegram.RequestError{Method: "sendMessage", StatusCode: 400, ErrorCode: 400, Description: "Bad Request: can't parse entities"}
		case call <= 3:
			return errors.New("connection reset")
		}
		return nil
	}

	tr.HandleMessage(context.Background(), privateMessage(10, "q"))

	sent := tr.api.texts()
	if len(sent) != 1 {
		t.Fatalf("want a single failure notice, sent = %+v", sent)
	}
	if sent[0].Text == deliveryFailedText {
		t.Fatalf("sender notice should not be followed by a second notice")
	}
}

func TestDeliverReply_FallsBackToDeliveryNoticeWhenSenderNoticeFails(t *testing.T) {
	client := &fakeLLM{result: llm.Result{Text: "bad *markdown"}}
	tr := newTestRelay(t, client, nil)
	tr.api.sendErr = func(call int, _ string, parseMode string) error {
		switch {
		case call == 1 && parseMode == telegram.ParseModeMarkdown:
			return &telegram.RequestError{Method: "sendMessage", StatusCode: 400, ErrorCode: 400, Description: "Bad Request: can't parse entities"}
		case call <= 4:
			return errors.New("connection reset")
		}
		return nil
	}

	tr.HandleMessage(context.Background(), privateMessage(10, "q"))

	sent := tr.api.texts()
	if len(sent) != 1 || sent[0].Text != deliveryFailedText {
		t.Fatalf("sent = %+v, want only the delivery notice", sent)
	}
}

func TestHandlePhoto_SingleImage(t *testing.T) {
	client := &fakeLLM{result: llm.Result{Text: "a cat"}}
	tr := newTestRelay(t, client, nil)
	tr.api.files["big"] = []byte{0xff, 0xd8, 0xff, 0xe0}

	msg := privateMessage(20, "")
	msg.Photo = []telegram.PhotoSize{{FileID: "small"}, {FileID: "big"}}
	tr.HandleMessage(context.Background(), msg)

	if client.calls() != 1 {
		t.Fatalf("llm calls = %d", client.calls())
	}
	parts := client.requests[0].Parts
	if len(parts) != 2 || parts[0].Text != DefaultImagePrompt || parts[1].Kind != llm.PartImage {
		t.Fatalf("parts = %+v", parts)
	}
	if parts[1].MIMEType != "image/jpeg" {
		t.Fatalf("mime = %q", parts[1].MIMEType)
	}
}

func TestHandlePhoto_GroupAlbumGating(t *testing.T) {
	client := &fakeLLM{result: llm.Result{Text: "two photos"}}
	tr := newTestRelay(t, client, nil)
	for _, id := range []string{"a", "b"} {
		tr.api.files[id] = []byte("img-" + id)
	}
	ctx := context.Background()

	// An unaddressed album is ignored entirely.
	stray := groupMessage(1, "")
	stray.Photo = []telegram.PhotoSize{{FileID: "a"}}
	stray.MediaGroupID = "stray"
	tr.HandleMessage(ctx, stray)
	if tr.PendingAlbums() != 0 {
		t.Fatalf("unaddressed album should not be buffered")
	}

	first := groupMessage(2, "")
	first.Caption = "/ai compare these"
	first.Photo = []telegram.PhotoSize{{FileID: "a"}}
	first.MediaGroupID = "album"
	second := groupMessage(3, "")
	second.Photo = []telegram.PhotoSize{{FileID: "b"}}
	second.MediaGroupID = "album"
	tr.HandleMessage(ctx, first)
	tr.HandleMessage(ctx, second)

	if tr.PendingAlbums() != 1 {
		t.Fatalf("pending = %d, want 1", tr.PendingAlbums())
	}
	if client.calls() != 0 {
		t.Fatalf("album must wait for its timer")
	}
	tr.sched.fireLast()

	if client.calls() != 1 {
		t.Fatalf("llm calls = %d", client.calls())
	}
	parts := client.requests[0].Parts
	if parts[0].Text != "compare these" || llm.CountImages(parts) != 2 {
		t.Fatalf("parts = %+v", parts)
	}
	sent := tr.api.texts()
	if len(sent) != 1 || sent[0].ReplyTo != 2 {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestProcessAlbum_PartialFetchFailure(t *testing.T) {
	client := &fakeLLM{result: llm.Result{Text: "ok"}}
	tr := newTestRelay(t, client, nil)
	tr.api.files["a"] = []byte("a")
	tr.api.files["c"] = []byte("c")

	tr.ProcessAlbum(context.Background(), mediagroup.Batch{
		ID:  "batch",
		Key: mediagroup.Key{ChatID: 5, AlbumID: "g"},
		Images: []mediagroup.ImageRef{
			{FileID: "a", MessageID: 1},
			{FileID: "missing", MessageID: 2, Caption: "what are these"},
			{FileID: "c", MessageID: 3},
		},
	})

	if client.calls() != 1 {
		t.Fatalf("llm calls = %d", client.calls())
	}
	parts := client.requests[0].Parts
	if llm.CountImages(parts) != 2 || parts[0].Text != "what are these" {
		t.Fatalf("parts = %+v", parts)
	}
}

func TestProcessAlbum_AllFetchesFail(t *testing.T) {
	client := &fakeLLM{result: llm.Result{Text: "ok"}}
	tr := newTestRelay(t, client, nil)

	tr.ProcessAlbum(context.Background(), mediagroup.Batch{
		Key:    mediagroup.Key{ChatID: 5, AlbumID: "g"},
		Images: []mediagroup.ImageRef{{FileID: "x", MessageID: 7}, {FileID: "y", MessageID: 8}},
	})

	if client.calls() != 0 {
		t.Fatalf("model must not be called when no image was fetched")
	}
	sent := tr.api.texts()
	if len(sent) != 1 || sent[0].Text != albumFailedText || sent[0].ReplyTo != 7 {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestProcessAlbum_NoticeFallsBackToUntargeted(t *testing.T) {
	tr := newTestRelay(t, &fakeLLM{}, nil)
	tr.api.sendErr = func(call int, _ string, _ string) error {
		if call == 1 {
			return &telegram.RequestError{Method: "sendMessage", StatusCode: 400, ErrorCode: 400, Description: "Bad Request: message to be replied not found"}
		}
		return nil
	}

	tr.ProcessAlbum(context.Background(), mediagroup.Batch{
		Key:    mediagroup.Key{ChatID: 5, AlbumID: "g"},
		Images: []mediagroup.ImageRef{{FileID: "x", MessageID: 7}},
	})

	sent := tr.api.texts()
	if len(sent) != 1 || sent[0].ReplyTo != 0 || sent[0].Text != albumFailedText {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestHandlePhoto_OverflowNotice(t *testing.T) {
	tr := newTestRelay(t, &fakeLLM{result: llm.Result{Text: "ok"}}, nil)
	ctx := context.Background()
	for i := int64(1); i <= 7; i++ {
		msg := privateMessage(i, "")
		msg.Photo = []telegram.PhotoSize{{FileID: "f"}}
		msg.MediaGroupID = "big"
		tr.HandleMessage(ctx, msg)
	}

	var notices []sentText
	for _, s := range tr.api.texts() {
		if strings.HasPrefix(s.Text, "You sent too many images") {
			notices = append(notices, s)
		}
	}
	if len(notices) != 1 || notices[0].ReplyTo != 6 {
		t.Fatalf("notices = %+v", notices)
	}
	if notices[0].Text != "You sent too many images in one album. Only the first 5 will be processed." {
		t.Fatalf("notice = %q", notices[0].Text)
	}
}

func TestHandlePhoto_DisabledIgnored(t *testing.T) {
	client := &fakeLLM{result: llm.Result{Text: "x"}}
	tr := newTestRelay(t, client, nil)
	tr.cfg.ImagesEnabled = false

	msg := privateMessage(1, "")
	msg.Photo = []telegram.PhotoSize{{FileID: "f"}}
	tr.HandleMessage(context.Background(), msg)

	if client.calls() != 0 || len(tr.api.texts()) != 0 {
		t.Fatalf("photos must be ignored when images are disabled")
	}
}
