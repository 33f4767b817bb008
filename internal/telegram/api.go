package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.telegram.org"

	// MaxMessageLength is the Bot API limit for one text message.
	MaxMessageLength = 4096

	ParseModeMarkdown = "Markdown"
	ParseModeNone     = ""

	defaultMaxFileBytes = 20 * 1024 * 1024
)

// API is a minimal Bot API client.
type API struct {
	http    *http.Client
	baseURL string
	token   string
}

func NewAPI(httpClient *http.Client, baseURL, token string) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &API{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

func (api *API) BaseURL() string {
	return api.baseURL
}

type Update struct {
	UpdateID      int64    `json:"update_id"`
	Message       *Message `json:"message,omitempty"`
	EditedMessage *Message `json:"edited_message,omitempty"`
}

type Message struct {
	MessageID    int64       `json:"message_id"`
	Date         int64       `json:"date,omitempty"`
	Chat         *Chat       `json:"chat,omitempty"`
	From         *User       `json:"from,omitempty"`
	ReplyTo      *Message    `json:"reply_to_message,omitempty"`
	Text         string      `json:"text,omitempty"`
	Caption      string      `json:"caption,omitempty"`
	Photo        []PhotoSize `json:"photo,omitempty"`
	MediaGroupID string      `json:"media_group_id,omitempty"`
}

// LargestPhoto returns the file id of the biggest photo size, which Telegram
// always lists last.
func (m *Message) LargestPhoto() string {
	if m == nil || len(m.Photo) == 0 {
		return ""
	}
	return m.Photo[len(m.Photo)-1].FileID
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"` // private|group|supergroup|channel
}

type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

func DisplayName(u *User) string {
	if u == nil {
		return ""
	}
	first := strings.TrimSpace(u.FirstName)
	last := strings.TrimSpace(u.LastName)
	username := strings.TrimSpace(u.Username)
	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	case last != "":
		return last
	case username != "":
		return "@" + username
	default:
		return ""
	}
}

type PhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

type File struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size,omitempty"`
	FilePath string `json:"file_path,omitempty"`
}

type responseParameters struct {
	RetryAfter int `json:"retry_after,omitempty"`
}

type envelope struct {
	OK          bool                `json:"ok"`
	Result      json.RawMessage     `json:"result,omitempty"`
	ErrorCode   int                 `json:"error_code,omitempty"`
	Description string              `json:"description,omitempty"`
	Parameters  *responseParameters `json:"parameters,omitempty"`
}

type SendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
	ReplyToMessageID      int64  `json:"reply_to_message_id,omitempty"`
}

type EditMessageTextRequest struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type deleteMessageRequest struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

type sendChatActionRequest struct {
	ChatID int64  `json:"chat_id"`
	Action string `json:"action"`
}

func (api *API) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", api.baseURL, api.token, method)
}

// call posts body as JSON to the given method and decodes the result into out
// (when out is non-nil).
func (api *API) call(ctx context.Context, method string, body any, out any) error {
	var reqBody io.Reader
	httpMethod := http.MethodGet
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
		httpMethod = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, api.methodURL(method), reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := api.http.Do(req)
	if err != nil {
		return err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	var env envelope
	_ = json.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.OK {
		reqErr := &RequestError{
			Method:      method,
			StatusCode:  resp.StatusCode,
			ErrorCode:   env.ErrorCode,
			Description: env.Description,
			Body:        strings.TrimSpace(string(raw)),
		}
		if env.Parameters != nil {
			reqErr.RetryAfter = env.Parameters.RetryAfter
		}
		return reqErr
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("telegram %s: decode result: %w", method, err)
	}
	return nil
}

func (api *API) GetMe(ctx context.Context) (*User, error) {
	var out User
	if err := api.call(ctx, "getMe", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetUpdates long-polls for updates starting at offset and returns the next
// offset to use.
func (api *API) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, int64, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	method := fmt.Sprintf("getUpdates?timeout=%d", secs)
	if offset > 0 {
		method += fmt.Sprintf("&offset=%d", offset)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()
	var out []Update
	if err := api.call(reqCtx, method, nil, &out); err != nil {
		return nil, offset, err
	}

	next := offset
	for _, u := range out {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return out, next, nil
}

func IsPollTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "client.timeout exceeded")
}

func (api *API) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	req.ParseMode = strings.TrimSpace(req.ParseMode)
	var out Message
	if err := api.call(ctx, "sendMessage", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendText sends text to a chat, optionally as a reply and with a parse mode.
func (api *API) SendText(ctx context.Context, chatID int64, text string, replyTo int64, parseMode string) (*Message, error) {
	return api.SendMessage(ctx, SendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             parseMode,
		DisableWebPagePreview: true,
		ReplyToMessageID:      replyTo,
	})
}

func (api *API) EditMessageText(ctx context.Context, chatID, messageID int64, text string, parseMode string) error {
	if messageID == 0 {
		return fmt.Errorf("missing message_id")
	}
	return api.call(ctx, "editMessageText", EditMessageTextRequest{
		ChatID:    chatID,
		MessageID: messageID,
		Text:      text,
		ParseMode: strings.TrimSpace(parseMode),
	}, nil)
}

func (api *API) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	if messageID == 0 {
		return fmt.Errorf("missing message_id")
	}
	return api.call(ctx, "deleteMessage", deleteMessageRequest{ChatID: chatID, MessageID: messageID}, nil)
}

func (api *API) SendChatAction(ctx context.Context, chatID int64, action string) error {
	action = strings.TrimSpace(action)
	if action == "" {
		action = "typing"
	}
	return api.call(ctx, "sendChatAction", sendChatActionRequest{ChatID: chatID, Action: action}, nil)
}

func (api *API) GetFile(ctx context.Context, fileID string) (*File, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return nil, fmt.Errorf("missing file_id")
	}
	var out File
	if err := api.call(ctx, "getFile?file_id="+url.QueryEscape(fileID), nil, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.FilePath) == "" {
		return nil, fmt.Errorf("telegram getFile: missing file_path")
	}
	return &out, nil
}

// GetFileBytes resolves a file id and downloads its content into memory.
func (api *API) GetFileBytes(ctx context.Context, fileID string) ([]byte, error) {
	f, err := api.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/file/bot%s/%s", api.baseURL, api.token, strings.TrimLeft(f.FilePath, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := api.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("telegram download http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxFileBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > defaultMaxFileBytes {
		return nil, fmt.Errorf("telegram file too large (>%d bytes)", defaultMaxFileBytes)
	}
	return data, nil
}

type ChatActionSender interface {
	SendChatAction(ctx context.Context, chatID int64, action string) error
}

// StartTyping sends a chat action now and then every interval until the
// returned stop function is called or ctx ends.
func StartTyping(ctx context.Context, api ChatActionSender, chatID int64, interval time.Duration) func() {
	if ctx == nil {
		ctx = context.Background()
	}
	if api == nil || chatID == 0 {
		return func() {}
	}
	if interval <= 0 {
		interval = 4 * time.Second
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		_ = api.SendChatAction(ctx, chatID, "typing")
		for {
			select {
			case <-ticker.C:
				_ = api.SendChatAction(ctx, chatID, "typing")
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		ticker.Stop()
		close(done)
	}
}
