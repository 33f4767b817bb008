package telegram

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RequestError is a non-OK Bot API response.
type RequestError struct {
	Method      string
	StatusCode  int
	ErrorCode   int
	Description string
	Body        string
	// RetryAfter is the flood-wait in seconds sent with 429 responses.
	RetryAfter int
}

func (e *RequestError) Error() string {
	if e == nil {
		return "telegram request failed"
	}
	desc := strings.TrimSpace(e.Description)
	if desc != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("telegram http %d: %s", e.StatusCode, desc)
		}
		return "telegram: " + desc
	}
	body := strings.TrimSpace(e.Body)
	if e.StatusCode > 0 {
		if body != "" {
			return fmt.Sprintf("telegram http %d: %s", e.StatusCode, body)
		}
		return fmt.Sprintf("telegram http %d", e.StatusCode)
	}
	if body != "" {
		return "telegram: " + body
	}
	return "telegram request failed"
}

// IsRateLimited reports whether err is a flood-control rejection.
func IsRateLimited(err error) bool {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		return false
	}
	return reqErr.StatusCode == http.StatusTooManyRequests || reqErr.ErrorCode == http.StatusTooManyRequests || reqErr.RetryAfter > 0
}

// RetryAfter returns the server-requested wait for a rate-limited error.
func RetryAfter(err error) time.Duration {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.RetryAfter <= 0 {
		return 0
	}
	return time.Duration(reqErr.RetryAfter) * time.Second
}

// IsMarkupParseError reports whether Telegram rejected the text's entities.
func IsMarkupParseError(err error) bool {
	if err == nil {
		return false
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		desc := strings.ToLower(strings.TrimSpace(reqErr.Description))
		if strings.Contains(desc, "can't parse entities") || strings.Contains(desc, "can't parse entity") {
			return true
		}
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(msg, "can't parse entities") || strings.Contains(msg, "can't parse entity")
}
