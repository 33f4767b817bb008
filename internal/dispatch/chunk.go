package dispatch

import (
	"strings"
	"unicode/utf8"

	"github.com/quailyquaily/gemigram/internal/telegram"
)

// DefaultLimit keeps a small margin under Telegram's per-message limit.
const DefaultLimit = telegram.MaxMessageLength - 10

// SplitMessage splits text into chunks of at most limit runes. Chunks break on
// line boundaries and the newline at each boundary is dropped; lines are
// packed greedily. A single line longer than limit is hard-sliced into
// limit-sized pieces.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var (
		chunks []string
		cur    strings.Builder
		curLen int
		open   bool
	)
	flush := func() {
		if open {
			chunks = append(chunks, cur.String())
		}
		cur.Reset()
		curLen = 0
		open = false
	}
	start := func(s string, n int) {
		cur.WriteString(s)
		curLen = n
		open = true
	}

	for _, line := range strings.Split(text, "\n") {
		n := utf8.RuneCountInString(line)
		if n > limit {
			flush()
			runes := []rune(line)
			for len(runes) > limit {
				chunks = append(chunks, string(runes[:limit]))
				runes = runes[limit:]
			}
			start(string(runes), len(runes))
			continue
		}
		if !open {
			start(line, n)
			continue
		}
		if curLen+1+n <= limit {
			cur.WriteByte('\n')
			cur.WriteString(line)
			curLen += 1 + n
			continue
		}
		flush()
		start(line, n)
	}
	flush()
	return chunks
}
