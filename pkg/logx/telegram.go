package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// TelegramConfig mirrors log lines into a chat.
// Chat is a destination understood by the connected transport ("@name" or numeric id).
type TelegramConfig struct {
	Enabled    bool
	Chat       string
	MinLevel   string
	RatePerSec int
}

// TextSender delivers plain text to a chat. The relay connection implements it.
type TextSender interface {
	SendText(ctx context.Context, chat, text string) error
}

const (
	tgQueueSize   = 256
	tgSendTimeout = 15 * time.Second
	tgMaxMessage  = 3500
	tgMaxValue    = 600
)

type tgLine struct {
	chat string
	text string
}

type senderRef struct{ TextSender }

// telegramSink is a zerolog.LevelWriter. Lines at or above the minimum level
// are rate limited, formatted, and queued; a single worker sends them so
// logging never waits on the network. Overflow is dropped.
type telegramSink struct {
	sender atomic.Pointer[senderRef]
	queue  chan tgLine

	mu      sync.Mutex
	chat    string
	min     zerolog.Level
	limiter *rate.Limiter

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func newTelegramSink() *telegramSink {
	return &telegramSink{
		queue: make(chan tgLine, tgQueueSize),
		min:   zerolog.WarnLevel,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (t *telegramSink) setSender(s TextSender) {
	if s == nil {
		t.sender.Store(nil)
		return
	}
	t.sender.Store(&senderRef{s})
}

func (t *telegramSink) currentSender() TextSender {
	if ref := t.sender.Load(); ref != nil {
		return ref.TextSender
	}
	return nil
}

func (t *telegramSink) configure(cfg TelegramConfig) {
	t.mu.Lock()
	t.chat = strings.TrimSpace(cfg.Chat)
	t.min = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.RatePerSec)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	t.mu.Unlock()

	if cfg.Enabled {
		t.startOnce.Do(func() { go t.run() })
	}
}

func (t *telegramSink) run() {
	defer close(t.done)
	for {
		select {
		case <-t.stop:
			return
		case ln := <-t.queue:
			s := t.currentSender()
			if s == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), tgSendTimeout)
			_ = s.SendText(ctx, ln.chat, ln.text)
			cancel()
		}
	}
}

func (t *telegramSink) close() {
	t.stopOnce.Do(func() {
		close(t.stop)
		started := true
		t.startOnce.Do(func() { started = false })
		if started {
			<-t.done
		}
	})
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.NoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	chat, min, lim := t.chat, t.min, t.limiter
	t.mu.Unlock()

	if chat == "" || level < min || level == zerolog.NoLevel || t.currentSender() == nil {
		return len(p), nil
	}
	if lim != nil && !lim.Allow() {
		return len(p), nil
	}
	if text := formatTelegramJSON(p); text != "" {
		select {
		case t.queue <- tgLine{chat: chat, text: text}:
		default:
		}
	}
	return len(p), nil
}

// formatTelegramJSON turns one JSON log line into "[LEVEL] message" followed
// by "- key=value" lines in key order. Non-JSON input is passed through trimmed.
func formatTelegramJSON(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(string(p), tgMaxMessage)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		if k == zerolog.LevelFieldName || k == zerolog.MessageFieldName || k == zerolog.TimestampFieldName {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), tgMaxValue))
	}
	return truncate(b.String(), tgMaxMessage)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
