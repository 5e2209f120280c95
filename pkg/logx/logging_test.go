package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestFormatTelegramJSON(t *testing.T) {
	t.Parallel()
	line := `{"level":"warn","time":"2024-01-01T00:00:00Z","message":"send failed","dest":"@a","comp":"relay"}`
	got := formatTelegramJSON([]byte(line))
	want := "[WARN] send failed\n- comp=relay\n- dest=@a"
	if got != want {
		t.Fatalf("formatTelegramJSON = %q, want %q", got, want)
	}
}

func TestFormatTelegramJSONNotJSON(t *testing.T) {
	t.Parallel()
	if got := formatTelegramJSON([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}

func TestNewWriterFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, buf.String())
	}
	if m["comp"] != "test" || m["message"] != "hello" || m["n"] != float64(3) {
		t.Fatalf("unexpected line: %v", m)
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("ignored")
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingSender) SendText(_ context.Context, chat, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, chat+"|"+text)
	return nil
}

func (r *recordingSender) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func TestTelegramSinkMinLevel(t *testing.T) {
	svc, log := New(Config{
		Level: "debug",
		Telegram: TelegramConfig{
			Enabled:    true,
			Chat:       "@logs",
			MinLevel:   "warn",
			RatePerSec: 100,
		},
	})
	defer svc.Close()

	rs := &recordingSender{}
	svc.SetSender(rs)

	log.Info("not mirrored")
	log.Warn("mirrored")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rs.snapshot()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	sent := rs.snapshot()
	if len(sent) != 1 {
		t.Fatalf("sent = %v, want exactly one warn line", sent)
	}
	if !strings.HasPrefix(sent[0], "@logs|[WARN] mirrored") {
		t.Fatalf("unexpected message %q", sent[0])
	}
}
