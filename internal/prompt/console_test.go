package prompt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"relaybot/internal/relay"
	logx "relaybot/pkg/logx"
)

func TestConsoleAnswers(t *testing.T) {
	var out bytes.Buffer
	c := New(strings.NewReader("+15550100\r\n12345\nsecret"), &out, logx.Nop())
	ctx := context.Background()

	phone, err := c.Phone(ctx)
	if err != nil || phone != "+15550100" {
		t.Fatalf("phone=%q err=%v", phone, err)
	}
	code, err := c.Code(ctx)
	if err != nil || code != "12345" {
		t.Fatalf("code=%q err=%v", code, err)
	}
	// last line without trailing newline
	pw, err := c.Password(ctx)
	if err != nil || pw != "secret" {
		t.Fatalf("password=%q err=%v", pw, err)
	}
	for _, q := range []string{"phone number", "code", "2FA password"} {
		if !strings.Contains(out.String(), q) {
			t.Fatalf("prompt %q missing from %q", q, out.String())
		}
	}
}

func TestConsoleEOFAborts(t *testing.T) {
	c := New(strings.NewReader(""), io.Discard, logx.Nop())
	if _, err := c.Phone(context.Background()); !errors.Is(err, relay.ErrLoginAborted) {
		t.Fatalf("err=%v want ErrLoginAborted", err)
	}
}

func TestConsoleContextAborts(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	c := New(pr, io.Discard, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Code(ctx)
	if !errors.Is(err, relay.ErrLoginAborted) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
}

func TestConsoleLoginError(t *testing.T) {
	var out bytes.Buffer
	c := New(strings.NewReader(""), &out, logx.Nop())
	c.LoginError(errors.New("PHONE_CODE_INVALID"))
	if !strings.Contains(out.String(), "PHONE_CODE_INVALID") {
		t.Fatalf("output=%q", out.String())
	}
}
