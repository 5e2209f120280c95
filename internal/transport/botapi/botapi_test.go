package botapi

import (
	"context"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	logx "relaybot/pkg/logx"
)

func offlineConn(t *testing.T) *Conn {
	t.Helper()
	b, err := tele.NewBot(tele.Settings{Offline: true})
	if err != nil {
		t.Fatalf("NewBot: %v", err)
	}
	return newConn(b, logx.Nop())
}

func TestConnectRequiresToken(t *testing.T) {
	tr := New(Config{}, logx.Nop())
	if _, cred, err := tr.Connect(context.Background(), "keep", nil); err == nil || cred != "keep" {
		t.Fatalf("cred=%q err=%v", cred, err)
	}
	if tr.Name() != "botapi" {
		t.Fatalf("name=%q", tr.Name())
	}
}

func TestFetchLatestTracksNewestPost(t *testing.T) {
	c := offlineConn(t)
	ch := &tele.Chat{ID: -1001, Username: "ArzMarketAuth_Bot"}

	items, err := c.FetchLatest(context.Background(), "@ArzMarketAuth_Bot", 1)
	if err != nil || len(items) != 0 {
		t.Fatalf("expected nothing before any post, got %v %v", items, err)
	}

	c.observe(&tele.Message{ID: 5, Chat: ch, Text: "five"})
	c.observe(&tele.Message{ID: 7, Chat: ch, Text: "seven", Entities: tele.Entities{{Type: tele.EntityBold, Offset: 0, Length: 5}}})
	c.observe(&tele.Message{ID: 6, Chat: ch, Text: "late six"}) // out of order

	for _, src := range []string{"@arzmarketauth_bot", "ArzMarketAuth_Bot", "-1001"} {
		items, err := c.FetchLatest(context.Background(), src, 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(items) != 1 || items[0].ID != 7 || items[0].Text != "seven" {
			t.Fatalf("source %q: unexpected items %+v", src, items)
		}
		if _, ok := items[0].Entities.(tele.Entities); !ok {
			t.Fatalf("entities not carried: %#v", items[0].Entities)
		}
		if items[0].Media != nil {
			t.Fatalf("text message must not carry media")
		}
	}
}

func TestItemFromMediaMessage(t *testing.T) {
	m := &tele.Message{
		ID:              3,
		Chat:            &tele.Chat{ID: 1},
		Caption:         "caption",
		CaptionEntities: tele.Entities{{Type: tele.EntityItalic, Length: 3}},
		Photo:           &tele.Photo{},
	}
	it := itemFromMessage(m)
	if it.Text != "caption" || it.Media != m {
		t.Fatalf("unexpected item %+v", it)
	}
	if ents, ok := it.Entities.(tele.Entities); !ok || len(ents) != 1 {
		t.Fatalf("caption entities not carried")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c := offlineConn(t)
	if err := c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestNormalizeChat(t *testing.T) {
	for in, want := range map[string]string{
		"@Foo":   "@foo",
		"foo":    "@foo",
		" -100 ": "-100",
		"42":     "42",
	} {
		if got := normalizeChat(in); got != want {
			t.Errorf("normalizeChat(%q)=%q want %q", in, got, want)
		}
	}
}

func TestSplitTelegramText(t *testing.T) {
	if got := splitTelegramText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("got %q", got)
	}

	long := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitTelegramText(long, 10, "")
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("newline split: %q", got)
	}

	html := "abcd<b>bold</b>"
	got = splitTelegramText(html, 6, "HTML")
	if got[0] != "abcd" {
		t.Fatalf("split inside tag: %q", got)
	}
	if strings.Join(got, "") != html {
		t.Fatalf("content lost: %q", got)
	}

	rs := strings.Repeat("я", 25)
	got = splitTelegramText(rs, 10, "")
	if len(got) != 3 || len([]rune(got[0])) != 10 {
		t.Fatalf("rune split: %q", got)
	}
}
