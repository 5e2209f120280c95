// Package botapi relays through the Telegram Bot API (telebot).
//
// A bot cannot read chat history, so the connection long-polls updates and
// remembers the newest post of every chat it is a member of. FetchLatest
// serves that memory; Send copies the remembered source message (media
// included) into the destination.
package botapi

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/relay"
	rtsup "relaybot/internal/runtime/supervisor"
	logx "relaybot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration // long-poll timeout; 0 means 10s
}

type Transport struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Transport {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transport{cfg: cfg, log: log}
}

func (t *Transport) Name() string { return "botapi" }

// Connect authenticates with the bot token. Bots have no interactive login,
// so the prompter is unused and the credential is returned unchanged.
func (t *Transport) Connect(ctx context.Context, credential string, _ relay.Prompter) (relay.Conn, string, error) {
	if strings.TrimSpace(t.cfg.Token) == "" {
		return nil, credential, errors.New("botapi: telegram.bot_token is empty")
	}
	timeout := t.cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  t.cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		OnError: func(err error, _ tele.Context) {
			t.log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, credential, err
	}
	if err := ctx.Err(); err != nil {
		return nil, credential, err
	}

	c := newConn(b, t.log)
	c.start()
	t.log.Info("bot connected", logx.String("username", b.Me.Username))
	return c, credential, nil
}

// Conn is a live Bot API connection.
type Conn struct {
	bot *tele.Bot
	log logx.Logger
	sup *rtsup.Supervisor

	mu     sync.RWMutex
	latest map[string]*tele.Message // chatKey -> newest post

	closeOnce sync.Once
}

func newConn(b *tele.Bot, log logx.Logger) *Conn {
	c := &Conn{bot: b, log: log, latest: map[string]*tele.Message{}}
	observe := func(tc tele.Context) error {
		c.observe(tc.Message())
		return nil
	}
	for _, ev := range []string{tele.OnChannelPost, tele.OnText, tele.OnPhoto, tele.OnDocument, tele.OnVideo, tele.OnAnimation} {
		b.Handle(ev, observe)
	}
	return c
}

func (c *Conn) start() {
	c.sup = rtsup.New(context.Background(), rtsup.WithLogger(c.log))
	c.sup.Go0("telebot.stop_on_cancel", func(ctx context.Context) {
		<-ctx.Done()
		c.bot.Stop()
	})
	// Start blocks until Stop; restart it if it returns early.
	c.sup.GoRestart("telebot.poll", func(ctx context.Context) error {
		c.bot.Start()
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
}

// observe remembers m as the newest post of its chat.
func (c *Conn) observe(m *tele.Message) {
	if m == nil || m.Chat == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range chatKeys(m.Chat) {
		if prev := c.latest[k]; prev != nil && prev.ID > m.ID {
			continue
		}
		c.latest[k] = m
	}
}

// chatKeys lists the identifiers a chat can be referenced by in config.
func chatKeys(ch *tele.Chat) []string {
	keys := []string{strconv.FormatInt(ch.ID, 10)}
	if u := strings.TrimSpace(ch.Username); u != "" {
		keys = append(keys, normalizeChat(u))
	}
	return keys
}

func normalizeChat(s string) string {
	s = strings.TrimSpace(s)
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return s
	}
	return "@" + strings.ToLower(strings.TrimPrefix(s, "@"))
}

// FetchLatest returns the newest post seen from source, or nothing when the
// bot has not observed one yet.
func (c *Conn) FetchLatest(ctx context.Context, source string, limit int) ([]relay.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	c.mu.RLock()
	m := c.latest[normalizeChat(source)]
	c.mu.RUnlock()
	if m == nil {
		return nil, nil
	}
	return []relay.Item{itemFromMessage(m)}, nil
}

func itemFromMessage(m *tele.Message) relay.Item {
	text, ents := m.Text, m.Entities
	if text == "" {
		text, ents = m.Caption, m.CaptionEntities
	}
	it := relay.Item{ID: int64(m.ID), Text: text, Date: m.Time()}
	if len(ents) > 0 {
		it.Entities = ents
	}
	if hasMedia(m) {
		it.Media = m
	}
	return it
}

func hasMedia(m *tele.Message) bool {
	return m.Photo != nil || m.Document != nil || m.Video != nil || m.Animation != nil || m.Audio != nil || m.Voice != nil
}

type chatRecipient string

func (r chatRecipient) Recipient() string { return string(r) }

// Send relays s to destination. Media snapshots are copied from the source
// message; text snapshots are sent with their entities.
func (c *Conn) Send(ctx context.Context, destination string, s *relay.Snapshot) error {
	if s == nil {
		return errors.New("botapi: nil snapshot")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	to := chatRecipient(strings.TrimSpace(destination))

	if src, ok := s.Media.(*tele.Message); ok && src != nil {
		_, err := c.bot.Copy(to, src)
		return err
	}
	opts := &tele.SendOptions{DisableWebPagePreview: false}
	if ents, ok := s.Entities.(tele.Entities); ok && len(ents) > 0 {
		opts.Entities = ents
		_, err := c.bot.Send(to, s.Body, opts)
		return err
	}
	return c.sendChunks(ctx, to, s.Body, opts)
}

// SendText delivers plain text, split into Telegram-sized chunks.
func (c *Conn) SendText(ctx context.Context, chat, text string) error {
	return c.sendChunks(ctx, chatRecipient(strings.TrimSpace(chat)), text, &tele.SendOptions{})
}

func (c *Conn) sendChunks(ctx context.Context, to tele.Recipient, text string, opts *tele.SendOptions) error {
	for _, chunk := range splitTelegramText(text, telegramTextLimit, opts.ParseMode) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.bot.Send(to, chunk, opts); err != nil {
			return err
		}
	}
	return nil
}

// Close stops long polling. Idempotent; bounded by ctx and a 2s grace window.
func (c *Conn) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if c.sup == nil {
			return
		}
		c.sup.Cancel()
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := c.sup.Wait(wctx); errors.Is(err, context.DeadlineExceeded) {
			c.log.Warn("telebot stop timed out")
		}
		c.log.Info("bot disconnected")
	})
	return nil
}
