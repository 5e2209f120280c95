// Package mtproto relays through a Telegram user account (gotd/td).
package mtproto

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"

	"relaybot/internal/relay"
	rtsup "relaybot/internal/runtime/supervisor"
	logx "relaybot/pkg/logx"
)

type Config struct {
	APIID      int
	APIHash    string
	MaxRetries int // per request; 0 means 5
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

func (t *Transport) Name() string { return "mtproto" }

// Connect starts the client, logs in through p when the stored session is
// missing or no longer authorized, and returns the session to persist.
func (t *Transport) Connect(ctx context.Context, credential string, p relay.Prompter) (relay.Conn, string, error) {
	if t.cfg.APIID <= 0 || strings.TrimSpace(t.cfg.APIHash) == "" {
		return nil, credential, errors.New("mtproto: telegram.api_id and telegram.api_hash are required")
	}
	store, err := newCredentialStorage(credential)
	if err != nil {
		return nil, credential, err
	}
	retries := t.cfg.MaxRetries
	if retries <= 0 {
		retries = 5
	}
	client := telegram.NewClient(t.cfg.APIID, t.cfg.APIHash, telegram.Options{
		SessionStorage: store,
		MaxRetries:     retries,
	})

	c := &Conn{
		client: client,
		api:    client.API(),
		log:    t.log,
		peers:  map[string]tg.InputPeerClass{},
		sup:    rtsup.New(context.Background(), rtsup.WithLogger(t.log)),
	}
	c.sender = message.NewSender(c.api)

	// client.Run holds the connection open until its context ends; the
	// callback reports readiness and then parks.
	ready := make(chan error, 1)
	c.sup.Go("mtproto.run", func(runCtx context.Context) error {
		err := client.Run(runCtx, func(cctx context.Context) error {
			if err := authorize(cctx, client.Auth(), p); err != nil {
				return err
			}
			ready <- nil
			<-cctx.Done()
			return cctx.Err()
		})
		if err == nil {
			err = errors.New("connection closed before login completed")
		}
		select {
		case ready <- err:
		default:
		}
		return err
	})

	select {
	case err := <-ready:
		if err != nil {
			c.closeQuietly()
			return nil, credential, fmt.Errorf("mtproto connect: %w", err)
		}
	case <-ctx.Done():
		c.closeQuietly()
		return nil, credential, ctx.Err()
	}

	next := store.Credential()
	if next == "" {
		next = credential
	}
	t.log.Info("user account connected")
	return c, next, nil
}

// Conn is a live MTProto connection.
type Conn struct {
	client *telegram.Client
	api    *tg.Client
	sender *message.Sender
	log    logx.Logger
	sup    *rtsup.Supervisor

	peersMu sync.Mutex
	peers   map[string]tg.InputPeerClass

	closeOnce sync.Once
}

// resolve maps "@name" (or "name") to an input peer, caching per connection.
func (c *Conn) resolve(ctx context.Context, chat string) (tg.InputPeerClass, error) {
	key := normalizePeer(chat)
	if key == "" {
		return nil, errors.New("empty chat")
	}
	c.peersMu.Lock()
	p, ok := c.peers[key]
	c.peersMu.Unlock()
	if ok {
		return p, nil
	}

	p, err := c.sender.Resolve(key).AsInputPeer(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", chat, err)
	}
	c.peersMu.Lock()
	c.peers[key] = p
	c.peersMu.Unlock()
	return p, nil
}

func normalizePeer(chat string) string {
	chat = strings.TrimSpace(chat)
	chat = strings.TrimPrefix(chat, "https://t.me/")
	chat = strings.TrimPrefix(chat, "t.me/")
	chat = strings.TrimPrefix(chat, "@")
	if chat == "" {
		return ""
	}
	return "@" + strings.ToLower(chat)
}

// FetchLatest returns up to limit newest messages of source, newest first.
func (c *Conn) FetchLatest(ctx context.Context, source string, limit int) ([]relay.Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	peer, err := c.resolve(ctx, source)
	if err != nil {
		return nil, err
	}
	res, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{Peer: peer, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("get history %s: %w", source, err)
	}
	return itemsFromHistory(res, limit), nil
}

func itemsFromHistory(res tg.MessagesMessagesClass, limit int) []relay.Item {
	var msgs []tg.MessageClass
	switch r := res.(type) {
	case *tg.MessagesMessages:
		msgs = r.Messages
	case *tg.MessagesMessagesSlice:
		msgs = r.Messages
	case *tg.MessagesChannelMessages:
		msgs = r.Messages
	default:
		return nil
	}
	out := make([]relay.Item, 0, min(limit, len(msgs)))
	for _, mc := range msgs {
		m, ok := mc.(*tg.Message)
		if !ok {
			// service messages and empty placeholders carry no content
			continue
		}
		out = append(out, itemFromMessage(m))
		if len(out) == limit {
			break
		}
	}
	return out
}

func itemFromMessage(m *tg.Message) relay.Item {
	it := relay.Item{
		ID:   int64(m.ID),
		Text: m.Message,
		Date: time.Unix(int64(m.Date), 0),
	}
	if len(m.Entities) > 0 {
		it.Entities = m.Entities
	}
	if m.Media != nil {
		if _, ok := inputMedia(m.Media); ok {
			it.Media = m.Media
		}
	}
	return it
}

// inputMedia converts received media into a re-sendable reference.
// Only photos and documents (which include video, audio, stickers and GIFs)
// can be resent without re-uploading.
func inputMedia(mm tg.MessageMediaClass) (tg.InputMediaClass, bool) {
	switch m := mm.(type) {
	case *tg.MessageMediaPhoto:
		p, ok := m.Photo.(*tg.Photo)
		if !ok {
			return nil, false
		}
		return &tg.InputMediaPhoto{ID: &tg.InputPhoto{
			ID:            p.ID,
			AccessHash:    p.AccessHash,
			FileReference: p.FileReference,
		}}, true
	case *tg.MessageMediaDocument:
		d, ok := m.Document.(*tg.Document)
		if !ok {
			return nil, false
		}
		return &tg.InputMediaDocument{ID: &tg.InputDocument{
			ID:            d.ID,
			AccessHash:    d.AccessHash,
			FileReference: d.FileReference,
		}}, true
	default:
		return nil, false
	}
}

func entitiesOf(s *relay.Snapshot) []tg.MessageEntityClass {
	ents, _ := s.Entities.([]tg.MessageEntityClass)
	return ents
}

// Send relays s to destination, as media with caption when the snapshot
// carries resendable media and as formatted text otherwise.
func (c *Conn) Send(ctx context.Context, destination string, s *relay.Snapshot) error {
	if s == nil {
		return errors.New("mtproto: nil snapshot")
	}
	peer, err := c.resolve(ctx, destination)
	if err != nil {
		return err
	}
	rid, err := randomID()
	if err != nil {
		return err
	}

	if mm, ok := s.Media.(tg.MessageMediaClass); ok {
		if in, ok := inputMedia(mm); ok {
			_, err = c.api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
				Peer:     peer,
				Media:    in,
				Message:  s.Body,
				Entities: entitiesOf(s),
				RandomID: rid,
			})
			return err
		}
	}
	if strings.TrimSpace(s.Body) == "" {
		return errors.New("mtproto: snapshot has neither text nor resendable media")
	}
	_, err = c.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  s.Body,
		Entities: entitiesOf(s),
		RandomID: rid,
	})
	return err
}

// SendText delivers plain text.
func (c *Conn) SendText(ctx context.Context, chat, text string) error {
	peer, err := c.resolve(ctx, chat)
	if err != nil {
		return err
	}
	rid, err := randomID()
	if err != nil {
		return err
	}
	_, err = c.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{Peer: peer, Message: text, RandomID: rid})
	return err
}

func randomID() (int64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func (c *Conn) closeQuietly() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.Close(ctx)
}

// Close disconnects. Idempotent; waits for the client at most until ctx ends.
func (c *Conn) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.sup.Cancel()
		if err := c.sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Debug("mtproto client stopped", logx.Err(err))
		}
		c.log.Info("user account disconnected")
	})
	return nil
}
