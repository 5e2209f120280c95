package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/eventbus"
	"relaybot/internal/relay"
	"relaybot/internal/storage"
)

type fakeConn struct {
	fetches  atomic.Int64
	closes   atomic.Int64
	latency  time.Duration // per fetch
	fetchErr error

	mu    sync.Mutex
	sends map[string][]int64 // source message ids per destination
}

func (c *fakeConn) FetchLatest(ctx context.Context, source string, limit int) ([]relay.Item, error) {
	n := c.fetches.Add(1)
	if c.latency > 0 {
		select {
		case <-time.After(c.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	return []relay.Item{{ID: n, Text: "rates", Date: time.Now()}}, nil
}

func (c *fakeConn) Send(ctx context.Context, dest string, s *relay.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sends == nil {
		c.sends = map[string][]int64{}
	}
	c.sends[dest] = append(c.sends[dest], s.SourceMessageID)
	return nil
}

func (c *fakeConn) sent(dest string) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.sends[dest]...)
}

func (c *fakeConn) SendText(ctx context.Context, chat, text string) error { return nil }

func (c *fakeConn) Close(ctx context.Context) error {
	c.closes.Add(1)
	return nil
}

type fakeTransport struct {
	conn     *fakeConn
	err      error
	nextCred string
	gotCred  string
}

func (t *fakeTransport) Name() string { return "fake" }

func (t *fakeTransport) Connect(ctx context.Context, credential string, p relay.Prompter) (relay.Conn, string, error) {
	t.gotCred = credential
	if t.err != nil {
		return nil, credential, t.err
	}
	next := credential
	if t.nextCred != "" {
		next = t.nextCred
	}
	return t.conn, next, nil
}

type nopPrompter struct{}

func (nopPrompter) Phone(context.Context) (string, error)    { return "", relay.ErrLoginAborted }
func (nopPrompter) Code(context.Context) (string, error)     { return "", relay.ErrLoginAborted }
func (nopPrompter) Password(context.Context) (string, error) { return "", relay.ErrLoginAborted }
func (nopPrompter) LoginError(error)                         {}

type fakeNotifier struct {
	ready, stopping atomic.Int64
}

func (n *fakeNotifier) Ready()                          { n.ready.Add(1) }
func (n *fakeNotifier) Stopping()                       { n.stopping.Add(1) }
func (n *fakeNotifier) Watchdog()                       {}
func (n *fakeNotifier) WatchdogInterval() time.Duration { return 0 }

func writeConfig(t *testing.T, mutate func(c *config.Config)) string {
	t.Helper()
	cfg := config.Default()
	cfg.Relay.Source = "@source"
	cfg.Relay.PollInterval = "20ms"
	cfg.Relay.Destinations = map[string]int{"@a": 5, "@b": 15}
	cfg.Logging.Level = "error"
	if mutate != nil {
		mutate(cfg)
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestApp(t *testing.T, path string, tr *fakeTransport, n *fakeNotifier) *App {
	t.Helper()
	a, err := NewApp(path, WithTransport(tr), WithPrompter(nopPrompter{}), WithNotifier(n))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return a
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestAppStartsPollerAndEveryDestination(t *testing.T) {
	path := writeConfig(t, nil)
	conn := &fakeConn{}
	n := &fakeNotifier{}
	a := newTestApp(t, path, &fakeTransport{conn: conn}, n)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background())

	waitFor(t, 2*time.Second, func() bool { return conn.fetches.Load() >= 2 })
	if a.cache.Version() == 0 {
		t.Fatal("cache was never populated")
	}

	// every destination sends immediately
	waitFor(t, 2*time.Second, func() bool {
		st := a.sched.Snapshot()
		if len(st) != 2 {
			return false
		}
		for _, d := range st {
			if d.Sent < 1 {
				return false
			}
		}
		return true
	})
	if n.ready.Load() != 1 {
		t.Fatalf("ready notifications = %d", n.ready.Load())
	}
	if err := a.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}

	doc := a.status(context.Background()).(Status)
	if doc.Transport != "fake" || doc.Source != "@source" || !doc.Cache.Populated || len(doc.Destinations) != 2 {
		t.Fatalf("unexpected status %+v", doc)
	}
}

func TestAppFirstTickSendsFetchedMessage(t *testing.T) {
	path := writeConfig(t, func(c *config.Config) { c.Relay.PollInterval = "1h" })
	conn := &fakeConn{latency: 30 * time.Millisecond}
	a := newTestApp(t, path, &fakeTransport{conn: conn}, &fakeNotifier{})

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background())

	waitFor(t, time.Second, func() bool { return len(conn.sent("@a")) == 1 && len(conn.sent("@b")) == 1 })
	for _, dest := range []string{"@a", "@b"} {
		if got := conn.sent(dest); got[0] != 1 {
			t.Fatalf("%s first send carried message %d, want 1", dest, got[0])
		}
	}
	for _, d := range a.sched.Snapshot() {
		if d.Skipped != 0 || d.Sent != 1 {
			t.Fatalf("unexpected first tick %+v", d)
		}
		if until := time.Until(d.Next); until < d.Interval-time.Minute {
			t.Fatalf("%s next tick in %s, want about %s", d.Chat, until, d.Interval)
		}
	}
	if got := conn.fetches.Load(); got != 1 {
		t.Fatalf("fetches=%d, the loop must not refetch immediately", got)
	}
}

func TestAppStartsWhenFirstFetchFails(t *testing.T) {
	path := writeConfig(t, func(c *config.Config) { c.Relay.PollInterval = "1h" })
	conn := &fakeConn{fetchErr: errors.New("source unavailable")}
	a := newTestApp(t, path, &fakeTransport{conn: conn}, &fakeNotifier{})

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background())

	waitFor(t, time.Second, func() bool {
		st := a.sched.Snapshot()
		return len(st) == 2 && st[0].Skipped == 1 && st[1].Skipped == 1
	})
	if len(conn.sent("@a")) != 0 || a.cache.Version() != 0 {
		t.Fatal("nothing may be sent before a fetch succeeds")
	}
}

func TestAppPersistsChangedCredential(t *testing.T) {
	path := writeConfig(t, nil)
	tr := &fakeTransport{conn: &fakeConn{}, nextCred: "session-1"}
	a := newTestApp(t, path, tr, &fakeNotifier{})

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background())

	if tr.gotCred != "" {
		t.Fatalf("expected empty stored credential, got %q", tr.gotCred)
	}
	onDisk, err := config.NewManager(path).Parse()
	if err != nil {
		t.Fatal(err)
	}
	if onDisk.Telegram.Session != "session-1" {
		t.Fatalf("session on disk = %q", onDisk.Telegram.Session)
	}
	if a.cfgm.Get().Telegram.Session != "session-1" {
		t.Fatal("session not committed in memory")
	}
}

func TestAppConnectFailureAbortsStart(t *testing.T) {
	path := writeConfig(t, nil)
	boom := errors.New("auth failed")
	conn := &fakeConn{}
	a := newTestApp(t, path, &fakeTransport{conn: conn, err: boom}, &fakeNotifier{})

	err := a.Start(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Start err = %v", err)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after failed start: %v", err)
	}
	if conn.closes.Load() != 0 {
		t.Fatal("connection that was never returned must not be closed")
	}
}

func TestAppStopIsIdempotentAndClosesOnce(t *testing.T) {
	path := writeConfig(t, nil)
	conn := &fakeConn{}
	n := &fakeNotifier{}
	a := newTestApp(t, path, &fakeTransport{conn: conn}, n)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Stop(context.Background())
		}()
	}
	wg.Wait()
	_ = a.Stop(context.Background())

	if got := conn.closes.Load(); got != 1 {
		t.Fatalf("Close called %d times", got)
	}
	if n.stopping.Load() != 1 {
		t.Fatalf("stopping notifications = %d", n.stopping.Load())
	}
	for _, d := range a.sched.Snapshot() {
		if d.Running {
			t.Fatalf("destination %s still running", d.Chat)
		}
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	// no polling after shutdown
	before := conn.fetches.Load()
	time.Sleep(80 * time.Millisecond)
	if after := conn.fetches.Load(); after != before {
		t.Fatalf("poller still running: %d -> %d fetches", before, after)
	}
}

func TestAppJournalsDeliveries(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, func(c *config.Config) {
		c.Storage = config.StorageConfig{Driver: "file", Path: filepath.Join(dir, "relay")}
	})
	a := newTestApp(t, path, &fakeTransport{conn: &fakeConn{}}, &fakeNotifier{})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background())

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeSendFailed, Data: eventbus.Delivery{
		Destination: "@journal", SnapshotID: "snap-1", Took: 15 * time.Millisecond, Err: "flood wait",
	}})

	var found storage.Delivery
	waitFor(t, 2*time.Second, func() bool {
		recent, err := a.store.RecentDeliveries(context.Background(), 50)
		if err != nil {
			return false
		}
		for _, d := range recent {
			if d.Destination == "@journal" {
				found = d
				return true
			}
		}
		return false
	})
	if found.Result != storage.ResultError || found.Error != "flood wait" || found.TookMS != 15 || found.SnapshotID != "snap-1" {
		t.Fatalf("unexpected record %+v", found)
	}
}

func TestDeliveryRecordIgnoresOtherEvents(t *testing.T) {
	if _, ok := deliveryRecord(eventbus.Event{Type: eventbus.TypeSendSkipped, Data: eventbus.Delivery{Destination: "@x"}}); ok {
		t.Fatal("skipped ticks are not journaled")
	}
	if _, ok := deliveryRecord(eventbus.Event{Type: eventbus.TypeSendOK, Data: "bogus"}); ok {
		t.Fatal("unexpected payload accepted")
	}
	rec, ok := deliveryRecord(eventbus.Event{Type: eventbus.TypeSendOK, Data: eventbus.Delivery{Destination: "@x", SourceMsgID: 7}})
	if !ok || rec.Result != storage.ResultOK || rec.SourceMsgID != 7 {
		t.Fatalf("unexpected record %+v ok=%v", rec, ok)
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, func(c *config.Config) {
		c.Relay.Destinations = map[string]int{"@a": 0}
	})
	if _, err := NewApp(path, WithTransport(&fakeTransport{}), WithPrompter(nopPrompter{})); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestStorageConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Storage = config.StorageConfig{Driver: "sqlite3"}
	if _, err := storageConfig(cfg); err == nil {
		t.Fatal("sqlite without path must fail")
	}
	cfg.Storage = config.StorageConfig{Driver: "SQLite", Path: "x.db", BusyTimeout: "2s"}
	sc, err := storageConfig(cfg)
	if err != nil || sc.Driver != "sqlite" || sc.BusyTimeout != 2*time.Second {
		t.Fatalf("got %+v err=%v", sc, err)
	}
	cfg.Storage = config.StorageConfig{Driver: "none"}
	if sc, _ := storageConfig(cfg); sc.Driver != "" {
		t.Fatalf("disabled storage produced %+v", sc)
	}
}
