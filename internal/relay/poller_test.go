package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"relaybot/internal/eventbus"
)

func TestNewPollerValidates(t *testing.T) {
	if _, err := NewPoller(PollerConfig{}, &scriptedFetcher{}, NewCache(), testLogger(), nil); err == nil {
		t.Fatalf("expected error for empty source")
	}
	if _, err := NewPoller(PollerConfig{Source: "@src"}, nil, NewCache(), testLogger(), nil); err == nil {
		t.Fatalf("expected error for nil fetcher")
	}
	p, err := NewPoller(PollerConfig{Source: "@src"}, &scriptedFetcher{}, NewCache(), testLogger(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.cfg.Interval != DefaultPollInterval || p.cfg.Timeout != DefaultFetchTimeout {
		t.Fatalf("defaults not applied: %+v", p.cfg)
	}
}

func TestPollOnceUpdatesCache(t *testing.T) {
	f := &scriptedFetcher{results: []fetchResult{{items: []Item{{ID: 7, Text: "<b>hi</b>"}}}}}
	cache := NewCache()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	p, err := NewPoller(PollerConfig{Source: "@src"}, f, cache, testLogger(), bus)
	if err != nil {
		t.Fatal(err)
	}
	p.PollOnce(context.Background())

	s, ok := cache.Current()
	if !ok {
		t.Fatalf("cache empty after successful fetch")
	}
	if s.SourceMessageID != 7 || s.Body != "<b>hi</b>" || s.Format != FormatHTML || s.ID == "" {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	if f.sources[0] != "@src" {
		t.Fatalf("fetched %q want @src", f.sources[0])
	}
	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeFetchOK {
			t.Fatalf("event=%s want %s", ev.Type, eventbus.TypeFetchOK)
		}
	case <-time.After(time.Second):
		t.Fatalf("no fetch event")
	}
}

func TestPollOnceEmptyAndErrorKeepCache(t *testing.T) {
	f := &scriptedFetcher{results: []fetchResult{
		{items: []Item{{ID: 1, Text: "first"}}},
		{items: nil},
		{err: errBoom},
	}}
	cache := NewCache()
	p, err := NewPoller(PollerConfig{Source: "@src"}, f, cache, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}

	p.PollOnce(context.Background())
	first, _ := cache.Current()

	p.PollOnce(context.Background()) // empty
	p.PollOnce(context.Background()) // error

	got, ok := cache.Current()
	if !ok || got != first {
		t.Fatalf("cache changed after empty/error fetch: %+v", got)
	}
	if cache.Version() != 1 {
		t.Fatalf("version=%d want 1", cache.Version())
	}
}

func TestPollOnceErrorBeforeFirstSuccessLeavesCacheEmpty(t *testing.T) {
	f := &scriptedFetcher{results: []fetchResult{{err: errBoom}}}
	cache := NewCache()
	p, _ := NewPoller(PollerConfig{Source: "@src"}, f, cache, testLogger(), nil)
	p.PollOnce(context.Background())
	if _, ok := cache.Current(); ok {
		t.Fatalf("cache should stay empty")
	}
}

func TestPollerRunPollsImmediatelyAndRepeats(t *testing.T) {
	f := &scriptedFetcher{results: []fetchResult{
		{err: errBoom},
		{items: []Item{{ID: 2, Text: "two"}}},
	}}
	cache := NewCache()
	p, err := NewPoller(PollerConfig{Source: "@src", Interval: 300 * time.Millisecond}, f, cache, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// first fetch happens without waiting for the interval
	waitFor(t, 100*time.Millisecond, func() bool { return f.Calls() >= 1 })
	// a failure does not stop the loop
	waitFor(t, 2*time.Second, func() bool {
		s, ok := cache.Current()
		return ok && s.SourceMessageID == 2
	})

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
