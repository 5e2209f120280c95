package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	logx "relaybot/pkg/logx"
)

type fetchResult struct {
	items []Item
	err   error
}

// scriptedFetcher returns results in order and repeats the last one.
type scriptedFetcher struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
	sources []string
}

func (f *scriptedFetcher) FetchLatest(ctx context.Context, source string, limit int) ([]Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources = append(f.sources, source)
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	if i < 0 {
		return nil, nil
	}
	r := f.results[i]
	return r.items, r.err
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type sendCall struct {
	dest string
	snap *Snapshot
	at   time.Time
}

type recordingSender struct {
	mu    sync.Mutex
	calls []sendCall
	fail  map[string]error
	block map[string]chan struct{} // Send to a listed dest waits for its channel or ctx
	done  map[string]int           // returned Send calls per dest
}

func (s *recordingSender) Send(ctx context.Context, dest string, snap *Snapshot) error {
	s.mu.Lock()
	s.calls = append(s.calls, sendCall{dest: dest, snap: snap, at: time.Now()})
	err := s.fail[dest]
	block := s.block[dest]
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.done == nil {
			s.done = map[string]int{}
		}
		s.done[dest]++
		s.mu.Unlock()
	}()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *recordingSender) returned(dest string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done[dest]
}

func (s *recordingSender) count(dest string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.dest == dest {
			n++
		}
	}
	return n
}

func (s *recordingSender) snapshot() []sendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sendCall(nil), s.calls...)
}

var errBoom = errors.New("boom")

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func testLogger() logx.Logger { return logx.NewWriter(io.Discard, "debug") }
