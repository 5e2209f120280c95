package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "relaybot/pkg/logx"
)

// recentKeep bounds the in-memory tail served by RecentDeliveries.
const recentKeep = 500

// fileStore appends deliveries to <prefix>.deliveries.jsonl and keeps the
// newest records in memory. The tail is rebuilt from the file on open.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	f      *os.File
	recent []Delivery // oldest first, at most recentKeep
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	journal := filepath.Join(dir, base+".deliveries.jsonl")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	recent, skipped := replayDeliveries(journal)
	if skipped > 0 {
		log.Warn("skipped malformed journal lines", logx.String("path", journal), logx.Int("count", skipped))
	}

	f, err := os.OpenFile(journal, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	if err := terminateLastLine(f, journal); err != nil {
		_ = f.Close()
		return nil, err
	}
	log.Debug("delivery journal opened", logx.String("path", journal), logx.Int("recent", len(recent)))
	return &fileStore{log: log, f: f, recent: recent}, nil
}

func replayDeliveries(path string) ([]Delivery, int) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0
	}
	defer f.Close()

	var out []Delivery
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var d Delivery
		if err := json.Unmarshal(line, &d); err != nil {
			// torn write after a crash
			skipped++
			continue
		}
		out = append(out, d)
		if len(out) > recentKeep {
			out = out[len(out)-recentKeep:]
		}
	}
	return out, skipped
}

func (s *fileStore) AppendDelivery(ctx context.Context, d Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d = normalize(d)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("delivery journal closed")
	}
	if err := json.NewEncoder(s.f).Encode(d); err != nil {
		return err
	}
	s.recent = append(s.recent, d)
	if len(s.recent) > recentKeep {
		s.recent = append(s.recent[:0], s.recent[len(s.recent)-recentKeep:]...)
	}
	return nil
}

func (s *fileStore) RecentDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]Delivery, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// terminateLastLine appends a newline when the journal ends mid-record so
// the next append starts on its own line.
func terminateLastLine(f *os.File, path string) error {
	fi, err := f.Stat()
	if err != nil || fi.Size() == 0 {
		return err
	}
	r, err := os.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()
	last := make([]byte, 1)
	if _, err := r.ReadAt(last, fi.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.Write([]byte{'\n'})
	return err
}
