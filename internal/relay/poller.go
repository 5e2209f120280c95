package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	logx "relaybot/pkg/logx"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultFetchTimeout = 30 * time.Second
)

type PollerConfig struct {
	Source   string
	Interval time.Duration
	Timeout  time.Duration // per fetch; 0 means DefaultFetchTimeout
}

// Poller refreshes the cache from the source on a fixed cadence.
type Poller struct {
	cfg   PollerConfig
	src   Fetcher
	cache *Cache
	log   logx.Logger
	bus   eventbus.Bus
}

func NewPoller(cfg PollerConfig, src Fetcher, cache *Cache, log logx.Logger, bus eventbus.Bus) (*Poller, error) {
	if strings.TrimSpace(cfg.Source) == "" {
		return nil, errors.New("poller: source is required")
	}
	if src == nil || cache == nil {
		return nil, errors.New("poller: fetcher and cache are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Poller{cfg: cfg, src: src, cache: cache, log: log, bus: bus}, nil
}

// Run polls once immediately and then every Interval until ctx is cancelled.
// Fetch failures never stop the loop; the next tick is the retry.
func (p *Poller) Run(ctx context.Context) error {
	p.PollOnce(ctx)
	return p.Loop(ctx)
}

// Loop polls every Interval, without an initial fetch, until ctx is cancelled.
func (p *Poller) Loop(ctx context.Context) error {
	p.log.Info("monitoring source", logx.String("source", p.cfg.Source), logx.Duration("every", p.cfg.Interval))

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce performs a single fetch and updates the cache when an item was returned.
func (p *Poller) PollOnce(ctx context.Context) {
	fctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	items, err := p.src.FetchLatest(fctx, p.cfg.Source, 1)
	took := time.Since(start)
	metrics.FetchDuration.Observe(took.Seconds())

	if err != nil {
		if ctx.Err() != nil {
			// shutting down; not a source failure
			return
		}
		metrics.FetchTotal.WithLabelValues("error").Inc()
		p.log.Warn("source fetch failed", logx.String("source", p.cfg.Source), logx.Duration("took", took), logx.Err(err))
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeFetchFailed, Data: eventbus.Fetch{
			Source: p.cfg.Source, Took: took, Err: err.Error(),
		}})
		return
	}
	if len(items) == 0 {
		metrics.FetchTotal.WithLabelValues("empty").Inc()
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeFetchEmpty, Data: eventbus.Fetch{Source: p.cfg.Source, Took: took}})
		return
	}

	it := items[0]
	prev, hadPrev := p.cache.Current()
	snap := NewSnapshot(it, time.Now())
	p.cache.Set(snap)

	metrics.FetchTotal.WithLabelValues("ok").Inc()
	metrics.CacheUpdates.Inc()
	metrics.CacheLastUpdate.SetToCurrentTime()

	changed := !hadPrev || prev.SourceMessageID != it.ID || prev.Body != it.Text
	fields := []logx.Field{
		logx.String("source", p.cfg.Source),
		logx.Int64("msg_id", it.ID),
		logx.String("snapshot", snap.ID),
		logx.Bool("media", snap.HasMedia()),
	}
	if changed {
		p.log.Info("latest message updated", fields...)
	} else {
		p.log.Debug("latest message refreshed", fields...)
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeFetchOK, Data: eventbus.Fetch{
		Source: p.cfg.Source, SnapshotID: snap.ID, SourceMsgID: it.ID, Took: took,
	}})
}
