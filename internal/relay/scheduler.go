package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	logx "relaybot/pkg/logx"
)

const DefaultSendTimeout = 30 * time.Second

// OverlapPolicy decides what happens when a destination ticks while its
// previous send is still in flight.
type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

// ParseOverlap maps "allow" (default) and "skip" to a policy.
func ParseOverlap(raw string) (OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "allow":
		return OverlapAllow, nil
	case "skip", "skip_if_running":
		return OverlapSkipIfRunning, nil
	default:
		return OverlapAllow, fmt.Errorf("unknown overlap policy %q (use allow or skip)", raw)
	}
}

var ErrSchedulerStopped = errors.New("scheduler stopped")

type SchedulerConfig struct {
	SendTimeout time.Duration
	Overlap     OverlapPolicy
}

// Scheduler runs one independent repeating timer per destination.
//
// Every tick runs in its own goroutine (robfig/cron), so a slow or failing
// destination never delays another destination or the poller.
type Scheduler struct {
	cfg   SchedulerConfig
	cache *Cache
	sink  Sender
	log   logx.Logger
	bus   eventbus.Bus

	runCtx    context.Context
	runCancel context.CancelFunc

	mu      sync.Mutex
	c       *cron.Cron
	handles []*Handle
	stopped bool
}

func NewScheduler(cfg SchedulerConfig, cache *Cache, sink Sender, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:       cfg,
		cache:     cache,
		sink:      sink,
		log:       log,
		bus:       bus,
		runCtx:    ctx,
		runCancel: cancel,
		c:         cron.New(cron.WithLogger(cronLogger{log: log})),
	}
}

// Start registers a repeating timer for d and fires its first tick immediately.
func (s *Scheduler) Start(d Destination) (*Handle, error) {
	if strings.TrimSpace(d.Chat) == "" {
		return nil, errors.New("destination chat is required")
	}
	if d.Interval <= 0 {
		return nil, fmt.Errorf("destination %s: interval must be > 0", d.Chat)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrSchedulerStopped
	}

	h := &Handle{dest: d, s: s}
	h.ctx, h.cancel = context.WithCancel(s.runCtx)
	wrappers := []cron.JobWrapper{cron.Recover(cronLogger{log: s.log})}
	if s.cfg.Overlap == OverlapSkipIfRunning {
		wrappers = append(wrappers, cron.SkipIfStillRunning(cronLogger{log: s.log}))
	}
	job := cron.NewChain(wrappers...).Then(cron.FuncJob(h.tick))

	h.entryID = s.c.Schedule(everySchedule{every: d.Interval}, job)
	s.handles = append(s.handles, h)
	s.c.Start()
	metrics.DestinationsRunning.Inc()

	s.log.Info("periodic sending configured", logx.String("dest", d.Chat), logx.Duration("every", d.Interval))

	go job.Run()
	return h, nil
}

// Stop cancels every timer and abandons in-flight sends. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	hs := append([]*Handle(nil), s.handles...)
	s.mu.Unlock()

	for _, h := range hs {
		h.Stop()
	}
	s.runCancel()
	// cron.Stop would wait for running jobs through its context; in-flight sends
	// are abandoned, so the returned context is deliberately ignored.
	s.c.Stop()
}

// DestinationStatus is a point-in-time view of one timer.
type DestinationStatus struct {
	Chat       string        `json:"chat"`
	Interval   time.Duration `json:"interval"`
	Running    bool          `json:"running"`
	Ticks      uint64        `json:"ticks"`
	Sent       uint64        `json:"sent"`
	Skipped    uint64        `json:"skipped"`
	Failed     uint64        `json:"failed"`
	LastSentAt time.Time     `json:"last_sent_at"`
	LastError  string        `json:"last_error,omitempty"`
	Next       time.Time     `json:"next"`
}

// Snapshot returns the status of every registered destination, sorted by chat.
func (s *Scheduler) Snapshot() []DestinationStatus {
	s.mu.Lock()
	hs := append([]*Handle(nil), s.handles...)
	s.mu.Unlock()

	out := make([]DestinationStatus, 0, len(hs))
	for _, h := range hs {
		st := h.Status()
		if st.Running {
			st.Next = s.c.Entry(h.entryID).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chat < out[j].Chat })
	return out
}

// Handle is one running destination timer.
type Handle struct {
	dest    Destination
	s       *Scheduler
	entryID cron.EntryID
	stopped atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	ticks   atomic.Uint64
	sent    atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64

	mu         sync.Mutex
	lastSentAt time.Time
	lastErr    string
}

func (h *Handle) Running() bool { return !h.stopped.Load() }

// Stop cancels the timer and the destination's context. After Stop returns no
// tick fires, and a send already in flight or racing the stop sees a cancelled
// context and is abandoned without being counted. Idempotent.
func (h *Handle) Stop() {
	if !h.stopped.CompareAndSwap(false, true) {
		return
	}
	h.cancel()
	h.s.c.Remove(h.entryID)
	metrics.DestinationsRunning.Dec()
	h.s.log.Debug("periodic sending stopped", logx.String("dest", h.dest.Chat))
}

func (h *Handle) Status() DestinationStatus {
	h.mu.Lock()
	last, lastErr := h.lastSentAt, h.lastErr
	h.mu.Unlock()
	return DestinationStatus{
		Chat:       h.dest.Chat,
		Interval:   h.dest.Interval,
		Running:    h.Running(),
		Ticks:      h.ticks.Load(),
		Sent:       h.sent.Load(),
		Skipped:    h.skipped.Load(),
		Failed:     h.failed.Load(),
		LastSentAt: last,
		LastError:  lastErr,
	}
}

func (h *Handle) tick() {
	if h.stopped.Load() {
		return
	}
	h.ticks.Add(1)
	chat := h.dest.Chat

	snap, ok := h.s.cache.Current()
	if !ok {
		h.skipped.Add(1)
		metrics.SendTotal.WithLabelValues(chat, "skipped").Inc()
		h.s.bus.Publish(eventbus.Event{Type: eventbus.TypeSendSkipped, Data: eventbus.Delivery{Destination: chat}})
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.s.cfg.SendTimeout)
	defer cancel()
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	err := h.s.sink.Send(ctx, chat, snap)
	took := time.Since(start)
	metrics.SendDuration.WithLabelValues(chat).Observe(took.Seconds())

	d := eventbus.Delivery{Destination: chat, SnapshotID: snap.ID, SourceMsgID: snap.SourceMessageID, Took: took}
	if err != nil {
		if h.ctx.Err() != nil {
			// abandoned by Stop
			return
		}
		h.failed.Add(1)
		h.mu.Lock()
		h.lastErr = err.Error()
		h.mu.Unlock()
		metrics.SendTotal.WithLabelValues(chat, "error").Inc()
		h.s.log.Warn("send failed", logx.String("dest", chat), logx.Duration("took", took), logx.Err(err))
		d.Err = err.Error()
		h.s.bus.Publish(eventbus.Event{Type: eventbus.TypeSendFailed, Data: d})
		return
	}

	h.sent.Add(1)
	h.mu.Lock()
	h.lastSentAt = time.Now()
	h.lastErr = ""
	h.mu.Unlock()
	metrics.SendTotal.WithLabelValues(chat, "ok").Inc()
	h.s.log.Info("sent", logx.String("dest", chat), logx.String("snapshot", snap.ID), logx.Duration("took", took))
	h.s.bus.Publish(eventbus.Event{Type: eventbus.TypeSendOK, Data: d})
}
