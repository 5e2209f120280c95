package app

import (
	"context"
	"time"

	"relaybot/internal/relay"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
)

const statusRecentDeliveries = 20

// Status is the document served at /status.
type Status struct {
	Transport    string                    `json:"transport"`
	Source       string                    `json:"source"`
	Cache        CacheStatus               `json:"cache"`
	Destinations []relay.DestinationStatus `json:"destinations"`
	Supervisor   rtsup.Snapshot            `json:"supervisor"`
	Poller       rtsup.Snapshot            `json:"poller"`
	Deliveries   []storage.Delivery        `json:"recent_deliveries,omitempty"`
	JournalError string                    `json:"journal_error,omitempty"`
}

type CacheStatus struct {
	Populated   bool      `json:"populated"`
	Version     uint64    `json:"version"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
	SnapshotID  string    `json:"snapshot_id,omitempty"`
	SourceMsgID int64     `json:"source_msg_id,omitempty"`
	HasMedia    bool      `json:"has_media"`
}

func (a *App) status(ctx context.Context) any {
	st := Status{
		Transport: a.transport.Name(),
		Source:    a.settings.Source,
	}
	if snap, ok := a.cache.Current(); ok {
		st.Cache = CacheStatus{
			Populated:   true,
			Version:     a.cache.Version(),
			UpdatedAt:   a.cache.UpdatedAt(),
			SnapshotID:  snap.ID,
			SourceMsgID: snap.SourceMessageID,
			HasMedia:    snap.HasMedia(),
		}
	}

	a.mu.Lock()
	sup, relaySup, sched := a.sup, a.relaySup, a.sched
	a.mu.Unlock()
	if sched != nil {
		st.Destinations = sched.Snapshot()
	}
	st.Supervisor = sup.Snapshot()
	st.Poller = relaySup.Snapshot()

	if a.store != nil {
		recent, err := a.store.RecentDeliveries(ctx, statusRecentDeliveries)
		if err != nil {
			st.JournalError = err.Error()
		}
		st.Deliveries = recent
	}
	return st
}
