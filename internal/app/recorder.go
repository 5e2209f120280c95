package app

import (
	"context"
	"time"

	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

const journalWriteTimeout = 5 * time.Second

// startRecorder journals every send attempt to the store.
// Skipped ticks are not journaled; they show up in metrics and /status.
func (a *App) startRecorder() {
	events, unsub := a.bus.Subscribe(256)
	log := a.log.With(logx.String("comp", "journal"))
	a.sup.Go0("delivery.recorder", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				rec, ok := deliveryRecord(e)
				if !ok {
					continue
				}
				wctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
				err := a.store.AppendDelivery(wctx, rec)
				cancel()
				if err != nil {
					metrics.JournalErrors.Inc()
					log.Warn("delivery not journaled", logx.String("dest", rec.Destination), logx.Err(err))
				}
			}
		}
	})
}

// deliveryRecord maps a relay.send.ok / relay.send.failed event to a journal row.
func deliveryRecord(e eventbus.Event) (storage.Delivery, bool) {
	var result string
	switch e.Type {
	case eventbus.TypeSendOK:
		result = storage.ResultOK
	case eventbus.TypeSendFailed:
		result = storage.ResultError
	default:
		return storage.Delivery{}, false
	}
	d, ok := e.Data.(eventbus.Delivery)
	if !ok {
		return storage.Delivery{}, false
	}
	return storage.Delivery{
		At:          e.Time,
		Destination: d.Destination,
		SnapshotID:  d.SnapshotID,
		SourceMsgID: d.SourceMsgID,
		Result:      result,
		Error:       d.Err,
		TookMS:      d.Took.Milliseconds(),
	}, true
}
