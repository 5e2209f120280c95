package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal next to Path
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Delivery results.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Delivery records one send attempt to a destination.
// Keep it compact and schema-stable.
type Delivery struct {
	ID          string    `json:"id"`
	At          time.Time `json:"at"`
	Destination string    `json:"destination"`
	SnapshotID  string    `json:"snapshot_id,omitempty"`
	SourceMsgID int64     `json:"source_msg_id,omitempty"`
	Result      string    `json:"result"`
	Error       string    `json:"error,omitempty"`
	TookMS      int64     `json:"took_ms"`
}
