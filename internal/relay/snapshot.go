package relay

import (
	"time"

	"github.com/google/uuid"
)

// FormatHTML is the content-format tag attached to every snapshot.
const FormatHTML = "html"

// Item is one raw message returned by a transport fetch.
// Entities and Media are transport-specific and passed through untouched.
type Item struct {
	ID       int64
	Text     string
	Entities any
	Media    any
	Date     time.Time
}

// Snapshot is the cached copy of the latest source message.
//
// A Snapshot must not be modified after it has been stored in a Cache;
// readers share the same pointer.
type Snapshot struct {
	ID              string
	SourceMessageID int64
	Body            string
	Entities        any
	Media           any
	Format          string
	FetchedAt       time.Time
}

// NewSnapshot builds a snapshot from a fetched item.
func NewSnapshot(it Item, fetchedAt time.Time) *Snapshot {
	return &Snapshot{
		ID:              uuid.NewString(),
		SourceMessageID: it.ID,
		Body:            it.Text,
		Entities:        it.Entities,
		Media:           it.Media,
		Format:          FormatHTML,
		FetchedAt:       fetchedAt,
	}
}

// HasMedia reports whether the snapshot carries a media reference.
func (s *Snapshot) HasMedia() bool { return s != nil && s.Media != nil }
