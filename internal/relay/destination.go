package relay

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// MaxInterval bounds a destination cadence.
const MaxInterval = 366 * 24 * time.Hour

// Destination is one chat that receives the cached message every Interval.
type Destination struct {
	Chat     string
	Interval time.Duration
}

// DestinationsFromMinutes converts a chat -> minutes map into destinations
// sorted by chat, rejecting empty chats and non-positive intervals.
func DestinationsFromMinutes(m map[string]int) ([]Destination, error) {
	out := make([]Destination, 0, len(m))
	for chat, minutes := range m {
		chat = strings.TrimSpace(chat)
		if chat == "" {
			return nil, fmt.Errorf("destination chat must not be empty")
		}
		if minutes <= 0 {
			return nil, fmt.Errorf("destination %s: interval must be > 0 minutes (got %d)", chat, minutes)
		}
		if int64(minutes) > int64(MaxInterval/time.Minute) {
			return nil, fmt.Errorf("destination %s: interval must be at most %d minutes (got %d)", chat, int64(MaxInterval/time.Minute), minutes)
		}
		out = append(out, Destination{Chat: chat, Interval: time.Duration(minutes) * time.Minute})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chat < out[j].Chat })
	return out, nil
}
