package cache

import (
	"sync"
	"time"

	"github.com/Wawtawsha/durandal-mcp/pkg/types"
)

// maxPatternEvents bounds the per-id access window at the 100 most recent
// events.
const maxPatternEvents = 100

// AccessEvent is one recorded touch of a memory.
type AccessEvent struct {
	Action    string    `json:"action"` // types.AccessStore or types.AccessSearch
	Timestamp time.Time `json:"timestamp"`
}

// AccessPatterns is the process-wide log of per-memory access events.
// Appends and trims are atomic with respect to each other.
type AccessPatterns struct {
	mu     sync.Mutex
	events map[string][]AccessEvent
}

// NewAccessPatterns creates an empty log.
func NewAccessPatterns() *AccessPatterns {
	return &AccessPatterns{events: make(map[string][]AccessEvent)}
}

// Record appends an event for id, trims the window, and returns the
// resulting AccessPattern summary.
func (p *AccessPatterns) Record(id, action string) types.AccessPattern {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	events := append(p.events[id], AccessEvent{Action: action, Timestamp: now})
	if len(events) > maxPatternEvents {
		events = events[len(events)-maxPatternEvents:]
	}
	p.events[id] = events
	return summarize(events)
}

// Get returns the AccessPattern summary for id.
func (p *AccessPatterns) Get(id string) (types.AccessPattern, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	events, ok := p.events[id]
	if !ok {
		return types.AccessPattern{}, false
	}
	return summarize(events), true
}

// Len returns how many ids have recorded events.
func (p *AccessPatterns) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func summarize(events []AccessEvent) types.AccessPattern {
	pattern := types.AccessPattern{
		Frequency:   len(events),
		AccessTimes: make([]time.Time, len(events)),
	}
	for i, ev := range events {
		pattern.AccessTimes[i] = ev.Timestamp
	}
	if len(events) > 0 {
		last := events[len(events)-1].Timestamp
		pattern.LastAccess = &last
	}
	return pattern
}
