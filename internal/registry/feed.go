package registry

import "sync"

// Change kinds carried on the feed.
const (
	ChangeRegistered = "registered"
	ChangeHealth     = "health"
	ChangeRemoved    = "removed"
)

// ChangeEvent is one observable registry state change.
type ChangeEvent struct {
	EngineID string
	Change   string
	Health   string // new health for ChangeHealth events
}

// Feed is a bounded change feed. Publishing never blocks: when the buffer is
// full the oldest event is dropped, since the reconciliation loop re-reads
// ground truth anyway and only uses the feed to wake early.
type Feed struct {
	mu sync.Mutex
	ch chan ChangeEvent
}

// NewFeed builds a feed with the given buffer size.
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = 16
	}
	return &Feed{ch: make(chan ChangeEvent, size)}
}

// C returns the receive side of the feed.
func (f *Feed) C() <-chan ChangeEvent {
	return f.ch
}

// Publish enqueues an event, dropping the oldest on overflow.
func (f *Feed) Publish(ev ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		select {
		case f.ch <- ev:
			return
		default:
			select {
			case <-f.ch:
			default:
			}
		}
	}
}
