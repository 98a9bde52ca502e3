package relay

import (
	"sync"
	"time"
)

// Event is one human-readable state-transition notice for the UI's
// activity view. Reload hints that the pending list changed.
type Event struct {
	Time    time.Time `json:"time"`
	ItemID  string    `json:"item_id,omitempty"`
	Message string    `json:"message"`
	Reload  bool      `json:"reload_calls"`
}

// Feed fans state transitions out to any number of subscribers. A slow
// subscriber drops events rather than stalling the engine.
type Feed struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of events and a cancel func that must be
// called when the subscriber goes away.
func (f *Feed) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

func (f *Feed) Publish(itemID, message string, reload bool) {
	event := Event{
		Time:    time.Now(),
		ItemID:  itemID,
		Message: message,
		Reload:  reload,
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
