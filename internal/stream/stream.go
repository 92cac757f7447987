package stream

import (
	"sync"

	"github.com/carbon-oracle/sorbent/internal/api"
)

// Event is one tick's read-only view for the presentation layer. Pointers
// are to copies owned by the event; subscribers can never mutate loop state.
type Event struct {
	BatchID    string                    `json:"batch_id"`
	Tick       int                       `json:"tick"`
	State      api.LifecycleState        `json:"state"`
	Sample     *api.SensorSample         `json:"sample,omitempty"`
	Features   *api.FeatureVector        `json:"features,omitempty"`
	Prediction *api.Prediction           `json:"prediction,omitempty"`
	Decision   *api.InterventionDecision `json:"decision,omitempty"`
}

// Broadcaster fans tick events out to any number of subscribers. Publishing
// never blocks: a subscriber whose buffer is full drops the event, so a
// slow dashboard cannot stall the control loop.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	buffer  int
	dropped uint64
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[int]chan Event),
		buffer: buffer,
	}
}

// Subscribe returns a receive-only event channel and a cancel func. The
// channel closes on cancel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber, dropping where full.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many events were discarded on full buffers.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
