package task

import (
	"sync"
	"time"
)

// EventKind classifies scheduler notifications.
type EventKind string

const (
	EventTaskUpdated        EventKind = "task_updated"
	EventBatchStatusChanged EventKind = "batch_status_changed"
	EventProgressUpdated    EventKind = "progress_updated"
	EventBatchCompleted     EventKind = "batch_completed"
)

// Event is a sequenced notification. Only the fields relevant to Kind are set.
type Event struct {
	Seq       int64       `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
	Kind      EventKind   `json:"kind"`
	Task      *Record     `json:"task,omitempty"`
	Status    BatchStatus `json:"status,omitempty"`
	Progress  float64     `json:"progress"`
	Message   string      `json:"message,omitempty"`
	Stats     *Stats      `json:"stats,omitempty"`
}

type subscriber struct {
	id   int
	kind EventKind
	fn   func(Event)
}

// Events fans scheduler notifications out to subscribers and keeps a
// bounded history for incremental reads.
type Events struct {
	mu        sync.RWMutex
	nextSeq   int64
	nextID    int
	maxEvents int
	history   []Event
	subs      []subscriber
}

// NewEvents creates a bus keeping at most maxEvents of history.
func NewEvents(maxEvents int) *Events {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	return &Events{maxEvents: maxEvents}
}

// Subscribe registers fn for one kind; an empty kind receives everything.
// Callbacks run on the publishing goroutine and must not block for long.
func (b *Events) Subscribe(kind EventKind, fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, kind: kind, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Since returns buffered events with sequence strictly greater than seq.
func (b *Events) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, len(b.history))
	for _, ev := range b.history {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

func (b *Events) publish(ev Event) Event {
	b.mu.Lock()
	b.nextSeq++
	ev.Seq = b.nextSeq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.history = append(b.history, ev)
	if len(b.history) > b.maxEvents {
		trim := len(b.history) - b.maxEvents
		b.history = append([]Event(nil), b.history[trim:]...)
	}
	targets := make([]func(Event), 0, len(b.subs))
	for _, s := range b.subs {
		if s.kind == "" || s.kind == ev.Kind {
			targets = append(targets, s.fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range targets {
		fn(ev)
	}
	return ev
}
