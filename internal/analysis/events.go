package analysis

// EventType labels a queue engine lifecycle broadcast.
type EventType string

const (
	EventQueued     EventType = "queued"
	EventProcessing EventType = "processing"
	EventCompleted  EventType = "completed"
	EventRetry      EventType = "retry"
	EventFailed     EventType = "failed"
	EventCancelled  EventType = "cancelled"
)

// Event is broadcast to subscribers on every job state change.
type Event struct {
	Type      EventType
	JobID     int64
	TrackHash string
	Error     string
}

// Subscribe registers a listener. The returned channel is buffered; if a
// subscriber falls behind, events for it are dropped rather than blocking
// the queue engine.
func (q *Queue) Subscribe() <-chan Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch := make(chan Event, 64)
	q.subs = append(q.subs, ch)
	return ch
}

func (q *Queue) emit(ev Event) {
	q.mu.Lock()
	subs := q.subs
	q.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
