package transport

import (
	"sync"
	"time"
)

// DefaultQueueCapacity bounds the broker's offline queue.
const DefaultQueueCapacity = 1000

// QueueEntry is a serialized message waiting for the broker link.
type QueueEntry struct {
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
	QoS        byte      `json:"qos"`
	Retain     bool      `json:"retain"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	MessageID  string    `json:"message_id"`
}

// QueueStats describes the offline queue.
type QueueStats struct {
	Depth    int       `json:"depth"`
	Capacity int       `json:"capacity"`
	Enqueued uint64    `json:"enqueued"`
	Dropped  uint64    `json:"dropped"`
	Flushed  uint64    `json:"flushed"`
	Oldest   time.Time `json:"oldest,omitempty"`
}

// OfflineQueue is a bounded FIFO that evicts its oldest entry when full.
type OfflineQueue struct {
	mu       sync.Mutex
	entries  []QueueEntry
	capacity int
	enqueued uint64
	dropped  uint64
	flushed  uint64
}

// NewOfflineQueue creates a queue; a non-positive capacity uses the default.
func NewOfflineQueue(capacity int) *OfflineQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &OfflineQueue{capacity: capacity}
}

// Push appends e. When the queue is full the oldest entry is evicted and
// returned with evicted set to true.
func (q *OfflineQueue) Push(e QueueEntry) (dropped QueueEntry, evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.capacity {
		dropped = q.entries[0]
		q.entries[0] = QueueEntry{}
		q.entries = q.entries[1:]
		q.dropped++
		evicted = true
	}
	q.entries = append(q.entries, e)
	q.enqueued++
	return dropped, evicted
}

// Peek returns the head without removing it.
func (q *OfflineQueue) Peek() (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return QueueEntry{}, false
	}
	return q.entries[0], true
}

// Ack removes the head after it was published. It is a no-op if the head
// is no longer the entry with messageID, which happens when the entry was
// evicted while being published.
func (q *OfflineQueue) Ack(messageID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 || q.entries[0].MessageID != messageID {
		return
	}
	q.entries[0] = QueueEntry{}
	q.entries = q.entries[1:]
	q.flushed++
}

// Len returns the number of queued entries.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of the queue in FIFO order.
func (q *OfflineQueue) Entries() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueueEntry(nil), q.entries...)
}

// Stats returns the queue counters.
func (q *OfflineQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := QueueStats{
		Depth:    len(q.entries),
		Capacity: q.capacity,
		Enqueued: q.enqueued,
		Dropped:  q.dropped,
		Flushed:  q.flushed,
	}
	if len(q.entries) > 0 {
		s.Oldest = q.entries[0].EnqueuedAt
	}
	return s
}
