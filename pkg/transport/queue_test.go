package transport

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id string) QueueEntry {
	return QueueEntry{Topic: "t", Payload: []byte(id), MessageID: id, EnqueuedAt: time.Unix(0, 0)}
}

func TestOfflineQueueFIFO(t *testing.T) {
	q := NewOfflineQueue(10)
	for i := 1; i <= 3; i++ {
		_, evicted := q.Push(entry(fmt.Sprintf("A%d", i)))
		assert.False(t, evicted)
	}

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "A1", head.MessageID)

	q.Ack("A1")
	q.Ack("A3") // not the head
	assert.Equal(t, 2, q.Len())

	ids := []string{}
	for _, e := range q.Entries() {
		ids = append(ids, e.MessageID)
	}
	assert.Equal(t, []string{"A2", "A3"}, ids)
}

func TestOfflineQueueDropsOldest(t *testing.T) {
	q := NewOfflineQueue(2)
	q.Push(entry("A1"))
	q.Push(entry("A2"))

	dropped, evicted := q.Push(entry("A3"))
	require.True(t, evicted)
	assert.Equal(t, "A1", dropped.MessageID)

	q.Ack("A2")
	stats := q.Stats()
	assert.Equal(t, QueueStats{Depth: 1, Capacity: 2, Enqueued: 3, Dropped: 1, Flushed: 1, Oldest: time.Unix(0, 0)}, stats)
}

func TestOfflineQueueDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultQueueCapacity, NewOfflineQueue(0).Stats().Capacity)
	_, ok := NewOfflineQueue(1).Peek()
	assert.False(t, ok)
}
