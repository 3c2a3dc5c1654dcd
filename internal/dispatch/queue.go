package dispatch

import "sync"

// Queue is a bounded FIFO of requests for one guild. When full, Enqueue
// rejects the new request.
type Queue struct {
	mu       sync.Mutex
	guildID  string
	capacity int
	items    []Request
}

func NewQueue(guildID string, capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{guildID: guildID, capacity: capacity}
}

// Enqueue appends req or returns *QueueOverflowError. It never blocks on
// anything but the queue's own mutex.
func (q *Queue) Enqueue(req Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return &QueueOverflowError{GuildID: q.guildID, Capacity: q.capacity}
	}
	q.items = append(q.items, req)
	return nil
}

// Dequeue pops the oldest request.
func (q *Queue) Dequeue() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Request{}, false
	}
	req := q.items[0]
	q.items[0] = Request{}
	q.items = q.items[1:]
	return req, true
}

// Drop discards up to limit of the oldest requests (all when limit <= 0)
// and returns how many were removed.
func (q *Queue) Drop(limit int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if limit > 0 && limit < n {
		n = limit
	}
	clear(q.items[:n])
	q.items = q.items[n:]
	return n
}

// Clear discards every queued request.
func (q *Queue) Clear() int {
	return q.Drop(0)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
