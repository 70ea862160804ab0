package scheduler

import "sync"

// queue is a mutex-guarded FIFO of runnables.
type queue struct {
	mu    sync.Mutex
	items []Runnable
}

func (q *queue) push(r Runnable) {
	q.mu.Lock()
	q.items = append(q.items, r)
	q.mu.Unlock()
}

func (q *queue) pushAll(rs []Runnable) {
	if len(rs) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, rs...)
	q.mu.Unlock()
}

func (q *queue) pop() (Runnable, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	r := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return r, true
}

// stealHalf removes the older half of the queue, rounded up.
func (q *queue) stealHalf() []Runnable {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := (len(q.items) + 1) / 2
	if n == 0 {
		return nil
	}
	out := make([]Runnable, n)
	copy(out, q.items[:n])
	clear(q.items[:n])
	q.items = q.items[n:]
	return out
}

func (q *queue) drain() []Runnable {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
