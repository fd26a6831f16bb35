package peer

import "sync"

// opQueue runs submitted operations one at a time on a single goroutine.
// push never blocks, so transport callbacks can enqueue from any goroutine.
type opQueue struct {
	mu     sync.Mutex
	ops    []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newOpQueue() *opQueue {
	return &opQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *opQueue) push(op func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.ops = append(q.ops, op)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// close drops queued operations. The one in flight, if any, finishes.
func (q *opQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.ops = nil
	close(q.done)
}

func (q *opQueue) run(onExit func()) {
	defer onExit()
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.ops) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		op := q.ops[0]
		q.ops[0] = nil
		q.ops = q.ops[1:]
		q.mu.Unlock()

		op()
	}
}
