package reconcile

import "github.com/vpnworks/xray-agent/internal/domain"

// Queue is the in-process command buffer between the HTTP endpoint and the
// reconciler worker. Commands come out in exactly the order they went in.
type Queue struct {
	ch chan domain.Command
}

// NewQueue creates a queue holding at most capacity pending commands.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan domain.Command, capacity)}
}

// Enqueue adds a command without blocking. A full queue is reported as
// ErrQueueFull so the endpoint can push back instead of buffering without
// bound.
func (q *Queue) Enqueue(cmd domain.Command) error {
	select {
	case q.ch <- cmd:
		return nil
	default:
		return domain.ErrQueueFull{Capacity: cap(q.ch)}
	}
}

// Depth reports the number of buffered commands.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Commands exposes the receive side for the worker.
func (q *Queue) Commands() <-chan domain.Command {
	return q.ch
}
