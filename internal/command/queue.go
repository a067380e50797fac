package command

import (
	"context"
	"errors"
	"sync"

	"github.com/meridian-sat/obc/internal/observability"
	"github.com/meridian-sat/obc/internal/protocol"
)

var ErrQueueOverflow = errors.New("command: queue overflow")

// urgent commands jump the queue: overrides and shutdowns must not wait
// behind bulk phase traffic.
func urgent(t protocol.MessageType) bool {
	return t == protocol.TypeOverrideMode || t == protocol.TypeShutdown
}

// Queue is the bounded buffer of decoded commands awaiting dispatch.
// FIFO within a priority band; override/shutdown commands are promoted
// ahead of everything else. A full queue never blocks the receive task:
// the oldest low-priority command is dropped and reported instead.
type Queue struct {
	mu       sync.Mutex
	capacity int
	items    []protocol.Message
	signal   chan struct{}
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 32
	}
	return &Queue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Push enqueues one command. When the queue is full it evicts the oldest
// non-urgent command and returns it with ErrQueueOverflow so the caller
// can report the drop; an urgent-only full queue rejects the newcomer
// itself if it is not urgent.
func (q *Queue) Push(msg protocol.Message) (protocol.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped protocol.Message
	var overflow bool
	if len(q.items) >= q.capacity {
		idx := -1
		for i, item := range q.items {
			if !urgent(item.Type) {
				idx = i
				break
			}
		}
		switch {
		case idx >= 0:
			dropped = q.items[idx]
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			overflow = true
		case !urgent(msg.Type):
			observability.RecordCommandDropped()
			return msg, ErrQueueOverflow
		default:
			dropped = q.items[0]
			q.items = q.items[1:]
			overflow = true
		}
		observability.RecordCommandDropped()
	}

	if urgent(msg.Type) {
		idx := len(q.items)
		for i, item := range q.items {
			if !urgent(item.Type) {
				idx = i
				break
			}
		}
		q.items = append(q.items[:idx], append([]protocol.Message{msg}, q.items[idx:]...)...)
	} else {
		q.items = append(q.items, msg)
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}
	if overflow {
		return dropped, ErrQueueOverflow
	}
	return protocol.Message{}, nil
}

// Pop blocks until a command is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (protocol.Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			if len(q.items) > 0 {
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return msg, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
