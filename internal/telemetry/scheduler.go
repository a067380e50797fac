package telemetry

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/meridian-sat/obc/internal/link"
	"github.com/meridian-sat/obc/internal/observability"
	"github.com/meridian-sat/obc/internal/protocol"
)

// Class orders outbound traffic. Lower values drain first; a band only
// drains when every band above it is empty.
type Class int

const (
	// ClassControl is heartbeat traffic; it must never sit behind bulk data.
	ClassControl Class = iota
	// ClassReply is command replies, status reports and error reports.
	ClassReply
	// ClassBulk is periodic telemetry and image frames.
	ClassBulk
	numClasses
)

func (c Class) String() string {
	switch c {
	case ClassControl:
		return "control"
	case ClassReply:
		return "reply"
	default:
		return "bulk"
	}
}

// Classify maps a message type onto its traffic class.
func Classify(t protocol.MessageType) Class {
	switch t {
	case protocol.TypePing, protocol.TypePingAck:
		return ClassControl
	case protocol.TypeData, protocol.TypeImage:
		return ClassBulk
	default:
		return ClassReply
	}
}

// Item is one outbound message awaiting a link sequence number. The
// transmit task assigns the sequence at encode time so the wire order and
// the sequence order can never diverge.
type Item struct {
	Type    protocol.MessageType
	Payload []byte
}

// Config wires the scheduler to its collaborators.
type Config struct {
	// LinkStatus gates bulk traffic: while the link is lost, bulk items are
	// held in a bounded side buffer instead of the live bands.
	LinkStatus func() link.Status
	// BulkCapacity bounds the lost-link side buffer.
	BulkCapacity int
	// Countdown owns the shutdown timer.
	Countdown *Countdown
}

// Scheduler is the single outbound path to the ground station. Everything
// the core wants to send goes through Enqueue; the transmit task drains it
// with Next in strict priority order.
type Scheduler struct {
	mu         sync.Mutex
	bands      [numClasses][]Item
	buffered   []Item
	bulkCap    int
	linkStatus func() link.Status
	countdown  *Countdown
	signal     chan struct{}
}

func NewScheduler(cfg Config) *Scheduler {
	if cfg.BulkCapacity <= 0 {
		cfg.BulkCapacity = 64
	}
	if cfg.LinkStatus == nil {
		cfg.LinkStatus = func() link.Status { return link.StatusUp }
	}
	return &Scheduler{
		bulkCap:    cfg.BulkCapacity,
		linkStatus: cfg.LinkStatus,
		countdown:  cfg.Countdown,
		signal:     make(chan struct{}, 1),
	}
}

// Enqueue accepts one outbound message. It never blocks: bulk traffic on a
// lost link is buffered (oldest dropped once the buffer fills), everything
// else joins its priority band immediately.
func (s *Scheduler) Enqueue(t protocol.MessageType, payload []byte) {
	class := Classify(t)

	s.mu.Lock()
	if class == ClassBulk && s.linkStatus() == link.StatusLost {
		if len(s.buffered) >= s.bulkCap {
			s.buffered = s.buffered[1:]
			log.Debug().Stringer("type", t).Msg("bulk buffer full, oldest dropped")
		}
		s.buffered = append(s.buffered, Item{Type: t, Payload: payload})
		observability.SetBulkBuffered(len(s.buffered))
		s.mu.Unlock()
		return
	}
	s.bands[class] = append(s.bands[class], Item{Type: t, Payload: payload})
	s.mu.Unlock()

	s.wake()
}

// FlushBuffered releases the lost-link bulk buffer into the live bulk band.
// The runtime calls it on the link's Lost -> Up/Degraded transition.
func (s *Scheduler) FlushBuffered() int {
	s.mu.Lock()
	n := len(s.buffered)
	if n > 0 {
		s.bands[ClassBulk] = append(s.bands[ClassBulk], s.buffered...)
		s.buffered = nil
		observability.SetBulkBuffered(0)
	}
	s.mu.Unlock()

	if n > 0 {
		log.Info().Int("messages", n).Msg("buffered bulk telemetry released")
		s.wake()
	}
	return n
}

// Next blocks until an outbound message is available or ctx is done, and
// returns the highest-priority pending item.
func (s *Scheduler) Next(ctx context.Context) (Item, error) {
	for {
		s.mu.Lock()
		for class := ClassControl; class < numClasses; class++ {
			if len(s.bands[class]) == 0 {
				continue
			}
			item := s.bands[class][0]
			s.bands[class] = s.bands[class][1:]
			pending := s.pendingLocked()
			s.mu.Unlock()
			if pending > 0 {
				s.wake()
			}
			observability.RecordFrameSent(class.String())
			return item, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-s.signal:
		}
	}
}

// Pending reports how many items sit in the live bands.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

// Buffered reports how many bulk items are held for a lost link.
func (s *Scheduler) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffered)
}

// StartShutdown arms the shutdown countdown. It reports false when a
// countdown is already running.
func (s *Scheduler) StartShutdown(seconds uint32) bool {
	if s.countdown == nil {
		return false
	}
	return s.countdown.Start(seconds)
}

// AbortShutdown cancels a running countdown, reporting whether one was
// armed.
func (s *Scheduler) AbortShutdown() bool {
	if s.countdown == nil {
		return false
	}
	return s.countdown.Abort()
}

func (s *Scheduler) pendingLocked() int {
	n := 0
	for class := ClassControl; class < numClasses; class++ {
		n += len(s.bands[class])
	}
	return n
}

func (s *Scheduler) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
