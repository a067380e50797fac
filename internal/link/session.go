package link

import (
	"errors"
	"sync"
	"time"
)

var ErrLinkLost = errors.New("link: link lost")

// Status is the reliability state of the ground link.
type Status int

const (
	StatusUp Status = iota
	StatusDegraded
	StatusLost
)

func (s Status) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusDegraded:
		return "degraded"
	case StatusLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Session tracks sequencing state for one ground contact. A new Session is
// created on every connection; sequence state never survives a reconnect.
type Session struct {
	mu            sync.Mutex
	lastRxSeq     uint32
	lastTxSeq     uint32
	rxSeen        bool
	establishedAt time.Time
}

func NewSession(now time.Time) *Session {
	return &Session{establishedAt: now}
}

// AcceptRx checks a received sequence number. It returns true when the
// frame is new and must be dispatched; false for a retransmission, which
// is acknowledged by the caller but never dispatched again.
func (s *Session) AcceptRx(seq uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rxSeen && seq <= s.lastRxSeq {
		return false
	}
	s.rxSeen = true
	s.lastRxSeq = seq
	return true
}

// NextTxSeq allocates the next outbound sequence number.
func (s *Session) NextTxSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTxSeq++
	return s.lastTxSeq
}

func (s *Session) LastRxSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRxSeq
}

func (s *Session) EstablishedAt() time.Time {
	return s.establishedAt
}
