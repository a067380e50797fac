package link

import (
	"testing"
	"time"

	"github.com/meridian-sat/obc/internal/testutil/testlog"
)

func TestAcceptRxInOrder(t *testing.T) {
	testlog.Start(t)
	s := NewSession(time.Unix(1700000000, 0))
	for seq := uint32(1); seq <= 5; seq++ {
		if !s.AcceptRx(seq) {
			t.Fatalf("seq %d should be accepted", seq)
		}
	}
	if s.LastRxSeq() != 5 {
		t.Fatalf("unexpected last rx seq: %d", s.LastRxSeq())
	}
}

func TestAcceptRxDuplicateRejected(t *testing.T) {
	testlog.Start(t)
	s := NewSession(time.Unix(1700000000, 0))
	if !s.AcceptRx(7) {
		t.Fatalf("first frame should be accepted")
	}
	if s.AcceptRx(7) {
		t.Fatalf("retransmitted frame must not be dispatched")
	}
	if s.AcceptRx(3) {
		t.Fatalf("stale frame must not be dispatched")
	}
	if !s.AcceptRx(8) {
		t.Fatalf("next frame should be accepted")
	}
}

func TestAcceptRxGapStillAccepted(t *testing.T) {
	testlog.Start(t)
	s := NewSession(time.Unix(1700000000, 0))
	if !s.AcceptRx(1) || !s.AcceptRx(9) {
		t.Fatalf("forward gaps are accepted; the link is lossy")
	}
}

func TestNextTxSeqMonotonic(t *testing.T) {
	testlog.Start(t)
	s := NewSession(time.Unix(1700000000, 0))
	prev := uint32(0)
	for i := 0; i < 10; i++ {
		seq := s.NextTxSeq()
		if seq <= prev {
			t.Fatalf("tx seq not monotonic: %d after %d", seq, prev)
		}
		prev = seq
	}
}
