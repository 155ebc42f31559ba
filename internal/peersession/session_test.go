package peersession

import (
	"testing"
	"time"

	"github.com/ironpeak/tinybit/internal/transport"
)

func newTestSession() *Session {
	return New(transport.Address{Kind: transport.KindTCP, HostPort: "10.0.0.1:8333"}, true)
}

func TestHandshakeStateMachine(t *testing.T) {
	s := newTestSession()
	if s.State() != Connected {
		t.Fatalf("expected Connected, got %s", s.State())
	}
	if err := s.Transition(SentVersion); err != nil {
		t.Fatalf("Connected -> SentVersion should be legal: %v", err)
	}
	if err := s.Transition(VersionReceived); err != nil {
		t.Fatalf("SentVersion -> VersionReceived should be legal: %v", err)
	}
	if err := s.Transition(VerAckReceived); err != nil {
		t.Fatalf("VersionReceived -> Ready should be legal: %v", err)
	}
	if s.State() != Ready {
		t.Fatalf("expected Ready, got %s", s.State())
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	s := newTestSession()
	if err := s.Transition(VerAckReceived); err == nil {
		t.Fatal("expected Connected -> Ready to be illegal without intermediate states")
	}
}

func TestValidateMessageBeforeReady(t *testing.T) {
	s := newTestSession()
	if err := s.ValidateMessage("version"); err != nil {
		t.Fatalf("version should be allowed pre-ready: %v", err)
	}
	if err := s.ValidateMessage("tx"); err == nil {
		t.Fatal("expected non-handshake message to be rejected before ready")
	}
	s.Transition(SentVersion)
	s.Transition(VersionReceived)
	s.Transition(VerAckReceived)
	if err := s.ValidateMessage("tx"); err != nil {
		t.Fatalf("any message should be allowed once ready: %v", err)
	}
}

func TestPingPongLatencyEMA(t *testing.T) {
	s := newTestSession()
	s.NewPing(42)
	if !s.ObservePong(42) {
		t.Fatal("expected matching pong to be observed")
	}
	if !s.havLatency {
		t.Fatal("a matching pong should seed the latency EMA")
	}
	if s.ObservePong(42) {
		t.Fatal("a second pong for the same nonce should not re-observe")
	}
}

func TestPongOverdueTriggersDisconnect(t *testing.T) {
	s := newTestSession()
	s.NewPing(1)
	s.pingSentAt = time.Now().Add(-91 * time.Second)
	if !s.PongOverdue(time.Now()) {
		t.Fatal("expected pong overdue after 91s without a matching pong")
	}
}

func TestQualityScoreBounds(t *testing.T) {
	s := newTestSession()
	if got := s.QualityScore(); got != 1.0 {
		t.Fatalf("expected perfect quality with no history, got %f", got)
	}
	for i := 0; i < 5; i++ {
		s.RecordFailure()
	}
	if got := s.QualityScore(); got != 0.0 {
		t.Fatalf("expected zero quality with all failures, got %f", got)
	}
}

func TestRateLimitOverflowTriggersBan(t *testing.T) {
	s := newTestSession()
	now := time.Unix(1_700_000_000, 0)

	// Drain the initial burst, then one more call overflows window 0.
	for i := 0; i < rateBucketSize; i++ {
		if !s.AllowMessage(now) {
			t.Fatalf("message %d should be within bucket capacity", i)
		}
	}
	if s.AllowMessage(now) {
		t.Fatal("101st message in the same window should overflow")
	}

	// Each subsequent one-second window refills ~rateRefillPerSec tokens;
	// drain those too so the window's final call also overflows.
	for i := 1; i < overflowBanAfter; i++ {
		now = now.Add(time.Second)
		for j := 0; j < rateRefillPerSec; j++ {
			s.AllowMessage(now)
		}
		if s.AllowMessage(now) {
			t.Fatalf("window %d: expected overflow after draining the refill", i)
		}
	}

	shouldBan, dur := s.ShouldTemporaryBan()
	if !shouldBan || dur != overflowBanDur {
		t.Fatalf("expected sustained overflow to trigger a 24h ban, got ban=%v dur=%v", shouldBan, dur)
	}
}
