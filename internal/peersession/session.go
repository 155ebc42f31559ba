// Package peersession tracks one connection's handshake/ping state
// machine, traffic stats and quality score, and its per-connection rate
// limiting.
package peersession

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/loggo"
	"golang.org/x/time/rate"

	"github.com/ironpeak/tinybit/internal/transport"
)

var log = loggo.GetLogger("peersession")

// State is one node in the per-connection handshake state machine.
type State int

const (
	Connected State = iota
	SentVersion
	VersionReceived
	VerAckReceived // == Ready
	Disconnected
	Banned
)

// Ready is an alias for VerAckReceived, the terminal non-disconnected state.
const Ready = VerAckReceived

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case SentVersion:
		return "sent_version"
	case VersionReceived:
		return "version_received"
	case VerAckReceived:
		return "ready"
	case Disconnected:
		return "disconnected"
	case Banned:
		return "banned"
	default:
		return "unknown"
	}
}

// legalTransitions enumerates the legal state edges. Any live state can
// move to Disconnected or Banned (fatal codec error, ban, explicit close,
// ping timeout).
var legalTransitions = map[State]map[State]bool{
	Connected:        {SentVersion: true, VersionReceived: true, Disconnected: true, Banned: true},
	SentVersion:      {VersionReceived: true, Disconnected: true, Banned: true},
	VersionReceived:  {VerAckReceived: true, Disconnected: true, Banned: true},
	VerAckReceived:   {Disconnected: true, Banned: true},
	Disconnected:     {},
	Banned:           {},
}

// Stats tracks per-peer traffic counters, updated on every send/recv.
type Stats struct {
	LastSend time.Time
	LastRecv time.Time
	BytesSent uint64
	BytesRecv uint64
	Success  uint64
	Failure  uint64
}

const (
	pingInterval     = 60 * time.Second
	pongTimeout      = 90 * time.Second
	latencyEMADecay  = 0.2
	rateBucketSize   = 100
	rateRefillPerSec = 50
	overflowBanAfter = 10
	overflowBanDur   = 24 * time.Hour
)

// Session is one connection's full tracked state: handshake phase, stats,
// quality, ping/pong bookkeeping and its own rate limiter. Each Session has
// its own token bucket; sessions from the same IP do not share one.
type Session struct {
	ID         string
	Remote     transport.Address
	Inbound    bool
	ConnectedAt time.Time

	mtx   sync.Mutex
	state State
	stats Stats

	latencyEMA   float64
	havLatency   bool
	pingNonce    uint64
	pingSentAt   time.Time
	awaitingPong bool

	compactBlockVersion uint64

	limiter        *rate.Limiter
	overflowStreak int
	overflowWindow int64
}

// New creates a session in the Connected state for a freshly accepted or
// dialed connection.
func New(remote transport.Address, inbound bool) *Session {
	return &Session{
		ID:          uuid.NewString(),
		Remote:      remote,
		Inbound:     inbound,
		ConnectedAt: time.Now(),
		state:       Connected,
		limiter:     rate.NewLimiter(rate.Limit(rateRefillPerSec), rateBucketSize),
	}
}

// State returns the current handshake state.
func (s *Session) State() State {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.state
}

// Transition moves the session to next, rejecting illegal edges.
func (s *Session) Transition(next State) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !legalTransitions[s.state][next] {
		return fmt.Errorf("peersession %s: illegal transition %s -> %s", s.ID, s.state, next)
	}
	log.Debugf("peer %s: %s -> %s", s.ID, s.state, next)
	s.state = next
	return nil
}

// ValidateMessage rejects everything but version/verack until the
// handshake completes.
func (s *Session) ValidateMessage(command string) error {
	s.mtx.Lock()
	state := s.state
	s.mtx.Unlock()
	if state == Ready {
		return nil
	}
	if command == "version" || command == "verack" {
		return nil
	}
	return fmt.Errorf("peersession %s: message %q before handshake ready", s.ID, command)
}

// RecordSend updates send-side stats for n bytes.
func (s *Session) RecordSend(n int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.stats.LastSend = time.Now()
	s.stats.BytesSent += uint64(n)
}

// RecordRecv updates recv-side stats for n bytes.
func (s *Session) RecordRecv(n int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.stats.LastRecv = time.Now()
	s.stats.BytesRecv += uint64(n)
}

// RecordSuccess increments the success counter backing the quality score.
func (s *Session) RecordSuccess() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.stats.Success++
}

// RecordFailure increments the failure counter backing the quality score.
func (s *Session) RecordFailure() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.stats.Failure++
}

// Stats returns a snapshot of the current counters.
func (s *Session) Stats() Stats {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.stats
}

// QualityScore is a monotone function of the success ratio, penalized by
// latency, bounded to [0,1].
func (s *Session) QualityScore() float64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	total := s.stats.Success + s.stats.Failure
	successRatio := 1.0
	if total > 0 {
		successRatio = float64(s.stats.Success) / float64(total)
	}

	penalty := 0.0
	if s.havLatency {
		// 500ms latency costs 0.1 of quality, scaled linearly and capped.
		penalty = s.latencyEMA / (500 * float64(time.Millisecond)) * 0.1
		if penalty > 0.3 {
			penalty = 0.3
		}
	}

	score := successRatio - penalty
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// SetCompactBlockVersion records the compact-block protocol version
// negotiated via sendcmpct. Zero means not yet negotiated.
func (s *Session) SetCompactBlockVersion(v uint64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.compactBlockVersion = v
}

// CompactBlockVersion returns the negotiated compact-block version, 0 if the
// peer never sent sendcmpct.
func (s *Session) CompactBlockVersion() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.compactBlockVersion
}

// NewPing mints a fresh nonce for the next keepalive ping and records the
// send time for the 90s pong deadline.
func (s *Session) NewPing(nonce uint64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.pingNonce = nonce
	s.pingSentAt = time.Now()
	s.awaitingPong = true
}

// ObservePong reports whether nonce matches the outstanding ping and, if
// so, folds the observed RTT into the latency EMA (decay 0.2).
func (s *Session) ObservePong(nonce uint64) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !s.awaitingPong || nonce != s.pingNonce {
		return false
	}
	rtt := time.Since(s.pingSentAt)
	if s.havLatency {
		s.latencyEMA = latencyEMADecay*float64(rtt) + (1-latencyEMADecay)*s.latencyEMA
	} else {
		s.latencyEMA = float64(rtt)
		s.havLatency = true
	}
	s.awaitingPong = false
	return true
}

// PongOverdue reports whether a ping was sent more than 90s ago without a
// matching pong; the caller disconnects such peers.
func (s *Session) PongOverdue(now time.Time) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.awaitingPong && now.Sub(s.pingSentAt) > pongTimeout
}

// DuePing reports whether it's time to send the next 60s keepalive ping.
func (s *Session) DuePing(now time.Time) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return !s.awaitingPong && now.Sub(s.pingSentAt) >= pingInterval
}

// AllowMessage consults the session's token bucket. Windows are one-second
// wide, matching the bucket's refill cadence; a window that contains any
// overflow extends the sustained-overflow streak behind ShouldTemporaryBan,
// and a full clean window (no overflow at all) resets it.
func (s *Session) AllowMessage(now time.Time) bool {
	allowed := s.limiter.AllowN(now, 1)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	window := now.Unix()
	if !allowed {
		switch {
		case window == s.overflowWindow:
			// already counted this window.
		case window == s.overflowWindow+1:
			s.overflowStreak++
			s.overflowWindow = window
		default:
			s.overflowStreak = 1
			s.overflowWindow = window
		}
	} else if window > s.overflowWindow+1 {
		s.overflowStreak = 0
	}
	return allowed
}

// ShouldTemporaryBan reports whether sustained rate-limit overflow (10
// consecutive one-second windows) has crossed the threshold, and the ban
// duration to apply if so.
func (s *Session) ShouldTemporaryBan() (bool, time.Duration) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.overflowStreak >= overflowBanAfter {
		return true, overflowBanDur
	}
	return false, 0
}
