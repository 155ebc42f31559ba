// Package dandelion implements the Dandelion stem/fluff privacy relay:
// each locally seen transaction is forwarded along a single embedded path
// (stem) before being broadcast to everyone (fluff).
package dandelion

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/juju/loggo"
)

var log = loggo.GetLogger("dandelion")

// Phase is a tracked transaction's current relay phase.
type Phase int

const (
	Stem Phase = iota
	Fluff
)

func (p Phase) String() string {
	if p == Fluff {
		return "fluff"
	}
	return "stem"
}

// Config holds the relay tunables.
type Config struct {
	FluffProbability float64       // default 0.1
	StemTimeout      time.Duration // default 10s
	MaxStemHops      int           // default 10
	EpochDuration     time.Duration // default 10m
}

// DefaultConfig returns the standard Dandelion parameters.
func DefaultConfig() Config {
	return Config{
		FluffProbability: 0.1,
		StemTimeout:      10 * time.Second,
		MaxStemHops:      10,
		EpochDuration:    10 * time.Minute,
	}
}

type trackedTx struct {
	phase    Phase
	hopCount int
	startAt  time.Time
}

// Relay is the process-wide Dandelion state: the per-tx stem/fluff tracker
// plus the epoch-rebuilt peer embedding (a deterministic line graph mapping
// each inbound peer to a single next-hop out-peer).
type Relay struct {
	cfg Config
	rng func() float64

	mtx      sync.Mutex
	tracked  map[chainhash.Hash]*trackedTx
	embedding map[string]string // inbound peer id -> next-hop out-peer id
	epochStart time.Time
}

// New builds a Relay using crypto/rand for the fluff-probability coin
// flip.
func New(cfg Config) *Relay {
	return &Relay{
		cfg:        cfg,
		rng:        cryptoFloat64,
		tracked:    make(map[chainhash.Hash]*trackedTx),
		embedding:  make(map[string]string),
		epochStart: time.Time{},
	}
}

func cryptoFloat64() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure is unrecoverable entropy starvation; fall
		// back to the least-private choice (always fluff) rather than
		// block the relay path.
		return 1.0
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / float64(1<<53)
}

// RebuildEmbedding assigns each inbound peer id a single next-hop
// out-peer, deterministically for the duration of one epoch. Readers
// observe either the prior or new mapping atomically.
func (r *Relay) RebuildEmbedding(now time.Time, inbound, outbound []string) {
	if len(outbound) == 0 {
		return
	}
	next := make(map[string]string, len(inbound))
	for i, in := range inbound {
		next[in] = outbound[i%len(outbound)]
	}

	r.mtx.Lock()
	r.embedding = next
	r.epochStart = now
	r.mtx.Unlock()
}

// EpochDue reports whether the embedding is due for a rebuild.
func (r *Relay) EpochDue(now time.Time) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.epochStart.IsZero() || now.Sub(r.epochStart) >= r.cfg.EpochDuration
}

// NextHop returns the out-peer the embedding assigns to inPeer, if any.
func (r *Relay) NextHop(inPeer string) (string, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	hop, ok := r.embedding[inPeer]
	return hop, ok
}

// Observe tracks a tx seen for the first time: it either starts stemming
// with a zero hop count or is immediately marked fluff with probability
// FluffProbability. A tx already tracked keeps its phase.
func (r *Relay) Observe(txHash chainhash.Hash, now time.Time) Phase {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if t, ok := r.tracked[txHash]; ok {
		return t.phase
	}

	phase := Stem
	if r.rng() < r.cfg.FluffProbability {
		phase = Fluff
	}
	r.tracked[txHash] = &trackedTx{phase: phase, hopCount: 0, startAt: now}
	return phase
}

// AdvanceStem bumps the hop counter on a relay opportunity while still
// stemming. It is a no-op once the tx has already transitioned to fluff.
func (r *Relay) AdvanceStem(txHash chainhash.Hash) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	t, ok := r.tracked[txHash]
	if !ok || t.phase == Fluff {
		return
	}
	t.hopCount++
}

// ShouldFluff reports true once the hop count reaches MaxStemHops, once
// the stem timeout has elapsed, or once the tx was already marked fluff
// (by the initial coin flip or a prior call).
func (r *Relay) ShouldFluff(txHash chainhash.Hash, now time.Time) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	t, ok := r.tracked[txHash]
	if !ok {
		return false
	}
	if t.phase == Fluff {
		return true
	}
	if t.hopCount >= r.cfg.MaxStemHops {
		t.phase = Fluff
		return true
	}
	if now.Sub(t.startAt) > r.cfg.StemTimeout {
		t.phase = Fluff
		return true
	}
	return false
}

// Forget drops tracking state for a tx once it has fluffed and been
// broadcast, or once it confirms.
func (r *Relay) Forget(txHash chainhash.Hash) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	delete(r.tracked, txHash)
}

// ExpireStale drops stem-tracked entries far past their timeout that were
// never advanced to fluff by a relay opportunity (defensive cleanup: the
// hot path already flips phase to Fluff in ShouldFluff, but a tx that is
// never queried again would otherwise linger in the map forever).
func (r *Relay) ExpireStale(now time.Time, grace time.Duration) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	var n int
	for h, t := range r.tracked {
		if t.phase == Stem && now.Sub(t.startAt) > r.cfg.StemTimeout+grace {
			delete(r.tracked, h)
			n++
		}
	}
	if n > 0 {
		log.Debugf("expired %d stale stem dandelion entries", n)
	}
	return n
}

// ValidateProbability keeps FluffProbability within its documented [0,1]
// domain; callers validating a Config before constructing a Relay should
// run their fluff-probability field through this.
func ValidateProbability(p float64) error {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return fmt.Errorf("fluff probability %f out of [0,1] range", p)
	}
	return nil
}
