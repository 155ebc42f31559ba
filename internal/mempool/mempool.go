// Package mempool holds the unconfirmed-transaction set with fee-rate
// prioritization and ancestor/descendant policy limits.
package mempool

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/juju/loggo"

	"github.com/ironpeak/tinybit/database/chaind"
)

var log = loggo.GetLogger("mempool")

// Admission policy limits.
const (
	MaxAncestorCount     = 25
	MaxDescendantCount   = 25
	MaxAncestorSizeBytes = 101_000
	MaxDescendantSize    = 101_000
)

// RejectReason classifies an admission failure.
type RejectReason int

const (
	RejectNone RejectReason = iota
	RejectStructural
	RejectPolicy
	RejectDoubleSpend
	RejectRbfLowFee
	RejectDuplicate
)

func (r RejectReason) String() string {
	switch r {
	case RejectStructural:
		return "structural"
	case RejectPolicy:
		return "policy"
	case RejectDoubleSpend:
		return "double-spend"
	case RejectRbfLowFee:
		return "rbf-low-fee"
	case RejectDuplicate:
		return "duplicate"
	default:
		return "none"
	}
}

// Result is the outcome of add(): either Admitted or Rejected with a reason.
type Result struct {
	Admitted bool
	Reason   RejectReason
	Detail   string
}

func admitted() Result { return Result{Admitted: true} }

func rejected(reason RejectReason, detail string) Result {
	return Result{Reason: reason, Detail: detail}
}

// UTXOSource resolves an outpoint against confirmed chain state. The
// mempool itself never mutates it; it is consulted read-only during
// admission.
type UTXOSource interface {
	UTXO(op chaind.OutPoint) (*chaind.UTXO, error)
}

// Entry is one admitted mempool transaction: the tx itself plus its cached
// fee, size and ancestry links.
type Entry struct {
	Tx        *wire.MsgTx
	Hash      chainhash.Hash
	AddedAt   time.Time
	Fee       btcutil.Amount
	Size      int64
	Parents   map[chainhash.Hash]struct{}
	Children  map[chainhash.Hash]struct{}
}

// FeeRate is satoshis per byte; ties in prioritized() fall back to the
// ancestor aggregate fee-rate.
func (e *Entry) FeeRate() float64 {
	if e.Size == 0 {
		return 0
	}
	return float64(e.Fee) / float64(e.Size)
}

// Config bounds the pool's resource usage.
type Config struct {
	MaxBytes int64
	TTL      time.Duration
}

// Mempool is the shared-mutable unconfirmed-tx set: a single lock
// serializes admission and selection so a double-spend race is resolved by
// lock-acquisition order.
type Mempool struct {
	cfg Config

	mtx       sync.Mutex
	entries   map[chainhash.Hash]*Entry
	spentBy   map[chaind.OutPoint]chainhash.Hash
	totalSize int64
}

// New returns an empty pool bounded by cfg.
func New(cfg Config) *Mempool {
	return &Mempool{
		cfg:     cfg,
		entries: make(map[chainhash.Hash]*Entry),
		spentBy: make(map[chaind.OutPoint]chainhash.Hash),
	}
}

func txWeight(tx *wire.MsgTx) int64 { return int64(tx.SerializeSize()) }

// structuralCheck is the first admission stage: non-empty, no duplicate
// inputs within the tx, non-negative outputs, total within the satoshi
// bound.
func structuralCheck(tx *wire.MsgTx) error {
	if len(tx.TxIn) == 0 || len(tx.TxOut) == 0 {
		return fmt.Errorf("transaction has no inputs or outputs")
	}
	seen := make(map[wire.OutPoint]struct{}, len(tx.TxIn))
	for _, in := range tx.TxIn {
		if _, dup := seen[in.PreviousOutPoint]; dup {
			return fmt.Errorf("duplicate input %v", in.PreviousOutPoint)
		}
		seen[in.PreviousOutPoint] = struct{}{}
	}
	var total int64
	for _, out := range tx.TxOut {
		if out.Value < 0 {
			return fmt.Errorf("negative output value %d", out.Value)
		}
		total += out.Value
		if total > btcutil.MaxSatoshi {
			return fmt.Errorf("output total %d exceeds max satoshi bound", total)
		}
	}
	return nil
}

func toOutPoint(o wire.OutPoint) chaind.OutPoint {
	return chaind.OutPoint{Hash: chainhash.Hash(o.Hash), Index: o.Index}
}

// computeFee sums input UTXO values minus output values. A missing input
// forces fee 0. Such an entry is still returned by Prioritized, after every
// entry with a higher fee-rate, and its fee is not recomputed when the
// parent is admitted later.
func (m *Mempool) computeFee(tx *wire.MsgTx, utxos UTXOSource) (btcutil.Amount, map[chainhash.Hash]struct{}, error) {
	var inputTotal int64
	parents := make(map[chainhash.Hash]struct{})
	missing := false
	for _, in := range tx.TxIn {
		op := toOutPoint(in.PreviousOutPoint)
		if _, ok := m.entries[in.PreviousOutPoint.Hash]; ok {
			parents[in.PreviousOutPoint.Hash] = struct{}{}
		}
		u, err := utxos.UTXO(op)
		if err != nil || u == nil {
			missing = true
			continue
		}
		inputTotal += u.Value
	}
	if missing {
		return 0, parents, nil
	}
	var outputTotal int64
	for _, out := range tx.TxOut {
		outputTotal += out.Value
	}
	fee := inputTotal - outputTotal
	if fee < 0 {
		fee = 0
	}
	return btcutil.Amount(fee), parents, nil
}

// ancestorSet walks parents transitively to enforce the depth and
// aggregate-size caps.
func (m *Mempool) ancestorSet(start map[chainhash.Hash]struct{}) (map[chainhash.Hash]struct{}, int64) {
	visited := make(map[chainhash.Hash]struct{})
	var size int64
	queue := make([]chainhash.Hash, 0, len(start))
	for h := range start {
		queue = append(queue, h)
	}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if _, ok := visited[h]; ok {
			continue
		}
		visited[h] = struct{}{}
		e, ok := m.entries[h]
		if !ok {
			continue
		}
		size += e.Size
		for p := range e.Parents {
			queue = append(queue, p)
		}
	}
	return visited, size
}

func (m *Mempool) descendantSet(txHash chainhash.Hash) (map[chainhash.Hash]struct{}, int64) {
	visited := make(map[chainhash.Hash]struct{})
	var size int64
	queue := []chainhash.Hash{txHash}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if _, ok := visited[h]; ok {
			continue
		}
		e, ok := m.entries[h]
		if !ok {
			continue
		}
		if h != txHash {
			visited[h] = struct{}{}
			size += e.Size
		}
		for c := range e.Children {
			queue = append(queue, c)
		}
	}
	return visited, size
}

// Add runs the admission pipeline: structural validity, then policy
// limits, then double-spend/RBF. Script verification is left to the
// external verifier upstream of the mempool.
func (m *Mempool) Add(tx *wire.MsgTx, utxos UTXOSource) Result {
	hash := tx.TxHash()

	if err := structuralCheck(tx); err != nil {
		return rejected(RejectStructural, err.Error())
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, exists := m.entries[hash]; exists {
		return rejected(RejectDuplicate, "already in mempool")
	}

	fee, parents, err := m.computeFee(tx, utxos)
	if err != nil {
		return rejected(RejectStructural, err.Error())
	}

	size := txWeight(tx)
	ancestors, ancestorSize := m.ancestorSet(parents)
	if len(ancestors)+1 > MaxAncestorCount {
		return rejected(RejectPolicy, fmt.Sprintf("ancestor count %d exceeds %d", len(ancestors)+1, MaxAncestorCount))
	}
	if ancestorSize+size > MaxAncestorSizeBytes {
		return rejected(RejectPolicy, fmt.Sprintf("ancestor size %d exceeds %d", ancestorSize+size, MaxAncestorSizeBytes))
	}
	// Admitting this tx also makes it a descendant of every ancestor; none
	// of them may be pushed over the descendant caps.
	for a := range ancestors {
		descendants, descendantSize := m.descendantSet(a)
		// The package is the ancestor itself, its existing descendants and
		// the incoming tx.
		if len(descendants)+2 > MaxDescendantCount {
			return rejected(RejectPolicy, fmt.Sprintf("descendant count %d of ancestor %s exceeds %d", len(descendants)+2, a, MaxDescendantCount))
		}
		pkgSize := descendantSize + size
		if e, ok := m.entries[a]; ok {
			pkgSize += e.Size
		}
		if pkgSize > MaxDescendantSize {
			return rejected(RejectPolicy, fmt.Sprintf("descendant size %d of ancestor %s exceeds %d", pkgSize, a, MaxDescendantSize))
		}
	}

	conflicts := make(map[chainhash.Hash]struct{})
	for _, in := range tx.TxIn {
		op := toOutPoint(in.PreviousOutPoint)
		if conflictHash, ok := m.spentBy[op]; ok {
			conflicts[conflictHash] = struct{}{}
		}
	}

	if len(conflicts) > 0 {
		if !m.rbfWins(fee, size, conflicts) {
			return rejected(RejectDoubleSpend, "conflicting spend without a winning RBF replacement")
		}
		for c := range conflicts {
			m.removeLocked(c)
		}
	}

	e := &Entry{
		Tx:       tx,
		Hash:     hash,
		AddedAt:  time.Now(),
		Fee:      fee,
		Size:     size,
		Parents:  parents,
		Children: make(map[chainhash.Hash]struct{}),
	}
	for p := range parents {
		if parent, ok := m.entries[p]; ok {
			parent.Children[hash] = struct{}{}
		}
	}
	m.entries[hash] = e
	for _, in := range tx.TxIn {
		m.spentBy[toOutPoint(in.PreviousOutPoint)] = hash
	}
	m.totalSize += size

	m.evictIfOverCapLocked()

	return admitted()
}

// rbfWins reports whether a replacement paying fee/size beats every
// conflict on both absolute fee and fee-rate. No BIP-125 opt-in signaling
// bit is consulted.
func (m *Mempool) rbfWins(fee btcutil.Amount, size int64, conflicts map[chainhash.Hash]struct{}) bool {
	rate := float64(fee) / float64(size)
	for h := range conflicts {
		c, ok := m.entries[h]
		if !ok {
			continue
		}
		if fee <= c.Fee || rate <= c.FeeRate() {
			return false
		}
	}
	return true
}

// Remove deletes a confirmed or otherwise-resolved transaction from the
// pool, also unlinking it from any children's parent set.
func (m *Mempool) Remove(hash chainhash.Hash) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.removeLocked(hash)
}

func (m *Mempool) removeLocked(hash chainhash.Hash) bool {
	e, ok := m.entries[hash]
	if !ok {
		return false
	}
	delete(m.entries, hash)
	m.totalSize -= e.Size
	for _, in := range e.Tx.TxIn {
		op := toOutPoint(in.PreviousOutPoint)
		if m.spentBy[op] == hash {
			delete(m.spentBy, op)
		}
	}
	for c := range e.Children {
		if child, ok := m.entries[c]; ok {
			delete(child.Parents, hash)
		}
	}
	for p := range e.Parents {
		if parent, ok := m.entries[p]; ok {
			delete(parent.Children, hash)
		}
	}
	return true
}

// Get returns the entry for hash, if present.
func (m *Mempool) Get(hash chainhash.Hash) (*Entry, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	e, ok := m.entries[hash]
	return e, ok
}

// Size returns the number of entries currently held.
func (m *Mempool) Size() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.entries)
}

// Transactions returns every currently held transaction, in no particular
// order. Satisfies compactblock.MempoolSource: a receiver matches a compact
// block's short IDs against this snapshot to reconstruct the full block.
func (m *Mempool) Transactions() []*wire.MsgTx {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	txs := make([]*wire.MsgTx, 0, len(m.entries))
	for _, e := range m.entries {
		txs = append(txs, e.Tx)
	}
	return txs
}

// Prioritized returns up to limit entries ordered by descending fee-rate
// with an ancestor-feerate tiebreak, parents always preceding children.
// The result is deterministic for a given pool snapshot.
func (m *Mempool) Prioritized(limit int) []*Entry {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	all := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e)
	}

	ancestorRate := make(map[chainhash.Hash]float64, len(all))
	for _, e := range all {
		ancestors, ancestorSize := m.ancestorSet(e.Parents)
		totalSize := ancestorSize + e.Size
		totalFee := e.Fee
		for p := range ancestors {
			if parent, ok := m.entries[p]; ok {
				totalFee += parent.Fee
			}
		}
		if totalSize == 0 {
			ancestorRate[e.Hash] = 0
			continue
		}
		ancestorRate[e.Hash] = float64(totalFee) / float64(totalSize)
	}

	sort.SliceStable(all, func(i, j int) bool {
		ri, rj := all[i].FeeRate(), all[j].FeeRate()
		if ri != rj {
			return ri > rj
		}
		ai, aj := ancestorRate[all[i].Hash], ancestorRate[all[j].Hash]
		if ai != aj {
			return ai > aj
		}
		return all[i].Hash.String() < all[j].Hash.String()
	})

	ordered := make([]*Entry, 0, len(all))
	placed := make(map[chainhash.Hash]struct{}, len(all))
	var place func(e *Entry)
	place = func(e *Entry) {
		if _, ok := placed[e.Hash]; ok {
			return
		}
		parents := make([]chainhash.Hash, 0, len(e.Parents))
		for p := range e.Parents {
			parents = append(parents, p)
		}
		sort.Slice(parents, func(i, j int) bool { return parents[i].String() < parents[j].String() })
		for _, p := range parents {
			if parent, ok := m.entries[p]; ok {
				place(parent)
			}
		}
		placed[e.Hash] = struct{}{}
		ordered = append(ordered, e)
	}
	for _, e := range all {
		if limit > 0 && len(ordered) >= limit {
			break
		}
		place(e)
	}
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return ordered
}

// evictIfOverCapLocked drops lowest fee-rate entries (and their
// descendants) until the pool is back under its configured byte cap.
// Caller holds m.mtx.
func (m *Mempool) evictIfOverCapLocked() {
	if m.cfg.MaxBytes <= 0 || m.totalSize <= m.cfg.MaxBytes {
		return
	}
	ordered := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].FeeRate() < ordered[j].FeeRate() })

	for _, e := range ordered {
		if m.totalSize <= m.cfg.MaxBytes {
			return
		}
		if _, ok := m.entries[e.Hash]; !ok {
			continue
		}
		descendants, _ := m.descendantSet(e.Hash)
		for d := range descendants {
			m.removeLocked(d)
		}
		m.removeLocked(e.Hash)
		log.Infof("evicted %s (fee-rate %.4f) to stay under %d byte cap", e.Hash, e.FeeRate(), m.cfg.MaxBytes)
	}
}

// ExpireStale removes entries older than the configured TTL; intended to
// be called from the node's periodic maintenance tick.
func (m *Mempool) ExpireStale(now time.Time) int {
	if m.cfg.TTL <= 0 {
		return 0
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var expired []chainhash.Hash
	for h, e := range m.entries {
		if now.Sub(e.AddedAt) > m.cfg.TTL {
			expired = append(expired, h)
		}
	}
	for _, h := range expired {
		m.removeLocked(h)
	}
	if len(expired) > 0 {
		log.Infof("expired %d stale mempool entries", len(expired))
	}
	return len(expired)
}
