package mempool

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/ironpeak/tinybit/database/chaind"
)

type fakeUTXOSource map[chaind.OutPoint]*chaind.UTXO

func (f fakeUTXOSource) UTXO(op chaind.OutPoint) (*chaind.UTXO, error) {
	return f[op], nil
}

func mustHash(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	return h
}

func txSpending(prevHash chainhash.Hash, prevIndex uint32, outValue int64) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: prevHash, Index: prevIndex},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{Value: outValue, PkScript: []byte{0x51}})
	return tx
}

// Fee is input total minus output total, 0 when equal, 0 when the input's
// UTXO is missing.
func TestCalculateFee(t *testing.T) {
	utxoHash := mustHash(0)
	op := chaind.OutPoint{Hash: utxoHash, Index: 0}
	utxos := fakeUTXOSource{op: {Value: 100_000_000}}

	mp := New(Config{})
	tx := txSpending(utxoHash, 0, 99_000_000)
	result := mp.Add(tx, utxos)
	if !result.Admitted {
		t.Fatalf("expected admission, got rejected: %+v", result)
	}
	entry, ok := mp.Get(tx.TxHash())
	if !ok {
		t.Fatal("entry not found after admission")
	}
	if entry.Fee != 1_000_000 {
		t.Fatalf("fee mismatch: got %d want %d", entry.Fee, 1_000_000)
	}
}

func TestCalculateFeeZeroFee(t *testing.T) {
	utxoHash := mustHash(1)
	op := chaind.OutPoint{Hash: utxoHash, Index: 0}
	utxos := fakeUTXOSource{op: {Value: 100_000_000}}

	mp := New(Config{})
	tx := txSpending(utxoHash, 0, 100_000_000)
	result := mp.Add(tx, utxos)
	if !result.Admitted {
		t.Fatalf("expected admission, got rejected: %+v", result)
	}
	entry, _ := mp.Get(tx.TxHash())
	if entry.Fee != 0 {
		t.Fatalf("fee mismatch: got %d want 0", entry.Fee)
	}
}

func TestCalculateFeeMissingUTXO(t *testing.T) {
	mp := New(Config{})
	tx := txSpending(mustHash(2), 0, 50_000_000)
	result := mp.Add(tx, fakeUTXOSource{})
	if !result.Admitted {
		t.Fatalf("expected admission (deferred eligibility), got %+v", result)
	}
	entry, _ := mp.Get(tx.TxHash())
	if entry.Fee != 0 {
		t.Fatalf("fee with missing input should be 0, got %d", entry.Fee)
	}
}

// Two txs spending the same UTXO where the replacement does not beat the
// incumbent on fee: the second is rejected as a double-spend.
func TestMempoolPriorityDuplicateInputNoRBF(t *testing.T) {
	prev := mustHash(3)
	op := chaind.OutPoint{Hash: prev, Index: 0}
	utxos := fakeUTXOSource{op: {Value: 10_000}}

	mp := New(Config{})
	first := txSpending(prev, 0, 5_000) // fee 5000
	if r := mp.Add(first, utxos); !r.Admitted {
		t.Fatalf("first tx should admit: %+v", r)
	}

	second := txSpending(prev, 0, 9_000) // fee 1000, lower than first
	r := mp.Add(second, utxos)
	if r.Admitted || r.Reason != RejectDoubleSpend {
		t.Fatalf("expected double-spend rejection, got %+v", r)
	}
}

// Independent UTXOs: Prioritized(10) returns the higher fee-rate first.
func TestMempoolPriorityIndependentUTXOs(t *testing.T) {
	prevA := mustHash(4)
	prevB := mustHash(5)
	utxos := fakeUTXOSource{
		{Hash: prevA, Index: 0}: {Value: 10_000},
		{Hash: prevB, Index: 0}: {Value: 10_000},
	}

	mp := New(Config{})
	highFee := txSpending(prevA, 0, 5_000) // fee 5000
	lowFee := txSpending(prevB, 0, 9_000)  // fee 1000

	if r := mp.Add(lowFee, utxos); !r.Admitted {
		t.Fatalf("low fee tx should admit: %+v", r)
	}
	if r := mp.Add(highFee, utxos); !r.Admitted {
		t.Fatalf("high fee tx should admit: %+v", r)
	}

	ordered := mp.Prioritized(10)
	if len(ordered) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(ordered))
	}
	if ordered[0].Hash != highFee.TxHash() {
		t.Fatalf("expected high fee tx first, got %s", ordered[0].Hash)
	}
}

func TestMempoolRBFReplacesConflict(t *testing.T) {
	prev := mustHash(6)
	op := chaind.OutPoint{Hash: prev, Index: 0}
	utxos := fakeUTXOSource{op: {Value: 10_000}}

	mp := New(Config{})
	low := txSpending(prev, 0, 9_500) // fee 500
	if r := mp.Add(low, utxos); !r.Admitted {
		t.Fatalf("initial tx should admit: %+v", r)
	}

	replacement := txSpending(prev, 0, 8_000) // fee 2000, strictly higher fee and rate
	r := mp.Add(replacement, utxos)
	if !r.Admitted {
		t.Fatalf("replacement should admit: %+v", r)
	}
	if _, ok := mp.Get(low.TxHash()); ok {
		t.Fatal("replaced transaction should no longer be in the pool")
	}
	if mp.Size() != 1 {
		t.Fatalf("expected 1 entry after replacement, got %d", mp.Size())
	}
}

func TestMempoolRemove(t *testing.T) {
	prev := mustHash(7)
	op := chaind.OutPoint{Hash: prev, Index: 0}
	utxos := fakeUTXOSource{op: {Value: 10_000}}

	mp := New(Config{})
	tx := txSpending(prev, 0, 9_000)
	mp.Add(tx, utxos)
	if mp.Size() != 1 {
		t.Fatalf("expected size 1, got %d", mp.Size())
	}
	if !mp.Remove(tx.TxHash()) {
		t.Fatal("remove should report success")
	}
	if mp.Size() != 0 {
		t.Fatalf("expected size 0 after remove, got %d", mp.Size())
	}
}

func TestMempoolExpireStale(t *testing.T) {
	prev := mustHash(8)
	op := chaind.OutPoint{Hash: prev, Index: 0}
	utxos := fakeUTXOSource{op: {Value: 10_000}}

	mp := New(Config{TTL: time.Minute})
	tx := txSpending(prev, 0, 9_000)
	mp.Add(tx, utxos)

	if n := mp.ExpireStale(time.Now()); n != 0 {
		t.Fatalf("expected no expiry yet, got %d", n)
	}
	if n := mp.ExpireStale(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("expected 1 expired entry, got %d", n)
	}
	if mp.Size() != 0 {
		t.Fatal("expired entry should be removed")
	}
}

func TestMempoolEvictionUnderByteCap(t *testing.T) {
	prevA := mustHash(9)
	prevB := mustHash(10)
	utxos := fakeUTXOSource{
		{Hash: prevA, Index: 0}: {Value: 10_000},
		{Hash: prevB, Index: 0}: {Value: 10_000},
	}

	low := txSpending(prevA, 0, 9_900) // fee 100, lowest fee-rate
	high := txSpending(prevB, 0, 5_000) // fee 5000

	mp := New(Config{MaxBytes: txWeight(low)})
	mp.Add(low, utxos)
	mp.Add(high, utxos)

	if _, ok := mp.Get(low.TxHash()); ok {
		t.Fatal("low fee-rate entry should have been evicted")
	}
	if _, ok := mp.Get(high.TxHash()); !ok {
		t.Fatal("high fee-rate entry should survive eviction")
	}
}

// A fan-out parent may accumulate descendants only up to the package cap:
// the child that would make the parent's package exceed MaxDescendantCount
// is rejected.
func TestMempoolDescendantLimit(t *testing.T) {
	prev := mustHash(7)
	op := chaind.OutPoint{Hash: prev, Index: 0}
	utxos := fakeUTXOSource{op: {Value: 1_000_000}}

	parent := wire.NewMsgTx(wire.TxVersion)
	parent.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: prev, Index: 0},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	for i := 0; i < MaxDescendantCount+5; i++ {
		parent.AddTxOut(&wire.TxOut{Value: 1_000, PkScript: []byte{0x51}})
	}

	mp := New(Config{})
	if r := mp.Add(parent, utxos); !r.Admitted {
		t.Fatalf("parent should admit: %+v", r)
	}
	parentHash := parent.TxHash()

	// Parent plus MaxDescendantCount-1 children fills the package exactly.
	for i := 0; i < MaxDescendantCount-1; i++ {
		child := txSpending(parentHash, uint32(i), 500)
		if r := mp.Add(child, utxos); !r.Admitted {
			t.Fatalf("child %d should admit: %+v", i, r)
		}
	}

	over := txSpending(parentHash, uint32(MaxDescendantCount-1), 500)
	r := mp.Add(over, utxos)
	if r.Admitted || r.Reason != RejectPolicy {
		t.Fatalf("expected descendant-cap rejection, got %+v", r)
	}
}
