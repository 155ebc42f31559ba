package chainview

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/ironpeak/tinybit/database"
	"github.com/ironpeak/tinybit/database/chaind"
	"github.com/ironpeak/tinybit/database/chaind/level"
)

type fakeMempool struct {
	txs map[chainhash.Hash]*wire.MsgTx
}

func (f fakeMempool) Get(hash chainhash.Hash) (*wire.MsgTx, bool) {
	tx, ok := f.txs[hash]
	return tx, ok
}

func newTestDB(t *testing.T) chaind.Database {
	t.Helper()
	db, err := level.New(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestTipNotFoundOnEmptyStorage(t *testing.T) {
	db := newTestDB(t)
	v := New(db, fakeMempool{txs: map[chainhash.Hash]*wire.MsgTx{}})

	_, _, err := v.Tip(context.Background())
	if err == nil {
		t.Fatal("expected a NotFound error on an empty store")
	}
	if !database.ErrNotFound.Is(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestHasObjectChecksMempoolFirst(t *testing.T) {
	db := newTestDB(t)
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(&wire.TxOut{Value: 1, PkScript: []byte{0x51}})
	hash := tx.TxHash()

	v := New(db, fakeMempool{txs: map[chainhash.Hash]*wire.MsgTx{hash: tx}})

	has, err := v.HasObject(context.Background(), hash)
	if err != nil {
		t.Fatalf("has object: %v", err)
	}
	if !has {
		t.Fatal("expected mempool tx to be found")
	}
}

func TestGetTxPrefersMempool(t *testing.T) {
	db := newTestDB(t)
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(&wire.TxOut{Value: 1, PkScript: []byte{0x51}})
	hash := tx.TxHash()

	v := New(db, fakeMempool{txs: map[chainhash.Hash]*wire.MsgTx{hash: tx}})

	got, err := v.GetTx(context.Background(), hash)
	if err != nil {
		t.Fatalf("get tx: %v", err)
	}
	if got != tx {
		t.Fatal("expected the mempool's tx pointer to be returned")
	}
}
