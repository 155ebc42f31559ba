package wireproto

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func testTx(seed byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	var op wire.OutPoint
	op.Hash[0] = seed
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: op, Sequence: wire.MaxTxInSequenceNum})
	tx.AddTxOut(&wire.TxOut{Value: int64(1000) + int64(seed), PkScript: []byte{0x51}})
	return tx
}

func TestSendCmpctRoundTrip(t *testing.T) {
	msg := &MsgSendCmpct{AnnounceNewBlocks: true, Version: 2}
	got := roundTrip(t, msg).(*MsgSendCmpct)
	if got.AnnounceNewBlocks != msg.AnnounceNewBlocks || got.Version != msg.Version {
		t.Fatalf("sendcmpct mismatch: got %+v want %+v", got, msg)
	}
}

func TestCmpctBlockRoundTrip(t *testing.T) {
	header := &wire.BlockHeader{Version: 1, Bits: 0x1d00ffff, Nonce: 987654321}

	msg := &MsgCmpctBlock{
		Header:        header,
		Nonce:         0x123456789ABCDEF0,
		ShortIDs:      []uint64{0x010203040506, 0x111213141516, 0x212223242526},
		PrefilledTxns: []*PrefilledTx{{Index: 0, Tx: testTx(9)}},
	}

	got := roundTrip(t, msg).(*MsgCmpctBlock)
	if got.Nonce != msg.Nonce {
		t.Fatalf("nonce mismatch: got %x want %x", got.Nonce, msg.Nonce)
	}
	if got.Header.BlockHash() != msg.Header.BlockHash() {
		t.Fatal("header does not round-trip")
	}
	if len(got.ShortIDs) != len(msg.ShortIDs) {
		t.Fatalf("short ID count mismatch: got %d want %d", len(got.ShortIDs), len(msg.ShortIDs))
	}
	for i := range msg.ShortIDs {
		if got.ShortIDs[i] != msg.ShortIDs[i] {
			t.Fatalf("short ID %d mismatch: got %x want %x", i, got.ShortIDs[i], msg.ShortIDs[i])
		}
	}
	if len(got.PrefilledTxns) != 1 || got.PrefilledTxns[0].Index != 0 {
		t.Fatalf("prefilled mismatch: %+v", got.PrefilledTxns)
	}
	if got.PrefilledTxns[0].Tx.TxHash() != msg.PrefilledTxns[0].Tx.TxHash() {
		t.Fatal("prefilled tx does not round-trip")
	}
}

func TestGetBlockTxnRoundTrip(t *testing.T) {
	var hash chainhash.Hash
	hash[0] = 0x42
	msg := &MsgGetBlockTxn{BlockHash: hash, Indexes: []uint32{1, 3, 7}}

	got := roundTrip(t, msg).(*MsgGetBlockTxn)
	if got.BlockHash != msg.BlockHash {
		t.Fatal("block hash mismatch")
	}
	if len(got.Indexes) != 3 || got.Indexes[0] != 1 || got.Indexes[1] != 3 || got.Indexes[2] != 7 {
		t.Fatalf("indexes mismatch: %v", got.Indexes)
	}
}

func TestBlockTxnRoundTrip(t *testing.T) {
	var hash chainhash.Hash
	hash[1] = 0x17
	msg := &MsgBlockTxn{BlockHash: hash, Transactions: []*wire.MsgTx{testTx(1), testTx(2)}}

	got := roundTrip(t, msg).(*MsgBlockTxn)
	if got.BlockHash != msg.BlockHash {
		t.Fatal("block hash mismatch")
	}
	if len(got.Transactions) != 2 {
		t.Fatalf("tx count mismatch: got %d", len(got.Transactions))
	}
	for i := range msg.Transactions {
		if got.Transactions[i].TxHash() != msg.Transactions[i].TxHash() {
			t.Fatalf("tx %d does not round-trip", i)
		}
	}
}
