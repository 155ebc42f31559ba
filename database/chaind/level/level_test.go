package level

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/ironpeak/tinybit/database"
	"github.com/ironpeak/tinybit/database/chaind"
)

func openTestDB(t *testing.T) *ldb {
	t.Helper()
	db, err := New(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return db
}

func testHash(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	return h
}

// storeTestBlock commits a synthetic block at height with one created UTXO
// and one indexed transaction.
func storeTestBlock(t *testing.T, db *ldb, height uint64, hashByte byte, spent []chaind.OutPoint) chainhash.Hash {
	t.Helper()

	hash := testHash(hashByte)
	txHash := testHash(hashByte + 0x40)
	blockBytes := bytes.Repeat([]byte{hashByte}, 100)
	headerBytes := bytes.Repeat([]byte{hashByte}, 80)

	diff := chaind.UtxoDiff{
		Spent: spent,
		Created: map[chaind.OutPoint]chaind.UTXO{
			{Hash: txHash, Index: 0}: {Value: 5_000_000_000, Script: []byte{0x51}, Height: height},
		},
	}
	entries := map[chainhash.Hash]chaind.TxIndexEntry{
		txHash: {BlockHash: hash[:], Position: 0, Height: height},
	}

	err := db.StoreBlock(context.Background(), height,
		&chaind.Block{Hash: hash[:], Block: blockBytes},
		&chaind.BlockHeader{Hash: hash[:], Height: height, Header: headerBytes},
		entries, diff, []byte{byte(height)})
	if err != nil {
		t.Fatalf("store block at height %d: %v", height, err)
	}
	return hash
}

func TestStoreBlockRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	hash := storeTestBlock(t, db, 1, 0x11, nil)

	b, err := db.Block(ctx, hash)
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if !bytes.Equal(b.Hash, hash[:]) {
		t.Fatalf("block hash mismatch: got %x want %x", b.Hash, hash[:])
	}
	if !bytes.Equal(b.Block, bytes.Repeat([]byte{0x11}, 100)) {
		t.Fatal("block bytes do not round-trip")
	}

	bh, err := db.BlockHeaderByHash(ctx, hash)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if bh.Height != 1 {
		t.Fatalf("header height mismatch: got %d want 1", bh.Height)
	}

	got, err := db.HashAtHeight(ctx, 1)
	if err != nil {
		t.Fatalf("hash at height: %v", err)
	}
	if got != hash {
		t.Fatalf("height index mismatch: got %v want %v", got, hash)
	}

	meta, err := db.Tip(ctx)
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	if meta.TipHash != hash || meta.TipHeight != 1 {
		t.Fatalf("tip mismatch: got (%v, %d)", meta.TipHash, meta.TipHeight)
	}

	txHash := testHash(0x11 + 0x40)
	entry, err := db.TxIndexEntry(ctx, txHash)
	if err != nil {
		t.Fatalf("tx index: %v", err)
	}
	if entry.Height != 1 || entry.Position != 0 {
		t.Fatalf("tx index entry mismatch: %+v", entry)
	}

	u, err := db.UTXO(ctx, chaind.OutPoint{Hash: txHash, Index: 0})
	if err != nil {
		t.Fatalf("utxo: %v", err)
	}
	if u.Value != 5_000_000_000 || u.Height != 1 {
		t.Fatalf("utxo mismatch: %+v", u)
	}
}

func TestStoreBlockAppliesSpentDiff(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	storeTestBlock(t, db, 1, 0x11, nil)
	createdBy1 := chaind.OutPoint{Hash: testHash(0x11 + 0x40), Index: 0}

	storeTestBlock(t, db, 2, 0x22, []chaind.OutPoint{createdBy1})

	if _, err := db.UTXO(ctx, createdBy1); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("spent utxo should be removed, got %v", err)
	}
	createdBy2 := chaind.OutPoint{Hash: testHash(0x22 + 0x40), Index: 0}
	if _, err := db.UTXO(ctx, createdBy2); err != nil {
		t.Fatalf("created utxo should be present: %v", err)
	}
}

func TestRewindRollsBackTip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	h1 := storeTestBlock(t, db, 1, 0x11, nil)
	createdBy1 := chaind.OutPoint{Hash: testHash(0x11 + 0x40), Index: 0}

	// Block 2 spends block 1's output; block 3 is independent.
	h2 := storeTestBlock(t, db, 2, 0x22, []chaind.OutPoint{createdBy1})
	storeTestBlock(t, db, 3, 0x33, nil)
	createdBy2 := chaind.OutPoint{Hash: testHash(0x22 + 0x40), Index: 0}
	createdBy3 := chaind.OutPoint{Hash: testHash(0x33 + 0x40), Index: 0}

	if err := db.Rewind(ctx, 1); err != nil {
		t.Fatalf("rewind: %v", err)
	}

	meta, err := db.Tip(ctx)
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	if meta.TipHash != h1 || meta.TipHeight != 1 {
		t.Fatalf("tip should be back at height 1, got (%v, %d)", meta.TipHash, meta.TipHeight)
	}

	for _, h := range []uint64{2, 3} {
		if _, err := db.HashAtHeight(ctx, h); !errors.Is(err, database.ErrNotFound) {
			t.Fatalf("height %d should be unindexed after rewind, got %v", h, err)
		}
	}

	// The UTXO set must match the state at height 1: block 1's output
	// restored with its original record, the rewound blocks' outputs gone.
	u, err := db.UTXO(ctx, createdBy1)
	if err != nil {
		t.Fatalf("spent-then-rewound utxo should be restored: %v", err)
	}
	if u.Value != 5_000_000_000 || u.Height != 1 {
		t.Fatalf("restored utxo record mismatch: %+v", u)
	}
	for _, op := range []chaind.OutPoint{createdBy2, createdBy3} {
		if _, err := db.UTXO(ctx, op); !errors.Is(err, database.ErrNotFound) {
			t.Fatalf("rewound block's utxo %v should be removed, got %v", op, err)
		}
	}

	// Orphaned blocks stay fetchable by hash.
	if _, err := db.Block(ctx, h2); err != nil {
		t.Fatalf("orphaned block should remain readable by hash: %v", err)
	}
}

func TestTipNotFoundOnFreshStore(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Tip(context.Background()); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("expected NotFound on fresh store, got %v", err)
	}
}

func TestBanListExpiryOnQuery(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	now := uint64(time.Now().Unix())
	entries := []chaind.BanEntry{
		{Address: "10.0.0.1", UnbanTimestamp: now - 60, Reason: "expired"},
		{Address: "10.0.0.2", UnbanTimestamp: now + 3600, Reason: "live"},
		{Address: "10.0.0.3", UnbanTimestamp: 0, Reason: "permanent"},
	}
	if err := db.BanListUpsert(ctx, entries); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	banned, err := db.IsBanned(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("is banned: %v", err)
	}
	if banned {
		t.Fatal("expired entry should not report banned")
	}
	// Expired entries are removed on query.
	all, err := db.BanListAll(ctx)
	if err != nil {
		t.Fatalf("ban list all: %v", err)
	}
	for _, e := range all {
		if e.Address == "10.0.0.1" {
			t.Fatal("expired entry should have been auto-removed")
		}
	}

	for _, addr := range []string{"10.0.0.2", "10.0.0.3"} {
		banned, err := db.IsBanned(ctx, addr)
		if err != nil {
			t.Fatalf("is banned %s: %v", addr, err)
		}
		if !banned {
			t.Fatalf("%s should report banned", addr)
		}
	}
}

func TestTreeOperations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tr, err := db.Tree(chaind.TreeBans)
	if err != nil {
		t.Fatalf("tree: %v", err)
	}

	keys := [][]byte{[]byte("c"), []byte("a"), []byte("b")}
	for _, k := range keys {
		if err := tr.Insert(ctx, k, append([]byte("v-"), k...)); err != nil {
			t.Fatalf("insert %s: %v", k, err)
		}
	}

	v, err := tr.Get(ctx, []byte("b"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != "v-b" {
		t.Fatalf("value mismatch: got %q", v)
	}

	ok, err := tr.ContainsKey(ctx, []byte("a"))
	if err != nil || !ok {
		t.Fatalf("contains a: %v %v", ok, err)
	}

	n, err := tr.Len(ctx)
	if err != nil || n != 3 {
		t.Fatalf("len: got %d, %v", n, err)
	}

	// Iteration is in key order.
	it, err := tr.Iter(ctx)
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	var got []string
	for it.Next() {
		got = append(got, string(it.Key()))
	}
	it.Release()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("iteration order mismatch: %v", got)
	}

	if err := tr.Remove(ctx, []byte("b")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := tr.Get(ctx, []byte("b")); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("expected NotFound after remove, got %v", err)
	}

	if err := tr.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	n, err = tr.Len(ctx)
	if err != nil || n != 0 {
		t.Fatalf("len after clear: got %d, %v", n, err)
	}

	if _, err := db.Tree("no-such-tree"); err == nil {
		t.Fatal("unknown tree should error")
	}
}

func TestCheckStorageBounds(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ok, _, err := db.CheckStorageBounds(ctx, 1<<40)
	if err != nil {
		t.Fatalf("check bounds: %v", err)
	}
	if !ok {
		t.Fatal("fresh store should be under a 1 TiB ceiling")
	}
}
