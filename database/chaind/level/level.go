// Package level is the goleveldb-backed implementation of chaind.Database:
// one leveldb handle per tree, writes batched per tree, and a commit order
// chosen so a crash mid StoreBlock recovers to either the pre- or
// post-state.
package level

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/juju/loggo"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/ironpeak/tinybit/database"
	"github.com/ironpeak/tinybit/database/chaind"
	dblevel "github.com/ironpeak/tinybit/database/level"
)

const schemaVersion = 1

var log = loggo.GetLogger("chaindlevel")

var trees = []string{
	chaind.TreeBlocks,
	chaind.TreeHeaders,
	chaind.TreeHeight,
	chaind.TreeChainMeta,
	chaind.TreeUTXOs,
	chaind.TreeTxIndex,
	chaind.TreeBans,
	chaind.TreeUndo,
}

type ldb struct {
	mtx sync.Mutex

	*dblevel.Database
}

var _ chaind.Database = (*ldb)(nil)

// New opens (or creates) a chain store rooted at home.
func New(ctx context.Context, home string) (*ldb, error) {
	log.Tracef("New %v", home)
	defer log.Tracef("New exit")

	d, err := dblevel.New(ctx, home, schemaVersion, trees)
	if err != nil {
		return nil, err
	}
	return &ldb{Database: d}, nil
}

func heightKey(height uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, height)
	return k
}

func heightOf(k []byte) uint64 {
	return binary.BigEndian.Uint64(k)
}

// --- generic Tree accessor -------------------------------------------------

type tree struct {
	name string
	db   *leveldb.DB
}

func (l *ldb) Tree(name string) (chaind.Tree, error) {
	db, ok := l.DB()[name]
	if !ok {
		return nil, fmt.Errorf("unknown tree: %v", name)
	}
	return &tree{name: name, db: db}, nil
}

func (t *tree) Insert(ctx context.Context, key, value []byte) error {
	return t.db.Put(key, value, nil)
}

func (t *tree) Get(ctx context.Context, key []byte) ([]byte, error) {
	v, err := t.db.Get(key, nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, database.NotFoundError(fmt.Sprintf("%v: %x not found", t.name, key))
		}
		return nil, fmt.Errorf("%v get: %w", t.name, err)
	}
	return v, nil
}

func (t *tree) Remove(ctx context.Context, key []byte) error {
	return t.db.Delete(key, nil)
}

func (t *tree) ContainsKey(ctx context.Context, key []byte) (bool, error) {
	return t.db.Has(key, nil)
}

func (t *tree) Clear(ctx context.Context) error {
	it := t.db.NewIterator(nil, nil)
	defer it.Release()
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte{}, it.Key()...))
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("%v clear iterate: %w", t.name, err)
	}
	return t.db.Write(batch, nil)
}

func (t *tree) Len(ctx context.Context) (int, error) {
	it := t.db.NewIterator(nil, nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func (t *tree) Iter(ctx context.Context) (chaind.Iterator, error) {
	return &treeIter{it: t.db.NewIterator(nil, nil)}, nil
}

type treeIter struct {
	it iterator.Iterator
}

func (i *treeIter) Next() bool     { return i.it.Next() }
func (i *treeIter) Key() []byte    { return i.it.Key() }
func (i *treeIter) Value() []byte  { return i.it.Value() }
func (i *treeIter) Release()       { i.it.Release() }
func (i *treeIter) Error() error   { return i.it.Error() }

// --- typed accessors --------------------------------------------------------

func (l *ldb) BlockHeaderByHash(ctx context.Context, hash chainhash.Hash) (*chaind.BlockHeader, error) {
	log.Tracef("BlockHeaderByHash")
	defer log.Tracef("BlockHeaderByHash exit")

	db := l.DB()[chaind.TreeHeaders]
	v, err := db.Get(hash[:], nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, database.NotFoundError(fmt.Sprintf("header not found: %v", hash))
		}
		return nil, fmt.Errorf("block header by hash: %w", err)
	}
	var bh chaind.BlockHeader
	if err := json.Unmarshal(v, &bh); err != nil {
		return nil, fmt.Errorf("block header unmarshal: %w", err)
	}
	return &bh, nil
}

func (l *ldb) HashAtHeight(ctx context.Context, height uint64) (chainhash.Hash, error) {
	log.Tracef("HashAtHeight")
	defer log.Tracef("HashAtHeight exit")

	db := l.DB()[chaind.TreeHeight]
	v, err := db.Get(heightKey(height), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return chainhash.Hash{}, database.NotFoundError(fmt.Sprintf("no hash at height %v", height))
		}
		return chainhash.Hash{}, fmt.Errorf("hash at height: %w", err)
	}
	var h chainhash.Hash
	copy(h[:], v)
	return h, nil
}

func (l *ldb) BlockHeadersByHeight(ctx context.Context, height uint64) ([]chaind.BlockHeader, error) {
	log.Tracef("BlockHeadersByHeight")
	defer log.Tracef("BlockHeadersByHeight exit")

	hash, err := l.HashAtHeight(ctx, height)
	if err != nil {
		return nil, err
	}
	bh, err := l.BlockHeaderByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	return []chaind.BlockHeader{*bh}, nil
}

func (l *ldb) Tip(ctx context.Context) (chaind.ChainMeta, error) {
	log.Tracef("Tip")
	defer log.Tracef("Tip exit")

	db := l.DB()[chaind.TreeChainMeta]
	hv, err := db.Get([]byte(chaind.MetaKeyTipHash), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return chaind.ChainMeta{}, database.NotFoundError("no tip yet")
		}
		return chaind.ChainMeta{}, fmt.Errorf("tip hash: %w", err)
	}
	var tipHash chainhash.Hash
	copy(tipHash[:], hv)

	htv, err := db.Get([]byte(chaind.MetaKeyTipHeight), nil)
	if err != nil {
		return chaind.ChainMeta{}, fmt.Errorf("tip height: %w", err)
	}
	tipHeight := binary.BigEndian.Uint64(htv)

	work, err := db.Get([]byte(chaind.MetaKeyTotalWork), nil)
	if err != nil && err != leveldb.ErrNotFound {
		return chaind.ChainMeta{}, fmt.Errorf("total work: %w", err)
	}

	return chaind.ChainMeta{TipHash: tipHash, TipHeight: tipHeight, TotalWork: work}, nil
}

func (l *ldb) Block(ctx context.Context, hash chainhash.Hash) (*chaind.Block, error) {
	log.Tracef("Block")
	defer log.Tracef("Block exit")

	db := l.DB()[chaind.TreeBlocks]
	v, err := db.Get(hash[:], nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, database.NotFoundError(fmt.Sprintf("block not found: %v", hash))
		}
		return nil, fmt.Errorf("block: %w", err)
	}
	var b chaind.Block
	if err := json.Unmarshal(v, &b); err != nil {
		return nil, fmt.Errorf("block unmarshal: %w", err)
	}
	return &b, nil
}

func (l *ldb) TxIndexEntry(ctx context.Context, txHash chainhash.Hash) (*chaind.TxIndexEntry, error) {
	log.Tracef("TxIndexEntry")
	defer log.Tracef("TxIndexEntry exit")

	db := l.DB()[chaind.TreeTxIndex]
	v, err := db.Get(txHash[:], nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, database.NotFoundError(fmt.Sprintf("tx not indexed: %v", txHash))
		}
		return nil, fmt.Errorf("tx index: %w", err)
	}
	var e chaind.TxIndexEntry
	if err := json.Unmarshal(v, &e); err != nil {
		return nil, fmt.Errorf("tx index unmarshal: %w", err)
	}
	return &e, nil
}

func (l *ldb) UTXO(ctx context.Context, op chaind.OutPoint) (*chaind.UTXO, error) {
	log.Tracef("UTXO")
	defer log.Tracef("UTXO exit")

	db := l.DB()[chaind.TreeUTXOs]
	v, err := db.Get(op.Key(), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, database.NotFoundError(fmt.Sprintf("utxo not found: %v", op))
		}
		return nil, fmt.Errorf("utxo: %w", err)
	}
	var u chaind.UTXO
	if err := json.Unmarshal(v, &u); err != nil {
		return nil, fmt.Errorf("utxo unmarshal: %w", err)
	}
	return &u, nil
}

// StoreBlock writes the block, header, height index, undo record, tx index
// entries and utxo diff as a single durable unit. The tip-bearing
// chain_meta write commits last: until it commits, the new block is
// reachable only by hash (harmless, since no reader reaches it through the
// tip) so a crash between any two commits leaves either the old tip
// (pre-state) or the new one (post-state) live, never a dangling partial
// tip.
func (l *ldb) StoreBlock(ctx context.Context, height uint64, b *chaind.Block, header *chaind.BlockHeader, txEntries map[chainhash.Hash]chaind.TxIndexEntry, diff chaind.UtxoDiff, totalWork []byte) error {
	log.Tracef("StoreBlock")
	defer log.Tracef("StoreBlock exit")

	l.mtx.Lock()
	defer l.mtx.Unlock()

	pool := l.DB()

	blocksDB := pool[chaind.TreeBlocks]
	headersDB := pool[chaind.TreeHeaders]
	heightDB := pool[chaind.TreeHeight]
	utxosDB := pool[chaind.TreeUTXOs]
	txIndexDB := pool[chaind.TreeTxIndex]
	metaDB := pool[chaind.TreeChainMeta]
	undoDB := pool[chaind.TreeUndo]

	bj, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal block: %w", err)
	}
	hj, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}

	// Capture the records being spent before the diff deletes them, so the
	// undo entry for this height can re-insert them on rewind.
	undo := chaind.BlockUndo{}
	utxoBatch := new(leveldb.Batch)
	for _, sp := range diff.Spent {
		uv, err := utxosDB.Get(sp.Key(), nil)
		if err != nil {
			return fmt.Errorf("spent utxo %v: %w", sp, err)
		}
		var u chaind.UTXO
		if err := json.Unmarshal(uv, &u); err != nil {
			return fmt.Errorf("spent utxo %v unmarshal: %w", sp, err)
		}
		undo.Spent = append(undo.Spent, chaind.SpentUTXO{OutPoint: sp, UTXO: u})
		utxoBatch.Delete(sp.Key())
	}
	for op, u := range diff.Created {
		uj, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("marshal utxo: %w", err)
		}
		undo.Created = append(undo.Created, op)
		utxoBatch.Put(op.Key(), uj)
	}
	undoJ, err := json.Marshal(undo)
	if err != nil {
		return fmt.Errorf("marshal undo: %w", err)
	}

	txBatch := new(leveldb.Batch)
	for hash, e := range txEntries {
		ej, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal tx index: %w", err)
		}
		h := hash
		txBatch.Put(h[:], ej)
	}

	if err := blocksDB.Put(header.Hash, bj, nil); err != nil {
		return fmt.Errorf("store block: %w", err)
	}
	if err := txIndexDB.Write(txBatch, nil); err != nil {
		return fmt.Errorf("store tx index: %w", err)
	}
	// The undo entry commits before the diff it reverses: a crash between
	// the two leaves a stale undo record above the tip, which Rewind never
	// reaches because it walks down from the committed tip only.
	if err := undoDB.Put(heightKey(height), undoJ, nil); err != nil {
		return fmt.Errorf("store undo: %w", err)
	}
	if err := utxosDB.Write(utxoBatch, nil); err != nil {
		return fmt.Errorf("store utxo diff: %w", err)
	}
	if err := heightDB.Put(heightKey(height), header.Hash, nil); err != nil {
		return fmt.Errorf("store height index: %w", err)
	}
	if err := headersDB.Put(header.Hash, hj, nil); err != nil {
		return fmt.Errorf("store header: %w", err)
	}

	metaBatch := new(leveldb.Batch)
	metaBatch.Put([]byte(chaind.MetaKeyTipHash), header.Hash)
	htv := make([]byte, 8)
	binary.BigEndian.PutUint64(htv, height)
	metaBatch.Put([]byte(chaind.MetaKeyTipHeight), htv)
	if totalWork != nil {
		metaBatch.Put([]byte(chaind.MetaKeyTotalWork), totalWork)
	}
	if err := metaDB.Write(metaBatch, nil); err != nil {
		return fmt.Errorf("store chain meta: %w", err)
	}

	return nil
}

// Rewind undoes every block above toHeight: each height's recorded undo
// diff is reversed against the utxos tree (created outputs deleted, spent
// outputs re-inserted), the height index entry is dropped, and chain_meta
// is restored to point at toHeight. Blocks and headers for orphaned blocks
// are left in place so they remain fetchable by hash.
func (l *ldb) Rewind(ctx context.Context, toHeight uint64) error {
	log.Tracef("Rewind")
	defer log.Tracef("Rewind exit")

	l.mtx.Lock()
	defer l.mtx.Unlock()

	pool := l.DB()
	heightDB := pool[chaind.TreeHeight]
	utxosDB := pool[chaind.TreeUTXOs]
	undoDB := pool[chaind.TreeUndo]
	metaDB := pool[chaind.TreeChainMeta]

	hash, err := l.HashAtHeight(ctx, toHeight)
	if err != nil {
		return fmt.Errorf("rewind target: %w", err)
	}
	meta, err := l.Tip(ctx)
	if err != nil {
		return fmt.Errorf("rewind tip: %w", err)
	}
	if meta.TipHeight <= toHeight {
		return nil
	}

	// Reverse one height at a time, newest first, so each step sees the
	// utxo state its block originally modified.
	for h := meta.TipHeight; h > toHeight; h-- {
		uv, err := undoDB.Get(heightKey(h), nil)
		if err != nil {
			return fmt.Errorf("undo at %d: %w", h, err)
		}
		var undo chaind.BlockUndo
		if err := json.Unmarshal(uv, &undo); err != nil {
			return fmt.Errorf("undo at %d unmarshal: %w", h, err)
		}

		batch := new(leveldb.Batch)
		for _, op := range undo.Created {
			batch.Delete(op.Key())
		}
		for _, sp := range undo.Spent {
			uj, err := json.Marshal(sp.UTXO)
			if err != nil {
				return fmt.Errorf("undo at %d marshal: %w", h, err)
			}
			batch.Put(sp.OutPoint.Key(), uj)
		}
		if err := utxosDB.Write(batch, nil); err != nil {
			return fmt.Errorf("undo at %d apply: %w", h, err)
		}
		if err := undoDB.Delete(heightKey(h), nil); err != nil {
			return fmt.Errorf("undo at %d delete: %w", h, err)
		}
		if err := heightDB.Delete(heightKey(h), nil); err != nil {
			return fmt.Errorf("rewind height %d: %w", h, err)
		}
	}

	metaBatch := new(leveldb.Batch)
	metaBatch.Put([]byte(chaind.MetaKeyTipHash), hash[:])
	htv := make([]byte, 8)
	binary.BigEndian.PutUint64(htv, toHeight)
	metaBatch.Put([]byte(chaind.MetaKeyTipHeight), htv)
	return metaDB.Write(metaBatch, nil)
}

func (l *ldb) BanListUpsert(ctx context.Context, entries []chaind.BanEntry) error {
	log.Tracef("BanListUpsert")
	defer log.Tracef("BanListUpsert exit")

	db := l.DB()[chaind.TreeBans]
	batch := new(leveldb.Batch)
	for _, e := range entries {
		ej, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal ban entry: %w", err)
		}
		batch.Put([]byte(e.Address), ej)
	}
	return db.Write(batch, nil)
}

func (l *ldb) BanListAll(ctx context.Context) ([]chaind.BanEntry, error) {
	log.Tracef("BanListAll")
	defer log.Tracef("BanListAll exit")

	db := l.DB()[chaind.TreeBans]
	it := db.NewIterator(nil, nil)
	defer it.Release()

	var out []chaind.BanEntry
	for it.Next() {
		var e chaind.BanEntry
		if err := json.Unmarshal(it.Value(), &e); err != nil {
			return nil, fmt.Errorf("unmarshal ban entry: %w", err)
		}
		out = append(out, e)
	}
	return out, it.Error()
}

func (l *ldb) IsBanned(ctx context.Context, address string) (bool, error) {
	log.Tracef("IsBanned")
	defer log.Tracef("IsBanned exit")

	db := l.DB()[chaind.TreeBans]
	v, err := db.Get([]byte(address), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("is banned: %w", err)
	}
	var e chaind.BanEntry
	if err := json.Unmarshal(v, &e); err != nil {
		return false, fmt.Errorf("unmarshal ban entry: %w", err)
	}
	if e.Expired(uint64(time.Now().Unix())) {
		_ = db.Delete([]byte(address), nil)
		return false, nil
	}
	return true, nil
}

// CheckStorageBounds estimates total on-disk size across every tree and
// compares it against ceilingBytes. Exceeding the ceiling is surfaced to
// the caller, never panics.
func (l *ldb) CheckStorageBounds(ctx context.Context, ceilingBytes uint64) (bool, uint64, error) {
	log.Tracef("CheckStorageBounds")
	defer log.Tracef("CheckStorageBounds exit")

	var total uint64
	for name, db := range l.DB() {
		sizes, err := db.SizeOf([]util.Range{{Start: nil, Limit: nil}})
		if err != nil {
			return false, total, fmt.Errorf("size of %v: %w", name, err)
		}
		total += uint64(sizes.Sum())
	}
	return total < ceilingBytes, total, nil
}
