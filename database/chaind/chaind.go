// Package chaind defines the chain-specific storage contract: the ordered
// trees (blocks, headers, height, chain_meta, utxos, tx_index, bans) plus
// the cross-tree atomic StoreBlock/Rewind operations that keep them
// mutually consistent.
package chaind

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/ironpeak/tinybit/database"
)

// Tree names, shared between the interface contract and every backend.
const (
	TreeBlocks    = "blocks"
	TreeHeaders   = "headers"
	TreeHeight    = "height"
	TreeChainMeta = "chain_meta"
	TreeUTXOs     = "utxos"
	TreeTxIndex   = "tx_index"
	TreeBans      = "bans"
	TreeUndo      = "undo"
)

// Fixed keys within the chain_meta tree.
const (
	MetaKeyTipHash   = "tip_hash"
	MetaKeyTipHeight = "tip_height"
	MetaKeyTotalWork = "total_work"
)

// OutPoint identifies a transaction output: the transaction hash plus the
// zero-based output index.
type OutPoint struct {
	Hash  chainhash.Hash
	Index uint32
}

func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.Hash, o.Index)
}

// Key returns the sortable on-disk key for this outpoint: 32-byte hash
// followed by the big-endian index, so lexical tree order matches
// (hash, index) order.
func (o OutPoint) Key() []byte {
	k := make([]byte, chainhash.HashSize+4)
	copy(k, o.Hash[:])
	k[32] = byte(o.Index >> 24)
	k[33] = byte(o.Index >> 16)
	k[34] = byte(o.Index >> 8)
	k[35] = byte(o.Index)
	return k
}

// UTXO is an unspent transaction output record.
type UTXO struct {
	Value  int64  `json:"value"`
	Script []byte `json:"script"`
	Height uint64 `json:"height"`
}

// BlockHeader is a stored header plus its chain height.
type BlockHeader struct {
	Hash      database.ByteArray `json:"hash"`
	Height    uint64             `json:"height"`
	Header    database.ByteArray `json:"header"`
	CreatedAt database.Timestamp `json:"created_at"`
}

// Block is a stored, fully-serialized block.
type Block struct {
	Hash  database.ByteArray `json:"hash"`
	Block database.ByteArray `json:"block"`
}

// TxIndexEntry locates a confirmed transaction within a block.
type TxIndexEntry struct {
	BlockHash database.ByteArray `json:"block_hash"`
	Position  uint32             `json:"position"`
	Height    uint64             `json:"height"`
}

// ChainMeta is the fixed-key summary of the active tip.
type ChainMeta struct {
	TipHash    chainhash.Hash
	TipHeight  uint64
	TotalWork  []byte // big-endian accumulated work; compared lexically at equal length
}

// BanEntry is one banned address. A zero UnbanTimestamp is permanent; any
// timestamp in the past is expired and dropped on query.
type BanEntry struct {
	Address        string             `json:"address"`
	UnbanTimestamp uint64             `json:"unban_timestamp"`
	Reason         string             `json:"reason,omitempty"`
}

// Expired reports whether this entry's ban has lapsed as of now (unix secs).
// A zero UnbanTimestamp never expires.
func (b BanEntry) Expired(nowUnix uint64) bool {
	return b.UnbanTimestamp != 0 && b.UnbanTimestamp <= nowUnix
}

// UtxoDiff is the set of changes store_block applies to the utxos tree:
// outputs consumed by this block's inputs, and new outputs it creates.
type UtxoDiff struct {
	Spent   []OutPoint
	Created map[OutPoint]UTXO
}

// SpentUTXO pairs a spent outpoint with the record it held at spend time,
// so a rewind can re-insert it.
type SpentUTXO struct {
	OutPoint OutPoint `json:"out_point"`
	UTXO     UTXO     `json:"utxo"`
}

// BlockUndo is the per-height inverse of the UtxoDiff StoreBlock applied:
// deleting Created and re-inserting Spent restores the utxos tree to its
// state before that block.
type BlockUndo struct {
	Created []OutPoint  `json:"created"`
	Spent   []SpentUTXO `json:"spent"`
}

// Tree is the generic ordered key/value surface every named tree exposes.
type Tree interface {
	Insert(ctx context.Context, key, value []byte) error
	Get(ctx context.Context, key []byte) ([]byte, error)
	Remove(ctx context.Context, key []byte) error
	ContainsKey(ctx context.Context, key []byte) (bool, error)
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
	Iter(ctx context.Context) (Iterator, error)
}

// Iterator walks a Tree in key order. Callers must call Release when done.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}

// Database is the full chain storage contract. A single writer owns each
// tree; StoreBlock and Rewind are the only cross-tree operations and are
// atomic: on crash mid-batch the engine recovers to either the pre- or
// post-state, never partial.
type Database interface {
	database.Database

	Tree(name string) (Tree, error)

	// StoreBlock durably writes b to blocks/headers, advances chain_meta,
	// indexes every transaction into tx_index, and applies diff to utxos,
	// recording the inverse diff into the undo tree, as one atomic batch.
	StoreBlock(ctx context.Context, height uint64, b *Block, header *BlockHeader, entries map[chainhash.Hash]TxIndexEntry, diff UtxoDiff, totalWork []byte) error

	// Rewind undoes blocks above toHeight, restoring chain_meta and
	// reversing each height's recorded undo diff so the resulting UtxoSet
	// equals the one that existed at toHeight.
	Rewind(ctx context.Context, toHeight uint64) error

	BlockHeaderByHash(ctx context.Context, hash chainhash.Hash) (*BlockHeader, error)
	BlockHeadersByHeight(ctx context.Context, height uint64) ([]BlockHeader, error)
	HashAtHeight(ctx context.Context, height uint64) (chainhash.Hash, error)
	Tip(ctx context.Context) (ChainMeta, error)
	Block(ctx context.Context, hash chainhash.Hash) (*Block, error)
	TxIndexEntry(ctx context.Context, txHash chainhash.Hash) (*TxIndexEntry, error)
	UTXO(ctx context.Context, op OutPoint) (*UTXO, error)

	BanListUpsert(ctx context.Context, entries []BanEntry) error
	BanListAll(ctx context.Context) ([]BanEntry, error)
	IsBanned(ctx context.Context, address string) (bool, error)

	// CheckStorageBounds reports whether estimated on-disk size is under
	// ceilingBytes. Exceeding it never panics; callers surface it as a
	// Degraded health signal.
	CheckStorageBounds(ctx context.Context, ceilingBytes uint64) (bool, uint64, error)
}
