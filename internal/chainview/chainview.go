// Package chainview is the read-only capability surface exposed to relay,
// RPC and mining collaborators, layered over storage and the mempool.
package chainview

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/ironpeak/tinybit/database"
	"github.com/ironpeak/tinybit/database/chaind"
)

// MempoolView is the narrow mempool surface chainview needs: lookup by
// hash and membership testing, nothing that could mutate the pool.
type MempoolView interface {
	Get(hash chainhash.Hash) (tx *wire.MsgTx, ok bool)
}

// View is the read-only chain access surface. No method mutates storage or
// the mempool; absent keys fail with database.ErrNotFound.
type View struct {
	storage chaind.Database
	mempool MempoolView
}

// New builds a View over the given storage and mempool handles.
func New(storage chaind.Database, mempool MempoolView) *View {
	return &View{storage: storage, mempool: mempool}
}

// HasObject reports whether hash is known as a block, an indexed
// transaction, or a mempool entry.
func (v *View) HasObject(ctx context.Context, hash chainhash.Hash) (bool, error) {
	if _, ok := v.mempool.Get(hash); ok {
		return true, nil
	}
	if _, err := v.storage.BlockHeaderByHash(ctx, hash); err == nil {
		return true, nil
	} else if !database.ErrNotFound.Is(err) {
		return false, err
	}
	if _, err := v.storage.TxIndexEntry(ctx, hash); err == nil {
		return true, nil
	} else if !database.ErrNotFound.Is(err) {
		return false, err
	}
	return false, nil
}

// GetBlock returns the fully serialized block for hash.
func (v *View) GetBlock(ctx context.Context, hash chainhash.Hash) (*chaind.Block, error) {
	b, err := v.storage.Block(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("get block %s: %w", hash, err)
	}
	return b, nil
}

// GetHeader returns the stored header for hash.
func (v *View) GetHeader(ctx context.Context, hash chainhash.Hash) (*chaind.BlockHeader, error) {
	h, err := v.storage.BlockHeaderByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("get header %s: %w", hash, err)
	}
	return h, nil
}

// GetTx returns a transaction by hash, checking the mempool first (it is
// the more common read path for unconfirmed relay lookups) and falling
// back to the confirmed tx index.
func (v *View) GetTx(ctx context.Context, hash chainhash.Hash) (*wire.MsgTx, error) {
	if tx, ok := v.mempool.Get(hash); ok {
		return tx, nil
	}
	entry, err := v.storage.TxIndexEntry(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("get tx %s: %w", hash, err)
	}
	blockHash, err := chainhash.NewHash(entry.BlockHash)
	if err != nil {
		return nil, fmt.Errorf("tx index entry for %s has corrupt block hash: %w", hash, err)
	}
	block, err := v.storage.Block(ctx, *blockHash)
	if err != nil {
		return nil, fmt.Errorf("get tx %s: block %s: %w", hash, blockHash, err)
	}
	msgBlock := wire.MsgBlock{}
	if err := msgBlock.Deserialize(bytes.NewReader(block.Block)); err != nil {
		return nil, fmt.Errorf("get tx %s: deserialize block %s: %w", hash, blockHash, err)
	}
	if int(entry.Position) >= len(msgBlock.Transactions) {
		return nil, fmt.Errorf("get tx %s: position %d out of range in block %s", hash, entry.Position, blockHash)
	}
	return msgBlock.Transactions[entry.Position], nil
}

// Tip returns the current best block's hash and height.
func (v *View) Tip(ctx context.Context) (chainhash.Hash, uint64, error) {
	meta, err := v.storage.Tip(ctx)
	if err != nil {
		return chainhash.Hash{}, 0, fmt.Errorf("tip: %w", err)
	}
	return meta.TipHash, meta.TipHeight, nil
}

// HeightOf returns the height of hash's block.
func (v *View) HeightOf(ctx context.Context, hash chainhash.Hash) (uint64, error) {
	h, err := v.storage.BlockHeaderByHash(ctx, hash)
	if err != nil {
		return 0, fmt.Errorf("height of %s: %w", hash, err)
	}
	return h.Height, nil
}

// HashAt returns the hash of the block at height on the active chain.
func (v *View) HashAt(ctx context.Context, height uint64) (chainhash.Hash, error) {
	h, err := v.storage.HashAtHeight(ctx, height)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("hash at %d: %w", height, err)
	}
	return h, nil
}
