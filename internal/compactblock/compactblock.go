// Package compactblock implements BIP152-style compact block building and
// receiver-side reconstruction: SipHash-keyed 48-bit short IDs derived from
// SHA256(header || nonce), prefilled transactions, and a getblocktxn
// fallback for anything the local mempool cannot resolve.
package compactblock

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/dchest/siphash"
	"github.com/juju/loggo"

	"github.com/ironpeak/tinybit/internal/transport"
	"github.com/ironpeak/tinybit/internal/wireproto"
)

var log = loggo.GetLogger("compactblock")

const shortIDMask = (uint64(1) << 48) - 1

// Keys derives the two 64-bit SipHash-2-4 keys from SHA-256 over the
// serialized block header followed by the little-endian nonce.
func Keys(header *wire.BlockHeader, nonce uint64) (k0, k1 uint64, err error) {
	var buf bytes.Buffer
	if err := header.Serialize(&buf); err != nil {
		return 0, 0, fmt.Errorf("serialize header: %w", err)
	}
	var nonceBytes [8]byte
	binary.LittleEndian.PutUint64(nonceBytes[:], nonce)
	buf.Write(nonceBytes[:])

	sum := sha256.Sum256(buf.Bytes())
	k0 = binary.LittleEndian.Uint64(sum[0:8])
	k1 = binary.LittleEndian.Uint64(sum[8:16])
	return k0, k1, nil
}

// ShortID hashes txHash with SipHash-2-4(k0,k1) and keeps the low 48 bits.
func ShortID(txHash chainhash.Hash, k0, k1 uint64) uint64 {
	return siphash.Hash(k0, k1, txHash[:]) & shortIDMask
}

// PreferredVersion picks the compact-block protocol version for a
// transport: QUIC-class transports recommend version 2, everything else
// (including overlay, which rides atop ordinary streams) defaults to 1.
func PreferredVersion(kind transport.Kind) uint64 {
	if isQUICTransport(kind) {
		return 2
	}
	return 1
}

func isQUICTransport(kind transport.Kind) bool {
	return kind == transport.KindQUIC
}

// Build derives the compact-block representation of a full block: the
// coinbase is always prefilled, plus any caller-indicated extra indices;
// every other transaction is reduced to its short ID.
func Build(block *wire.MsgBlock, nonce uint64, extraPrefilled map[int]bool) (*wireproto.MsgCmpctBlock, error) {
	if len(block.Transactions) == 0 {
		return nil, fmt.Errorf("block has no transactions")
	}

	k0, k1, err := Keys(&block.Header, nonce)
	if err != nil {
		return nil, err
	}

	cb := &wireproto.MsgCmpctBlock{
		Header: &block.Header,
		Nonce:  nonce,
	}

	for i, tx := range block.Transactions {
		if i == 0 || extraPrefilled[i] {
			cb.PrefilledTxns = append(cb.PrefilledTxns, &wireproto.PrefilledTx{Index: uint32(i), Tx: tx})
			continue
		}
		cb.ShortIDs = append(cb.ShortIDs, ShortID(tx.TxHash(), k0, k1))
	}
	return cb, nil
}

// MempoolSource exposes the locally held candidate transactions a
// Reconstructor matches short IDs against.
type MempoolSource interface {
	Transactions() []*wire.MsgTx
}

// Reconstructor holds one compact block's in-progress reassembly: prefilled
// slots are filled immediately, short-ID slots are resolved against a
// mempool snapshot, and anything left over becomes a getblocktxn request.
type Reconstructor struct {
	blockHash     chainhash.Hash
	k0, k1        uint64
	slots         []*wire.MsgTx
	shortIDOf     []uint64 // shortIDOf[i] is valid only when slots[i] is nil
}

// NewReconstructor seeds a Reconstructor from a received compact block.
func NewReconstructor(blockHash chainhash.Hash, cb *wireproto.MsgCmpctBlock) (*Reconstructor, error) {
	k0, k1, err := Keys(cb.Header, cb.Nonce)
	if err != nil {
		return nil, err
	}

	total := len(cb.PrefilledTxns) + len(cb.ShortIDs)
	r := &Reconstructor{
		blockHash: blockHash,
		k0:        k0,
		k1:        k1,
		slots:     make([]*wire.MsgTx, total),
		shortIDOf: make([]uint64, total),
	}
	for _, p := range cb.PrefilledTxns {
		if int(p.Index) >= total {
			return nil, fmt.Errorf("prefilled index %d out of range for %d slots", p.Index, total)
		}
		r.slots[p.Index] = p.Tx
	}

	cursor := 0
	for i := range r.slots {
		if r.slots[i] != nil {
			continue
		}
		if cursor >= len(cb.ShortIDs) {
			return nil, fmt.Errorf("short ID count does not account for all non-prefilled slots")
		}
		r.shortIDOf[i] = cb.ShortIDs[cursor]
		cursor++
	}
	return r, nil
}

// Resolve matches unfilled slots against pool's candidate transactions,
// filling any that uniquely match. A short ID matched by more than one
// mempool tx counts as a miss, same as zero matches. It returns the
// still-missing slot indices in order.
func (r *Reconstructor) Resolve(pool MempoolSource) []uint32 {
	index := make(map[uint64][]*wire.MsgTx)
	for _, tx := range pool.Transactions() {
		sid := ShortID(tx.TxHash(), r.k0, r.k1)
		index[sid] = append(index[sid], tx)
	}

	var missing []uint32
	for i := range r.slots {
		if r.slots[i] != nil {
			continue
		}
		candidates := index[r.shortIDOf[i]]
		if len(candidates) == 1 {
			r.slots[i] = candidates[0]
			continue
		}
		if len(candidates) > 1 {
			log.Debugf("short ID collision at slot %d (%d candidates), requesting full tx", i, len(candidates))
		}
		missing = append(missing, uint32(i))
	}
	return missing
}

// Missing returns the slot indices still unresolved.
func (r *Reconstructor) Missing() []uint32 {
	var missing []uint32
	for i, tx := range r.slots {
		if tx == nil {
			missing = append(missing, uint32(i))
		}
	}
	return missing
}

// GetBlockTxnRequest builds the getblocktxn message for the slots still
// missing after Resolve.
func (r *Reconstructor) GetBlockTxnRequest() *wireproto.MsgGetBlockTxn {
	return &wireproto.MsgGetBlockTxn{
		BlockHash: r.blockHash,
		Indexes:   r.Missing(),
	}
}

// FillFromBlockTxn applies a blocktxn response: its Transactions are in the
// same order as the indexes most recently requested via
// GetBlockTxnRequest.
func (r *Reconstructor) FillFromBlockTxn(requested []uint32, msg *wireproto.MsgBlockTxn) error {
	if len(msg.Transactions) != len(requested) {
		return fmt.Errorf("blocktxn has %d transactions, requested %d", len(msg.Transactions), len(requested))
	}
	for i, idx := range requested {
		r.slots[idx] = msg.Transactions[i]
	}
	return nil
}

// Complete reports whether every slot has been filled.
func (r *Reconstructor) Complete() bool {
	for _, tx := range r.slots {
		if tx == nil {
			return false
		}
	}
	return true
}

// Assemble returns the fully reconstructed transaction list once Complete
// reports true.
func (r *Reconstructor) Assemble() ([]*wire.MsgTx, error) {
	if !r.Complete() {
		return nil, fmt.Errorf("block reconstruction incomplete: %d slots missing", len(r.Missing()))
	}
	return r.slots, nil
}
