package wireproto

import (
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Compact-block command names. The upstream wire package predates BIP152,
// so these messages are defined here in the same BtcEncode/BtcDecode style
// as its own types.
const (
	CmdSendCmpct   = "sendcmpct"
	CmdCmpctBlock  = "cmpctblock"
	CmdGetBlockTxn = "getblocktxn"
	CmdBlockTxn    = "blocktxn"
)

// maxShortIDsPerMsg bounds a compact block's short-ID list well above any
// real block's transaction count.
const maxShortIDsPerMsg = 1_000_000

// MsgSendCmpct announces compact-block support and the highest protocol
// version the sender speaks.
type MsgSendCmpct struct {
	AnnounceNewBlocks bool
	Version           uint64
}

func (m *MsgSendCmpct) Command() string { return CmdSendCmpct }

func (m *MsgSendCmpct) MaxPayloadLength(pver uint32) uint32 { return 9 }

func (m *MsgSendCmpct) BtcEncode(w io.Writer, pver uint32, enc wire.MessageEncoding) error {
	announce := byte(0)
	if m.AnnounceNewBlocks {
		announce = 1
	}
	if _, err := w.Write([]byte{announce}); err != nil {
		return err
	}
	return binaryWriteUint64(w, m.Version)
}

func (m *MsgSendCmpct) BtcDecode(r io.Reader, pver uint32, enc wire.MessageEncoding) error {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	m.AnnounceNewBlocks = b[0] != 0
	v, err := binaryReadUint64(r)
	if err != nil {
		return err
	}
	m.Version = v
	return nil
}

// PrefilledTx is a transaction the sender chose to include verbatim in a
// compact block, with its absolute slot index.
type PrefilledTx struct {
	Index uint32
	Tx    *wire.MsgTx
}

// MsgCmpctBlock is the compact form of a block: full header, the short-ID
// salt nonce, 48-bit short IDs for mempool-resolvable transactions and the
// prefilled remainder.
type MsgCmpctBlock struct {
	Header        *wire.BlockHeader
	Nonce         uint64
	ShortIDs      []uint64
	PrefilledTxns []*PrefilledTx
}

func (m *MsgCmpctBlock) Command() string { return CmdCmpctBlock }

func (m *MsgCmpctBlock) MaxPayloadLength(pver uint32) uint32 { return MaxFrameSize }

func (m *MsgCmpctBlock) BtcEncode(w io.Writer, pver uint32, enc wire.MessageEncoding) error {
	if m.Header == nil {
		return fmt.Errorf("cmpctblock has no header")
	}
	if err := m.Header.Serialize(w); err != nil {
		return err
	}
	if err := binaryWriteUint64(w, m.Nonce); err != nil {
		return err
	}

	if err := wire.WriteVarInt(w, pver, uint64(len(m.ShortIDs))); err != nil {
		return err
	}
	for _, sid := range m.ShortIDs {
		var b [6]byte
		for i := 0; i < 6; i++ {
			b[i] = byte(sid >> (8 * i))
		}
		if _, err := w.Write(b[:]); err != nil {
			return err
		}
	}

	if err := wire.WriteVarInt(w, pver, uint64(len(m.PrefilledTxns))); err != nil {
		return err
	}
	for _, p := range m.PrefilledTxns {
		if err := wire.WriteVarInt(w, pver, uint64(p.Index)); err != nil {
			return err
		}
		if err := p.Tx.BtcEncode(w, pver, enc); err != nil {
			return err
		}
	}
	return nil
}

func (m *MsgCmpctBlock) BtcDecode(r io.Reader, pver uint32, enc wire.MessageEncoding) error {
	m.Header = &wire.BlockHeader{}
	if err := m.Header.Deserialize(r); err != nil {
		return err
	}
	nonce, err := binaryReadUint64(r)
	if err != nil {
		return err
	}
	m.Nonce = nonce

	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	if count > maxShortIDsPerMsg {
		return fmt.Errorf("short ID count %d exceeds max %d", count, maxShortIDsPerMsg)
	}
	m.ShortIDs = make([]uint64, 0, count)
	for i := uint64(0); i < count; i++ {
		var b [6]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		var sid uint64
		for j := 0; j < 6; j++ {
			sid |= uint64(b[j]) << (8 * j)
		}
		m.ShortIDs = append(m.ShortIDs, sid)
	}

	count, err = wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	if count > maxShortIDsPerMsg {
		return fmt.Errorf("prefilled count %d exceeds max %d", count, maxShortIDsPerMsg)
	}
	m.PrefilledTxns = make([]*PrefilledTx, 0, count)
	for i := uint64(0); i < count; i++ {
		idx, err := wire.ReadVarInt(r, pver)
		if err != nil {
			return err
		}
		tx := &wire.MsgTx{}
		if err := tx.BtcDecode(r, pver, enc); err != nil {
			return err
		}
		m.PrefilledTxns = append(m.PrefilledTxns, &PrefilledTx{Index: uint32(idx), Tx: tx})
	}
	return nil
}

// MsgGetBlockTxn requests the transactions a compact-block receiver could
// not resolve from its mempool, by absolute slot index.
type MsgGetBlockTxn struct {
	BlockHash chainhash.Hash
	Indexes   []uint32
}

func (m *MsgGetBlockTxn) Command() string { return CmdGetBlockTxn }

func (m *MsgGetBlockTxn) MaxPayloadLength(pver uint32) uint32 { return MaxFrameSize }

func (m *MsgGetBlockTxn) BtcEncode(w io.Writer, pver uint32, enc wire.MessageEncoding) error {
	if _, err := w.Write(m.BlockHash[:]); err != nil {
		return err
	}
	if err := wire.WriteVarInt(w, pver, uint64(len(m.Indexes))); err != nil {
		return err
	}
	for _, idx := range m.Indexes {
		if err := wire.WriteVarInt(w, pver, uint64(idx)); err != nil {
			return err
		}
	}
	return nil
}

func (m *MsgGetBlockTxn) BtcDecode(r io.Reader, pver uint32, enc wire.MessageEncoding) error {
	if _, err := io.ReadFull(r, m.BlockHash[:]); err != nil {
		return err
	}
	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	if count > maxShortIDsPerMsg {
		return fmt.Errorf("index count %d exceeds max %d", count, maxShortIDsPerMsg)
	}
	m.Indexes = make([]uint32, 0, count)
	for i := uint64(0); i < count; i++ {
		idx, err := wire.ReadVarInt(r, pver)
		if err != nil {
			return err
		}
		m.Indexes = append(m.Indexes, uint32(idx))
	}
	return nil
}

// MsgBlockTxn answers a getblocktxn with the requested transactions, in the
// same order as the requested indexes.
type MsgBlockTxn struct {
	BlockHash    chainhash.Hash
	Transactions []*wire.MsgTx
}

func (m *MsgBlockTxn) Command() string { return CmdBlockTxn }

func (m *MsgBlockTxn) MaxPayloadLength(pver uint32) uint32 { return MaxFrameSize }

func (m *MsgBlockTxn) BtcEncode(w io.Writer, pver uint32, enc wire.MessageEncoding) error {
	if _, err := w.Write(m.BlockHash[:]); err != nil {
		return err
	}
	if err := wire.WriteVarInt(w, pver, uint64(len(m.Transactions))); err != nil {
		return err
	}
	for _, tx := range m.Transactions {
		if err := tx.BtcEncode(w, pver, enc); err != nil {
			return err
		}
	}
	return nil
}

func (m *MsgBlockTxn) BtcDecode(r io.Reader, pver uint32, enc wire.MessageEncoding) error {
	if _, err := io.ReadFull(r, m.BlockHash[:]); err != nil {
		return err
	}
	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	if count > maxShortIDsPerMsg {
		return fmt.Errorf("transaction count %d exceeds max %d", count, maxShortIDsPerMsg)
	}
	m.Transactions = make([]*wire.MsgTx, 0, count)
	for i := uint64(0); i < count; i++ {
		tx := &wire.MsgTx{}
		if err := tx.BtcDecode(r, pver, enc); err != nil {
			return err
		}
		m.Transactions = append(m.Transactions, tx)
	}
	return nil
}
