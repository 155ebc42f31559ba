package wireproto

import (
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
)

// MaxBanListEntries bounds a single banlist message, mirroring the
// per-message bound discipline of addr/inv/getheaders.
const MaxBanListEntries = 10000

// BanListEntry is one gossiped ban record: address, unban_timestamp (0 is
// permanent) and an optional human reason.
type BanListEntry struct {
	Address        string
	UnbanTimestamp uint64
	Reason         string
}

// MsgBanList is the node-native ban-list gossip message, implemented the
// way the upstream wire.Msg* types are: a BtcDecode/BtcEncode pair driven
// by the package's varint/varstring helpers.
type MsgBanList struct {
	Entries []BanListEntry
}

func (m *MsgBanList) Command() string { return CmdBanList }

func (m *MsgBanList) MaxPayloadLength(pver uint32) uint32 {
	// address + reason are unbounded var-strings in principle; bound the
	// whole message at the frame ceiling rather than a tighter per-field
	// number, same as MsgTx/MsgBlock do upstream.
	return MaxFrameSize
}

func (m *MsgBanList) BtcEncode(w io.Writer, pver uint32, enc wire.MessageEncoding) error {
	if err := wire.WriteVarInt(w, pver, uint64(len(m.Entries))); err != nil {
		return err
	}
	for _, e := range m.Entries {
		if err := wire.WriteVarString(w, pver, e.Address); err != nil {
			return err
		}
		if err := binaryWriteUint64(w, e.UnbanTimestamp); err != nil {
			return err
		}
		if err := wire.WriteVarString(w, pver, e.Reason); err != nil {
			return err
		}
	}
	return nil
}

func (m *MsgBanList) BtcDecode(r io.Reader, pver uint32, enc wire.MessageEncoding) error {
	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	if count > MaxBanListEntries {
		return fmt.Errorf("banlist entry count %d exceeds max %d", count, MaxBanListEntries)
	}

	entries := make([]BanListEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		addr, err := wire.ReadVarString(r, pver)
		if err != nil {
			return err
		}
		ts, err := binaryReadUint64(r)
		if err != nil {
			return err
		}
		reason, err := wire.ReadVarString(r, pver)
		if err != nil {
			return err
		}
		entries = append(entries, BanListEntry{Address: addr, UnbanTimestamp: ts, Reason: reason})
	}
	m.Entries = entries
	return nil
}

func binaryWriteUint64(w io.Writer, v uint64) error {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	_, err := w.Write(b[:])
	return err
}

func binaryReadUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v, nil
}
