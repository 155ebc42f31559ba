// Package wireproto is the wire codec: frame envelope, command registry
// and the peer message set. Message bodies are the standard
// github.com/btcsuite/btcd/wire types, which already enforce the
// per-message element caps (MaxAddrPerMsg == 1000, MaxInvPerMsg == 50000,
// MaxBlockHeadersPerMsg == 2000) during BtcDecode; this package supplies
// the outer magic/command/length/checksum frame plus the messages the
// upstream package doesn't have: the BIP152 compact-block set and the
// BanList gossip message.
package wireproto

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
)

// MaxFrameSize is the hard ceiling on a full frame (header + payload).
// Frames exceeding it fail with ErrKindOversized.
const MaxFrameSize = 32 * 1024 * 1024

const (
	magicSize    = 4
	commandSize  = 12
	lengthSize   = 4
	checksumSize = 4
	headerSize   = magicSize + commandSize + lengthSize + checksumSize
)

const (
	protocolVersion = wire.ProtocolVersion
	encoding        = wire.BaseEncoding
)

// Command name constants for the node-native message not present upstream.
const CmdBanList = "banlist"

// ErrorKind classifies a codec failure.
type ErrorKind int

const (
	ErrKindOversized ErrorKind = iota
	ErrKindUnknownCommand
	ErrKindCorrupt
)

// Error is a classified codec failure; every one carries a human context
// string alongside its kind.
type Error struct {
	Kind    ErrorKind
	Context string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: %s: %v", e.Context, e.Err)
	}
	return fmt.Sprintf("codec: %s", e.Context)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels usable with errors.Is(err, wireproto.ErrOversizedMessage) etc.
var (
	ErrOversizedMessage = &Error{Kind: ErrKindOversized}
	ErrUnknownCommand   = &Error{Kind: ErrKindUnknownCommand}
	ErrCorruptFrame     = &Error{Kind: ErrKindCorrupt}
)

func newErr(kind ErrorKind, context string, err error) *Error {
	return &Error{Kind: kind, Context: context, Err: err}
}

// factory builds a zero-value message for a known command.
type factory func() wire.Message

var registry = map[string]factory{
	wire.CmdVersion:     func() wire.Message { return &wire.MsgVersion{} },
	wire.CmdVerAck:      func() wire.Message { return &wire.MsgVerAck{} },
	wire.CmdPing:        func() wire.Message { return &wire.MsgPing{} },
	wire.CmdPong:        func() wire.Message { return &wire.MsgPong{} },
	wire.CmdAddr:        func() wire.Message { return &wire.MsgAddr{} },
	wire.CmdInv:         func() wire.Message { return &wire.MsgInv{} },
	wire.CmdGetData:     func() wire.Message { return &wire.MsgGetData{} },
	wire.CmdGetHeaders:  func() wire.Message { return &wire.MsgGetHeaders{} },
	wire.CmdHeaders:     func() wire.Message { return &wire.MsgHeaders{} },
	wire.CmdTx:          func() wire.Message { return &wire.MsgTx{} },
	wire.CmdBlock:       func() wire.Message { return &wire.MsgBlock{} },
	CmdCmpctBlock:       func() wire.Message { return &MsgCmpctBlock{} },
	CmdGetBlockTxn:      func() wire.Message { return &MsgGetBlockTxn{} },
	CmdBlockTxn:         func() wire.Message { return &MsgBlockTxn{} },
	wire.CmdFeeFilter:   func() wire.Message { return &wire.MsgFeeFilter{} },
	wire.CmdReject:      func() wire.Message { return &wire.MsgReject{} },
	wire.CmdSendHeaders: func() wire.Message { return &wire.MsgSendHeaders{} },
	CmdSendCmpct:        func() wire.Message { return &MsgSendCmpct{} },
	CmdBanList:          func() wire.Message { return &MsgBanList{} },
}

// KnownCommand reports whether cmd is a registered message type.
func KnownCommand(cmd string) bool {
	_, ok := registry[cmd]
	return ok
}

func commandBytes(cmd string) ([commandSize]byte, error) {
	var b [commandSize]byte
	if len(cmd) > commandSize {
		return b, fmt.Errorf("command %q exceeds %d bytes", cmd, commandSize)
	}
	copy(b[:], cmd)
	return b, nil
}

func checksum(payload []byte) [checksumSize]byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	var c [checksumSize]byte
	copy(c[:], second[:checksumSize])
	return c
}

// Encode frames msg for net, returning the full header+payload byte slice.
func Encode(net wire.BitcoinNet, msg wire.Message) ([]byte, error) {
	var payload bytes.Buffer
	if err := msg.BtcEncode(&payload, protocolVersion, encoding); err != nil {
		return nil, newErr(ErrKindCorrupt, "encode payload", err)
	}

	if headerSize+payload.Len() > MaxFrameSize {
		return nil, newErr(ErrKindOversized, fmt.Sprintf("frame %d bytes exceeds %d", headerSize+payload.Len(), MaxFrameSize), nil)
	}

	cmdBytes, err := commandBytes(msg.Command())
	if err != nil {
		return nil, newErr(ErrKindCorrupt, "encode command", err)
	}

	out := make([]byte, 0, headerSize+payload.Len())
	var magicBuf [magicSize]byte
	binary.LittleEndian.PutUint32(magicBuf[:], uint32(net))
	out = append(out, magicBuf[:]...)
	out = append(out, cmdBytes[:]...)
	var lenBuf [lengthSize]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(payload.Len()))
	out = append(out, lenBuf[:]...)
	cs := checksum(payload.Bytes())
	out = append(out, cs[:]...)
	out = append(out, payload.Bytes()...)

	return out, nil
}

// DecodeBytes decodes one framed message held fully in memory, as delivered
// by datagram-style transports (gossip announcements).
func DecodeBytes(net wire.BitcoinNet, b []byte) (wire.Message, string, []byte, error) {
	return Decode(net, bytes.NewReader(b))
}

// Decode reads exactly one framed message from r for the expected network.
// It returns the parsed message, its command name and the raw payload
// bytes (useful for ban-worthiness logging without re-encoding).
func Decode(net wire.BitcoinNet, r io.Reader) (wire.Message, string, []byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, "", nil, newErr(ErrKindCorrupt, "read header", err)
	}

	gotNet := wire.BitcoinNet(binary.LittleEndian.Uint32(header[0:magicSize]))
	if gotNet != net {
		return nil, "", nil, newErr(ErrKindCorrupt, fmt.Sprintf("magic mismatch: got %08x want %08x", gotNet, net), nil)
	}

	cmdRaw := header[magicSize : magicSize+commandSize]
	nul := bytes.IndexByte(cmdRaw, 0)
	if nul == -1 {
		nul = len(cmdRaw)
	}
	cmd := string(cmdRaw[:nul])

	length := binary.LittleEndian.Uint32(header[magicSize+commandSize : magicSize+commandSize+lengthSize])
	if int(length) > MaxFrameSize-headerSize || headerSize+int(length) > MaxFrameSize {
		return nil, cmd, nil, newErr(ErrKindOversized, fmt.Sprintf("payload length %d exceeds bound", length), nil)
	}

	wantChecksum := header[magicSize+commandSize+lengthSize:]

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, cmd, nil, newErr(ErrKindCorrupt, "read payload", err)
	}

	gotChecksum := checksum(payload)
	if !bytes.Equal(gotChecksum[:], wantChecksum) {
		return nil, cmd, payload, newErr(ErrKindCorrupt, "checksum mismatch", nil)
	}

	mk, ok := registry[cmd]
	if !ok {
		return nil, cmd, payload, newErr(ErrKindUnknownCommand, fmt.Sprintf("unknown command %q", cmd), nil)
	}

	msg := mk()
	if err := msg.BtcDecode(bytes.NewBuffer(payload), protocolVersion, encoding); err != nil {
		return nil, cmd, payload, newErr(ErrKindCorrupt, "decode payload", err)
	}

	return msg, cmd, payload, nil
}
