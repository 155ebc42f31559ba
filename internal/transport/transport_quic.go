package transport

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/quic-go/quic-go"

	"github.com/ironpeak/tinybit/internal/wireproto"
)

// QUIC is the optional low-latency datagram-backed transport variant.
// Each logical Conn maps to a single bidirectional QUIC stream. When
// TLSConfig is nil the default config skips peer certificate verification,
// since the node authenticates peers at the application layer
// (handshake/verack), not at the transport layer; it carries no
// certificate of its own, so Listen with the default config has none to
// present.
type QUIC struct {
	TLSConfig *tls.Config
}

var _ Transport = (*QUIC)(nil)

func (QUIC) Kind() Kind { return KindQUIC }

func (q QUIC) tlsConfig() *tls.Config {
	if q.TLSConfig != nil {
		return q.TLSConfig
	}
	return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"tinybit"}}
}

func (q QUIC) Dial(ctx context.Context, addr Address) (Conn, error) {
	conn, err := quic.DialAddr(ctx, addr.HostPort, q.tlsConfig(), nil)
	if err != nil {
		return nil, fmt.Errorf("quic dial %v: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("quic open stream %v: %w", addr, err)
	}
	return &quicConn{conn: conn, stream: stream}, nil
}

func (q QUIC) Listen(ctx context.Context, addr Address) (Listener, error) {
	l, err := quic.ListenAddr(addr.HostPort, q.tlsConfig(), nil)
	if err != nil {
		return nil, fmt.Errorf("quic listen %v: %w", addr, err)
	}
	return &quicListener{l: l}, nil
}

type quicListener struct {
	l *quic.Listener
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.l.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("quic accept: %w", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream accept failed")
		return nil, fmt.Errorf("quic accept stream: %w", err)
	}
	return &quicConn{conn: conn, stream: stream}, nil
}

func (l *quicListener) Addr() Address {
	return Address{Kind: KindQUIC, HostPort: l.l.Addr().String()}
}

func (l *quicListener) Close() error { return l.l.Close() }

type quicConn struct {
	conn   quic.Connection
	stream quic.Stream
}

func (c *quicConn) ReadFrame(net wire.BitcoinNet) (wire.Message, string, []byte, error) {
	msg, cmd, raw, err := wireproto.Decode(net, c.stream)
	if err != nil {
		var cerr *wireproto.Error
		if asCodecError(err, &cerr) && cerr.Kind == wireproto.ErrKindOversized {
			log.Errorf("oversized frame from %v, closing connection", c.RemoteAddr())
			_ = c.conn.CloseWithError(1, "oversized message")
		}
		return nil, cmd, raw, err
	}
	return msg, cmd, raw, nil
}

func (c *quicConn) WriteFrame(net wire.BitcoinNet, msg wire.Message) error {
	framed, err := wireproto.Encode(net, msg)
	if err != nil {
		return err
	}
	_, err = c.stream.Write(framed)
	return err
}

func (c *quicConn) LocalAddr() Address {
	return Address{Kind: KindQUIC, HostPort: c.conn.LocalAddr().String()}
}

func (c *quicConn) RemoteAddr() Address {
	return Address{Kind: KindQUIC, HostPort: c.conn.RemoteAddr().String()}
}

func (c *quicConn) Close() error {
	_ = c.stream.Close()
	return c.conn.CloseWithError(0, "")
}
