// Package transport is the node's byte-stream multiplexer: one capability
// interface, three variants (TCP always available, QUIC and overlay
// optional), each read/write operating in whole wireproto frames.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/juju/loggo"

	"github.com/ironpeak/tinybit/internal/wireproto"
)

var log = loggo.GetLogger("transport")

// Kind tags a TransportAddress/Conn with which transport produced it.
type Kind int

const (
	KindTCP Kind = iota
	KindQUIC
	KindOverlay
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	case KindOverlay:
		return "overlay"
	default:
		return "unknown"
	}
}

// Address is a tagged transport endpoint. TCP/QUIC endpoints are
// host:port; overlay endpoints carry a 32-byte public key peer identity
// instead.
type Address struct {
	Kind      Kind
	HostPort  string
	PublicKey [32]byte
}

func (a Address) String() string {
	if a.Kind == KindOverlay {
		return fmt.Sprintf("overlay:%x", a.PublicKey[:8])
	}
	return fmt.Sprintf("%s:%s", a.Kind, a.HostPort)
}

// Conn is one established byte-stream connection. Reads always consume
// whole frames (partial reads are buffered internally); an oversized frame
// is fatal and the connection is closed before the error is returned to
// the caller.
type Conn interface {
	ReadFrame(net wire.BitcoinNet) (msg wire.Message, command string, raw []byte, err error)
	WriteFrame(net wire.BitcoinNet, msg wire.Message) error
	LocalAddr() Address
	RemoteAddr() Address
	Close() error
}

// Listener accepts inbound Conns.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() Address
	Close() error
}

// Transport is the capability set a concrete variant implements. Dial and
// Listen both honor ctx for cancellation/timeout.
type Transport interface {
	Kind() Kind
	Listen(ctx context.Context, addr Address) (Listener, error)
	Dial(ctx context.Context, addr Address) (Conn, error)
}

// --- TCP -------------------------------------------------------------------

// TCP is the always-available transport variant.
type TCP struct {
	DialTimeout time.Duration
}

var _ Transport = (*TCP)(nil)

func (TCP) Kind() Kind { return KindTCP }

func (t TCP) Dial(ctx context.Context, addr Address) (Conn, error) {
	d := net.Dialer{Timeout: t.DialTimeout}
	c, err := d.DialContext(ctx, "tcp", addr.HostPort)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %v: %w", addr, err)
	}
	return &tcpConn{c: c}, nil
}

func (t TCP) Listen(ctx context.Context, addr Address) (Listener, error) {
	lc := net.ListenConfig{}
	l, err := lc.Listen(ctx, "tcp", addr.HostPort)
	if err != nil {
		return nil, fmt.Errorf("tcp listen %v: %w", addr, err)
	}
	return &tcpListener{l: l}, nil
}

type tcpListener struct {
	l net.Listener
}

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.l.Accept()
		ch <- result{c, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("tcp accept: %w", r.err)
		}
		return &tcpConn{c: r.c}, nil
	}
}

func (l *tcpListener) Addr() Address {
	return Address{Kind: KindTCP, HostPort: l.l.Addr().String()}
}

func (l *tcpListener) Close() error { return l.l.Close() }

type tcpConn struct {
	c net.Conn
}

func (c *tcpConn) ReadFrame(net wire.BitcoinNet) (wire.Message, string, []byte, error) {
	msg, cmd, raw, err := wireproto.Decode(net, c.c)
	if err != nil {
		var cerr *wireproto.Error
		if asCodecError(err, &cerr) && cerr.Kind == wireproto.ErrKindOversized {
			log.Errorf("oversized frame from %v, closing connection", c.RemoteAddr())
			_ = c.c.Close()
		}
		return nil, cmd, raw, err
	}
	return msg, cmd, raw, nil
}

func (c *tcpConn) WriteFrame(net wire.BitcoinNet, msg wire.Message) error {
	framed, err := wireproto.Encode(net, msg)
	if err != nil {
		return err
	}
	_, err = c.c.Write(framed)
	return err
}

func (c *tcpConn) LocalAddr() Address {
	return Address{Kind: KindTCP, HostPort: c.c.LocalAddr().String()}
}

func (c *tcpConn) RemoteAddr() Address {
	return Address{Kind: KindTCP, HostPort: c.c.RemoteAddr().String()}
}

func (c *tcpConn) Close() error { return c.c.Close() }

// asCodecError avoids importing errors.As at every call site.
func asCodecError(err error, target **wireproto.Error) bool {
	for err != nil {
		if ce, ok := err.(*wireproto.Error); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
