package transport

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/ironpeak/tinybit/internal/wireproto"
)

// protocolID is the single libp2p stream protocol the node speaks; framing
// inside the stream is identical to the TCP/QUIC variants, so a peer's
// transport preference is invisible above this package.
const protocolID = protocol.ID("/tinybit/1.0.0")

// announceTopic carries framed tx/block announcements to every overlay
// subscriber at once, beside the per-stream relay path.
const announceTopic = "tinybit-announce"

// Overlay is the optional NAT-friendly transport variant: a libp2p host
// dials AddrInfos and exposes one stream handler for inbound connections,
// plus a gossipsub topic for whole-network announcements.
type Overlay struct {
	Host host.Host

	incoming chan network.Stream
	ps       *pubsub.PubSub
	topic    *pubsub.Topic
}

var _ Transport = (*Overlay)(nil)

// NewOverlay wraps an already-constructed libp2p host (built with
// libp2p.New(libp2p.ListenAddrStrings(...)) by the caller, mirroring
// network.go's NewNode) and registers the node's stream protocol handler
// and gossip topic.
func NewOverlay(ctx context.Context, h host.Host) (*Overlay, error) {
	o := &Overlay{Host: h, incoming: make(chan network.Stream, 64)}
	h.SetStreamHandler(protocolID, func(s network.Stream) {
		select {
		case o.incoming <- s:
		default:
			_ = s.Reset()
		}
	})

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("overlay pubsub: %w", err)
	}
	topic, err := ps.Join(announceTopic)
	if err != nil {
		return nil, fmt.Errorf("overlay join %s: %w", announceTopic, err)
	}
	o.ps = ps
	o.topic = topic
	return o, nil
}

// Announce publishes a framed message to every overlay subscriber.
func (o *Overlay) Announce(ctx context.Context, net wire.BitcoinNet, msg wire.Message) error {
	framed, err := wireproto.Encode(net, msg)
	if err != nil {
		return err
	}
	return o.topic.Publish(ctx, framed)
}

// Announcements subscribes to the gossip topic and yields each framed
// message published by other overlay nodes, decoded through the usual
// codec. The channel closes when ctx is cancelled.
func (o *Overlay) Announcements(ctx context.Context, net wire.BitcoinNet) (<-chan wire.Message, error) {
	sub, err := o.topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("overlay subscribe %s: %w", announceTopic, err)
	}
	out := make(chan wire.Message, 16)
	self := o.Host.ID()
	go func() {
		defer close(out)
		defer sub.Cancel()
		for {
			m, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if m.GetFrom() == self {
				continue
			}
			msg, cmd, _, err := wireproto.DecodeBytes(net, m.Data)
			if err != nil {
				log.Debugf("overlay announcement decode (%s): %v", cmd, err)
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (Overlay) Kind() Kind { return KindOverlay }

func pubKeyToAddress(p peer.ID) Address {
	var addr Address
	addr.Kind = KindOverlay
	addr.HostPort = p.String()
	raw := []byte(p)
	copy(addr.PublicKey[:], raw[len(raw)-min(len(raw), 32):])
	return addr
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (o *Overlay) Dial(ctx context.Context, addr Address) (Conn, error) {
	pi, err := peer.AddrInfoFromString(addr.HostPort)
	if err != nil {
		return nil, fmt.Errorf("overlay invalid address %v: %w", addr, err)
	}
	if err := o.Host.Connect(ctx, *pi); err != nil {
		return nil, fmt.Errorf("overlay connect %v: %w", addr, err)
	}
	s, err := o.Host.NewStream(ctx, pi.ID, protocolID)
	if err != nil {
		return nil, fmt.Errorf("overlay open stream %v: %w", addr, err)
	}
	return &overlayConn{host: o.Host, stream: s, remote: pi.ID}, nil
}

func (o *Overlay) Listen(ctx context.Context, addr Address) (Listener, error) {
	// The libp2p host is already listening (constructed via
	// libp2p.ListenAddrStrings by the caller); Listen here just exposes the
	// pre-registered stream-handler channel as a Listener.
	return &overlayListener{o: o}, nil
}

type overlayListener struct {
	o *Overlay
}

func (l *overlayListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case s := <-l.o.incoming:
		return &overlayConn{host: l.o.Host, stream: s, remote: s.Conn().RemotePeer()}, nil
	}
}

func (l *overlayListener) Addr() Address {
	return pubKeyToAddress(l.o.Host.ID())
}

func (l *overlayListener) Close() error { return l.o.Host.Close() }

type overlayConn struct {
	host   host.Host
	stream network.Stream
	remote peer.ID
}

func (c *overlayConn) ReadFrame(net wire.BitcoinNet) (wire.Message, string, []byte, error) {
	msg, cmd, raw, err := wireproto.Decode(net, c.stream)
	if err != nil {
		var cerr *wireproto.Error
		if asCodecError(err, &cerr) && cerr.Kind == wireproto.ErrKindOversized {
			log.Errorf("oversized frame from %v, closing connection", c.RemoteAddr())
			_ = c.stream.Reset()
		}
		return nil, cmd, raw, err
	}
	return msg, cmd, raw, nil
}

func (c *overlayConn) WriteFrame(net wire.BitcoinNet, msg wire.Message) error {
	framed, err := wireproto.Encode(net, msg)
	if err != nil {
		return err
	}
	_, err = c.stream.Write(framed)
	return err
}

func (c *overlayConn) LocalAddr() Address  { return pubKeyToAddress(c.host.ID()) }
func (c *overlayConn) RemoteAddr() Address { return pubKeyToAddress(c.remote) }
func (c *overlayConn) Close() error        { return c.stream.Close() }
