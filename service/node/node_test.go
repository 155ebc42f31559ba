package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/ironpeak/tinybit/internal/peersession"
	"github.com/ironpeak/tinybit/internal/transport"
	"github.com/ironpeak/tinybit/internal/wireproto"
)

var testParams = &chaincfg.SimNetParams

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.TransportPreference = TcpOnly
	m, err := New(cfg, testParams)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Shutdown(); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (m *Manager) readyPeers() []*peerHandle {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var ready []*peerHandle
	for _, p := range m.peers {
		if p.session.State() == peersession.Ready {
			ready = append(ready, p)
		}
	}
	return ready
}

// TestHandshakeBothSidesReady wires two Managers together over a loopback
// TCP connection: the dialer sends version first, the listener replies
// version + verack, and both sessions end up Ready.
func TestHandshakeBothSidesReady(t *testing.T) {
	listener := newTestManager(t)
	dialer := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tr := transport.TCP{DialTimeout: time.Second}
	l, err := tr.Listen(ctx, transport.Address{Kind: transport.KindTCP, HostPort: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	acceptedC := make(chan transport.Conn, 1)
	go func() {
		c, err := l.Accept(ctx)
		if err != nil {
			return
		}
		acceptedC <- c
	}()

	dialed, err := tr.Dial(ctx, l.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	accepted := <-acceptedC

	listener.wg.Add(1)
	go listener.handleConn(ctx, accepted, true)
	dialer.wg.Add(1)
	go dialer.handleConn(ctx, dialed, false)

	waitFor(t, "listener side ready", func() bool { return len(listener.readyPeers()) == 1 })
	waitFor(t, "dialer side ready", func() bool { return len(dialer.readyPeers()) == 1 })

	// Both sides announce sendcmpct after the handshake; TCP negotiates
	// compact-block version 1.
	waitFor(t, "compact-block version negotiated", func() bool {
		ready := dialer.readyPeers()
		return len(ready) == 1 && ready[0].session.CompactBlockVersion() == 1
	})
}

// TestMessageBeforeReadyDisconnects sends a ping as the very first message;
// the listener must drop the connection without completing a handshake.
func TestMessageBeforeReadyDisconnects(t *testing.T) {
	m := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tr := transport.TCP{DialTimeout: time.Second}
	l, err := tr.Listen(ctx, transport.Address{Kind: transport.KindTCP, HostPort: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	acceptedC := make(chan transport.Conn, 1)
	go func() {
		c, err := l.Accept(ctx)
		if err != nil {
			return
		}
		acceptedC <- c
	}()

	raw, err := net.Dial("tcp", l.Addr().HostPort)
	if err != nil {
		t.Fatalf("raw dial: %v", err)
	}
	t.Cleanup(func() { _ = raw.Close() })
	accepted := <-acceptedC

	m.wg.Add(1)
	go m.handleConn(ctx, accepted, true)

	framed, err := wireproto.Encode(testParams.Net, wire.NewMsgPing(12345))
	if err != nil {
		t.Fatalf("encode ping: %v", err)
	}
	if _, err := raw.Write(framed); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	// The node side closes the connection; the raw client observes EOF.
	_ = raw.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := raw.Read(buf); err == nil {
		t.Fatal("expected connection to be closed after pre-ready ping")
	}

	waitFor(t, "peer removed", func() bool { return m.peerCount() == 0 })
}

func TestStartShutdownReleasesLock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.TransportPreference = TcpOnly

	m, err := New(cfg, testParams)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	// The node.lock sentinel must be gone so the data dir can be reopened.
	m2, err := New(cfg, testParams)
	if err != nil {
		t.Fatalf("reopen after shutdown: %v", err)
	}
	if err := m2.Shutdown(); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

func TestDoubleOpenRefused(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.ListenAddr = "127.0.0.1:0"

	m, err := New(cfg, testParams)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer func() { _ = m.Shutdown() }()

	if _, err := New(cfg, testParams); err == nil {
		t.Fatal("second open of the same data dir should fail on node.lock")
	}
}

func TestHealthSnapshot(t *testing.T) {
	m := newTestManager(t)

	h, err := m.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.Status != Healthy {
		t.Fatalf("fresh node should be healthy, got %s", h.Status)
	}
	if h.Peers != 0 || h.MempoolSize != 0 {
		t.Fatalf("unexpected snapshot: %+v", h)
	}
}
