// Package node is the network manager: it owns the peer set, ban list,
// per-IP connection caps and transport preference, and dispatches parsed
// wire messages to chain storage, the mempool, the Dandelion relay and
// compact-block reconstruction.
package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/prometheus/client_golang/prometheus"

	chainlevel "github.com/ironpeak/tinybit/database/chaind/level"

	"github.com/ironpeak/tinybit/database/chaind"
	"github.com/ironpeak/tinybit/internal/chainview"
	"github.com/ironpeak/tinybit/internal/compactblock"
	"github.com/ironpeak/tinybit/internal/dandelion"
	"github.com/ironpeak/tinybit/internal/mempool"
	"github.com/ironpeak/tinybit/internal/netutil"
	"github.com/ironpeak/tinybit/internal/peersession"
	"github.com/ironpeak/tinybit/internal/transport"
)

const (
	handshakeTimeout = 30 * time.Second
	dialTimeout      = 10 * time.Second
	storageOpTimeout = 10 * time.Second
	maintenanceTick  = 30 * time.Second
)

const lockFileName = "node.lock"

// peerHandle is everything the Manager tracks for one live connection: its
// handshake/stats state machine, the connection it exclusively owns, and
// the outbound write queue its writer goroutine drains.
type peerHandle struct {
	session *peersession.Session
	conn    transport.Conn
	outbox  chan wire.Message
	cancel  context.CancelFunc
}

func (p *peerHandle) ip() string {
	host, _, err := net.SplitHostPort(p.session.Remote.HostPort)
	if err != nil {
		return p.session.Remote.HostPort
	}
	return host
}

// Manager holds the peer set, ban list, rate limiters, connection limits,
// and the storage/mempool/relay handles it dispatches to. Only the Manager
// mutates the peer set and ban list.
type Manager struct {
	cfg         *Config
	net         wire.BitcoinNet
	chainParams *chaincfg.Params
	timeSource  blockchain.MedianTimeSource

	storage chaind.Database
	pool    *mempool.Mempool
	relay   *dandelion.Relay
	view    *chainview.View

	lockFile *os.File
	shutdown *netutil.Shutdown
	wg       sync.WaitGroup

	transports map[transport.Kind]transport.Transport

	mtx          sync.Mutex
	listeners    []transport.Listener
	peers        map[string]*peerHandle
	perIPCount   map[string]int
	dialAttempts map[string]int
	quarantine   map[string]time.Time
	pendingRecon map[chainhash.Hash]*compactblock.Reconstructor

	peersGauge prometheus.Gauge
}

// mempoolTxView adapts *mempool.Mempool to chainview.MempoolView, whose
// narrower Get signature returns a raw *wire.MsgTx rather than a full
// mempool.Entry.
type mempoolTxView struct{ pool *mempool.Mempool }

func (v mempoolTxView) Get(hash chainhash.Hash) (*wire.MsgTx, bool) {
	e, ok := v.pool.Get(hash)
	if !ok {
		return nil, false
	}
	return e.Tx, true
}

// New builds a Manager around cfg for the given network. It opens chain
// storage at cfg.DataDir/state (taking the node.lock sentinel) and
// constructs the mempool, Dandelion relay and chain-access view, but does
// not yet listen or dial; call Start for that.
func New(cfg *Config, chainParams *chaincfg.Params) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	for _, sub := range []string{"blocks", "state", "mempool"} {
		if err := os.MkdirAll(filepath.Join(cfg.DataDir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}

	lockFile, err := acquireLock(filepath.Join(cfg.DataDir, lockFileName))
	if err != nil {
		return nil, fmt.Errorf("acquire node lock: %w", err)
	}

	storage, err := chainlevel.New(context.Background(), filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		_ = releaseLock(lockFile)
		return nil, fmt.Errorf("open storage: %w", err)
	}

	pool := mempool.New(cfg.mempoolConfig())
	relay := dandelion.New(cfg.dandelionConfig())
	view := chainview.New(storage, mempoolTxView{pool: pool})

	m := &Manager{
		cfg:          cfg,
		net:          chainParams.Net,
		chainParams:  chainParams,
		timeSource:   blockchain.NewMedianTime(),
		storage:      storage,
		pool:         pool,
		relay:        relay,
		view:         view,
		lockFile:     lockFile,
		shutdown:     netutil.NewShutdown(),
		transports:   map[transport.Kind]transport.Transport{transport.KindTCP: transport.TCP{DialTimeout: dialTimeout}},
		peers:        make(map[string]*peerHandle),
		perIPCount:   make(map[string]int),
		dialAttempts: make(map[string]int),
		quarantine:   make(map[string]time.Time),
		pendingRecon: make(map[chainhash.Hash]*compactblock.Reconstructor),
		peersGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tinybit_peers_connected",
			Help: "Number of peers currently in the Ready state.",
		}),
	}
	return m, nil
}

// RegisterTransport installs an additional transport variant (QUIC,
// overlay) constructed by the caller. The Manager's public contract is
// unchanged by which variants are present; absence of a variant simply
// narrows the capability set.
func (m *Manager) RegisterTransport(t transport.Transport) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.transports[t.Kind()] = t
}

// Collectors exposes the Manager's prometheus.Collector values for an
// external metrics-scraping collaborator to register; the node itself
// never starts an HTTP server.
func (m *Manager) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.peersGauge}
}

// ChainView returns the read-only chain access surface.
func (m *Manager) ChainView() *chainview.View { return m.view }

// Mempool returns the mempool handle for collaborators that need direct
// read access (e.g. a block-template assembler).
func (m *Manager) Mempool() *mempool.Mempool { return m.pool }

func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%s exists: another node process may already own this data dir", path)
		}
		return nil, err
	}
	return f, nil
}

func releaseLock(f *os.File) error {
	path := f.Name()
	if err := f.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// Start begins listening on the configured transport(s) and launches the
// background maintenance loops (ping sweep, mempool expiry, Dandelion
// epoch rollover). It returns once listeners are up; ctx governs
// the lifetime of everything it spawns.
func (m *Manager) Start(ctx context.Context) error {
	kinds := m.listenKinds()
	for _, kind := range kinds {
		t, ok := m.transports[kind]
		if !ok {
			continue
		}
		addr := transport.Address{Kind: kind, HostPort: m.cfg.ListenAddr}
		l, err := t.Listen(ctx, addr)
		if err != nil {
			return fmt.Errorf("listen %s on %s: %w", kind, addr.HostPort, err)
		}
		m.mtx.Lock()
		m.listeners = append(m.listeners, l)
		m.mtx.Unlock()
		m.wg.Add(1)
		go m.acceptLoop(ctx, l)
	}

	m.wg.Add(1)
	go m.maintenanceLoop(ctx)

	log.Infof("node started, data_dir=%s listen=%s", m.cfg.DataDir, m.cfg.ListenAddr)
	return nil
}

// listenKinds returns which transport kinds to listen on for the
// configured TransportPreference.
func (m *Manager) listenKinds() []transport.Kind {
	switch m.cfg.TransportPreference {
	case TcpOnly:
		return []transport.Kind{transport.KindTCP}
	case OverlayOnly:
		return []transport.Kind{transport.KindOverlay}
	default: // Hybrid
		return []transport.Kind{transport.KindTCP, transport.KindOverlay}
	}
}

// Shutdown broadcasts the watched shutdown signal, waits for every
// background task to unwind, flushes storage and releases the node.lock
// sentinel.
func (m *Manager) Shutdown() error {
	m.shutdown.Broadcast()

	// Close listeners and peer connections before waiting: a reader blocked
	// in Accept or ReadFrame only observes shutdown once its socket closes.
	m.mtx.Lock()
	listeners := m.listeners
	m.listeners = nil
	peers := make([]*peerHandle, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mtx.Unlock()
	for _, l := range listeners {
		_ = l.Close()
	}
	for _, p := range peers {
		m.disconnect(p, "shutdown")
	}

	m.wg.Wait()

	var err error
	if cerr := m.storage.Close(); cerr != nil {
		err = fmt.Errorf("close storage: %w", cerr)
	}
	if lerr := releaseLock(m.lockFile); lerr != nil && err == nil {
		err = fmt.Errorf("release lock: %w", lerr)
	}
	return err
}

func (m *Manager) acceptLoop(ctx context.Context, l transport.Listener) {
	defer m.wg.Done()
	defer l.Close()
	for {
		select {
		case <-m.shutdown.Done():
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := l.Accept(ctx)
		if err != nil {
			if m.shutdown.Requested() {
				return
			}
			log.Warningf("accept on %s: %v", l.Addr(), err)
			continue
		}

		if err := m.connectPolicyInbound(conn.RemoteAddr()); err != nil {
			log.Debugf("rejecting inbound %s: %v", conn.RemoteAddr(), err)
			_ = conn.Close()
			continue
		}

		m.wg.Add(1)
		go m.handleConn(ctx, conn, true)
	}
}

// Dial connects out to addr honoring the banned/capacity connect policy,
// quarantining an address after repeated dial failure.
func (m *Manager) Dial(ctx context.Context, addr transport.Address) error {
	if err := m.connectPolicyOutbound(addr); err != nil {
		return err
	}

	t, ok := m.transports[addr.Kind]
	if !ok {
		return fmt.Errorf("no transport registered for %s", addr.Kind)
	}

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := t.Dial(dctx, addr)
	if err != nil {
		m.recordDialFailure(addr)
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	m.resetDialFailures(addr)

	m.wg.Add(1)
	go m.handleConn(ctx, conn, false)
	return nil
}

func (m *Manager) recordDialFailure(addr transport.Address) {
	host, _, _ := net.SplitHostPort(addr.HostPort)
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.dialAttempts[host]++
	if m.dialAttempts[host] >= maxDialAttempts {
		m.quarantine[host] = time.Now().Add(quarantineDuration)
		m.dialAttempts[host] = 0
	}
}

func (m *Manager) resetDialFailures(addr transport.Address) {
	host, _, _ := net.SplitHostPort(addr.HostPort)
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.dialAttempts, host)
}

const (
	maxDialAttempts    = 8
	quarantineDuration = time.Hour
)

// connectPolicyOutbound never dials a banned address and respects the
// quarantine window after repeated dial failure.
func (m *Manager) connectPolicyOutbound(addr transport.Address) error {
	host, _, _ := net.SplitHostPort(addr.HostPort)

	banned, err := m.storage.IsBanned(context.Background(), host)
	if err != nil {
		return fmt.Errorf("check ban status: %w", err)
	}
	if banned {
		return fmt.Errorf("%s is banned", host)
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()
	if until, ok := m.quarantine[host]; ok {
		if time.Now().Before(until) {
			return fmt.Errorf("%s is quarantined until %s", host, until)
		}
		delete(m.quarantine, host)
	}
	return nil
}

// connectPolicyInbound refuses a banned address, refuses once the global
// peer cap is reached, and refuses once the per-IP cap is reached.
func (m *Manager) connectPolicyInbound(addr transport.Address) error {
	host, _, _ := net.SplitHostPort(addr.HostPort)

	banned, err := m.storage.IsBanned(context.Background(), host)
	if err != nil {
		return fmt.Errorf("check ban status: %w", err)
	}
	if banned {
		return fmt.Errorf("%s is banned", host)
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()
	if len(m.peers) >= m.cfg.MaxPeers {
		return fmt.Errorf("global peer cap %d reached", m.cfg.MaxPeers)
	}
	if m.perIPCount[host] >= m.cfg.PerIPLimit {
		return fmt.Errorf("per-IP cap %d reached for %s", m.cfg.PerIPLimit, host)
	}
	return nil
}

func (m *Manager) addPeer(p *peerHandle) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.peers[p.session.ID] = p
	m.perIPCount[p.ip()]++
	m.peersGauge.Set(float64(len(m.peers)))
}

func (m *Manager) removePeer(p *peerHandle) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.peers[p.session.ID]; !ok {
		return
	}
	delete(m.peers, p.session.ID)
	ip := p.ip()
	m.perIPCount[ip]--
	if m.perIPCount[ip] <= 0 {
		delete(m.perIPCount, ip)
	}
	m.peersGauge.Set(float64(len(m.peers)))
}

func (m *Manager) peerCount() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.peers)
}

func (m *Manager) eachReadyPeer(fn func(*peerHandle)) {
	m.mtx.Lock()
	peers := make([]*peerHandle, 0, len(m.peers))
	for _, p := range m.peers {
		if p.session.State() == peersession.Ready {
			peers = append(peers, p)
		}
	}
	m.mtx.Unlock()
	for _, p := range peers {
		fn(p)
	}
}

// ban records addr as banned for d (or permanently if d is 0) and
// disconnects any live peer at that address.
func (m *Manager) ban(addr string, d time.Duration, reason string) {
	unban := uint64(0)
	if d > 0 {
		unban = uint64(time.Now().Add(d).Unix())
	}
	entry := chaind.BanEntry{Address: addr, UnbanTimestamp: unban, Reason: reason}
	if err := m.storage.BanListUpsert(context.Background(), []chaind.BanEntry{entry}); err != nil {
		log.Errorf("ban %s: %v", addr, err)
	}

	m.mtx.Lock()
	var victims []*peerHandle
	for _, p := range m.peers {
		if p.ip() == addr {
			victims = append(victims, p)
		}
	}
	m.mtx.Unlock()
	for _, p := range victims {
		_ = p.session.Transition(peersession.Banned)
		m.disconnect(p, "banned: "+reason)
	}
}

func (m *Manager) disconnect(p *peerHandle, reason string) {
	p.cancel()
	_ = p.conn.Close()
	m.removePeer(p)
	log.Infof("peer %s disconnected: %s", p.session.ID, reason)
}
