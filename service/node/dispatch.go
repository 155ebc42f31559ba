package node

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"

	"github.com/ironpeak/tinybit/database"
	"github.com/ironpeak/tinybit/database/chaind"
	"github.com/ironpeak/tinybit/internal/compactblock"
	"github.com/ironpeak/tinybit/internal/dandelion"
	"github.com/ironpeak/tinybit/internal/mempool"
	"github.com/ironpeak/tinybit/internal/peersession"
	"github.com/ironpeak/tinybit/internal/transport"
	"github.com/ironpeak/tinybit/internal/wireproto"
)

const userAgent = "/tinybit:0.1.0/"

// handleConn runs one connection's full lifetime: handshake, frame read
// loop, writer goroutine, and teardown. It owns conn exclusively for that
// lifetime.
func (m *Manager) handleConn(pctx context.Context, conn transport.Conn, inbound bool) {
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(pctx)
	p := &peerHandle{
		session: peersession.New(conn.RemoteAddr(), inbound),
		conn:    conn,
		outbox:  make(chan wire.Message, 64),
		cancel:  cancel,
	}
	m.addPeer(p)
	defer func() {
		cancel()
		_ = conn.Close()
		m.removePeer(p)
	}()

	go m.writerLoop(ctx, p)

	if err := m.handshake(ctx, p); err != nil {
		log.Debugf("peer %s handshake failed: %v", p.session.ID, err)
		return
	}

	m.readLoop(ctx, p)
}

func (m *Manager) writerLoop(ctx context.Context, p *peerHandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdown.Done():
			return
		case msg, ok := <-p.outbox:
			if !ok {
				return
			}
			if err := p.conn.WriteFrame(m.net, msg); err != nil {
				p.session.RecordFailure()
				log.Debugf("peer %s write %s failed: %v", p.session.ID, msg.Command(), err)
				p.cancel()
				return
			}
			p.session.RecordSend(1)
			p.session.RecordSuccess()
		}
	}
}

// send queues msg for the writer goroutine without blocking the caller.
func (m *Manager) send(p *peerHandle, msg wire.Message) {
	select {
	case p.outbox <- msg:
	default:
		log.Warningf("peer %s outbox full, dropping %s", p.session.ID, msg.Command())
	}
}

func randomNonce() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// handshake drives the connection to Ready: the dialer sends version
// first; the listener replies version then verack; both send verack upon
// receiving the peer's version. It fails with a timeout error if Ready is
// not reached within handshakeTimeout.
func (m *Manager) handshake(ctx context.Context, p *peerHandle) error {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	// ReadFrame does not observe hctx, so closing the conn on expiry is what
	// unblocks a read from a silent peer.
	stop := context.AfterFunc(hctx, func() { _ = p.conn.Close() })
	defer stop()

	ownVersion := &wire.MsgVersion{
		ProtocolVersion: int32(wire.ProtocolVersion),
		Timestamp:       time.Now(),
		Nonce:           randomNonce(),
		UserAgent:       userAgent,
		LastBlock:       0,
	}

	if !p.session.Inbound {
		if err := p.session.Transition(peersession.SentVersion); err != nil {
			return err
		}
		m.send(p, ownVersion)
	}

	sawVersion := false
	sawVerAck := false
	for !sawVerAck || (!p.session.Inbound && !sawVersion) {
		select {
		case <-hctx.Done():
			return fmt.Errorf("handshake timeout with %s", p.session.Remote)
		default:
		}

		_, cmd, raw, err := p.conn.ReadFrame(m.net)
		if err != nil {
			if hctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("handshake timeout with %s", p.session.Remote)
			}
			return fmt.Errorf("handshake read: %w", err)
		}
		p.session.RecordRecv(len(raw))

		switch cmd {
		case wire.CmdVersion:
			if err := p.session.Transition(peersession.VersionReceived); err != nil {
				return err
			}
			if p.session.Inbound {
				m.send(p, ownVersion)
			}
			m.send(p, &wire.MsgVerAck{})
			sawVersion = true
		case wire.CmdVerAck:
			sawVerAck = true
		default:
			return fmt.Errorf("unexpected message %q before handshake ready", cmd)
		}
	}

	if err := p.session.Transition(peersession.Ready); err != nil {
		return err
	}
	p.session.RecordSuccess()
	m.send(p, &wireproto.MsgSendCmpct{
		Version: compactblock.PreferredVersion(p.conn.RemoteAddr().Kind),
	})
	log.Infof("peer %s ready (%s, inbound=%v)", p.session.ID, p.session.Remote, p.session.Inbound)
	return nil
}

// readLoop processes frames in arrival order for the lifetime of a Ready
// connection.
func (m *Manager) readLoop(ctx context.Context, p *peerHandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdown.Done():
			return
		default:
		}

		msg, cmd, raw, err := p.conn.ReadFrame(m.net)
		if err != nil {
			m.handleFrameError(p, err)
			if raw != nil {
				// The payload was read in full, so the stream is still
				// aligned on the next frame.
				continue
			}
			return
		}
		p.session.RecordRecv(len(raw))

		if !p.session.AllowMessage(time.Now()) {
			p.session.RecordFailure()
			if ban, _ := p.session.ShouldTemporaryBan(); ban {
				m.ban(p.ip(), m.cfg.banDuration(), "sustained rate-limit overflow")
				return
			}
			continue
		}

		if err := p.session.ValidateMessage(cmd); err != nil {
			m.disconnect(p, err.Error())
			return
		}

		m.dispatch(ctx, p, cmd, msg)
	}
}

// handleFrameError sorts codec failures: an oversized frame or a non-codec
// read error disconnects; an unknown command or a corrupt frame is scored as
// a failure. readLoop keeps the connection after a frame whose payload was
// read in full and ends it after a failed header or payload read.
func (m *Manager) handleFrameError(p *peerHandle, err error) {
	var cerr *wireproto.Error
	if asCodecErr(err, &cerr) {
		switch cerr.Kind {
		case wireproto.ErrKindOversized:
			m.disconnect(p, "oversized frame")
			return
		case wireproto.ErrKindUnknownCommand:
			p.session.RecordFailure()
			return
		case wireproto.ErrKindCorrupt:
			p.session.RecordFailure()
			return
		}
	}
	m.disconnect(p, fmt.Sprintf("read error: %v", err))
}

func asCodecErr(err error, target **wireproto.Error) bool {
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

func (m *Manager) dispatch(ctx context.Context, p *peerHandle, cmd string, msg wire.Message) {
	if log.IsTraceEnabled() {
		log.Tracef("peer %s %s\n%v", p.session.ID, cmd, spew.Sdump(msg))
	}
	switch cmd {
	case wire.CmdPing:
		m.onPing(p, msg.(*wire.MsgPing))
	case wire.CmdPong:
		m.onPong(p, msg.(*wire.MsgPong))
	case wire.CmdInv:
		m.onInv(ctx, p, msg.(*wire.MsgInv))
	case wire.CmdGetData:
		m.onGetData(ctx, p, msg.(*wire.MsgGetData))
	case wire.CmdTx:
		m.onTx(p, msg.(*wire.MsgTx))
	case wire.CmdBlock:
		m.onBlock(ctx, p, msg.(*wire.MsgBlock))
	case wireproto.CmdCmpctBlock:
		m.onCmpctBlock(p, msg.(*wireproto.MsgCmpctBlock))
	case wireproto.CmdGetBlockTxn:
		m.onGetBlockTxn(p, msg.(*wireproto.MsgGetBlockTxn))
	case wireproto.CmdBlockTxn:
		m.onBlockTxn(p, msg.(*wireproto.MsgBlockTxn))
	case wireproto.CmdBanList:
		m.onBanList(p, msg.(*wireproto.MsgBanList))
	case wireproto.CmdSendCmpct:
		m.onSendCmpct(p, msg.(*wireproto.MsgSendCmpct))
	case wire.CmdFeeFilter, wire.CmdAddr, wire.CmdGetHeaders, wire.CmdHeaders,
		wire.CmdSendHeaders, wire.CmdReject:
		// Accepted and counted, nothing more: headers sync and address
		// gossip belong to the chain-sync layer above this package.
	default:
		log.Tracef("peer %s: unhandled command %q", p.session.ID, cmd)
	}
}

// onSendCmpct records the compact-block protocol version the peer
// announced, clamped to the version we recommend for its transport.
func (m *Manager) onSendCmpct(p *peerHandle, msg *wireproto.MsgSendCmpct) {
	version := msg.Version
	if preferred := compactblock.PreferredVersion(p.conn.RemoteAddr().Kind); version > preferred {
		version = preferred
	}
	p.session.SetCompactBlockVersion(version)
}

func (m *Manager) onPing(p *peerHandle, msg *wire.MsgPing) {
	m.send(p, wire.NewMsgPong(msg.Nonce))
}

func (m *Manager) onPong(p *peerHandle, msg *wire.MsgPong) {
	if !p.session.ObservePong(msg.Nonce) {
		p.session.RecordFailure()
	}
}

// onInv answers inventory announcements by looking up each hash in storage
// and the mempool; anything unknown is requested via getdata.
func (m *Manager) onInv(ctx context.Context, p *peerHandle, msg *wire.MsgInv) {
	getData := wire.NewMsgGetData()
	for _, inv := range msg.InvList {
		have, err := m.view.HasObject(ctx, inv.Hash)
		if err != nil {
			log.Debugf("has_object %s: %v", inv.Hash, err)
			continue
		}
		if have {
			continue
		}
		_ = getData.AddInvVect(inv)
	}
	if len(getData.InvList) > 0 {
		m.send(p, getData)
	}
}

// onGetData serves a requested tx/block from storage or the mempool.
func (m *Manager) onGetData(ctx context.Context, p *peerHandle, msg *wire.MsgGetData) {
	for _, inv := range msg.InvList {
		switch inv.Type {
		case wire.InvTypeTx:
			tx, err := m.view.GetTx(ctx, inv.Hash)
			if err != nil {
				continue
			}
			m.send(p, tx)
		case wire.InvTypeBlock:
			b, err := m.view.GetBlock(ctx, inv.Hash)
			if err != nil {
				continue
			}
			var block wire.MsgBlock
			if err := block.Deserialize(bytes.NewReader(b.Block)); err != nil {
				continue
			}
			m.send(p, &block)
		}
	}
}

// utxoSource adapts the storage handle to mempool.UTXOSource.
type utxoSource struct{ storage chaind.Database }

func (u utxoSource) UTXO(op chaind.OutPoint) (*chaind.UTXO, error) {
	return u.storage.UTXO(context.Background(), op)
}

// onTx admits an incoming transaction into the mempool and, if admitted,
// schedules it for Dandelion relay.
func (m *Manager) onTx(p *peerHandle, tx *wire.MsgTx) {
	result := m.pool.Add(tx, utxoSource{storage: m.storage})
	if !result.Admitted {
		m.send(p, &wire.MsgReject{
			Cmd:    wire.CmdTx,
			Code:   rejectCodeFor(result.Reason),
			Reason: result.Detail,
			Hash:   tx.TxHash(),
		})
		p.session.RecordFailure()
		return
	}

	phase := m.relay.Observe(tx.TxHash(), time.Now())
	if phase == dandelion.Stem {
		if out, ok := m.relay.NextHop(p.session.ID); ok {
			if target := m.peerByID(out); target != nil {
				m.send(target, tx)
				return
			}
		}
		// No stem hop available (no peers embedded yet): fall through to
		// fluff rather than drop the tx.
	}
	m.broadcastTx(tx, p.session.ID)
}

func (m *Manager) peerByID(id string) *peerHandle {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.peers[id]
}

func (m *Manager) broadcastTx(tx *wire.MsgTx, except string) {
	m.eachReadyPeer(func(p *peerHandle) {
		if p.session.ID == except {
			return
		}
		m.send(p, tx)
	})
	if o, ok := m.transports[transport.KindOverlay].(*transport.Overlay); ok {
		if err := o.Announce(context.Background(), m.net, tx); err != nil {
			log.Debugf("overlay announce %s: %v", tx.TxHash(), err)
		}
	}
	m.relay.Forget(tx.TxHash())
}

func rejectCodeFor(reason mempool.RejectReason) wire.RejectCode {
	switch reason {
	case mempool.RejectStructural:
		return wire.RejectMalformed
	case mempool.RejectPolicy:
		return wire.RejectNonstandard
	case mempool.RejectDoubleSpend, mempool.RejectDuplicate:
		return wire.RejectDuplicate
	case mempool.RejectRbfLowFee:
		return wire.RejectInsufficientFee
	default:
		return wire.RejectInvalid
	}
}

// onBlock stores a fully-announced block directly (no compact
// reconstruction needed).
func (m *Manager) onBlock(ctx context.Context, p *peerHandle, msg *wire.MsgBlock) {
	if err := m.storeBlock(ctx, msg); err != nil {
		log.Errorf("store block %s from %s: %v", msg.BlockHash(), p.session.ID, err)
	}
}

// onCmpctBlock attempts compact-block reconstruction against the local
// mempool; any short-ID misses trigger a getblocktxn request (a short ID
// matched by more than one candidate counts as a miss).
func (m *Manager) onCmpctBlock(p *peerHandle, msg *wireproto.MsgCmpctBlock) {
	blockHash := msg.Header.BlockHash()
	recon, err := compactblock.NewReconstructor(blockHash, msg)
	if err != nil {
		log.Debugf("cmpctblock from %s: %v", p.session.ID, err)
		return
	}
	missing := recon.Resolve(m.pool)
	if len(missing) == 0 {
		m.assembleAndStore(context.Background(), msg.Header, recon, p)
		return
	}

	m.mtx.Lock()
	m.pendingRecon[blockHash] = recon
	m.mtx.Unlock()
	m.send(p, recon.GetBlockTxnRequest())
}

// onGetBlockTxn serves the transactions a peer's reconstructor is missing,
// from the block in our own storage.
func (m *Manager) onGetBlockTxn(p *peerHandle, msg *wireproto.MsgGetBlockTxn) {
	b, err := m.view.GetBlock(context.Background(), msg.BlockHash)
	if err != nil {
		return
	}
	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(b.Block)); err != nil {
		return
	}
	resp := &wireproto.MsgBlockTxn{BlockHash: msg.BlockHash}
	for _, idx := range msg.Indexes {
		if int(idx) >= len(block.Transactions) {
			return
		}
		resp.Transactions = append(resp.Transactions, block.Transactions[idx])
	}
	m.send(p, resp)
}

// onBlockTxn completes a previously-started compact-block reconstruction.
func (m *Manager) onBlockTxn(p *peerHandle, msg *wireproto.MsgBlockTxn) {
	m.mtx.Lock()
	recon, ok := m.pendingRecon[msg.BlockHash]
	if ok {
		delete(m.pendingRecon, msg.BlockHash)
	}
	m.mtx.Unlock()
	if !ok {
		return
	}
	if err := recon.FillFromBlockTxn(recon.Missing(), msg); err != nil {
		log.Debugf("blocktxn from %s: %v", p.session.ID, err)
		return
	}
	header, err := m.storage.BlockHeaderByHash(context.Background(), msg.BlockHash)
	if err != nil {
		return
	}
	var wh wire.BlockHeader
	if err := wh.Deserialize(bytes.NewReader(header.Header)); err != nil {
		return
	}
	m.assembleAndStore(context.Background(), &wh, recon, p)
}

func (m *Manager) assembleAndStore(ctx context.Context, header *wire.BlockHeader, recon *compactblock.Reconstructor, p *peerHandle) {
	txs, err := recon.Assemble()
	if err != nil {
		log.Debugf("assemble block from %s: %v", p.session.ID, err)
		return
	}
	block := wire.NewMsgBlock(header)
	block.Transactions = txs
	if err := m.storeBlock(ctx, block); err != nil {
		log.Errorf("store reconstructed block %s: %v", header.BlockHash(), err)
	}
}

// onBanList merges a gossiped ban list into our own and persists the
// result.
func (m *Manager) onBanList(p *peerHandle, msg *wireproto.MsgBanList) {
	local, err := m.storage.BanListAll(context.Background())
	if err != nil {
		log.Errorf("ban list all: %v", err)
		return
	}
	// Received ban lists are advisory: a remote entry may never extend a
	// ban past our own policy cap, and a remote permanent ban (timestamp 0)
	// is demoted to that cap.
	now := uint64(time.Now().Unix())
	policyCap := now + uint64(m.cfg.BanDurationSec)
	remote := make([]chaind.BanEntry, 0, len(msg.Entries))
	for _, e := range msg.Entries {
		unban := e.UnbanTimestamp
		if unban == 0 || unban > policyCap {
			unban = policyCap
		}
		remote = append(remote, chaind.BanEntry{
			Address:        e.Address,
			UnbanTimestamp: unban,
			Reason:         e.Reason,
		})
	}
	merged := MergeBanLists(local, remote, now)
	if err := m.storage.BanListUpsert(context.Background(), merged); err != nil {
		log.Errorf("ban list upsert from %s: %v", p.session.ID, err)
	}
}

// storeBlock computes the UTXO diff and tx index for b and durably commits
// it via chaind.Database.StoreBlock, advancing the tip by one height.
func (m *Manager) storeBlock(ctx context.Context, b *wire.MsgBlock) error {
	hash := b.BlockHash()
	if m.cfg.BlockSanity {
		if err := blockchain.CheckBlockSanity(btcutil.NewBlock(b), m.chainParams.PowLimit, m.timeSource); err != nil {
			return fmt.Errorf("block sanity %s: %w", hash, err)
		}
	}
	var height uint64
	meta, err := m.storage.Tip(ctx)
	switch {
	case err == nil:
		height = meta.TipHeight + 1
	case database.ErrNotFound.Is(err):
		// Fresh store: this block becomes height 0.
	default:
		return fmt.Errorf("tip: %w", err)
	}

	var buf bytes.Buffer
	if err := b.Serialize(&buf); err != nil {
		return fmt.Errorf("serialize block: %w", err)
	}
	var headerBuf bytes.Buffer
	if err := b.Header.Serialize(&headerBuf); err != nil {
		return fmt.Errorf("serialize header: %w", err)
	}

	diff := chaind.UtxoDiff{Created: make(map[chaind.OutPoint]chaind.UTXO)}
	entries := make(map[chainhash.Hash]chaind.TxIndexEntry, len(b.Transactions))
	for pos, tx := range b.Transactions {
		txHash := tx.TxHash()
		entries[txHash] = chaind.TxIndexEntry{
			BlockHash: hash[:],
			Position:  uint32(pos),
			Height:    height,
		}
		if pos > 0 { // coinbase has no real inputs to spend
			for _, in := range tx.TxIn {
				diff.Spent = append(diff.Spent, chaind.OutPoint{Hash: in.PreviousOutPoint.Hash, Index: in.PreviousOutPoint.Index})
			}
		}
		for idx, out := range tx.TxOut {
			diff.Created[chaind.OutPoint{Hash: txHash, Index: uint32(idx)}] = chaind.UTXO{
				Value:  out.Value,
				Script: out.PkScript,
				Height: height,
			}
		}
		m.pool.Remove(txHash)
	}

	totalWork := addWork(meta.TotalWork, b.Header.Bits)

	err = m.storage.StoreBlock(ctx, height, &chaind.Block{Hash: hash[:], Block: buf.Bytes()},
		&chaind.BlockHeader{Hash: hash[:], Height: height, Header: headerBuf.Bytes()},
		entries, diff, totalWork)
	if err != nil {
		return err
	}
	log.Infof("stored block %s at height %d (%d tx)", hash, height, len(b.Transactions))
	return nil
}

// addWork advances the accumulated-work counter past prevWork. Kept at the
// precision the tip-selection invariant actually requires (total work is
// monotonically non-decreasing and comparable), not full chainwork big.Int
// accumulation.
func addWork(prevWork []byte, bits uint32) []byte {
	w := make([]byte, 32)
	copy(w, prevWork)
	carry := uint32(1)
	for i := len(w) - 1; i >= 0 && carry > 0; i-- {
		sum := uint32(w[i]) + carry
		w[i] = byte(sum)
		carry = sum >> 8
	}
	return w
}

// maintenanceLoop runs the periodic sweeps: mempool expiry, peer ping
// cadence, Dandelion epoch rollover and stale-tracked-tx cleanup.
func (m *Manager) maintenanceLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(maintenanceTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdown.Done():
			return
		case now := <-ticker.C:
			m.pingDuePeers(now)
			m.pool.ExpireStale(now)
			m.relay.ExpireStale(now, m.cfg.dandelionConfig().StemTimeout)
			if m.relay.EpochDue(now) {
				m.rebuildDandelionEmbedding(now)
			}
			m.logPeerStats()
		}
	}
}

func (m *Manager) logPeerStats() {
	var sent, recv uint64
	ready := 0
	m.eachReadyPeer(func(p *peerHandle) {
		st := p.session.Stats()
		sent += st.BytesSent
		recv += st.BytesRecv
		ready++
	})
	log.Infof("%d ready peers, %v sent, %v received, mempool %d entries",
		ready, humanize.Bytes(sent), humanize.Bytes(recv), m.pool.Size())
}

func (m *Manager) pingDuePeers(now time.Time) {
	m.eachReadyPeer(func(p *peerHandle) {
		if p.session.PongOverdue(now) {
			m.disconnect(p, "ping timeout")
			return
		}
		if p.session.DuePing(now) {
			nonce := randomNonce()
			p.session.NewPing(nonce)
			m.send(p, wire.NewMsgPing(nonce))
		}
	})
}

func (m *Manager) rebuildDandelionEmbedding(now time.Time) {
	m.mtx.Lock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	m.mtx.Unlock()
	m.relay.RebuildEmbedding(now, ids, ids)
}
