// Package host composes one SST endpoint: its sockets, its per-EID peer
// table, and the shared config/logger/metrics every subsystem takes as
// a constructor parameter instead of a process-wide singleton (§9).
// Grounded in the teacher's Server (source/server/server.go), which
// plays the same composition-root role for a game server's UDP socket,
// player table, and update/cleanup tickers.
package host

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/liamzebedee/sst/config"
	"github.com/liamzebedee/sst/internal/event"
	"github.com/liamzebedee/sst/internal/xtimer"
	"github.com/liamzebedee/sst/metrics"
	"github.com/liamzebedee/sst/peer"
	"github.com/liamzebedee/sst/socket"
)

// Host owns every socket a local endpoint listens on and the per-EID
// peer table shared across them.
type Host struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Registry
	events  *event.Bus
	clock   xtimer.Clock

	keyx     peer.KeyExchanger
	locators []peer.Locator

	mu      sync.Mutex
	sockets []*socket.Socket
	peers   map[peer.EID]*peer.Peer
}

// Options bundles the out-of-scope collaborators a Host needs but does
// not implement itself: the key-exchange handshake and the
// registration/rendezvous lookups (§1 "out of scope").
type Options struct {
	KeyExchanger peer.KeyExchanger
	Locators     []peer.Locator
	Clock        xtimer.Clock
}

// New constructs a Host around cfg/log/reg. A nil Clock defaults to
// xtimer.RealClock{}.
func New(cfg *config.Config, log *zap.Logger, reg *metrics.Registry, opts Options) *Host {
	clock := opts.Clock
	if clock == nil {
		clock = xtimer.RealClock{}
	}
	return &Host{
		cfg:      cfg,
		log:      log,
		metrics:  reg,
		events:   event.NewBus(),
		clock:    clock,
		keyx:     opts.KeyExchanger,
		locators: opts.Locators,
		peers:    make(map[peer.EID]*peer.Peer),
	}
}

// Listen binds a new UDP socket at addr and starts its read/tick/cleanup
// loops, per socket.Socket.Start.
func (h *Host) Listen(addr *net.UDPAddr) (*socket.Socket, error) {
	sock, err := socket.Bind(h.cfg, h.log, h.metrics, addr)
	if err != nil {
		return nil, fmt.Errorf("host: listen %s: %w", addr, err)
	}
	sock.Start()

	h.mu.Lock()
	h.sockets = append(h.sockets, sock)
	h.mu.Unlock()
	return sock, nil
}

// PeerFor returns the Peer state for eid, creating it on first
// reference. A Host keeps the Peer in its table until ForgetPeer or
// Close, mirroring §4.6's "a peer outlives any particular flow."
func (h *Host) PeerFor(eid peer.EID) *peer.Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.peers[eid]; ok {
		return p
	}
	p := peer.New(h.cfg, h.log, h.events, h.clock, eid, h.keyx, h.locators, h.sockets)
	h.peers[eid] = p
	return p
}

// ForgetPeer closes and drops the Peer for eid, if one is held.
func (h *Host) ForgetPeer(eid peer.EID) {
	h.mu.Lock()
	p, ok := h.peers[eid]
	delete(h.peers, eid)
	h.mu.Unlock()
	if ok {
		p.Close()
	}
}

// Close tears down every peer and socket this host owns.
func (h *Host) Close() error {
	h.mu.Lock()
	peers := make([]*peer.Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.peers = make(map[peer.EID]*peer.Peer)
	sockets := h.sockets
	h.sockets = nil
	h.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
	var firstErr error
	for _, s := range sockets {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
