// Package peer implements the per-EID state of §4.6: endpoint
// candidates, outstanding lookups/key-exchanges, the primary flow, and
// migration. The key-exchange handshake and the registration/rendezvous
// service that locates peers by EID are out-of-scope external
// collaborators (§1); this package depends on them only through the
// Locator and KeyExchanger interfaces.
package peer

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/liamzebedee/sst/config"
	"github.com/liamzebedee/sst/flow"
	"github.com/liamzebedee/sst/internal/event"
	"github.com/liamzebedee/sst/internal/xtimer"
	"github.com/liamzebedee/sst/socket"
	"github.com/liamzebedee/sst/stream"
)

// EID is a cryptographic or legacy-IP endpoint identifier, independent
// of a peer's current network address.
type EID string

var (
	// ErrNoRoute is returned when a connect attempt exhausts every
	// locator/candidate without a primary flow ever being installed.
	ErrNoRoute = errors.New("peer: no route found for endpoint identifier")
	// ErrNoPrimary is returned by Migrate when the peer has no active
	// flow to re-point.
	ErrNoPrimary = errors.New("peer: no primary flow to migrate")
)

// Locator abstracts the out-of-scope registration/rendezvous service:
// asynchronously resolves endpoint candidates for an EID, optionally
// requesting a hole-punch hint from the rendezvous point.
type Locator interface {
	Lookup(eid EID, onResult func(ep net.Addr, found bool))
}

// KeyExchanger abstracts the out-of-scope key-exchange handshake: given
// a socket and a candidate endpoint, it asynchronously produces a
// started, ready-to-use flow.Flow bound to that socket.
type KeyExchanger interface {
	Initiate(sock *socket.Socket, eid EID, ep net.Addr, localChannel byte, onDone func(f *flow.Flow, err error))
}

type waitingStream struct {
	service    string
	protocol   string
	persistent bool
	result     chan connectOutcome
}

type connectOutcome struct {
	sf  *stream.StreamFlow
	err error
}

// Peer holds the per-EID state described by §4.6. It is constructed by
// a Host per EID the application has referenced and outlives any single
// flow.
type Peer struct {
	eid     EID
	cfg     *config.Config
	log     *zap.Logger
	events  *event.Bus
	clock   xtimer.Clock
	keyx    KeyExchanger
	locators []Locator
	sockets []*socket.Socket

	mu              sync.Mutex
	candidates      *cache.Cache
	lookupsInFlight int
	initiators      map[string]struct{}
	primaryFlow     *flow.Flow
	primary         *stream.StreamFlow
	waiting         []*waitingStream
	retryCancel     xtimer.Cancel
	retrying        bool
}

// New constructs a Peer for eid. sockets is every local socket this host
// could reach the peer from (§4.6 "each active socket").
func New(cfg *config.Config, log *zap.Logger, events *event.Bus, clock xtimer.Clock, eid EID, keyx KeyExchanger, locators []Locator, sockets []*socket.Socket) *Peer {
	return &Peer{
		eid:        eid,
		cfg:        cfg,
		log:        log.With(zap.String("peer_eid", string(eid))),
		events:     events,
		clock:      clock,
		keyx:       keyx,
		locators:   locators,
		sockets:    sockets,
		candidates: cache.New(5*time.Minute, time.Minute),
		initiators: make(map[string]struct{}),
	}
}

// EID returns the peer's endpoint identifier.
func (p *Peer) EID() EID { return p.eid }

// Primary returns the peer's current primary stream-flow, if any.
func (p *Peer) Primary() (*stream.StreamFlow, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.primary, p.primary != nil
}

// Connect negotiates service/protocol over this peer's primary flow,
// initiating connection discovery first if no primary exists yet.
// persistent controls what happens if discovery exhausts every lookup
// and candidate with no route found: a persistent caller keeps waiting
// for FoundEndpoint/set_primary; a non-persistent caller fails with
// ErrNoRoute once check_waiting observes nothing left in flight.
func (p *Peer) Connect(ctx context.Context, service, protocol string, persistent bool) (*stream.Stream, error) {
	p.mu.Lock()
	primary := p.primary
	p.mu.Unlock()
	if primary != nil {
		return primary.Connect(ctx, service, protocol)
	}

	w := &waitingStream{service: service, protocol: protocol, persistent: persistent, result: make(chan connectOutcome, 1)}
	p.mu.Lock()
	p.waiting = append(p.waiting, w)
	p.mu.Unlock()
	p.connectFlow()

	select {
	case out := <-w.result:
		if out.err != nil {
			return nil, out.err
		}
		return out.sf.Connect(ctx, service, protocol)
	case <-ctx.Done():
		p.removeWaiting(w)
		return nil, ctx.Err()
	}
}

func (p *Peer) removeWaiting(target *waitingStream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiting {
		if w == target {
			p.waiting = append(p.waiting[:i], p.waiting[i+1:]...)
			return
		}
	}
}

// connectFlow implements §4.6 connect_flow(): poll every registered
// locator (on every call, whether or not a lookup is still in flight),
// initiate a key exchange on every known candidate × socket pair, and
// arm the retry timer if it is not already armed.
func (p *Peer) connectFlow() {
	p.mu.Lock()
	if p.primary != nil {
		p.mu.Unlock()
		return
	}
	locators := append([]Locator(nil), p.locators...)
	candidates := p.candidateEndpointsLocked()
	sockets := append([]*socket.Socket(nil), p.sockets...)
	alreadyRetrying := p.retrying
	p.retrying = true
	p.mu.Unlock()

	for _, loc := range locators {
		p.mu.Lock()
		p.lookupsInFlight++
		p.mu.Unlock()
		loc.Lookup(p.eid, p.onLookupResult)
	}

	for _, ep := range candidates {
		for _, sock := range sockets {
			p.initiateExchange(sock, ep)
		}
	}

	if !alreadyRetrying {
		p.armRetryTimer()
	}
}

func (p *Peer) candidateEndpointsLocked() []net.Addr {
	items := p.candidates.Items()
	out := make([]net.Addr, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(net.Addr))
	}
	return out
}

func (p *Peer) onLookupResult(ep net.Addr, found bool) {
	p.mu.Lock()
	p.lookupsInFlight--
	p.mu.Unlock()
	if found {
		p.FoundEndpoint(ep)
	}
	p.checkWaiting()
}

// FoundEndpoint implements §4.6 found_endpoint(ep): add ep to the
// candidate set and initiate a key exchange on every socket.
func (p *Peer) FoundEndpoint(ep net.Addr) {
	p.candidates.SetDefault(ep.String(), ep)
	p.mu.Lock()
	sockets := append([]*socket.Socket(nil), p.sockets...)
	p.mu.Unlock()
	for _, sock := range sockets {
		p.initiateExchange(sock, ep)
	}
}

func (p *Peer) initiateExchange(sock *socket.Socket, ep net.Addr) {
	key := sock.LocalAddr().String() + "|" + ep.String()
	p.mu.Lock()
	if _, inFlight := p.initiators[key]; inFlight || p.primary != nil {
		p.mu.Unlock()
		return
	}
	p.initiators[key] = struct{}{}
	p.mu.Unlock()

	channel, err := sock.AllocateChannel(ep)
	if err != nil {
		p.mu.Lock()
		delete(p.initiators, key)
		p.mu.Unlock()
		p.checkWaiting()
		return
	}

	p.keyx.Initiate(sock, p.eid, ep, channel, func(f *flow.Flow, err error) {
		p.mu.Lock()
		delete(p.initiators, key)
		p.mu.Unlock()
		if err != nil {
			p.log.Debug("key exchange failed", zap.Stringer("endpoint", ep), zap.Error(err))
			p.checkWaiting()
			return
		}
		p.setPrimary(f)
	})
}

// setPrimary implements §4.6 set_primary(flow): install f as the
// primary flow, abandon every other in-flight key initiator for this
// EID, and unblock every waiting stream via connect_to_flow.
func (p *Peer) setPrimary(f *flow.Flow) {
	sf := stream.NewStreamFlow(p.cfg, p.log, p.events, f)

	p.mu.Lock()
	if p.primary != nil {
		p.mu.Unlock()
		return
	}
	p.primaryFlow = f
	p.primary = sf
	p.initiators = make(map[string]struct{})
	waiters := p.waiting
	p.waiting = nil
	p.stopRetryTimerLocked()
	p.mu.Unlock()

	for _, w := range waiters {
		select {
		case w.result <- connectOutcome{sf: sf}:
		default:
		}
	}
}

// checkWaiting implements §4.6 check_waiting(): once every lookup and
// initiator for this EID has completed with no primary installed,
// non-persistent waiters fail with ErrNoRoute; persistent waiters keep
// waiting for the retry timer.
func (p *Peer) checkWaiting() {
	p.mu.Lock()
	if p.primary != nil || p.lookupsInFlight > 0 || len(p.initiators) > 0 {
		p.mu.Unlock()
		return
	}
	var remaining []*waitingStream
	var failed []*waitingStream
	for _, w := range p.waiting {
		if w.persistent {
			remaining = append(remaining, w)
		} else {
			failed = append(failed, w)
		}
	}
	p.waiting = remaining
	p.mu.Unlock()

	for _, w := range failed {
		select {
		case w.result <- connectOutcome{err: ErrNoRoute}:
		default:
		}
	}
}

func (p *Peer) armRetryTimer() {
	p.retryCancel = p.clock.AfterFunc(p.cfg.ConnectRetryInterval, p.onRetryFire)
}

func (p *Peer) onRetryFire() {
	p.mu.Lock()
	stillWaiting := len(p.waiting) > 0 && p.primary == nil
	p.retrying = false
	p.mu.Unlock()
	if !stillWaiting {
		return
	}
	p.connectFlow()
}

func (p *Peer) stopRetryTimerLocked() {
	if p.retryCancel != nil {
		p.retryCancel.Stop()
		p.retryCancel = nil
	}
	p.retrying = false
}

// Migrate re-points the peer's existing primary flow at a new remote
// endpoint, per §4.6: no streams are torn down, since stream state
// lives on the stream object, not the flow.
func (p *Peer) Migrate(newEndpoint net.Addr) error {
	p.mu.Lock()
	f := p.primaryFlow
	p.mu.Unlock()
	if f == nil {
		return ErrNoPrimary
	}
	f.SetRemote(newEndpoint)
	p.candidates.SetDefault(newEndpoint.String(), newEndpoint)
	return nil
}

// Close tears down the peer: stops the retry timer and, if present,
// stops the primary flow (which in turn detaches every attached
// stream with a failure signal, per §4.2/§4.4).
func (p *Peer) Close() {
	p.mu.Lock()
	p.stopRetryTimerLocked()
	f := p.primaryFlow
	p.primaryFlow = nil
	p.primary = nil
	p.mu.Unlock()
	if f != nil {
		f.Stop()
	}
}
