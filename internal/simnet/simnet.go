// Package simnet implements an in-memory, lossy virtual UDP link for
// driving the §8 end-to-end scenarios (datagram loss, fast-retransmit,
// migration) in tests without real sockets. Grounded in the teacher's
// raw net.UDPConn read loop (source/server/server.go's listen()),
// generalized to an injectable net.PacketConn pair with configurable
// drop, duplicate, and delay percentages.
package simnet

import (
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"
)

// ErrClosed is returned by ReadFrom/WriteTo once the Conn has been
// closed.
var ErrClosed = errors.New("simnet: connection closed")

// Options configures the virtual link's impairment behavior.
type Options struct {
	// DropPercent is the chance, 0-100, that a written packet is
	// silently discarded instead of delivered.
	DropPercent int
	// DuplicatePercent is the chance, 0-100, that a delivered packet is
	// also delivered a second time.
	DuplicatePercent int
	// MinDelay/MaxDelay bound a uniformly-distributed delivery delay. A
	// zero MaxDelay delivers synchronously.
	MinDelay, MaxDelay time.Duration
}

type packet struct {
	data []byte
	from net.Addr
}

// link holds the state two paired Conns share: the impairment
// parameters and the single rng both draw from (shared so a test seed
// reproduces one combined loss pattern for the pair, not two
// independent ones).
type link struct {
	mu   sync.Mutex
	rng  *rand.Rand
	opts Options
}

func (l *link) shouldDrop() bool {
	if l.opts.DropPercent <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Intn(100) < l.opts.DropPercent
}

func (l *link) shouldDuplicate() bool {
	if l.opts.DuplicatePercent <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Intn(100) < l.opts.DuplicatePercent
}

func (l *link) delay() time.Duration {
	if l.opts.MaxDelay <= l.opts.MinDelay {
		return l.opts.MinDelay
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	span := int64(l.opts.MaxDelay - l.opts.MinDelay)
	return l.opts.MinDelay + time.Duration(l.rng.Int63n(span))
}

// Conn is one end of a virtual link. It implements the subset of
// net.PacketConn (ReadFrom/WriteTo/Close) that flow.Sender-style code
// needs.
type Conn struct {
	addr *net.UDPAddr
	peer *Conn
	link *link

	mu     sync.Mutex
	closed bool
	in     chan packet
}

// Pair constructs two Conns bound to addrA/addrB and linked so that
// writes on one are impaired and delivered (or dropped) to the other's
// ReadFrom, and vice versa. The impairment source is seeded with seed,
// so the same seed reproduces the same drop/duplicate draws.
func Pair(addrA, addrB *net.UDPAddr, opts Options, seed int64) (a, b *Conn) {
	l := &link{rng: rand.New(rand.NewSource(seed)), opts: opts}
	a = &Conn{addr: addrA, link: l, in: make(chan packet, 256)}
	b = &Conn{addr: addrB, link: l, in: make(chan packet, 256)}
	a.peer = b
	b.peer = a
	return a, b
}

// LocalAddr returns this end's bound address.
func (c *Conn) LocalAddr() net.Addr { return c.addr }

// WriteTo sends p to the paired Conn, subject to the link's drop,
// duplicate, and delay configuration. The destination address argument
// is accepted for net.PacketConn-shaped compatibility but ignored: a
// Conn has exactly one peer.
func (c *Conn) WriteTo(p []byte, _ net.Addr) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	if c.link.shouldDrop() {
		return len(p), nil
	}
	cp := append([]byte(nil), p...)
	copies := 1
	if c.link.shouldDuplicate() {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		c.deliver(cp)
	}
	return len(p), nil
}

func (c *Conn) deliver(data []byte) {
	pkt := packet{data: data, from: c.addr}
	if d := c.link.delay(); d > 0 {
		time.AfterFunc(d, func() { c.peer.enqueue(pkt) })
		return
	}
	c.peer.enqueue(pkt)
}

func (c *Conn) enqueue(pkt packet) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.in <- pkt:
	default:
		// receiver backlog full; drop like a real UDP socket buffer would.
	}
}

// ReadFrom blocks until a packet arrives or the Conn is closed.
func (c *Conn) ReadFrom(p []byte) (int, net.Addr, error) {
	pkt, ok := <-c.in
	if !ok {
		return 0, nil, ErrClosed
	}
	n := copy(p, pkt.data)
	return n, pkt.from, nil
}

// Close unblocks any pending ReadFrom and fails subsequent calls.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.in)
	return nil
}

func (c *Conn) SetDeadline(time.Time) error     { return nil }
func (c *Conn) SetReadDeadline(time.Time) error  { return nil }
func (c *Conn) SetWriteDeadline(time.Time) error { return nil }

// Sender adapts a Conn to flow.Sender (SendTo(addr, pkt) error), so a
// Flow can transmit over the virtual link exactly as it would over a
// socket.Socket.
type Sender struct{ Conn *Conn }

// SendTo implements flow.Sender. The destination address is ignored for
// the same reason WriteTo ignores it: a Conn has one fixed peer.
func (s Sender) SendTo(_ net.Addr, pkt []byte) error {
	_, err := s.Conn.WriteTo(pkt, nil)
	return err
}

// Pump runs c's read loop until it is closed, invoking onPacket for
// every delivered packet on a new goroutine per packet, mirroring the
// teacher's listen() -> go raknet.HandlePacket(...) dispatch.
func Pump(c *Conn, onPacket func(data []byte, from net.Addr)) {
	buf := make([]byte, 65536)
	for {
		n, from, err := c.ReadFrom(buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:n]...)
		go onPacket(data, from)
	}
}
