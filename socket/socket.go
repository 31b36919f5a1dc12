// Package socket binds a single UDP connection to a table of flows,
// dispatching inbound packets by channel number. It is grounded in the
// teacher's listen/update/cleanup-ticker loop (source/server/server.go),
// generalized from a game-packet dispatcher to the channel-based
// (remote_endpoint, local_channel) -> flow routing of spec §4.3.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liamzebedee/sst/config"
	"github.com/liamzebedee/sst/flow"
	"github.com/liamzebedee/sst/metrics"
)

// ControlHandler processes an inbound channel-0 control packet: a
// connect request/reply, or any pre-flow negotiation traffic that isn't
// yet bound to an armored flow.
type ControlHandler func(remote *net.UDPAddr, magic uint32, payload []byte)

var (
	// ErrNoFreeChannel is returned when channel allocation exhausts
	// 1..MaxChannel for a given remote endpoint.
	ErrNoFreeChannel = errors.New("socket: no free channel for remote endpoint")
	// ErrChannelInUse is returned by RegisterFlow when the (remote,
	// channel) pair already has a flow bound.
	ErrChannelInUse = errors.New("socket: channel already bound for remote endpoint")
)

type flowKey struct {
	remote  string
	channel byte
}

// Socket owns one UDP connection and fans inbound packets out to the
// flows (or control handlers) that own each channel.
type Socket struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Registry

	conn *net.UDPConn

	mu             sync.RWMutex
	flows          map[flowKey]*flow.Flow
	magicHandlers  map[uint32]ControlHandler
	defaultControl ControlHandler

	OnTick    func()
	OnCleanup func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Bind opens a UDP socket at addr and constructs a Socket around it.
func Bind(cfg *config.Config, log *zap.Logger, reg *metrics.Registry, addr *net.UDPAddr) (*Socket, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("socket: bind %s: %w", addr, err)
	}
	return &Socket{
		cfg:           cfg,
		log:           log,
		metrics:       reg,
		conn:          conn,
		flows:         make(map[flowKey]*flow.Flow),
		magicHandlers: make(map[uint32]ControlHandler),
	}, nil
}

// LocalAddr returns the bound local address.
func (s *Socket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// SendTo implements flow.Sender by writing directly to the bound
// connection.
func (s *Socket) SendTo(addr net.Addr, pkt []byte) error {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("socket: SendTo: %T is not a *net.UDPAddr", addr)
	}
	_, err := s.conn.WriteToUDP(pkt, udpAddr)
	return err
}

// SendControl writes an unarmored channel-0 control packet: channel
// byte, 4-byte magic, then payload.
func (s *Socket) SendControl(remote *net.UDPAddr, magic uint32, payload []byte) error {
	buf := make([]byte, 5+len(payload))
	buf[0] = 0
	buf[1] = byte(magic >> 24)
	buf[2] = byte(magic >> 16)
	buf[3] = byte(magic >> 8)
	buf[4] = byte(magic)
	copy(buf[5:], payload)
	_, err := s.conn.WriteToUDP(buf, remote)
	return err
}

// RegisterMagic routes channel-0 packets carrying magic to h, for a
// caller awaiting a specific correlated reply (e.g. a pending connect
// request). The returned func unregisters it.
func (s *Socket) RegisterMagic(magic uint32, h ControlHandler) func() {
	s.mu.Lock()
	s.magicHandlers[magic] = h
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.magicHandlers, magic)
		s.mu.Unlock()
	}
}

// SetDefaultControlHandler installs the handler for channel-0 packets
// whose magic has no specific registrant — typically a listening
// server's "accept new connect request" entry point.
func (s *Socket) SetDefaultControlHandler(h ControlHandler) {
	s.mu.Lock()
	s.defaultControl = h
	s.mu.Unlock()
}

// AllocateChannel scans 1..MaxChannel for a local channel number with
// no flow yet bound to remote, per §4.3.
func (s *Socket) AllocateChannel(remote net.Addr) (byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := remote.String()
	for ch := byte(1); ; ch++ {
		if _, taken := s.flows[flowKey{remote: key, channel: ch}]; !taken {
			return ch, nil
		}
		if ch == s.cfg.MaxChannel {
			break
		}
	}
	return 0, ErrNoFreeChannel
}

// RegisterFlow binds f to (remote, localChannel).
func (s *Socket) RegisterFlow(remote net.Addr, localChannel byte, f *flow.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := flowKey{remote: remote.String(), channel: localChannel}
	if _, exists := s.flows[key]; exists {
		return ErrChannelInUse
	}
	s.flows[key] = f
	return nil
}

// UnregisterFlow removes the flow bound to (remote, localChannel), if
// any.
func (s *Socket) UnregisterFlow(remote net.Addr, localChannel byte) {
	s.mu.Lock()
	delete(s.flows, flowKey{remote: remote.String(), channel: localChannel})
	s.mu.Unlock()
}

// LookupFlow returns the flow bound to (remote, localChannel).
func (s *Socket) LookupFlow(remote net.Addr, localChannel byte) (*flow.Flow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[flowKey{remote: remote.String(), channel: localChannel}]
	return f, ok
}

// Start launches the read loop and the tick/cleanup tickers as
// goroutines, mirroring the teacher's listen/updateLoop/
// sessionCleanupLoop trio.
func (s *Socket) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(3)
	go s.listen(ctx)
	go s.tickLoop(ctx)
	go s.cleanupLoop(ctx)
}

// Close stops the background loops and closes the UDP connection.
func (s *Socket) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	err := s.conn.Close()
	s.wg.Wait()
	return err
}

func (s *Socket) listen(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, s.cfg.MTU+64)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Debug("udp read error", zap.Error(err))
				continue
			}
		}
		if n == 0 {
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		s.dispatch(addr, pkt)
	}
}

func (s *Socket) dispatch(remote *net.UDPAddr, pkt []byte) {
	channel := pkt[0]
	if channel == 0 {
		s.dispatchControl(remote, pkt)
		return
	}
	f, ok := s.LookupFlow(remote, channel)
	if !ok {
		s.metrics.FramingDrops.Inc()
		s.log.Debug("dropping packet for unknown channel", zap.Uint8("channel", channel), zap.Stringer("remote", remote))
		return
	}
	if _, err := f.Receive(pkt); err != nil {
		s.log.Debug("flow receive error", zap.Error(err), zap.Stringer("remote", remote))
	}
}

func (s *Socket) dispatchControl(remote *net.UDPAddr, pkt []byte) {
	if len(pkt) < 5 {
		s.metrics.FramingDrops.Inc()
		return
	}
	magic := uint32(pkt[1])<<24 | uint32(pkt[2])<<16 | uint32(pkt[3])<<8 | uint32(pkt[4])
	payload := pkt[5:]

	s.mu.RLock()
	h, ok := s.magicHandlers[magic]
	def := s.defaultControl
	s.mu.RUnlock()

	if ok {
		h(remote, magic, payload)
		return
	}
	if def != nil {
		def(remote, magic, payload)
		return
	}
	s.log.Debug("dropping control packet with no registered handler", zap.Uint32("magic", magic))
}

func (s *Socket) tickLoop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if s.OnTick != nil {
				s.OnTick()
			}
		}
	}
}

func (s *Socket) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if s.OnCleanup != nil {
				s.OnCleanup()
			}
		}
	}
}
