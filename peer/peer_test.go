package peer

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/liamzebedee/sst/config"
	"github.com/liamzebedee/sst/flow"
	"github.com/liamzebedee/sst/internal/armor"
	"github.com/liamzebedee/sst/internal/congestion"
	"github.com/liamzebedee/sst/internal/event"
	"github.com/liamzebedee/sst/internal/wire"
	"github.com/liamzebedee/sst/internal/xtimer"
	"github.com/liamzebedee/sst/metrics"
	"github.com/liamzebedee/sst/socket"
	"github.com/liamzebedee/sst/stream"
)

// loopbackSender hands sealed packets directly to a peer flow.Flow's
// Receive, standing in for a real UDP round trip.
type loopbackSender struct{ peer *flow.Flow }

func (s *loopbackSender) SendTo(_ net.Addr, pkt []byte) error {
	cp := append([]byte(nil), pkt...)
	_, err := s.peer.Receive(cp)
	return err
}

// fakeKeyExchanger stands in for the out-of-scope key-exchange
// handshake: it completes synchronously with a client-side flow.Flow
// already loopback-wired to a server-side flow.Flow the test owns.
type fakeKeyExchanger struct {
	cfg      *config.Config
	log      *zap.Logger
	clock    *xtimer.FakeClock
	onServer func(*flow.Flow)
	fail     bool
}

func (k *fakeKeyExchanger) Initiate(sock *socket.Socket, eid EID, ep net.Addr, localChannel byte, onDone func(*flow.Flow, error)) {
	if k.fail {
		onDone(nil, errors.New("key exchange failed"))
		return
	}
	reg := metrics.Nop()
	keysClient := armor.Keys{TxMACKey: []byte("c2s"), RxMACKey: []byte("s2c")}
	keysServer := armor.Keys{TxMACKey: []byte("s2c"), RxMACKey: []byte("c2s")}
	ac, _ := armor.New(armor.ModeChecksum, keysClient)
	as, _ := armor.New(armor.ModeChecksum, keysServer)

	senderC := &loopbackSender{}
	senderS := &loopbackSender{}
	fc := flow.New(k.cfg, k.log, reg, event.NewBus(), k.clock, senderC, ac, congestion.ModeTCP, string(eid), localChannel, 1, ep)
	fs := flow.New(k.cfg, k.log, reg, event.NewBus(), k.clock, senderS, as, congestion.ModeTCP, "client", 1, localChannel, ep)
	senderC.peer = fs
	senderS.peer = fc
	fc.Start(true)
	fs.Start(false)
	if k.onServer != nil {
		k.onServer(fs)
	}
	onDone(fc, nil)
}

type fakeLocator struct {
	ep    net.Addr
	found bool
}

func (l *fakeLocator) Lookup(eid EID, onResult func(net.Addr, bool)) {
	onResult(l.ep, l.found)
}

func newTestSocket(t *testing.T) *socket.Socket {
	t.Helper()
	cfg := config.Default()
	s, err := socket.Bind(cfg, zap.NewNop(), metrics.Nop(), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFoundEndpointInstallsPrimary(t *testing.T) {
	cfg := config.Default()
	log := zap.NewNop()
	clock := xtimer.NewFakeClock(time.Unix(0, 0))
	keyx := &fakeKeyExchanger{cfg: cfg, log: log, clock: clock}
	sock := newTestSocket(t)

	p := New(cfg, log, event.NewBus(), clock, EID("peer-a"), keyx, nil, []*socket.Socket{sock})

	ep := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 4000}
	p.FoundEndpoint(ep)

	sf, ok := p.Primary()
	if !ok || sf == nil {
		t.Fatal("expected primary stream-flow to be installed after FoundEndpoint")
	}
}

func TestConnectNegotiatesServiceOverDiscoveredPeer(t *testing.T) {
	cfg := config.Default()
	log := zap.NewNop()
	clock := xtimer.NewFakeClock(time.Unix(0, 0))
	sock := newTestSocket(t)
	ep := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 6), Port: 4001}

	var serverStream *stream.Stream
	keyx := &fakeKeyExchanger{cfg: cfg, log: log, clock: clock, onServer: func(fs *flow.Flow) {
		sf := stream.NewStreamFlow(cfg, log, event.NewBus(), fs)
		sf.OnServiceRequest = func(s *stream.Stream, req wire.ConnectRequest) {
			serverStream = s
			_ = s.AcceptService()
		}
	}}
	locator := &fakeLocator{ep: ep, found: true}

	p := New(cfg, log, event.NewBus(), clock, EID("peer-b"), keyx, []Locator{locator}, []*socket.Socket{sock})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	client, err := p.Connect(ctx, "echo", "v1", false)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if serverStream == nil {
		t.Fatal("expected server-side stream to be captured synchronously")
	}

	if _, err := client.Write([]byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 2)
	n, err := serverStream.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hi" {
		t.Errorf("got %q, want hi", buf[:n])
	}
}

func TestConnectFailsFastWithoutRouteWhenNotPersistent(t *testing.T) {
	cfg := config.Default()
	log := zap.NewNop()
	clock := xtimer.NewFakeClock(time.Unix(0, 0))
	sock := newTestSocket(t)
	locator := &fakeLocator{found: false}
	keyx := &fakeKeyExchanger{cfg: cfg, log: log, clock: clock, fail: true}

	p := New(cfg, log, event.NewBus(), clock, EID("peer-c"), keyx, []Locator{locator}, []*socket.Socket{sock})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := p.Connect(ctx, "echo", "v1", false); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}

func TestMigrateRepointsPrimaryFlow(t *testing.T) {
	cfg := config.Default()
	log := zap.NewNop()
	clock := xtimer.NewFakeClock(time.Unix(0, 0))
	keyx := &fakeKeyExchanger{cfg: cfg, log: log, clock: clock}
	sock := newTestSocket(t)

	p := New(cfg, log, event.NewBus(), clock, EID("peer-d"), keyx, nil, []*socket.Socket{sock})
	p.FoundEndpoint(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 4002})

	newEP := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 8), Port: 4003}
	if err := p.Migrate(newEP); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if p.primaryFlow.Remote.String() != newEP.String() {
		t.Errorf("expected primary flow remote to be %v, got %v", newEP, p.primaryFlow.Remote)
	}
}

func TestMigrateWithoutPrimaryFails(t *testing.T) {
	cfg := config.Default()
	log := zap.NewNop()
	clock := xtimer.NewFakeClock(time.Unix(0, 0))
	keyx := &fakeKeyExchanger{cfg: cfg, log: log, clock: clock}
	sock := newTestSocket(t)
	p := New(cfg, log, event.NewBus(), clock, EID("peer-e"), keyx, nil, []*socket.Socket{sock})

	if err := p.Migrate(&net.UDPAddr{}); !errors.Is(err, ErrNoPrimary) {
		t.Fatalf("expected ErrNoPrimary, got %v", err)
	}
}
