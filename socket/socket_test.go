package socket

import (
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/liamzebedee/sst/config"
	"github.com/liamzebedee/sst/metrics"
)

func newTestSocket(t *testing.T) *Socket {
	t.Helper()
	cfg := config.Default()
	s, err := Bind(cfg, zap.NewNop(), metrics.Nop(), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAllocateChannelScansUpward(t *testing.T) {
	s := newTestSocket(t)
	remote := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4000}

	ch, err := s.AllocateChannel(remote)
	if err != nil || ch != 1 {
		t.Fatalf("expected channel 1, got %d, err %v", ch, err)
	}
	if err := s.RegisterFlow(remote, ch, nil); err != nil {
		t.Fatalf("RegisterFlow: %v", err)
	}

	ch2, err := s.AllocateChannel(remote)
	if err != nil || ch2 != 2 {
		t.Fatalf("expected channel 2 once channel 1 is taken, got %d, err %v", ch2, err)
	}
}

func TestRegisterFlowRejectsDuplicateChannel(t *testing.T) {
	s := newTestSocket(t)
	remote := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4000}

	if err := s.RegisterFlow(remote, 1, nil); err != nil {
		t.Fatalf("first RegisterFlow: %v", err)
	}
	if err := s.RegisterFlow(remote, 1, nil); err != ErrChannelInUse {
		t.Fatalf("expected ErrChannelInUse, got %v", err)
	}

	s.UnregisterFlow(remote, 1)
	if err := s.RegisterFlow(remote, 1, nil); err != nil {
		t.Fatalf("RegisterFlow after Unregister: %v", err)
	}
}

func TestControlPacketRoundTrip(t *testing.T) {
	a := newTestSocket(t)
	b := newTestSocket(t)
	a.Start()
	b.Start()

	received := make(chan string, 1)
	b.SetDefaultControlHandler(func(remote *net.UDPAddr, magic uint32, payload []byte) {
		received <- string(payload)
	})

	aAddr := a.LocalAddr().(*net.UDPAddr)
	if err := b.SendControl(aAddr, 0, nil); err != nil {
		t.Fatalf("unexpected SendControl from b setup: %v", err)
	}
	// drain the setup packet sent to a (a has no handler registered, should
	// just be dropped silently); now exercise the real direction, b -> a
	// flipped: send from a to b instead.
	bAddr := b.LocalAddr().(*net.UDPAddr)
	if err := a.SendControl(bAddr, 0x01020304, []byte("connect-me")); err != nil {
		t.Fatalf("SendControl: %v", err)
	}

	select {
	case got := <-received:
		if got != "connect-me" {
			t.Errorf("payload = %q, want %q", got, "connect-me")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control packet")
	}
}

func TestRegisteredMagicTakesPrecedenceOverDefault(t *testing.T) {
	a := newTestSocket(t)
	b := newTestSocket(t)
	a.Start()
	b.Start()

	defaultHit := make(chan struct{}, 1)
	specific := make(chan string, 1)
	b.SetDefaultControlHandler(func(remote *net.UDPAddr, magic uint32, payload []byte) {
		defaultHit <- struct{}{}
	})
	unregister := b.RegisterMagic(42, func(remote *net.UDPAddr, magic uint32, payload []byte) {
		specific <- string(payload)
	})
	defer unregister()

	bAddr := b.LocalAddr().(*net.UDPAddr)
	if err := a.SendControl(bAddr, 42, []byte("reply")); err != nil {
		t.Fatalf("SendControl: %v", err)
	}

	select {
	case got := <-specific:
		if got != "reply" {
			t.Errorf("payload = %q, want %q", got, "reply")
		}
	case <-defaultHit:
		t.Fatal("expected the registered magic handler, not the default, to fire")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control packet")
	}
}

func TestDispatchDropsUnknownChannel(t *testing.T) {
	s := newTestSocket(t)
	remote := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5000}
	// channel 7 has no registered flow; dispatch must not panic and must
	// simply count a framing drop.
	s.dispatch(remote, []byte{7, 0, 0, 0, 0, 0, 0, 0})
}
