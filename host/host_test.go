package host

import (
	"net"
	"testing"

	"go.uber.org/zap"

	"github.com/liamzebedee/sst/config"
	"github.com/liamzebedee/sst/metrics"
	"github.com/liamzebedee/sst/peer"
)

func newTestHost(t *testing.T) *Host {
	t.Helper()
	h := New(config.Default(), zap.NewNop(), metrics.Nop(), Options{})
	t.Cleanup(func() { h.Close() })
	return h
}

func TestListenBindsAndStartsSocket(t *testing.T) {
	h := newTestHost(t)
	sock, err := h.Listen(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if sock.LocalAddr() == nil {
		t.Fatal("expected a bound local address")
	}
}

func TestPeerForIsStableAndLazy(t *testing.T) {
	h := newTestHost(t)
	p1 := h.PeerFor(peer.EID("eid-a"))
	p2 := h.PeerFor(peer.EID("eid-a"))
	if p1 != p2 {
		t.Error("expected PeerFor to return the same Peer for a repeated EID")
	}
	p3 := h.PeerFor(peer.EID("eid-b"))
	if p3 == p1 {
		t.Error("expected a distinct Peer for a distinct EID")
	}
}

func TestForgetPeerDropsIt(t *testing.T) {
	h := newTestHost(t)
	p1 := h.PeerFor(peer.EID("eid-c"))
	h.ForgetPeer(peer.EID("eid-c"))
	p2 := h.PeerFor(peer.EID("eid-c"))
	if p1 == p2 {
		t.Error("expected a fresh Peer after ForgetPeer")
	}
}
