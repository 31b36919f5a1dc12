package stream

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/liamzebedee/sst/config"
	"github.com/liamzebedee/sst/flow"
	"github.com/liamzebedee/sst/internal/armor"
	"github.com/liamzebedee/sst/internal/congestion"
	"github.com/liamzebedee/sst/internal/event"
	"github.com/liamzebedee/sst/internal/simnet"
	"github.com/liamzebedee/sst/internal/wire"
	"github.com/liamzebedee/sst/internal/xtimer"
	"github.com/liamzebedee/sst/metrics"
)

// newScenarioPair wires two StreamFlows over a simnet.Conn pair instead
// of the synchronous in-call-stack loopbackSender used elsewhere in this
// package: delivery happens on real goroutines with real wall-clock
// timers, exercising the retransmit/delayed-ack paths the way a real
// socket would, per §8's end-to-end scenarios.
func newScenarioPair(t *testing.T, opts simnet.Options, seed int64) (sfA, sfB *StreamFlow, closeFn func()) {
	t.Helper()
	cfg := config.Default()
	log := zap.NewNop()
	reg := metrics.Nop()
	clock := xtimer.RealClock{}

	addrA := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}
	addrB := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5001}
	connA, connB := simnet.Pair(addrA, addrB, opts, seed)

	keysA := armor.Keys{TxMACKey: []byte("a-to-b"), RxMACKey: []byte("b-to-a")}
	keysB := armor.Keys{TxMACKey: []byte("b-to-a"), RxMACKey: []byte("a-to-b")}
	armorA, err := armor.New(armor.ModeChecksum, keysA)
	if err != nil {
		t.Fatalf("armor.New a: %v", err)
	}
	armorB, err := armor.New(armor.ModeChecksum, keysB)
	if err != nil {
		t.Fatalf("armor.New b: %v", err)
	}

	fa := flow.New(cfg, log, reg, event.NewBus(), clock, simnet.Sender{Conn: connA}, armorA, congestion.ModeTCP, "b", 1, 1, addrB)
	fb := flow.New(cfg, log, reg, event.NewBus(), clock, simnet.Sender{Conn: connB}, armorB, congestion.ModeTCP, "a", 1, 1, addrA)
	fa.Start(true)
	fb.Start(false)

	go simnet.Pump(connA, func(data []byte, _ net.Addr) { fa.Receive(data) })
	go simnet.Pump(connB, func(data []byte, _ net.Addr) { fb.Receive(data) })

	sfA = NewStreamFlow(cfg, log, event.NewBus(), fa)
	sfB = NewStreamFlow(cfg, log, event.NewBus(), fb)
	return sfA, sfB, func() { connA.Close(); connB.Close() }
}

// TestDatagramDeliveryUnderTenPercentLoss exercises §8 scenario 2: 100
// datagrams of cycling power-of-two sizes over a 10%-loss link, with
// datagrams never retransmitted. At 10% loss roughly 90 should arrive
// intact; we only assert the documented floor.
func TestDatagramDeliveryUnderTenPercentLoss(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-sensitive network scenario, skipped in -short")
	}
	sfA, sfB, closeFn := newScenarioPair(t, simnet.Options{DropPercent: 10}, 7)
	defer closeFn()

	var mu sync.Mutex
	delivered := 0
	var server *Stream
	ready := make(chan struct{})
	sfB.OnServiceRequest = func(s *Stream, req wire.ConnectRequest) {
		server = s
		_ = s.AcceptService()
		s.OnDatagram = func(d []byte) {
			mu.Lock()
			delivered++
			mu.Unlock()
		}
		close(ready)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := sfA.Connect(ctx, "echo", "v1")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-ready
	_ = server

	// Sizes are capped at 2^11 so every datagram stays within the
	// fragmented small-datagram path (receiveDatagramFragment /
	// OnDatagram); larger ones fall back to an ephemeral reliable
	// substream (writeDatagramAsSubstream) and would never fire
	// OnDatagram, which this loss-counting scenario depends on.
	const n = 100
	for i := 0; i < n; i++ {
		shift := uint(4 + i%8) // cycles 2^4 .. 2^11
		buf := make([]byte, 1<<shift)
		if err := client.WriteDatagram(buf); err != nil {
			t.Fatalf("WriteDatagram %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := delivered
		mu.Unlock()
		if got >= 90 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	got := delivered
	mu.Unlock()
	if got < 90 {
		t.Errorf("expected at least 90/100 datagrams delivered at 10%% loss, got %d", got)
	}
}
