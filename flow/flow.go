// Package flow implements the secure, sequenced datagram channel of §4.2:
// 64-bit sequence space, ACK bitmask, RTT estimation, congestion control,
// retransmit timer, and delayed-ACK logic. A Flow knows nothing about
// streams — it hands decoded payloads upward through callbacks and learns
// which packets were acked/missed the same way, so the stream-flow layer
// (§4.4) can own the ack-wait map as the spec requires.
package flow

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/liamzebedee/sst/config"
	"github.com/liamzebedee/sst/internal/armor"
	"github.com/liamzebedee/sst/internal/congestion"
	"github.com/liamzebedee/sst/internal/event"
	"github.com/liamzebedee/sst/internal/wire"
	"github.com/liamzebedee/sst/internal/xtimer"
	"github.com/liamzebedee/sst/metrics"
)

// LinkStatus is the flow's coarse health, per §3.
type LinkStatus int

const (
	Down LinkStatus = iota
	Stalled
	Up
)

func (s LinkStatus) String() string {
	switch s {
	case Down:
		return "down"
	case Stalled:
		return "stalled"
	default:
		return "up"
	}
}

// Sender delivers an armored packet to the wire. Socket implements this
// by writing to the bound UDP connection at the flow's remote endpoint.
type Sender interface {
	SendTo(addr net.Addr, pkt []byte) error
}

var (
	ErrSequenceExhausted = errors.New("flow: tx_seq approaching 63-bit exhaustion, refusing to send")
	ErrUnsentAck         = errors.New("flow: peer acked a packet sequence we have not sent")
)

// Flow is the authenticated bidirectional packet conduit of §3.
type Flow struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Registry
	events  *event.Bus

	PeerID        string
	LocalChannel  byte
	RemoteChannel byte
	Remote        net.Addr

	sender Sender
	clock  xtimer.Clock
	armor  armor.Armor

	pacer *rate.Limiter

	// transmit state (§3)
	txSeq     uint64
	txDataSeq uint64
	txAckSeq  uint64
	txAckMask uint32
	recovSeq  uint64

	markSeq  uint64
	markTime time.Time
	markBase uint64
	markSent int
	markAcks int
	roundInProgress bool

	window     *congestion.Window
	controller congestion.Controller

	rtt     time.Duration
	rttvar  time.Duration
	pps     float64
	loss    float64
	power   float64

	// receive state (§3)
	rxSeq    uint64
	rxMask   uint32
	rxAckCt  int
	rxUnacked int
	haveReceivedAny bool

	retransTimer    *xtimer.RetransmitTimer
	delayedAck      xtimer.Cancel
	delayedAckArmed bool
	ackOnlySent     int

	status LinkStatus

	// Callbacks the stream-flow layer wires (§4.4).
	OnAcked         func(seq uint64)
	OnMissed        func(seq uint64)
	OnReceive       func(payload []byte)
	OnForceTransmit func()
	OnTerminalFail  func()
}

// New constructs a Flow bound to a remote endpoint and channel pair. The
// congestion mode and armor instance are selected once, at construction,
// by closed tags (§9).
func New(cfg *config.Config, log *zap.Logger, reg *metrics.Registry, events *event.Bus, clock xtimer.Clock, sender Sender, a armor.Armor, congMode congestion.Mode, peerID string, localChannel, remoteChannel byte, remote net.Addr) *Flow {
	f := &Flow{
		cfg:           cfg,
		log:           log.With(zap.String("peer", peerID), zap.Uint8("channel", localChannel)),
		metrics:       reg,
		events:        events,
		PeerID:        peerID,
		LocalChannel:  localChannel,
		RemoteChannel: remoteChannel,
		Remote:        remote,
		sender:        sender,
		clock:         clock,
		armor:         a,
		window:        congestion.NewWindow(cfg.CwndMin, cfg.CwndMax),
		controller:    congestion.New(congMode),
		rtt:           cfg.InitialRTT,
		rttvar:        cfg.InitialRTT / 2,
		txAckSeq:      ^uint64(0), // sentinel: "one before sequence 0", nothing acked yet
		txAckMask:     1,
		rxMask:        1,
		status:        Down,
	}
	if cfg.PaceBytesPerSec > 0 {
		f.pacer = rate.NewLimiter(rate.Limit(cfg.PaceBytesPerSec), cfg.MTU*4)
	}
	f.retransTimer = xtimer.New(clock, cfg.RetransmitBase, cfg.RetransmitCap, cfg.TotalFailureCeiling, f.onRetransmitExpire)
	return f
}

// Start activates the flow (§3 "activated via start(initiator)"). Both
// sides call Start once key exchange has produced armor keys; the
// initiator flag does not change what Start does.
func (f *Flow) Start(initiator bool) {
	f.status = Up
	f.metrics.FlowsActive.Inc()
	f.events.Fire(event.LinkUp, f.PeerID)
}

// Stop tears the flow down: stops timers and reports terminal failure to
// every caller still listening.
func (f *Flow) Stop() {
	f.retransTimer.Stop()
	if f.delayedAck != nil {
		f.delayedAck.Stop()
	}
	if f.status != Down {
		f.metrics.FlowsActive.Dec()
	}
	f.status = Down
	if f.OnTerminalFail != nil {
		f.OnTerminalFail()
	}
	f.events.Fire(event.LinkDown, f.PeerID)
}

// Status reports the flow's current link health.
func (f *Flow) Status() LinkStatus { return f.status }

// SetRemote re-points the flow at a new remote address, for peer
// migration (§4.6): the sequence space, congestion state, and ack-wait
// bookkeeping are untouched, only the address future SendTo calls use.
func (f *Flow) SetRemote(addr net.Addr) {
	f.Remote = addr
}

// MayTransmit returns how many more packets the congestion window
// currently permits in flight (§4.2).
func (f *Flow) MayTransmit() int {
	sendUna := f.txAckSeq + 1 // lowest sequence still awaiting ack
	inFlight := int(f.txSeq - sendUna)
	room := f.window.Cwnd - inFlight
	if room < 0 {
		return 0
	}
	return room
}

// Transmit assigns the next sequence number to payload (which must
// already have wire.FlowHeaderSize bytes of leading space reserved for
// the header), fills in the flow header, armors, and sends it. It
// returns the assigned 64-bit sequence so the caller (stream-flow) can
// key its own ack-wait map. isData marks whether this packet carries
// stream/datagram payload (advances tx_data_seq and the retransmit
// timer) versus being a free-standing ACK.
func (f *Flow) Transmit(buf []byte, isData bool) (uint64, error) {
	if f.aboutToExhaustSequence() {
		return 0, ErrSequenceExhausted
	}
	seq := f.txSeq
	f.txSeq++
	if isData {
		f.txDataSeq = seq
		f.ackOnlySent = 0
	}

	f.fillHeader(buf, seq)

	sealed, err := f.armor.Seal(seq, buf)
	if err != nil {
		return 0, fmt.Errorf("flow: seal: %w", err)
	}

	if f.pacer != nil {
		_ = f.pacer.WaitN(context.Background(), len(sealed))
	}

	if err := f.sender.SendTo(f.Remote, sealed); err != nil {
		return 0, fmt.Errorf("flow: send: %w", err)
	}
	f.metrics.PacketsSent.Inc()

	if seq == f.markSeq {
		f.takeMark(seq)
	}

	if isData && !f.retransTimer.Running() {
		f.retransTimer.Reset()
	}

	f.cancelPendingAckDebt()
	return seq, nil
}

// SendAckOnly produces and sends a payload-less packet whose only
// purpose is to carry the piggybacked ACK (§4.2 "A free-standing ACK
// packet").
func (f *Flow) SendAckOnly() error {
	buf := make([]byte, wire.FlowHeaderSize)
	_, err := f.Transmit(buf, false)
	if err == nil {
		f.ackOnlySent++
	}
	return err
}

func (f *Flow) fillHeader(buf []byte, seq uint64) {
	ackCount := f.rxAckCt
	if ackCount > 15 {
		ackCount = 15
	}
	h := wire.FlowHeader{
		Channel:   f.RemoteChannel,
		SeqLow:    uint32(seq & 0xFFFFFF),
		AckCount:  uint8(ackCount),
		AckSeqLow: uint32(f.rxSeq & 0x0FFFFFFF),
	}
	h.Encode(buf)
}

func (f *Flow) takeMark(seq uint64) {
	f.markTime = f.clock.Now()
	f.markBase = f.txAckSeq
	f.markSent = int(f.txSeq - f.txAckSeq)
	f.markAcks = 0
	f.roundInProgress = true
}

// aboutToExhaustSequence implements the §4.2.4 refuse-to-send guard.
func (f *Flow) aboutToExhaustSequence() bool {
	const space = float64(1) << 63
	return float64(f.txSeq)/space >= f.cfg.Open.RekeySeqThreshold
}

// Receive authenticates and processes an inbound armored packet. Framing
// errors (§7) are counted as framing drops: a runt packet returns
// armor.ErrRunt, and a packet that fails its MAC/checksum is dropped with
// a nil error. Neither tears the flow down. A nil payload with a
// nil error means the packet carried no deliverable data (a pure ACK, or
// a duplicate/too-old sequence already accounted for).
func (f *Flow) Receive(raw []byte) ([]byte, error) {
	if len(raw) < wire.FlowHeaderSize {
		f.metrics.FramingDrops.Inc()
		return nil, armor.ErrRunt
	}

	// Word 0 (channel + seq_low) is the only cleartext portion before the
	// armor is opened; that's enough to reconstruct the packet sequence
	// needed to build the CTR IV / seed the checksum.
	preHeader := wire.DecodeFlowHeader(raw)
	pktSeq := wire.Reconstruct24(preHeader.SeqLow, f.rxSeq)

	opened, err := f.armor.Open(pktSeq, raw)
	if err != nil {
		f.metrics.FramingDrops.Inc()
		f.log.Debug("dropping unauthenticated packet", zap.Error(err), zap.Uint64("seq", pktSeq))
		return nil, nil
	}
	f.metrics.PacketsRecv.Inc()

	if f.isDuplicateOrStale(pktSeq) {
		return nil, nil
	}
	f.advanceRxWindow(pktSeq)

	fh := wire.DecodeFlowHeader(opened)
	f.processAck(fh)

	payload := opened[wire.FlowHeaderSize:]
	f.scheduleAck(len(payload) > 0)

	if len(payload) == 0 {
		return nil, nil
	}
	if f.OnReceive != nil {
		f.OnReceive(payload)
	}
	return payload, nil
}

func (f *Flow) isDuplicateOrStale(seq uint64) bool {
	if !f.haveReceivedAny {
		return false
	}
	if seq > f.rxSeq {
		return false
	}
	delta := f.rxSeq - seq
	if delta >= 32 {
		return true
	}
	return f.rxMask&(uint32(1)<<uint(delta)) != 0
}

// advanceRxWindow folds a newly-accepted sequence number into rx_seq/
// rx_mask and recomputes rx_ack_ct, the count of additional contiguous
// in-order packets below rx_seq (§6, max 15).
func (f *Flow) advanceRxWindow(seq uint64) {
	if !f.haveReceivedAny {
		f.haveReceivedAny = true
		f.rxSeq = seq
		f.rxMask = 1
		f.rxAckCt = 0
		return
	}
	if seq > f.rxSeq {
		delta := seq - f.rxSeq
		if delta >= 32 {
			f.rxMask = 0
		} else {
			f.rxMask <<= delta
		}
		f.rxMask |= 1
		f.rxSeq = seq
	} else {
		delta := f.rxSeq - seq
		f.rxMask |= uint32(1) << uint(delta)
	}
	f.rxAckCt = contiguousRunBelow(f.rxMask)
}

func contiguousRunBelow(mask uint32) int {
	n := 0
	for i := uint(1); i <= 15; i++ {
		if mask&(uint32(1)<<i) == 0 {
			break
		}
		n++
	}
	return n
}

// processAck implements §4.2 steps 3-5: advance the cumulative ack
// pointer, split the newly-covered range into genuinely-acked (the
// sender's claimed contiguous run) and missed (the remainder, presumed
// lost), notify the stream-flow layer, feed the congestion controller,
// and complete the round-trip mark if this ack covers it.
func (f *Flow) processAck(fh wire.FlowHeader) {
	ackSeq := wire.Reconstruct28(fh.AckSeqLow, f.txAckSeq)
	if int64(ackSeq-f.txSeq) >= 0 {
		f.log.Warn("peer acked a sequence we never sent", zap.Uint64("ack_seq", ackSeq), zap.Uint64("tx_seq", f.txSeq))
		return
	}
	if int64(ackSeq-f.txAckSeq) <= 0 {
		return
	}

	delta := ackSeq - f.txAckSeq
	contiguous := int(fh.AckCount) + 1
	newPackets := int(delta)
	nmissed := 0
	if newPackets > contiguous {
		nmissed = newPackets - contiguous
		newPackets = contiguous
	}

	if delta >= 32 {
		f.txAckMask = 0
	} else {
		f.txAckMask <<= delta
	}
	for i := 0; i < newPackets; i++ {
		f.txAckMask |= uint32(1) << uint(i)
	}
	f.txAckSeq = ackSeq

	for i := 0; i < newPackets; i++ {
		seq := ackSeq - uint64(i)
		f.metrics.PacketsAcked.Inc()
		if f.roundInProgress {
			f.markAcks++
		}
		if f.OnAcked != nil {
			f.OnAcked(seq)
		}
	}
	for i := 0; i < nmissed; i++ {
		seq := ackSeq - uint64(newPackets) - uint64(i)
		f.metrics.PacketsLost.Inc()
		if f.OnMissed != nil {
			f.OnMissed(seq)
		}
	}

	if nmissed > 0 {
		// Fast-recovery window (§4.2.1): further losses observed before the
		// ack pointer passes the sequence marked by the last cut aren't a
		// new loss event, so cwnd/ssthresh aren't re-cut for them.
		recoveryPoint := ackSeq - uint64(newPackets)
		if int64(recoveryPoint-f.window.RecovSeq) > 0 {
			f.controller.OnLoss(f.window, int(f.txSeq), nmissed)
		}
	} else if newPackets > 0 {
		f.controller.OnNewAcks(f.window, newPackets)
	}
	f.metrics.Cwnd.Set(float64(f.window.Cwnd))

	if f.roundInProgress && ackSeq >= f.markSeq {
		f.completeRound()
	}

	if f.txAckSeq >= f.txDataSeq {
		f.retransTimer.Stop()
	} else {
		f.retransTimer.Reset()
	}
	f.status = Up
}

// completeRound finishes the §4.2 step-5 RTT/PPS/loss measurement and
// feeds it to the congestion controller's per-round update.
func (f *Flow) completeRound() {
	now := f.clock.Now()
	elapsed := now.Sub(f.markTime)
	lastRTT := f.rtt
	f.rtt = smoothRTT(f.rtt, elapsed)

	pps := 0.0
	if elapsed > 0 {
		pps = float64(f.markAcks) / elapsed.Seconds()
	}
	power := 0.0
	if f.rtt > 0 {
		power = pps / f.rtt.Seconds()
	}
	loss := 0.0
	if f.markSent > 0 {
		loss = float64(f.markSent-f.markAcks) / float64(f.markSent)
		if loss < 0 {
			loss = 0
		}
	}
	f.pps, f.power, f.loss = pps, power, loss
	f.metrics.RTTSeconds.Set(f.rtt.Seconds())

	f.controller.OnRound(f.window, congestion.Round{
		RTT: f.rtt, RTTVar: f.rttvar, PPS: pps, Power: power, Loss: loss,
		MarkSent: f.markSent, MarkAcks: f.markAcks,
		WasLimited: f.markAcks >= f.window.Cwnd,
		Elapsed:    elapsed, LastRTT: lastRTT, NewPackets: f.markAcks,
	})
	f.metrics.Cwnd.Set(float64(f.window.Cwnd))

	f.markSeq = f.txSeq
	f.roundInProgress = false
}

func smoothRTT(prev, sample time.Duration) time.Duration {
	if sample <= 0 {
		return prev
	}
	if prev <= 0 {
		return sample
	}
	return prev - prev/8 + sample/8
}

// scheduleAck implements the delayed-ACK policy of §4.2.3: a data packet
// arms a short timer rather than acking immediately, unless enough data
// packets have arrived unacked, or enough ack-only packets have already
// gone out in a row, that forcing an immediate ack avoids a ping-pong of
// ack-only traffic.
func (f *Flow) scheduleAck(hadPayload bool) {
	if !hadPayload {
		return
	}
	f.rxUnacked++
	if f.rxUnacked >= f.cfg.ForceAckAfterData || f.ackOnlySent >= f.cfg.ForceAckAfterAckOnly {
		if f.delayedAck != nil {
			f.delayedAck.Stop()
			f.delayedAck = nil
		}
		f.delayedAckArmed = false
		_ = f.SendAckOnly()
		return
	}
	if f.delayedAckArmed {
		return
	}
	f.delayedAckArmed = true
	f.delayedAck = f.clock.AfterFunc(f.cfg.DelayedAckTimeout, f.onDelayedAckFire)
}

func (f *Flow) onDelayedAckFire() {
	f.delayedAckArmed = false
	f.delayedAck = nil
	if f.rxUnacked == 0 {
		return
	}
	_ = f.SendAckOnly()
}

// cancelPendingAckDebt clears the delayed-ack timer and the unacked-data
// counter whenever an outgoing packet (data or ack-only) has just
// carried the current ack state to the peer.
func (f *Flow) cancelPendingAckDebt() {
	if f.delayedAck != nil {
		f.delayedAck.Stop()
		f.delayedAck = nil
	}
	f.delayedAckArmed = false
	f.rxUnacked = 0
}

// onRetransmitExpire is the §4.2.2 retransmit-timer callback: halve
// ssthresh, drop cwnd to the minimum, treat every still-unacked data
// packet as missed, mark the
// link Stalled, and ask the caller to push more data now that the
// congestion state has room again.
func (f *Flow) onRetransmitExpire(attempt int, totalFailed bool) {
	if totalFailed {
		f.log.Warn("retransmit timer exceeded total-failure ceiling")
		f.Stop()
		return
	}
	f.log.Debug("retransmit timer fired", zap.Int("attempt", attempt))

	f.window.Ssthresh = f.window.Cwnd / 2
	if f.window.Ssthresh < f.window.Min {
		f.window.Ssthresh = f.window.Min
	}
	f.window.Cwnd = f.window.Min
	f.window.RecovSeq = f.txSeq
	f.metrics.Cwnd.Set(float64(f.window.Cwnd))

	for seq := f.txAckSeq + 1; seq <= f.txDataSeq; seq++ {
		f.metrics.PacketsLost.Inc()
		if f.OnMissed != nil {
			f.OnMissed(seq)
		}
	}

	if f.status == Up {
		f.status = Stalled
		f.events.Fire(event.LinkStalled, f.PeerID)
	}
	if f.OnForceTransmit != nil {
		f.OnForceTransmit()
	}
}
