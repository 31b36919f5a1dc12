package congestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWindowStaysWithinBounds(t *testing.T) {
	w := NewWindow(2, 1<<20)
	require.Equal(t, 2, w.Cwnd, "initial cwnd")

	w.Cwnd = 0
	w.clamp()
	require.Equal(t, w.Min, w.Cwnd, "clamp to min")

	w.Cwnd = w.Max + 100
	w.clamp()
	require.Equal(t, w.Max, w.Cwnd, "clamp to max")
}

func TestTCPSlowStartIncrementsPerAck(t *testing.T) {
	w := NewWindow(2, 1000)
	w.Ssthresh = 100
	c := New(ModeTCP)
	c.OnNewAcks(w, 3)
	require.Equal(t, 5, w.Cwnd, "cwnd after 3 new acks in slow start")
}

func TestTCPSlowStartCapsAtSsthresh(t *testing.T) {
	w := NewWindow(2, 1000)
	w.Ssthresh = 4
	c := New(ModeTCP)
	c.OnNewAcks(w, 10)
	require.Equal(t, 4, w.Cwnd, "cwnd capped at ssthresh")
}

func TestTCPLossHalvesWindow(t *testing.T) {
	w := NewWindow(2, 1000)
	w.Cwnd = 20
	c := New(ModeTCP)
	c.OnLoss(w, 500, 1)
	require.Equal(t, 10, w.Ssthresh)
	require.Equal(t, 10, w.Cwnd)
	require.EqualValues(t, 500, w.RecovSeq)
}

func TestTCPLossNeverDropsBelowMin(t *testing.T) {
	w := NewWindow(2, 1000)
	w.Cwnd = 3
	c := New(ModeTCP)
	c.OnLoss(w, 1, 1)
	require.GreaterOrEqual(t, w.Cwnd, w.Min)
}

func TestVegasGrowsWhenDiffSmall(t *testing.T) {
	w := NewWindow(2, 1000)
	w.Cwnd = 10
	c := New(ModeVegas)
	c.OnRound(w, Round{RTT: 100 * time.Millisecond, MarkSent: 10})
	require.Equal(t, 100*time.Millisecond, w.BaseRTT, "base_rtt set on first round")
	require.Equal(t, 11, w.Cwnd, "cwnd grows by one when diff < 1")
}

func TestAggressiveLossClampsToExpected(t *testing.T) {
	w := NewWindow(2, 1000)
	w.Cwnd = 20
	c := New(ModeAggressive)
	c.OnLoss(w, 42, 5)
	require.Equal(t, 15, w.Cwnd, "cwnd reduced by lost-packet count")
}

func TestDelayBasedTracksBaseRTT(t *testing.T) {
	w := NewWindow(2, 1000)
	c := New(ModeDelay)
	c.OnRound(w, Round{RTT: 50 * time.Millisecond, PPS: 100})
	require.Equal(t, 50*time.Millisecond, w.BaseRTT)
}
