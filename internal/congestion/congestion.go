// Package congestion implements the four congestion-control variants of
// §4.2.1. A Controller is selected once at flow creation by a closed tag
// (Mode), not a virtual table (§9).
package congestion

import "time"

// Mode selects a Controller implementation.
type Mode int

const (
	ModeTCP Mode = iota
	ModeAggressive
	ModeDelay
	ModeVegas
)

// Round summarizes the RTT/PPS/loss measurement taken when a flow's
// round-trip "mark" packet is acked (§4.2, step 5).
type Round struct {
	RTT        time.Duration
	RTTVar     time.Duration
	PPS        float64 // packets per second implied by mark_acks/rtt
	Power      float64 // pps / rtt
	Loss       float64 // (mark_sent - mark_acks) / mark_sent, clamped [0,1]
	MarkSent   int
	MarkAcks   int
	WasLimited bool // cwnd was the transmit limit during this round
	Elapsed    time.Duration // wall-clock time the mark round took
	LastRTT    time.Duration // rtt estimate from the previous round
	NewPackets int           // packets newly acked in this round
}

// Controller mutates a shared Window in response to loss and per-round
// measurements. All methods run on the single flow event-loop goroutine;
// no internal locking is required (§5).
type Controller interface {
	// OnNewAcks is called for an ack that newly acknowledges packets and
	// reports none missed, with the number of newly-acked packets (always
	// > 0). Used for the TCP-like slow-start per-ack increment.
	OnNewAcks(w *Window, newAcks int)
	// OnLoss is called when §4.2 step 3 detects nmissed > 0 and the ack
	// lies past the current fast-recovery boundary (Window.RecovSeq).
	OnLoss(w *Window, txSeq, nmissed int)
	// OnRound is called once per completed RTT-mark round.
	OnRound(w *Window, r Round)
}

// Window is the mutable congestion state living on the flow (§3): cwnd,
// ssthresh, and the fast-recovery boundary.
type Window struct {
	Min, Max int
	Cwnd     int
	Ssthresh int
	RecovSeq uint64

	// BaseRTT/BasePPS track a baseline round for the delay-based and Vegas
	// controllers: a lower RTT replaces the baseline outright, and a higher
	// one pulls BaseRTT up by an EWMA step.
	BaseRTT time.Duration
	BasePPS float64
}

// NewWindow returns a Window initialized to the minimum cwnd and a
// permissive ssthresh, per §3 invariants.
func NewWindow(min, max int) *Window {
	return &Window{Min: min, Max: max, Cwnd: min, Ssthresh: max}
}

func (w *Window) clamp() {
	if w.Cwnd < w.Min {
		w.Cwnd = w.Min
	}
	if w.Cwnd > w.Max {
		w.Cwnd = w.Max
	}
	if w.Ssthresh < w.Min {
		w.Ssthresh = w.Min
	}
}

// New constructs the Controller for mode.
func New(mode Mode) Controller {
	switch mode {
	case ModeAggressive:
		return aggressiveController{}
	case ModeDelay:
		return delayController{}
	case ModeVegas:
		return vegasController{}
	default:
		return tcpController{}
	}
}
