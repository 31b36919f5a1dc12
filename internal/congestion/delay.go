package congestion

// delayController implements §4.2.1's delay-based mode: track
// base_power = base_pps/base_rtt, decrease additively once RTT rises
// above base while PPS holds, and increase additively when PPS falls
// below base or power reaches base_power.
type delayController struct{}

func (delayController) OnNewAcks(w *Window, newAcks int) {}

func (delayController) OnLoss(w *Window, txSeq, nmissed int) {
	w.Ssthresh = w.Cwnd / 2
	if w.Ssthresh < w.Min {
		w.Ssthresh = w.Min
	}
	w.Cwnd = w.Ssthresh
	w.RecovSeq = uint64(txSeq)
	w.clamp()
}

func (delayController) OnRound(w *Window, r Round) {
	if w.BaseRTT == 0 || r.RTT < w.BaseRTT {
		w.BaseRTT = r.RTT
		w.BasePPS = r.PPS
	} else {
		// slow EWMA recovery toward the current round, so a transient
		// good round doesn't pin base_rtt forever.
		w.BaseRTT = w.BaseRTT + (r.RTT-w.BaseRTT)/8
	}
	basePower := 0.0
	if w.BaseRTT > 0 {
		basePower = w.BasePPS / float64(w.BaseRTT)
	}

	switch {
	case r.RTT > w.BaseRTT && r.PPS >= w.BasePPS:
		w.Cwnd--
	case r.PPS < w.BasePPS:
		w.Cwnd++
	case basePower > 0 && r.Power >= basePower:
		w.Cwnd++
	}
	w.clamp()
}
