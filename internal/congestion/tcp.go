package congestion

// tcpController implements the default TCP-like mode of §4.2.1: additive
// increase in congestion avoidance, doubling via slow-start below
// ssthresh, multiplicative decrease with fast-recovery on loss.
type tcpController struct{}

func (tcpController) OnNewAcks(w *Window, newAcks int) {
	if newAcks <= 0 {
		return
	}
	if w.Cwnd < w.Ssthresh {
		// slow-start: +1 per newly-acked packet, capped at ssthresh.
		w.Cwnd += newAcks
		if w.Cwnd > w.Ssthresh {
			w.Cwnd = w.Ssthresh
		}
		w.clamp()
	}
	// congestion avoidance increments happen once per round in OnRound.
}

func (tcpController) OnLoss(w *Window, txSeq, nmissed int) {
	if nmissed <= 0 {
		return
	}
	w.Ssthresh = w.Cwnd / 2
	if w.Ssthresh < w.Min {
		w.Ssthresh = w.Min
	}
	w.Cwnd = w.Ssthresh
	w.RecovSeq = uint64(txSeq)
	w.clamp()
}

func (tcpController) OnRound(w *Window, r Round) {
	if w.Cwnd >= w.Ssthresh && r.WasLimited {
		w.Cwnd++
		w.clamp()
	}
}
