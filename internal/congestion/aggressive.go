package congestion

// aggressiveController implements §4.2.1's aggressive mode: no
// slow-start distinction, clamps cwnd to the still-expected packets on
// loss, and grows additively while the round is tracking well.
type aggressiveController struct{}

func (aggressiveController) OnNewAcks(w *Window, newAcks int) {
	// growth happens per-round in OnRound, not per-ack, for this mode.
}

func (aggressiveController) OnLoss(w *Window, txSeq, nmissed int) {
	lost := nmissed
	expected := w.Cwnd - lost
	if expected < w.Min {
		expected = w.Min
	}
	w.Cwnd = expected
	w.RecovSeq = uint64(txSeq)
	w.clamp()
}

func (aggressiveController) OnRound(w *Window, r Round) {
	ssbase := w.Ssthresh / 2
	if r.MarkAcks > ssbase && r.Elapsed <= r.LastRTT {
		w.Cwnd += r.NewPackets
		w.clamp()
	}
}
