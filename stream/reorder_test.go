package stream

import (
	"bytes"
	"testing"
)

func TestReorderBufferDeliversContiguousRuns(t *testing.T) {
	var r reorderBuffer
	r.insert(recvSegment{rsn: 5, data: []byte("world")})
	r.insert(recvSegment{rsn: 0, data: []byte("hello")})

	ready, expected := r.drain(0)
	if len(ready) != 2 {
		t.Fatalf("expected both segments to drain once contiguous, got %d", len(ready))
	}
	var got bytes.Buffer
	for _, seg := range ready {
		got.Write(seg.data)
	}
	if got.String() != "helloworld" {
		t.Errorf("got %q, want helloworld", got.String())
	}
	if expected != 10 {
		t.Errorf("expected new expected rsn 10, got %d", expected)
	}
}

func TestReorderBufferHoldsGapUntilFilled(t *testing.T) {
	var r reorderBuffer
	r.insert(recvSegment{rsn: 5, data: []byte("world")})

	ready, expected := r.drain(0)
	if len(ready) != 0 || expected != 0 {
		t.Fatalf("expected nothing to drain across a gap, got %d segments, expected=%d", len(ready), expected)
	}

	r.insert(recvSegment{rsn: 0, data: []byte("hello")})
	ready, expected = r.drain(0)
	if len(ready) != 2 || expected != 10 {
		t.Fatalf("expected gap to close once the missing segment arrives, got %d segments, expected=%d", len(ready), expected)
	}
}

func TestReorderBufferDropsFullDuplicate(t *testing.T) {
	var r reorderBuffer
	r.insert(recvSegment{rsn: 0, data: []byte("hello")})
	r.insert(recvSegment{rsn: 0, data: []byte("hello")})

	ready, _ := r.drain(0)
	if len(ready) != 1 {
		t.Fatalf("expected the duplicate to be dropped at insert, got %d segments", len(ready))
	}
}

func TestReorderBufferTrimsOverlap(t *testing.T) {
	var r reorderBuffer
	r.insert(recvSegment{rsn: 0, data: []byte("hello")})
	ready, expected := r.drain(0)
	if len(ready) != 1 || expected != 5 {
		t.Fatalf("setup: expected one segment drained to rsn 5, got %d, expected=%d", len(ready), expected)
	}

	// arrives overlapping the already-delivered prefix.
	r.insert(recvSegment{rsn: 3, data: []byte("lower")})
	ready, expected = r.drain(5)
	if len(ready) != 1 {
		t.Fatalf("expected the overlapping segment to still deliver its new tail, got %d", len(ready))
	}
	if string(ready[0].data) != "wer" {
		t.Errorf("expected overlap trimmed to %q, got %q", "wer", ready[0].data)
	}
	if expected != 8 {
		t.Errorf("expected new expected rsn 8, got %d", expected)
	}
}
