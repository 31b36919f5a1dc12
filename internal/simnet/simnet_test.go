package simnet

import (
	"net"
	"testing"
	"time"
)

func TestPairDeliversWithoutImpairment(t *testing.T) {
	a, b := Pair(
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1},
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2},
		Options{}, 1,
	)
	defer a.Close()
	defer b.Close()

	if _, err := a.WriteTo([]byte("hello"), nil); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	buf := make([]byte, 16)
	n, _, err := b.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("got %q, want hello", buf[:n])
	}
}

func TestFullDropDiscardsEveryPacket(t *testing.T) {
	a, b := Pair(
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1},
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2},
		Options{DropPercent: 100}, 2,
	)
	defer a.Close()
	defer b.Close()

	if _, err := a.WriteTo([]byte("lost"), nil); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	select {
	case pkt := <-b.in:
		t.Fatalf("expected no delivery, got %q", pkt.data)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestFullDuplicateDeliversTwice(t *testing.T) {
	a, b := Pair(
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1},
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2},
		Options{DuplicatePercent: 100}, 3,
	)
	defer a.Close()
	defer b.Close()

	if _, err := a.WriteTo([]byte("dup"), nil); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	buf := make([]byte, 16)
	for i := 0; i < 2; i++ {
		n, _, err := b.ReadFrom(buf)
		if err != nil || string(buf[:n]) != "dup" {
			t.Fatalf("expected delivery %d to be %q, got %q err=%v", i, "dup", buf[:n], err)
		}
	}
}

func TestCloseUnblocksReadFrom(t *testing.T) {
	a, b := Pair(
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1},
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2},
		Options{}, 4,
	)
	defer a.Close()

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, _, err := b.ReadFrom(buf)
		done <- err
	}()
	b.Close()

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ReadFrom did not unblock after Close")
	}
}
