package boundedchan

import (
	"sync"
	"testing"
	"time"
)

func TestPushPopRoundTrip(t *testing.T) {
	c := New[int](2)
	stopped, wasFull := c.Push(1)
	if stopped || wasFull {
		t.Fatalf("unexpected push result: stopped=%v wasFull=%v", stopped, wasFull)
	}
	item, ok, wasEmpty := c.Pop()
	if !ok || item != 1 || wasEmpty {
		t.Fatalf("unexpected pop result: item=%v ok=%v wasEmpty=%v", item, ok, wasEmpty)
	}
}

func TestPushBlocksWhenFull(t *testing.T) {
	c := New[int](1)
	c.Push(1)

	done := make(chan struct{})
	go func() {
		c.Push(2)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("push should have blocked while full")
	case <-time.After(50 * time.Millisecond):
	}

	c.Pop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push never unblocked after a pop freed capacity")
	}
}

func TestCloseUnblocksPushAndPop(t *testing.T) {
	c := New[int](1)
	c.Push(1) // fill it

	var wg sync.WaitGroup
	wg.Add(1)
	var stopped bool
	go func() {
		defer wg.Done()
		stopped, _ = c.Push(2)
	}()

	time.Sleep(20 * time.Millisecond)
	c.Close()
	wg.Wait()
	if !stopped {
		t.Error("expected blocked push to report stopped after close")
	}

	// Drain the one item, then Pop should report ok=false.
	_, ok, _ := c.Pop()
	if !ok {
		t.Fatal("expected the queued item to still be poppable after close")
	}
	_, ok, _ = c.Pop()
	if ok {
		t.Error("expected Pop on a closed, drained channel to return ok=false")
	}
}

func TestProducerGuardClosesOnLastDrop(t *testing.T) {
	c := New[int](4)
	g := NewProducerGuard(c, 2)
	g.Drop()
	if c.Len() != 0 {
		t.Fatal("channel should not be closed after first drop")
	}
	// Channel shouldn't be closed yet; pushing should still work.
	if stopped, _ := c.Push(1); stopped {
		t.Fatal("channel closed too early")
	}
	c.Pop()

	g.Drop()
	stopped, _ := c.Push(2)
	if !stopped {
		t.Error("expected channel to auto-close after last producer dropped")
	}
}
