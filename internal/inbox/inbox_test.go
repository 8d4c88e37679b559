package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/livinlefevreloca/vitalsync/internal/testutil"
)

func newTestInbox(capacity int) *Inbox[string] {
	return New[string]("test", capacity, 20*time.Millisecond, testutil.NewTestLogger().Logger())
}

func TestSendReceive(t *testing.T) {
	ib := newTestInbox(2)

	if !ib.Send("a") || !ib.Send("b") {
		t.Fatal("expected sends to succeed")
	}

	msg, ok := ib.Receive(context.Background())
	if !ok || msg != "a" {
		t.Errorf("expected a, got %q (ok=%v)", msg, ok)
	}

	stats := ib.GetStats()
	if stats.TotalSent != 2 || stats.TotalReceived != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.MaxDepthSeen != 2 {
		t.Errorf("expected max depth 2, got %d", stats.MaxDepthSeen)
	}
}

func TestSend_TimeoutWhenFull(t *testing.T) {
	ib := newTestInbox(1)
	ib.Send("a")

	if ib.Send("b") {
		t.Error("expected send to time out")
	}
	if ib.GetStats().TimeoutCount != 1 {
		t.Errorf("expected 1 timeout, got %d", ib.GetStats().TimeoutCount)
	}
}

func TestReceive_ContextCancel(t *testing.T) {
	ib := newTestInbox(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := ib.Receive(ctx); ok {
		t.Error("expected receive to fail on cancelled context")
	}
}

func TestClose_WakesReceivers(t *testing.T) {
	ib := newTestInbox(1)
	done := make(chan bool)
	go func() {
		_, ok := ib.Receive(context.Background())
		done <- ok
	}()

	ib.Close()
	ib.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("expected receive to report closed")
		}
	case <-time.After(time.Second):
		t.Fatal("receiver was not woken by Close")
	}

	if ib.Send("late") {
		t.Error("expected send after close to fail")
	}
}

func TestSendAfter(t *testing.T) {
	ib := newTestInbox(1)
	ib.SendAfter("later", 10*time.Millisecond, nil)

	if _, ok := ib.TryReceive(); ok {
		t.Error("message should not be available yet")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := ib.Receive(ctx)
	if !ok || msg != "later" {
		t.Errorf("expected delayed message, got %q (ok=%v)", msg, ok)
	}
}

func TestSendAfter_DroppedWhenClosed(t *testing.T) {
	ib := newTestInbox(1)
	dropped := make(chan string, 1)
	ib.SendAfter("never", 10*time.Millisecond, func(msg string) { dropped <- msg })
	ib.Close()

	select {
	case msg := <-dropped:
		if msg != "never" {
			t.Errorf("dropped %q, want %q", msg, "never")
		}
	case <-time.After(time.Second):
		t.Fatal("drop callback was not called")
	}
}
