package sessions

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTracker_RegisterUnregister_CountAndWait(t *testing.T) {
	tr := NewTracker()
	if tr.Count() != 0 {
		t.Fatalf("initial count=%d, want 0", tr.Count())
	}

	u1 := tr.Register("s1", Handle{UserID: "u1"})
	u2 := tr.Register("s2", Handle{UserID: "u1"})
	u3 := tr.Register("s3", Handle{UserID: "u2"})
	if tr.Count() != 3 {
		t.Fatalf("count=%d, want 3", tr.Count())
	}
	if n := tr.CountUser("u1"); n != 2 {
		t.Fatalf("CountUser(u1)=%d, want 2", n)
	}

	u1()
	u1()
	if tr.Count() != 2 {
		t.Fatalf("count=%d, want 2", tr.Count())
	}

	u2()
	u3()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if ok := tr.Wait(ctx); !ok {
		t.Fatalf("expected Wait to return true")
	}
}

func TestTracker_WaitTimesOut(t *testing.T) {
	tr := NewTracker()
	tr.Register("s1", Handle{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Fatalf("Wait returned true with a live session")
	}
}

func TestTracker_ReRegisterReplaces(t *testing.T) {
	tr := NewTracker()
	tr.Register("s1", Handle{UserID: "old"})
	tr.Register("s1", Handle{UserID: "new"})

	snap := tr.Snapshot()
	if len(snap) != 1 || snap[0].UserID != "new" {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestTracker_SnapshotOldestFirst(t *testing.T) {
	tr := NewTracker()
	base := time.Unix(1_700_000_000, 0)
	tr.Register("late", Handle{UserID: "a", StartedAt: base.Add(time.Minute)})
	tr.Register("early", Handle{UserID: "b", StartedAt: base})

	snap := tr.Snapshot()
	if len(snap) != 2 || snap[0].SessionID != "early" || snap[1].SessionID != "late" {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestTracker_CancelAll_CallsCancel(t *testing.T) {
	tr := NewTracker()
	var c1, c2 atomic.Int64
	tr.Register("s1", Handle{Cancel: func() { c1.Add(1) }})
	tr.Register("s2", Handle{Cancel: func() { c2.Add(1) }})
	tr.Register("s3", Handle{})

	if n := tr.CancelAll(); n != 2 {
		t.Fatalf("canceled=%d, want 2", n)
	}
	if c1.Load() != 1 || c2.Load() != 1 {
		t.Fatalf("cancel calls=%d/%d, want 1/1", c1.Load(), c2.Load())
	}
}

func TestTracker_NotifyAll_CountsDelivered(t *testing.T) {
	tr := NewTracker()
	var calls atomic.Int64
	tr.Register("s1", Handle{Notify: func(code, message string) error {
		calls.Add(1)
		return nil
	}})
	tr.Register("s2", Handle{Notify: func(code, message string) error {
		calls.Add(1)
		return errors.New("queue full")
	}})

	if sent := tr.NotifyAll("server_draining", "reconnect soon"); sent != 1 {
		t.Fatalf("sent=%d, want 1", sent)
	}
	if calls.Load() != 2 {
		t.Fatalf("notify calls=%d, want 2", calls.Load())
	}
}

func TestTracker_NilIsSafe(t *testing.T) {
	var tr *Tracker
	tr.Register("s1", Handle{})()
	if tr.Count() != 0 || tr.CancelAll() != 0 || tr.NotifyAll("x", "y") != 0 || tr.Snapshot() != nil {
		t.Fatalf("nil tracker should be inert")
	}
	if !tr.Wait(context.Background()) {
		t.Fatalf("nil tracker Wait should return true")
	}
}
