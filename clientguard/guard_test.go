package clientguard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/m2osw/cluckd/internal/wire"
)

// fakeTransport records every outbound message and lets a test inject
// inbound replies, mirroring internal/gateway's recordingBus fake.
type fakeTransport struct {
	mu   sync.Mutex
	sent []wire.Message
	in   chan wire.Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan wire.Message, 16)}
}

func (f *fakeTransport) Send(ctx context.Context, msg wire.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Inbound() <-chan wire.Message { return f.in }

func (f *fakeTransport) lastSent() wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func runClient(t *testing.T, c *Client) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(cancel)
	return cancel
}

func TestGuard_LockedObtainedThenUnlockReturnsIdle(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr, nil, WithIdentity("client1", "svc"))
	runClient(t, c)
	ctx := context.Background()

	obtained := make(chan struct{}, 1)
	finally := make(chan struct{}, 1)
	g := c.NewGuard("resource-1", ModeExtended).
		OnObtained(func(*Guard) { obtained <- struct{}{} }).
		OnFinally(func(*Guard) { finally <- struct{}{} })

	require.NoError(t, g.Lock(ctx))

	sent := tr.lastSent()
	require.Equal(t, wire.CmdLock, sent.Command)
	require.Equal(t, "resource-1", sent.Get("object_name"))
	tag := sent.Get("tag")

	reply := wire.NewMessage(wire.CmdLocked, "leader/cluckd").
		Set("object_name", "resource-1").
		Set("tag", tag).
		SetTime("lock_timeout_date", time.Now().Add(time.Minute))
	tr.in <- reply

	select {
	case <-obtained:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for obtained callback")
	}
	require.True(t, g.IsLocked())
	require.Equal(t, StateLocked, g.State())

	unlocked := wire.NewMessage(wire.CmdUnlocked, "leader/cluckd").
		Set("object_name", "resource-1").
		Set("tag", tag)
	tr.in <- unlocked

	select {
	case <-finally:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finally callback")
	}
	require.Equal(t, StateIdle, g.State())
	require.False(t, g.IsLocked())
}

func TestGuard_SimpleModeAutoUnlocksOnObtained(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr, nil, WithIdentity("client1", "svc"))
	runClient(t, c)
	ctx := context.Background()

	g := c.NewGuard("resource-1", ModeSimple)
	require.NoError(t, g.Lock(ctx))
	tag := tr.lastSent().Get("tag")

	tr.in <- wire.NewMessage(wire.CmdLocked, "leader/cluckd").
		Set("object_name", "resource-1").
		Set("tag", tag).
		SetTime("lock_timeout_date", time.Now().Add(time.Minute))

	require.Eventually(t, func() bool {
		return tr.lastSent().Command == wire.CmdUnlock
	}, 2*time.Second, 10*time.Millisecond, "expected automatic UNLOCK after obtaining the lock in ModeSimple")
}

func TestGuard_ObtentionTimeoutFailsAndReturnsIdle(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr, nil, WithIdentity("client1", "svc"))
	runClient(t, c)
	ctx := context.Background()

	var gotReason Reason
	failed := make(chan struct{}, 1)
	finally := make(chan struct{}, 1)
	g := c.NewGuard("resource-2", ModeExtended).
		OnFailed(func(_ *Guard, reason Reason, _ string) { gotReason = reason; failed <- struct{}{} }).
		OnFinally(func(*Guard) { finally <- struct{}{} })

	require.NoError(t, g.Lock(ctx, func(o *LockOptions) { o.ObtentionTimeout = MinObtentionTimeout }))

	select {
	case <-failed:
	case <-time.After(MinObtentionTimeout + 2*time.Second):
		t.Fatal("timed out waiting for failed callback")
	}
	require.Equal(t, ReasonLocalTimeout, gotReason)

	select {
	case <-finally:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for finally callback")
	}
	// the guard moves to IDLE right after its finally callbacks return
	require.Eventually(t, func() bool { return g.State() == StateIdle }, time.Second, 10*time.Millisecond)
}

func TestGuard_LockFailedReplyNarrowsReason(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr, nil, WithIdentity("client1", "svc"))
	runClient(t, c)
	ctx := context.Background()

	var gotReason Reason
	failed := make(chan struct{}, 1)
	g := c.NewGuard("resource-3", ModeExtended).
		OnFailed(func(_ *Guard, reason Reason, _ string) { gotReason = reason; failed <- struct{}{} })

	require.NoError(t, g.Lock(ctx))
	tag := tr.lastSent().Get("tag")

	tr.in <- wire.NewMessage(wire.CmdLockFailed, "leader/cluckd").
		Set("object_name", "resource-3").
		Set("tag", tag).
		Set("error", string(wire.ReasonDuplicate))

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failed callback")
	}
	require.Equal(t, ReasonInvalid, gotReason)
}

func TestClient_TransmissionReportFailsEveryActiveGuard(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr, nil, WithIdentity("client1", "svc"))
	runClient(t, c)
	ctx := context.Background()

	var mu sync.Mutex
	failedCount := 0
	done := make(chan struct{}, 2)
	newGuard := func(name string) *Guard {
		return c.NewGuard(name, ModeExtended).
			OnFailed(func(*Guard, Reason, string) {
				mu.Lock()
				failedCount++
				mu.Unlock()
				done <- struct{}{}
			})
	}

	g1 := newGuard("resource-a")
	g2 := newGuard("resource-b")
	require.NoError(t, g1.Lock(ctx))
	require.NoError(t, g2.Lock(ctx))

	tr.in <- wire.NewMessage(wire.CmdTransmissionReport, "leader/cluckd").Set("status", "failed")

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for broad transmission-failure fan-out")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, failedCount)
}

func TestGuard_OnAliveRepliesAbsolutely(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr, nil, WithIdentity("client1", "svc"))
	runClient(t, c)
	ctx := context.Background()

	g := c.NewGuard("resource-4", ModeExtended)
	require.NoError(t, g.Lock(ctx))
	tag := tr.lastSent().Get("tag")

	tr.in <- wire.NewMessage(wire.CmdAlive, "leader/cluckd").
		Set("object_name", "resource-4").
		Set("entering_key", "resource-4/12345").
		Set("tag", tag)

	require.Eventually(t, func() bool {
		return tr.lastSent().Command == wire.CmdAbsolutely
	}, 2*time.Second, 10*time.Millisecond, "expected an ABSOLUTELY reply to the ALIVE probe")
	require.Equal(t, "resource-4/12345", tr.lastSent().Get("entering_key"))
}
