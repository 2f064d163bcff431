package sched

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMutexLockUnlock(t *testing.T) {
	m := NewMutex(NewBus())
	require.NoError(t, m.Lock(context.Background()))
	m.Unlock()
	require.NoError(t, m.Lock(context.Background()))
}

func TestTryLockNoWaitFailsWhenHeld(t *testing.T) {
	m := NewMutex(NewBus())
	require.NoError(t, m.Lock(context.Background()))

	ok, err := m.TryLock(context.Background(), time.Time{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTryLockWaitsUntilDeadline(t *testing.T) {
	m := NewMutex(NewBus())
	require.NoError(t, m.Lock(context.Background()))

	start := time.Now()
	ok, err := m.TryLock(context.Background(), start.Add(30*time.Millisecond))
	require.NoError(t, err)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestTryLockSucceedsWhenReleasedBeforeDeadline(t *testing.T) {
	m := NewMutex(NewBus())
	require.NoError(t, m.Lock(context.Background()))

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Unlock()
	}()

	ok, err := m.TryLock(context.Background(), time.Now().Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBusSignalWakesWaiters(t *testing.T) {
	bus := NewBus()
	ch := bus.Wait(EventMutexUnlocked)

	done := make(chan struct{})
	go func() {
		<-ch
		close(done)
	}()

	bus.Signal(EventMutexUnlocked)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by Signal")
	}
}

func TestUnlockSignalsBus(t *testing.T) {
	bus := NewBus()
	m := NewMutex(bus)
	require.NoError(t, m.Lock(context.Background()))

	ch := bus.Wait(EventMutexUnlocked)
	m.Unlock()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Unlock did not signal EventMutexUnlocked")
	}
}
