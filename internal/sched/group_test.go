package sched

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGroupWaitsForAll(t *testing.T) {
	g := NewGroup(context.Background())
	var ran [3]bool
	for i := range ran {
		i := i
		g.Go(func(ctx context.Context) error {
			ran[i] = true
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, [3]bool{true, true, true}, ran)
}

func TestGroupPropagatesFirstError(t *testing.T) {
	boom := errors.New("boom")
	g := NewGroup(context.Background())
	g.Go(func(ctx context.Context) error { return boom })
	g.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, g.Wait(), boom)
}

func TestGroupCancelsContextOnError(t *testing.T) {
	boom := errors.New("boom")
	g := NewGroup(context.Background())
	cancelled := make(chan struct{})
	g.Go(func(ctx context.Context) error { return boom })
	g.Go(func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return nil
	})

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("group did not cancel context after first error")
	}
	require.Error(t, g.Wait())
}
