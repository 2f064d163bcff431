package krist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocateFindsEveryID(t *testing.T) {
	const n = 137 // deliberately not a power of two, to exercise the boundary cases
	srv := newFakeNode(n)
	defer srv.Close()
	c := mustNewClient(srv)
	p := NewPager(c, "", false, 256)

	for _, id := range []int64{1, 2, n / 2, n - 1, n} {
		offset, found, err := Locate(context.Background(), p, id, time.Time{})
		require.NoError(t, err)
		require.True(t, found, "id %d should be found", id)
		require.Equal(t, int(n-id), offset)
	}
}

func TestLocateSentinelBeforeFirst(t *testing.T) {
	srv := newFakeNode(10)
	defer srv.Close()
	c := mustNewClient(srv)
	p := NewPager(c, "", false, 256)

	offset, found, err := Locate(context.Background(), p, -1, time.Time{})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 0, offset)
}

func TestLocateEmptyList(t *testing.T) {
	srv := newFakeNode(0)
	defer srv.Close()
	c := mustNewClient(srv)
	p := NewPager(c, "", false, 256)

	_, found, err := Locate(context.Background(), p, -1, time.Time{})
	require.NoError(t, err)
	require.False(t, found)
}

func TestLocateNotPresent(t *testing.T) {
	srv := newFakeNode(20)
	defer srv.Close()
	c := mustNewClient(srv)
	p := NewPager(c, "", false, 256)

	_, found, err := Locate(context.Background(), p, 9999, time.Time{})
	require.NoError(t, err)
	require.False(t, found)
}
