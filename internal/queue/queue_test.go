package queue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/estuary/kstream/internal/krist"
	"github.com/estuary/kstream/internal/txset"
)

func tx(id int64, from, to string) krist.ApiTransaction {
	return krist.ApiTransaction{ID: id, From: from, To: to}
}

func TestNewQueuePositionsAfterLastPopped(t *testing.T) {
	q := New(txset.Set{}, 5)
	require.Equal(t, int64(5), q.LastSeenID())
	require.Equal(t, int64(6), q.NextPopID())
	_, ok := q.Peek()
	require.False(t, ok)
}

func TestTryPushTransactionContiguous(t *testing.T) {
	q := New(txset.Set{}, 0)
	require.True(t, q.TryPushTransaction(tx(1, "a", "b")))
	require.True(t, q.ReachedTail())
	got, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, int64(1), got.ID)
}

func TestTryPushTransactionRejectsGap(t *testing.T) {
	q := New(txset.Set{}, 0)
	require.False(t, q.TryPushTransaction(tx(2, "a", "b")))
	_, ok := q.Peek()
	require.False(t, ok)
}

func TestTryPushTransactionSetsTailHoleAfterReachingTail(t *testing.T) {
	q := New(txset.Set{}, 0)
	require.True(t, q.TryPushTransaction(tx(1, "a", "b")))
	require.True(t, q.ReachedTail())
	require.False(t, q.TailHole())

	require.False(t, q.TryPushTransaction(tx(3, "a", "b"))) // gap at 2
	require.True(t, q.TailHole())
}

func TestFilteredTransactionsAreSkippedOnPop(t *testing.T) {
	q := New(txset.Set{Address: "kalice"}, 0)
	require.True(t, q.TryPushTransaction(tx(1, "kbob", "kcarol"))) // filtered out
	require.True(t, q.TryPushTransaction(tx(2, "kalice", "kbob")))

	got, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, int64(2), got.ID)
}

func TestTryPushPageRequiresOverlapAndContiguity(t *testing.T) {
	q := New(txset.Set{}, 0)
	require.True(t, q.TryPushTransaction(tx(1, "a", "b")))

	ok := q.TryPushPage([]krist.ApiTransaction{tx(1, "a", "b"), tx(2, "a", "b"), tx(3, "a", "b")})
	require.True(t, ok)
	require.Equal(t, int64(3), q.LastSeenID())

	require.False(t, q.TryPushPage([]krist.ApiTransaction{tx(99, "a", "b")}))
}

func TestTryPushUnseenRequiresLastSubsetOfNext(t *testing.T) {
	q := New(txset.Set{Address: "kalice"}, 0)
	last := []krist.ApiTransaction{tx(2, "kalice", "kbob")}
	next := []krist.ApiTransaction{tx(1, "kbob", "kcarol")} // missing id 2

	require.False(t, q.TryPushUnseen(last, next))
}

func TestTryPushUnseenRepairsTailHole(t *testing.T) {
	q := New(txset.Set{Address: "kalice"}, 0)
	last := []krist.ApiTransaction{tx(2, "kalice", "kbob")}
	next := []krist.ApiTransaction{tx(1, "kbob", "kcarol"), tx(2, "kalice", "kbob")}

	require.True(t, q.TryPushUnseen(last, next))
	require.Equal(t, int64(2), q.LastSeenID())
	require.True(t, q.ReachedTail())
	require.False(t, q.TailHole())

	got, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, int64(2), got.ID)
}
