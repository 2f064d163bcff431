package boxview

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/estuary/kstream/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Create(t.TempDir(), "https://krist.example", false, "", -1)
	require.NoError(t, err)
	return st
}

func TestOpenClonesAndBumpsRevision(t *testing.T) {
	st := newTestStore(t)
	st.State().Committed.Revision = 5
	v := Open(st, nil)
	require.Equal(t, int64(6), v.Revision())
	require.Equal(t, Uncommitted, v.State())
}

func TestEnqueueSendThenCommit(t *testing.T) {
	st := newTestStore(t)
	v := Open(st, nil)

	id, err := v.EnqueueSend(store.PendingTransaction{To: "kalice", Amount: 5})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)
	require.Len(t, v.Outbox(), 1)

	require.NoError(t, v.Commit())
	require.Equal(t, Committed, v.State())
	require.Len(t, st.State().Committed.Outbox, 1)
	require.Equal(t, id, st.State().Committed.Outbox[0].ID)
}

func TestAbortDiscardsWorkingCopy(t *testing.T) {
	st := newTestStore(t)
	v := Open(st, nil)
	_, err := v.EnqueueSend(store.PendingTransaction{To: "kalice", Amount: 5})
	require.NoError(t, err)

	require.NoError(t, v.Abort())
	require.Equal(t, Aborted, v.State())
	require.Empty(t, st.State().Committed.Outbox)
}

func TestOperationsInvalidAfterTerminal(t *testing.T) {
	st := newTestStore(t)
	v := Open(st, nil)
	require.NoError(t, v.Commit())

	_, err := v.EnqueueSend(store.PendingTransaction{})
	require.ErrorIs(t, err, ErrTerminal)

	_, err = v.Prepare()
	require.ErrorIs(t, err, ErrTerminal)
}

func TestPrepareThenCommitWritesAndClearsPrepared(t *testing.T) {
	st := newTestStore(t)
	v := Open(st, nil)
	_, err := v.EnqueueSend(store.PendingTransaction{To: "kalice", Amount: 1})
	require.NoError(t, err)

	rev, err := v.Prepare()
	require.NoError(t, err)
	require.Equal(t, rev, v.Revision())
	require.NotNil(t, st.State().Prepared)
	require.Equal(t, Prepared, v.State())

	require.NoError(t, v.Commit())
	require.Nil(t, st.State().Prepared)
	require.Len(t, st.State().Committed.Outbox, 1)
}

func TestOpenPanicsIfPreparedStateOnDisk(t *testing.T) {
	st := newTestStore(t)
	prepared := st.State().Committed.Clone()
	prepared.Revision = 1
	st.State().Prepared = &prepared

	require.Panics(t, func() { Open(st, nil) })
}

func TestRemoveOutboxHeadAndSetOutboxHeadStatus(t *testing.T) {
	st := newTestStore(t)
	v := Open(st, nil)
	_, err := v.EnqueueSend(store.PendingTransaction{To: "kalice", Amount: 1})
	require.NoError(t, err)
	_, err = v.EnqueueSend(store.PendingTransaction{To: "kbob", Amount: 2})
	require.NoError(t, err)

	v.RemoveOutboxHead()
	require.Len(t, v.Outbox(), 1)
	require.Equal(t, "kbob", v.Outbox()[0].Transaction.To)

	v.SetOutboxHeadStatus(store.StatusSent)
	require.Equal(t, store.StatusSent, v.Outbox()[0].Status)
}
