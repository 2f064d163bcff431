package kstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/estuary/kstream/internal/krist"
	"github.com/estuary/kstream/internal/store"
)

func newOutboxStore(t *testing.T, entry store.OutboxEntry) *store.Store {
	t.Helper()
	st, err := store.Create(t.TempDir(), "https://krist.example", false, "", -1)
	require.NoError(t, err)
	st.State().Committed.Outbox = []store.OutboxEntry{entry}
	require.NoError(t, st.Commit())
	return st
}

func TestSendOutboxHeadAlreadySentIsNoOp(t *testing.T) {
	st := newOutboxStore(t, store.OutboxEntry{ID: uuid.New(), Ref: uuid.New(), Status: store.StatusSent})
	client := krist.NewClient("https://unreachable.invalid")

	ok, err := sendOutboxHead(context.Background(), st, client, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSendOutboxHeadSendsPendingEntry(t *testing.T) {
	var posts int32
	mux := http.NewServeMux()
	mux.HandleFunc("/transactions/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&posts, 1)
		body, _ := json.Marshal(struct {
			OK bool `json:"ok"`
		}{true})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := newOutboxStore(t, store.OutboxEntry{
		ID:          uuid.New(),
		Ref:         uuid.New(),
		Status:      store.StatusPending,
		Transaction: store.PendingTransaction{To: "kbob", Amount: 3},
	})
	client := krist.NewClient(srv.URL)

	ok, err := sendOutboxHead(context.Background(), st, client, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.StatusSent, st.State().Committed.Outbox[0].Status)
	require.Equal(t, int32(1), atomic.LoadInt32(&posts))
}

func TestSendOutboxHeadSurfacesAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/transactions/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(struct {
			OK      bool   `json:"ok"`
			Error   string `json:"error"`
			Message string `json:"message"`
		}{false, "insufficient_funds", "not enough Krist"})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := newOutboxStore(t, store.OutboxEntry{
		ID:          uuid.New(),
		Ref:         uuid.New(),
		Status:      store.StatusPending,
		Transaction: store.PendingTransaction{To: "kbob", Amount: 3},
	})
	client := krist.NewClient(srv.URL)

	ok, err := sendOutboxHead(context.Background(), st, client, time.Time{})
	require.False(t, ok)
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	require.Equal(t, store.StatusPending, st.State().Committed.Outbox[0].Status)
}

func TestSendOutboxHeadUnknownResolvesViaSearch(t *testing.T) {
	var posts int32
	mux := http.NewServeMux()
	mux.HandleFunc("/search/extended", func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(struct {
			OK      bool `json:"ok"`
			Matches struct {
				Transactions struct {
					Metadata int `json:"metadata"`
				} `json:"metadata"`
			} `json:"matches"`
		}{OK: true, Matches: struct {
			Transactions struct {
				Metadata int `json:"metadata"`
			} `json:"metadata"`
		}{Transactions: struct {
			Metadata int `json:"metadata"`
		}{Metadata: 1}}})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/transactions/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&posts, 1)
		t.Fatal("should not re-post once the ref is resolved as already sent")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := newOutboxStore(t, store.OutboxEntry{
		ID:     uuid.New(),
		Ref:    uuid.New(),
		Status: store.StatusUnknown,
	})
	client := krist.NewClient(srv.URL)

	ok, err := sendOutboxHead(context.Background(), st, client, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.StatusSent, st.State().Committed.Outbox[0].Status)
	require.Equal(t, int32(0), atomic.LoadInt32(&posts))
}

func TestSendOutboxHeadUnknownNotFoundRetriesSend(t *testing.T) {
	var searches, posts int32
	mux := http.NewServeMux()
	mux.HandleFunc("/search/extended", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&searches, 1)
		body, _ := json.Marshal(struct {
			OK      bool `json:"ok"`
			Matches struct {
				Transactions struct {
					Metadata int `json:"metadata"`
				} `json:"metadata"`
			} `json:"matches"`
		}{OK: true})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/transactions/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&posts, 1)
		body, _ := json.Marshal(struct {
			OK bool `json:"ok"`
		}{true})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := newOutboxStore(t, store.OutboxEntry{
		ID:     uuid.New(),
		Ref:    uuid.New(),
		Status: store.StatusUnknown,
	})
	client := krist.NewClient(srv.URL)

	ok, err := sendOutboxHead(context.Background(), st, client, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.StatusSent, st.State().Committed.Outbox[0].Status)
	require.Equal(t, int32(1), atomic.LoadInt32(&searches))
	require.Equal(t, int32(1), atomic.LoadInt32(&posts))
}
