package kstream

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/kstream/internal/krist"
	"github.com/estuary/kstream/internal/store"
)

// sendOutboxHead implements the outbox send algorithm of spec §4.5,
// including the UNKNOWN-status resolver. The caller must hold the
// stream mutex; entry is st.State().Committed.Outbox[0]. Every status
// transition is written straight to the committed document (this is
// plain internal bookkeeping, not a user-visible two-phase commit, so
// it bypasses the box view/prepare dance of spec §4.3 and just commits
// directly, per spec §4.5 "commit").
func sendOutboxHead(ctx context.Context, st *store.Store, client *krist.Client, deadline time.Time) (bool, error) {
	entry := &st.State().Committed.Outbox[0]
	ref := entry.Ref.String()

	switch entry.Status {
	case store.StatusSent:
		return true, nil
	case store.StatusUnknown:
		resolved, err := resolveByRef(ctx, st, client, entry, ref, deadline)
		if err != nil {
			return false, err
		}
		if resolved {
			return true, nil
		}
		// resolver determined PENDING; fall through to (re)send below.
	}

	for {
		entry.Status = store.StatusUnknown
		if err := st.Commit(); err != nil {
			return false, fatalf("marking outbox entry unknown: %w", err)
		}

		meta := make(map[string]string, len(entry.Transaction.Metadata)+1)
		for k, v := range entry.Transaction.Metadata {
			meta[k] = v
		}
		meta["ref"] = ref

		body := krist.SendRequest{
			PrivateKey: entry.Transaction.PrivateKey,
			To:         entry.Transaction.To,
			Amount:     entry.Transaction.Amount,
			Metadata:   krist.SerializeMeta(meta),
		}

		ok, err := client.PostTransaction(ctx, body, deadline)
		if err != nil {
			if apiErr, isAPIErr := err.(*krist.APIError); isAPIErr {
				entry.Status = store.StatusPending
				if cerr := st.Commit(); cerr != nil {
					return false, fatalf("marking outbox entry pending after API error: %w", cerr)
				}
				return false, &SendError{apiErr}
			}
			return false, fatalf("sending transaction: %w", err)
		}
		if ok {
			entry.Status = store.StatusSent
			if cerr := st.Commit(); cerr != nil {
				return false, fatalf("marking outbox entry sent: %w", cerr)
			}
			return true, nil
		}

		log.WithField("ref", ref).Debug("outbox: send had no response, resolving by ref")
		resolved, err := resolveByRef(ctx, st, client, entry, ref, deadline)
		if err != nil {
			return false, err
		}
		if resolved {
			return true, nil
		}
		// Resolver re-confirmed PENDING: loop back to retry the POST.
	}
}

// resolveByRef is the search-based resolver (spec §4.5 step 1/4): it
// queries /search/extended for ref and sets SENT (returning true) or
// PENDING (returning false), committing the decision either way.
func resolveByRef(ctx context.Context, st *store.Store, client *krist.Client, entry *store.OutboxEntry, ref string, deadline time.Time) (bool, error) {
	found, err := client.SearchRefExists(ctx, ref, deadline)
	if err != nil {
		return false, err
	}
	if found {
		entry.Status = store.StatusSent
		if err := st.Commit(); err != nil {
			return false, fatalf("marking resolved outbox entry sent: %w", err)
		}
		return true, nil
	}
	entry.Status = store.StatusPending
	if err := st.Commit(); err != nil {
		return false, fatalf("marking resolved outbox entry pending: %w", err)
	}
	return false, nil
}
