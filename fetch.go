package kstream

import (
	"context"
	"errors"

	"github.com/estuary/kstream/internal/krist"
)

// errRetryFetch signals that fetch lost a race (the queue emptied again
// between Wait returning and Pop being attempted) and the inbox worker
// should simply loop and try again.
var errRetryFetch = errors.New("kstream: fetch: retry")

// fetch implements spec §4.4 _fetch: if the inbox already holds a
// transaction (a previous hook run didn't commit), it is returned
// immediately with the mutex held. Otherwise fetch releases the mutex,
// blocks on the stream assembler, reacquires, and — if the inbox is
// still empty — pops the next transaction and durably writes both
// committed.inbox and lastPoppedId before returning with the mutex
// still held, per spec §3 invariant 2.
//
// On success the stream mutex is held by the caller on return; on any
// error (including errRetryFetch) it has already been released.
func (s *Stream) fetch(ctx context.Context) (krist.ApiTransaction, error) {
	if err := s.mu.Lock(ctx); err != nil {
		return krist.ApiTransaction{}, err
	}
	if inbox := s.store.State().Committed.Inbox; inbox != nil {
		return *inbox, nil
	}
	s.mu.Unlock()

	if err := s.assembler.Wait(ctx); err != nil {
		return krist.ApiTransaction{}, err
	}

	if err := s.mu.Lock(ctx); err != nil {
		return krist.ApiTransaction{}, err
	}
	if inbox := s.store.State().Committed.Inbox; inbox != nil {
		return *inbox, nil
	}

	tx, ok := s.assembler.Pop()
	if !ok {
		s.mu.Unlock()
		return krist.ApiTransaction{}, errRetryFetch
	}

	s.store.State().Committed.Inbox = &tx
	s.store.State().LastPoppedID = tx.ID
	if err := s.store.Commit(); err != nil {
		s.mu.Unlock()
		return krist.ApiTransaction{}, fatalf("writing inbox: %w", err)
	}
	return tx, nil
}
