package kstream

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/estuary/kstream/internal/sched"
	"github.com/estuary/kstream/internal/store"
)

// Run launches the inbox worker, outbox worker, and socket listener and
// blocks until one of them fails or ctx is cancelled, per spec §4.4.
// OnTransaction, OnSendSuccess, and OnSendFailure must already be
// installed via SetHooks. Run must not be called more than once per
// Stream.
func (s *Stream) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("kstream: Run already called on this Stream")
	}
	if s.hooks.OnTransaction == nil || s.hooks.OnSendSuccess == nil || s.hooks.OnSendFailure == nil {
		return fmt.Errorf("kstream: OnTransaction, OnSendSuccess, and OnSendFailure hooks must be installed before Run")
	}

	grp := sched.NewGroup(ctx)
	grp.Go(s.socket.Run)
	grp.Go(s.inboxWorker)
	grp.Go(s.outboxWorker)
	return grp.Wait()
}

// inboxWorker is the indefinite loop of spec §4.4: fetch the next
// transaction (possibly replaying one left in the inbox by a crashed
// prior run), then run onTransaction under the hook-execution protocol.
func (s *Stream) inboxWorker(ctx context.Context) error {
	for {
		tx, err := s.fetch(ctx)
		if err == errRetryFetch {
			continue
		}
		if err != nil {
			return err
		}

		err = runHook(s.mu, s.store, s.idGen, func(hc *HookContext) error {
			if err := s.hooks.OnTransaction(hc, tx); err != nil {
				return err
			}
			hc.view.ClearInbox()
			return nil
		})
		if err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.inboxDelivered.Inc()
		}
	}
}

// outboxWorker is the indefinite loop of spec §4.4/§4.5: while the
// outbox has a head entry, attempt to send it and dispatch the
// corresponding success/failure hook; once that hook returns without
// error, the worker itself removes the entry in the same hook frame.
// A hook error aborts the frame, leaving the entry at the head, and
// ends the worker with that error. While the outbox is empty, it
// releases the mutex and waits for two mutex_unlocked events before
// re-checking (spec open question about this coalescing rationale;
// kept as specified).
func (s *Stream) outboxWorker(ctx context.Context) error {
	for {
		if err := s.mu.Lock(ctx); err != nil {
			return err
		}

		if len(s.store.State().Committed.Outbox) == 0 {
			first := s.bus.Wait(sched.EventMutexUnlocked)
			s.mu.Unlock()

			select {
			case <-first:
			case <-ctx.Done():
				return ctx.Err()
			}

			second := s.bus.Wait(sched.EventMutexUnlocked)
			select {
			case <-second:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		deadline := deadlineFrom(s.cfg.HTTPTimeout)
		ok, sendErr := sendOutboxHead(ctx, s.store, s.client, deadline)
		if s.metrics != nil {
			s.metrics.sendAttempts.Inc()
		}
		if sendErr != nil {
			if _, isFatal := sendErr.(*FatalError); isFatal {
				s.mu.Unlock()
				return sendErr
			}
			if s.metrics != nil {
				s.metrics.sendFailures.Inc()
			}
		}

		entry := s.store.State().Committed.Outbox[0]

		hookErr := runHook(s.mu, s.store, s.idGen, func(hc *HookContext) error {
			var err error
			if ok {
				err = s.hooks.OnSendSuccess(hc, entry)
			} else {
				err = s.hooks.OnSendFailure(hc, entry, sendErr)
			}
			if err != nil {
				return err
			}
			hc.view.RemoveOutboxHead()
			if s.mirror != nil {
				hc.chainAfterCommit(func() error { return s.mirror.Record(entry, hc.view.Revision()) })
			}
			return nil
		})
		if hookErr != nil {
			return hookErr
		}
	}
}

// Begin acquires the stream mutex (waiting up to timeout if positive;
// otherwise making a single attempt without waiting) and runs fn under
// the hook-execution protocol, per spec §4.4 begin(). It returns false
// if the mutex could not be acquired in time (with ctx's error if ctx
// ended first); any error from fn itself (or from the commit/prepare
// steps) is returned alongside true.
func (s *Stream) Begin(ctx context.Context, timeout time.Duration, fn func(*HookContext) error) (bool, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	acquired, err := s.mu.TryLock(ctx, deadline)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	return true, runHook(s.mu, s.store, s.idGen, fn)
}

// Send is sugar for Begin enqueuing a single PendingTransaction, per
// spec §4.4 send(). The returned UUID is valid only when ran is true
// and err is nil.
func (s *Stream) Send(ctx context.Context, tx store.PendingTransaction, timeout time.Duration) (id uuid.UUID, ran bool, err error) {
	ran, err = s.Begin(ctx, timeout, func(hc *HookContext) error {
		var e error
		id, e = hc.EnqueueSend(tx)
		return e
	})
	return id, ran, err
}
