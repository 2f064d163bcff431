package kstream

import (
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/estuary/kstream/internal/boxview"
	"github.com/estuary/kstream/internal/sched"
	"github.com/estuary/kstream/internal/store"
)

// HookContext is the capability a hook body is given: it may enqueue
// sends against the open box view, and may register onPrepare/
// afterCommit callbacks for the hook-execution protocol of spec §4.3.
// A HookContext must never be retained past the call that produced it.
type HookContext struct {
	view *boxview.View

	onPrepare   func(revision int64) error
	afterCommit func() error
}

// EnqueueSend appends tx to the outbox and returns its tracking ID.
func (h *HookContext) EnqueueSend(tx store.PendingTransaction) (uuid.UUID, error) {
	return h.view.EnqueueSend(tx)
}

// OnPrepare registers fn to run once the working box view has been
// written to disk as the prepared state, between the prepared write and
// the committed write (spec §5 ordering guarantee). fn receives the
// revision the caller must record in its own external store to recover
// correctly after a crash.
func (h *HookContext) OnPrepare(fn func(revision int64) error) {
	h.onPrepare = fn
}

// AfterCommit registers fn to run strictly after the committed write.
// A failure of fn bubbles out of the hook call without re-running the
// main hook body — the commit already happened. Calling AfterCommit
// more than once replaces the previously registered callback; use
// chainAfterCommit internally to compose instead.
func (h *HookContext) AfterCommit(fn func() error) {
	h.afterCommit = fn
}

// chainAfterCommit appends fn after any already-registered AfterCommit
// callback, instead of replacing it, so internal bookkeeping (e.g. the
// outbox mirror) never clobbers a user-installed callback.
func (h *HookContext) chainAfterCommit(fn func() error) {
	if prev := h.afterCommit; prev != nil {
		h.afterCommit = func() error {
			if err := prev(); err != nil {
				return err
			}
			return fn()
		}
		return
	}
	h.afterCommit = fn
}

// runHook implements the hook-execution protocol of spec §4.3. The
// caller must already hold mu; runHook always releases it exactly once,
// on every return path. idGen mints the dedup ref for any entry a hook
// enqueues via HookContext.EnqueueSend.
func runHook(mu *sched.Mutex, st *store.Store, idGen boxview.IDGenerator, fn func(*HookContext) error) error {
	view := boxview.Open(st, idGen)
	hc := &HookContext{view: view}

	if err := runGuarded(fn, hc); err != nil {
		if abortErr := view.Abort(); abortErr != nil {
			mu.Unlock()
			return fatalf("aborting after hook failure: %w", abortErr)
		}
		mu.Unlock()
		return err
	}

	if hc.onPrepare != nil {
		rev, err := view.Prepare()
		if err != nil {
			mu.Unlock()
			return fatalf("preparing commit: %w", err)
		}
		if err := hc.onPrepare(rev); err != nil {
			mu.Unlock()
			log.WithField("revision", rev).Error("kstream: onPrepare failed after prepared write; stream is unrecoverable without this revision")
			return fmt.Errorf("onPrepare failed after prepare (revision %d is now on disk, reopen with this revision to recover): %w", rev, err)
		}
	}

	if err := view.Commit(); err != nil {
		mu.Unlock()
		return fatalf("committing: %w", err)
	}

	if hc.afterCommit != nil {
		if err := hc.afterCommit(); err != nil {
			mu.Unlock()
			return fmt.Errorf("afterCommit failed (commit already applied, main hook will not re-run): %w", err)
		}
	}

	mu.Unlock()
	return nil
}

// runGuarded runs fn, converting a panic into an error so a misbehaving
// hook body aborts the transaction instead of crashing the stream.
func runGuarded(fn func(*HookContext) error, hc *HookContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return fn(hc)
}
