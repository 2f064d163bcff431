// Package boxview implements the transactional box view of spec §4.3:
// a working copy of the committed Boxes document that a hook frame owns
// exclusively for its lifetime, moving through
// UNCOMMITTED -> (PREPARED ->) COMMITTED | ABORTED.
package boxview

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/estuary/kstream/internal/krist"
	"github.com/estuary/kstream/internal/store"
)

// State is the box view's position in its own lifecycle.
type State int

const (
	Uncommitted State = iota
	Prepared
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Uncommitted:
		return "UNCOMMITTED"
	case Prepared:
		return "PREPARED"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// ErrTerminal is returned by any operation attempted on a View that has
// already reached COMMITTED or ABORTED, or by Prepare/EnqueueSend after
// the view has already moved past UNCOMMITTED.
var ErrTerminal = errors.New("boxview: operation invalid in current state")

// IDGenerator mints the dedup ref UUID EnqueueSend attaches to each new
// outbox entry (spec §4.5). A nil IDGenerator falls back to uuid.New().
type IDGenerator interface {
	New() (uuid.UUID, error)
}

// View is the working copy a hook frame mutates. It must never be
// retained past the call that produced it — its validity is bounded by
// the caller's hold on the stream mutex (spec §3 invariant 5).
type View struct {
	store       *store.Store
	uncommitted store.Boxes
	state       State
	idGen       IDGenerator
}

// Open clones store's committed Boxes into a new working copy and bumps
// its revision, per spec §4.3 construction. The caller must already
// hold the stream mutex and must not call Open while store.State().
// Prepared is non-nil — that can only happen transiently during Open()
// of the store itself (spec §4.1 lock() assertion). idGen, if non-nil,
// mints the dedup ref UUID for any entry EnqueueSend appends.
func Open(st *store.Store, idGen IDGenerator) *View {
	if st.State().Prepared != nil {
		panic("boxview: opened against a store with a prepared state still on disk")
	}
	uncommitted := st.State().Committed.Clone()
	uncommitted.Revision++
	return &View{store: st, uncommitted: uncommitted, state: Uncommitted, idGen: idGen}
}

// State reports the view's current lifecycle position.
func (v *View) State() State { return v.state }

// Revision is the working copy's revision number.
func (v *View) Revision() int64 { return v.uncommitted.Revision }

// Inbox returns the working copy's inbox slot, or nil if empty.
func (v *View) Inbox() *krist.ApiTransaction { return v.uncommitted.Inbox }

// Outbox returns the working copy's outbox queue. The returned slice
// aliases the view's internal state; callers within the same hook frame
// may read it freely but should mutate only via RemoveOutboxHead and
// SetOutboxHeadStatus.
func (v *View) Outbox() []store.OutboxEntry { return v.uncommitted.Outbox }

// ClearInbox empties the inbox slot, used once onTransaction has run
// successfully for the held entry.
func (v *View) ClearInbox() {
	v.uncommitted.Inbox = nil
}

// EnqueueSend appends a new PENDING outbox entry and returns its
// user-facing tracking ID, per spec §4.3 enqueueSend. Valid only in
// UNCOMMITTED.
func (v *View) EnqueueSend(tx store.PendingTransaction) (uuid.UUID, error) {
	if v.state != Uncommitted {
		return uuid.Nil, ErrTerminal
	}
	ref := uuid.New()
	if v.idGen != nil {
		generated, err := v.idGen.New()
		if err != nil {
			return uuid.Nil, fmt.Errorf("minting dedup ref: %w", err)
		}
		ref = generated
	}
	entry := store.OutboxEntry{
		ID:          uuid.New(),
		Ref:         ref,
		Status:      store.StatusPending,
		Transaction: tx,
	}
	v.uncommitted.Outbox = append(v.uncommitted.Outbox, entry)
	return entry.ID, nil
}

// SetOutboxHeadStatus updates the status of outbox[0] in the working
// copy. The outbox send algorithm does not use it: sendOutboxHead
// writes status changes straight to the committed document.
func (v *View) SetOutboxHeadStatus(status store.Status) {
	v.uncommitted.Outbox[0].Status = status
}

// RemoveOutboxHead drops outbox[0], per spec §4.4. The outbox worker
// calls it in the same hook frame as onSendSuccess/onSendFailure, after
// that hook returns without error, to remove the entry just resolved.
func (v *View) RemoveOutboxHead() {
	if len(v.uncommitted.Outbox) > 0 {
		v.uncommitted.Outbox = v.uncommitted.Outbox[1:]
	}
}

// Prepare moves UNCOMMITTED -> PREPARED, writing the working copy to
// disk as state.prepared, per spec §4.3 prepare(). Returns the
// working copy's revision, the handshake token for onPrepare.
func (v *View) Prepare() (int64, error) {
	if v.state != Uncommitted {
		return 0, ErrTerminal
	}
	cp := v.uncommitted
	v.store.State().Prepared = &cp
	if err := v.store.Commit(); err != nil {
		return 0, err
	}
	v.state = Prepared
	return v.uncommitted.Revision, nil
}

// Commit moves UNCOMMITTED or PREPARED -> COMMITTED, replacing
// state.committed with the working copy and clearing state.prepared,
// per spec §4.3 commit().
func (v *View) Commit() error {
	if v.state != Uncommitted && v.state != Prepared {
		return ErrTerminal
	}
	v.store.State().Committed = v.uncommitted
	v.store.State().Prepared = nil
	if err := v.store.Commit(); err != nil {
		return err
	}
	v.state = Committed
	return nil
}

// Abort moves UNCOMMITTED or PREPARED -> ABORTED, clearing any prepared
// state on disk and discarding the working copy, per spec §4.3 abort().
func (v *View) Abort() error {
	if v.state != Uncommitted && v.state != Prepared {
		return ErrTerminal
	}
	v.store.State().Prepared = nil
	if err := v.store.Commit(); err != nil {
		return err
	}
	v.state = Aborted
	return nil
}
