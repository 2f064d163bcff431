// Package store implements the durable, two-phase-commit state document
// described in spec §4.1: a single serialized StoredState written to
// disk under a write-temp-then-rename discipline so that a crash at any
// point leaves exactly one of {canonical, pending} files valid.
//
// Grounded in the write-temp-then-os.Rename idiom from the retrieval
// pack's logd storage layer (WriteTxState), generalized here to the
// specific three-name protocol spec §4.1/§6 requires; the teacher
// itself has no from-scratch local atomic-file idiom of its own (its
// durable state goes through gazette's recovery log or cloud storage).
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/estuary/kstream/internal/krist"
)

const (
	canonicalName = "stream.ltn"
	modName       = "stream.mod.ltn"
	newName       = "stream.new.ltn"
)

// Status is the outbox entry lifecycle state, spec §3 invariant 4.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusUnknown Status = "UNKNOWN"
	StatusSent    Status = "SENT"
)

// PendingTransaction is the payload of an outbox entry not yet
// confirmed sent.
type PendingTransaction struct {
	To       string            `json:"to"`
	Amount   int64             `json:"amount"`
	PrivateKey string          `json:"privatekey"`
	Metadata map[string]string `json:"metadata"`
	UserData json.RawMessage   `json:"userData,omitempty"`
}

// OutboxEntry is one queued outgoing send, spec §3.
type OutboxEntry struct {
	ID          uuid.UUID           `json:"id"`
	Ref         uuid.UUID           `json:"ref"`
	Status      Status              `json:"status"`
	Transaction PendingTransaction  `json:"transaction"`
}

// Boxes is the inbox/outbox working set, spec §3.
type Boxes struct {
	Revision int64                  `json:"revision"`
	Inbox    *krist.ApiTransaction  `json:"inbox,omitempty"`
	Outbox   []OutboxEntry          `json:"outbox"`
}

// Clone returns a copy of b with its own outbox slice and inbox value,
// used when opening a hook context (spec §4.3 construction step). Maps
// and raw user data inside the entries (Metadata, UserData, Meta) are
// shared with b, not copied.
func (b Boxes) Clone() Boxes {
	out := Boxes{Revision: b.Revision, Outbox: make([]OutboxEntry, len(b.Outbox))}
	copy(out.Outbox, b.Outbox)
	if b.Inbox != nil {
		inbox := *b.Inbox
		out.Inbox = &inbox
	}
	return out
}

// StoredState is the single serialized document on disk, spec §3.
type StoredState struct {
	Endpoint     string `json:"endpoint"`
	IncludeMined bool   `json:"includeMined"`
	Address      string `json:"address,omitempty"`
	LastPoppedID int64  `json:"lastPoppedId"`

	Committed Boxes  `json:"committed"`
	Prepared  *Boxes `json:"prepared,omitempty"`
}

// Store owns the on-disk document and the durability protocol. It does
// not itself provide mutual exclusion: callers serialize access to
// Store through the scheduler mutex (internal/sched), per spec §4.1/§4.2.
type Store struct {
	dir   string
	state StoredState
}

// Dir is the state directory this Store was opened against.
func (s *Store) Dir() string { return s.dir }

// State returns the in-memory document. Callers must hold the stream
// mutex before reading or writing through it.
func (s *Store) State() *StoredState { return &s.state }

func path(dir, name string) string { return filepath.Join(dir, name) }

// Create initializes a new state directory. lastPoppedID should be the
// current last-transaction ID on the node (probed by the caller before
// calling Create), so the stream doesn't replay all history, per spec
// §3 Lifecycle.
func Create(dir, endpoint string, includeMined bool, address string, lastPoppedID int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	s := &Store{
		dir: dir,
		state: StoredState{
			Endpoint:     endpoint,
			IncludeMined: includeMined,
			Address:      address,
			LastPoppedID: lastPoppedID,
			Committed:    Boxes{Revision: 0},
		},
	}

	data, err := json.Marshal(s.state)
	if err != nil {
		return nil, fmt.Errorf("marshalling initial state: %w", err)
	}
	if err := os.WriteFile(path(dir, newName), data, 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", newName, err)
	}
	if err := os.Rename(path(dir, newName), path(dir, canonicalName)); err != nil {
		return nil, fmt.Errorf("renaming %s to %s: %w", newName, canonicalName, err)
	}
	return s, nil
}

// Open recovers a state directory per the durability protocol in spec
// §4.1, promoting or discarding a pending two-phase commit depending on
// whether revision matches state.prepared.revision. revision should be
// nil unless the caller is recovering after a successful onPrepare (spec
// §4.3/§7 "User-hook failure in onPrepare").
func Open(dir string, revision *int64) (*Store, error) {
	_ = os.Remove(path(dir, newName)) // leftover from an interrupted Create

	var data []byte
	canonical := path(dir, canonicalName)
	mod := path(dir, modName)

	if _, err := os.Stat(canonical); err == nil {
		// S exists: S.mod, if present, is an incomplete prior write.
		_ = os.Remove(mod)
		data, err = os.ReadFile(canonical)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", canonicalName, err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		// S missing: if S.mod exists, the prior commit crashed after
		// deleting S but before the rename completed.
		modData, modErr := os.ReadFile(mod)
		if modErr != nil {
			return nil, fmt.Errorf("invalid state directory %q: neither %s nor %s present", dir, canonicalName, modName)
		}
		data = modData
		if err := os.Rename(mod, canonical); err != nil {
			return nil, fmt.Errorf("recovering %s to %s: %w", modName, canonicalName, err)
		}
	} else {
		return nil, fmt.Errorf("stat %s: %w", canonicalName, err)
	}

	var state StoredState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt state document in %q: %w", dir, err)
	}

	s := &Store{dir: dir, state: state}

	if state.Prepared != nil {
		if revision != nil && state.Prepared.Revision == *revision {
			log.WithFields(log.Fields{"revision": *revision}).Info("store: promoting prepared state")
			s.state.Committed = *state.Prepared
		} else {
			log.WithField("revision", state.Prepared.Revision).Info("store: discarding prepared state")
		}
		s.state.Prepared = nil
	}

	// Unconditional commit so the recovery decision above is persisted
	// even if the process crashes again immediately.
	if err := s.Commit(); err != nil {
		return nil, fmt.Errorf("persisting recovery: %w", err)
	}
	return s, nil
}

// Commit writes the in-memory state to disk: write S.mod, delete S,
// rename S.mod to S. Fatal on any filesystem error, per spec §7.
func (s *Store) Commit() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	mod := path(s.dir, modName)
	canonical := path(s.dir, canonicalName)

	if err := os.WriteFile(mod, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", modName, err)
	}
	if err := os.Remove(canonical); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", canonicalName, err)
	}
	if err := os.Rename(mod, canonical); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", modName, canonicalName, err)
	}
	return nil
}
