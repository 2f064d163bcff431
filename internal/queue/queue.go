// Package queue implements the in-memory, gap-free ordered transaction
// buffer of spec §4 component F: it tracks lastSeenId/nextPopId,
// accepts live pushes and backfill pages under contiguity checks, and
// exposes the pop-in-order semantics the stream assembler (internal/
// assembler) drives.
package queue

import (
	"sort"

	"github.com/estuary/kstream/internal/krist"
	"github.com/estuary/kstream/internal/txset"
)

// Queue is not safe for concurrent use by itself; the assembler
// serializes access to it with its own mutex (spec §4.2/§5 — "the
// socket's internal buffer has its own mutex, the stream assembler's,
// to serialize wait/pop against the live push callback").
type Queue struct {
	filter txset.Set

	// seen[id] is nil for an observed transaction filtered out by
	// filter, and non-nil for one the caller still needs to pop.
	seen map[int64]*krist.ApiTransaction

	nextPopID   int64
	lastSeenID  int64
	reachedTail bool
	tailHole    bool
}

// New returns a Queue positioned just after lastPoppedID: the next
// transaction it expects to deliver is lastPoppedID+1, and it has not
// yet observed anything past lastPoppedID.
func New(filter txset.Set, lastPoppedID int64) *Queue {
	return &Queue{
		filter:     filter,
		seen:       make(map[int64]*krist.ApiTransaction),
		nextPopID:  lastPoppedID + 1,
		lastSeenID: lastPoppedID,
	}
}

// ReachedTail reports whether the queue believes lastSeenId equals the
// node's current last transaction.
func (q *Queue) ReachedTail() bool { return q.reachedTail }

// TailHole reports whether a live push was rejected while ReachedTail
// was set, meaning transactions may have appeared between lastSeenId
// and the rejected push.
func (q *Queue) TailHole() bool { return q.tailHole }

// LastSeenID returns the highest transaction ID the queue has observed
// (whether or not it matched filter).
func (q *Queue) LastSeenID() int64 { return q.lastSeenID }

// NextPopID returns the ID of the next transaction Pop will deliver,
// once it has been observed and does not fall afoul of filter.
func (q *Queue) NextPopID() int64 { return q.nextPopID }

func (q *Queue) insert(tx krist.ApiTransaction) {
	if q.filter.Match(tx) {
		cp := tx
		q.seen[tx.ID] = &cp
	} else {
		q.seen[tx.ID] = nil
	}
}

// advance skips over filtered-out IDs at the front of the queue, and
// over IDs that were never minted at all (e.g. the sentinel "nothing
// popped yet" position can sit below the ledger's actual first ID).
// An ID strictly above lastSeenId is never skipped on absence alone —
// that just means it hasn't been observed yet, and advance must wait.
func (q *Queue) advance() {
	for {
		tx, ok := q.seen[q.nextPopID]
		if ok && tx == nil {
			delete(q.seen, q.nextPopID)
			q.nextPopID++
			continue
		}
		if !ok && q.nextPopID < q.lastSeenID {
			q.nextPopID++
			continue
		}
		return
	}
}

// Peek returns the next poppable transaction without removing it.
func (q *Queue) Peek() (krist.ApiTransaction, bool) {
	q.advance()
	tx, ok := q.seen[q.nextPopID]
	if !ok || tx == nil {
		return krist.ApiTransaction{}, false
	}
	return *tx, true
}

// Pop returns and removes the transaction whose ID is nextPopId,
// skipping filtered-out IDs, and advances nextPopId.
func (q *Queue) Pop() (krist.ApiTransaction, bool) {
	tx, ok := q.Peek()
	if !ok {
		return tx, false
	}
	delete(q.seen, q.nextPopID)
	q.nextPopID++
	return tx, true
}

// TryPushTransaction accepts a single live-pushed transaction, per spec
// §4.7 F.tryPushTransaction: only accepted if tx.ID == lastSeenId+1.
// On accept, sets ReachedTail and clears TailHole. On reject while
// ReachedTail was already set, sets TailHole.
func (q *Queue) TryPushTransaction(tx krist.ApiTransaction) bool {
	if tx.ID != q.lastSeenID+1 {
		if q.reachedTail {
			q.tailHole = true
		}
		return false
	}
	q.insert(tx)
	q.lastSeenID = tx.ID
	q.reachedTail = true
	q.tailHole = false
	return true
}

// TryPushPage accepts a contiguous, ascending-ID backfill page that
// overlaps the queue's current tail by one transaction (txs[0].ID is
// expected to equal lastSeenId, confirming it wasn't deleted since we
// last saw it). Returns false if the overlap doesn't match or the page
// isn't contiguous, meaning the caller must re-locate and retry (spec
// §4.7 populate).
//
// When lastSeenId is negative (nothing has ever been observed — the
// stream was just created), there is no prior transaction to overlap
// with, so the whole page is treated as new.
func (q *Queue) TryPushPage(txs []krist.ApiTransaction) bool {
	if len(txs) == 0 {
		return true
	}

	start := 0
	if q.lastSeenID >= 0 {
		if txs[0].ID != q.lastSeenID {
			return false
		}
		start = 1
	}
	for i := start; i < len(txs); i++ {
		if i > 0 && txs[i].ID != txs[i-1].ID+1 {
			return false
		}
	}
	for i := start; i < len(txs); i++ {
		q.insert(txs[i])
		q.lastSeenID = txs[i].ID
	}
	return true
}

// TryPushUnseen attempts to close a tail hole, per spec §4.7
// fillTailHoles/tryPushUnseen: last is the filtered set's last page,
// next is the all-transactions superset's last page for the same
// range. Succeeds only if every transaction in last also appears
// (identically) in next; on success every ID in next past lastSeenId is
// recorded (matched if it appears in last, filtered-out otherwise) and
// lastSeenId advances to next's highest ID.
func (q *Queue) TryPushUnseen(last, next []krist.ApiTransaction) bool {
	if len(next) == 0 {
		return false
	}
	lastByID := make(map[int64]krist.ApiTransaction, len(last))
	for _, tx := range last {
		lastByID[tx.ID] = tx
	}
	nextByID := make(map[int64]krist.ApiTransaction, len(next))
	for _, tx := range next {
		nextByID[tx.ID] = tx
	}
	for id := range lastByID {
		if _, ok := nextByID[id]; !ok {
			return false // last isn't a subset of next
		}
	}

	sorted := make([]krist.ApiTransaction, len(next))
	copy(sorted, next)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, tx := range sorted {
		if tx.ID <= q.lastSeenID {
			continue
		}
		if _, already := q.seen[tx.ID]; already {
			continue
		}
		if _, matched := lastByID[tx.ID]; matched {
			q.insert(tx)
		} else {
			q.seen[tx.ID] = nil
		}
	}

	if max := sorted[len(sorted)-1].ID; max > q.lastSeenID {
		q.lastSeenID = max
	}
	q.reachedTail = true
	q.tailHole = false
	return true
}
