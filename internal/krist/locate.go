package krist

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// errRestart is returned internally to signal "start over from
// the head page" after a monotonicity violation; Locate retries up to
// locateMaxRestarts times before giving up.
type errRestart struct{ reason string }

func (e *errRestart) Error() string { return "krist: locator restart: " + e.reason }

const (
	locateHeadPageSize    = 50
	locateInterpRounds    = 3
	locateMaxRestarts     = 8
)

// Locate finds the offset of targetID within the node's transaction list
// (per the Pager's filter), ordered order. Per spec §4.7/§8: targetID=-1
// is a sentinel meaning "before the first real transaction" and resolves
// to offset 0 whenever the list is non-empty, regardless of real IDs.
//
// The search assumes IDs are (close to) monotonically decreasing with
// offset in DESC order, which holds for an append-only ledger with rare
// deletions; deletions are exactly what the monotonicity check below
// guards against, restarting the whole locate when a probe disagrees
// with the current bracket.
func Locate(ctx context.Context, pager *Pager, targetID int64, deadline time.Time) (offset int, found bool, err error) {
	for attempt := 0; attempt < locateMaxRestarts; attempt++ {
		offset, found, err = locateOnce(ctx, pager, targetID, deadline)
		if _, ok := err.(*errRestart); ok {
			log.WithFields(log.Fields{"target": targetID, "attempt": attempt}).Debug("krist: locator restarting")
			pager.Invalidate()
			continue
		}
		return offset, found, err
	}
	return 0, false, err
}

func locateOnce(ctx context.Context, pager *Pager, targetID int64, deadline time.Time) (int, bool, error) {
	head, err := pager.Fetch(ctx, OrderDesc, 0, locateHeadPageSize, deadline)
	if err != nil {
		return 0, false, err
	}
	if head.Total == 0 {
		return 0, false, nil
	}
	if targetID == -1 {
		return 0, true, nil
	}

	for i, tx := range head.Transactions {
		if tx.ID == targetID {
			return i, true, nil
		}
	}
	if len(head.Transactions) > 0 && targetID > head.Transactions[0].ID {
		// Newer than anything we've seen: not present (yet).
		return 0, false, nil
	}
	if len(head.Transactions) < locateHeadPageSize {
		// The whole list fit in the head page and we didn't find it.
		return 0, false, nil
	}

	loOffset, loID := len(head.Transactions)-1, head.Transactions[len(head.Transactions)-1].ID
	hiOffset, hiID := head.Total-1, int64(1)
	if loID <= hiID {
		return 0, false, nil
	}

	for round := 0; round < locateInterpRounds && hiOffset-loOffset > 1; round++ {
		frac := float64(loID-targetID) / float64(loID-hiID)
		if frac < 0 {
			frac = 0
		} else if frac > 1 {
			frac = 1
		}
		probe := loOffset + int(frac*float64(hiOffset-loOffset))
		if probe <= loOffset {
			probe = loOffset + 1
		} else if probe >= hiOffset {
			probe = hiOffset - 1
		}

		id, err := probeID(ctx, pager, probe, deadline)
		if err != nil {
			return 0, false, err
		}
		if id > loID || id < hiID {
			return 0, false, &errRestart{reason: "interpolation probe outside bracket"}
		}

		switch {
		case id == targetID:
			return probe, true, nil
		case id > targetID:
			loOffset, loID = probe, id
		default:
			hiOffset, hiID = probe, id
		}
	}

	for hiOffset-loOffset > 1 {
		mid := (loOffset + hiOffset) / 2
		id, err := probeID(ctx, pager, mid, deadline)
		if err != nil {
			return 0, false, err
		}
		if id > loID || id < hiID {
			return 0, false, &errRestart{reason: "binary search probe outside bracket"}
		}

		switch {
		case id == targetID:
			return mid, true, nil
		case id > targetID:
			loOffset, loID = mid, id
		default:
			hiOffset, hiID = mid, id
		}
	}

	// Converged on adjacent offsets without a probe hit: validate the
	// boundary with a 2-element page. The hi end may be the list's last
	// element, which no probe ever lands on, so it can still be the target.
	page, err := pager.Fetch(ctx, OrderDesc, loOffset, 2, deadline)
	if err != nil {
		return 0, false, err
	}
	if len(page.Transactions) != 2 || page.Transactions[0].ID != loID || page.Transactions[1].ID != hiID {
		return 0, false, &errRestart{reason: "boundary validation mismatch"}
	}
	if hiID == targetID {
		return hiOffset, true, nil
	}
	return 0, false, nil
}

func probeID(ctx context.Context, pager *Pager, offset int, deadline time.Time) (int64, error) {
	page, err := pager.Fetch(ctx, OrderDesc, offset, 1, deadline)
	if err != nil {
		return 0, err
	}
	if len(page.Transactions) == 0 {
		return 0, &errRestart{reason: "probe returned no transaction"}
	}
	return page.Transactions[0].ID, nil
}
