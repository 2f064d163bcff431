// Package txset implements the value-level transaction filter shared by
// the stream assembler, the paged fetcher, and the locator: a predicate
// over ApiTransaction plus its projection onto lookup-endpoint query
// parameters, per spec §4 component D.
package txset

import "github.com/estuary/kstream/internal/krist"

// Set is the filter a Stream was opened with: only transactions that
// match are ever delivered to onTransaction or counted by the locator.
type Set struct {
	Address      string
	IncludeMined bool
}

// Match reports whether tx passes the filter.
func (s Set) Match(tx krist.ApiTransaction) bool {
	if !s.IncludeMined && tx.Type == krist.TxMined {
		return false
	}
	if s.Address == "" {
		return true
	}
	return tx.From == s.Address || tx.To == s.Address
}

// QueryAddress returns the address path segment to use in the
// lookup-transactions request for this filter, or "" for the
// all-transactions superset.
func (s Set) QueryAddress() string {
	return s.Address
}
