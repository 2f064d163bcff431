package krist

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Page is one fetched page of transactions plus the node-reported total
// matching the filter in effect.
type Page struct {
	Transactions []ApiTransaction
	Total        int
}

// pageKey identifies a page for caching purposes.
type pageKey struct {
	addr         string
	includeMined bool
	order        Order
	offset       int
	limit        int
}

// Pager fetches contiguous pages of transactions, caching recently seen
// pages behind a bounded LRU so that the interpolation/binary-search
// locator (locate.go) doesn't re-issue identical GETs while converging.
// Grounded in the teacher's bounded-cache use of golang-lru/v2 at
// go/network/frontend.go (an SNI-resolution cache in its network
// tunnel) — a different key/value shape in a different subsystem, but
// the same bounded-LRU-over-a-repeated-lookup idiom reused here for
// paged fetches.
type Pager struct {
	Client       *Client
	Addr         string
	IncludeMined bool

	cache *lru.Cache[pageKey, Page]
}

// NewPager returns a Pager caching up to size recently fetched pages.
func NewPager(c *Client, addr string, includeMined bool, size int) *Pager {
	cache, err := lru.New[pageKey, Page](size)
	if err != nil {
		// Only fails for size <= 0, which is a programming error.
		panic(err)
	}
	return &Pager{Client: c, Addr: addr, IncludeMined: includeMined, cache: cache}
}

// Fetch returns the page of limit transactions starting at offset, in
// order. A cached page keeps being returned until Invalidate is called
// or the LRU evicts it; callers that need a fresh read (e.g. after
// inferring a deletion, or before a new backfill step) call Invalidate.
func (p *Pager) Fetch(ctx context.Context, order Order, offset, limit int, deadline time.Time) (Page, error) {
	key := pageKey{p.Addr, p.IncludeMined, order, offset, limit}
	if page, ok := p.cache.Get(key); ok {
		return page, nil
	}

	txs, total, err := p.Client.LookupTransactions(ctx, p.Addr, p.IncludeMined, order, offset, limit, deadline)
	if err != nil {
		return Page{}, fmt.Errorf("fetching page offset=%d limit=%d: %w", offset, limit, err)
	}
	page := Page{Transactions: txs, Total: total}
	p.cache.Add(key, page)
	return page, nil
}

// Invalidate drops all cached pages. Called by the locator when it
// detects a monotonicity violation indicating a deletion occurred
// mid-search, since stale pages could otherwise mask the restart.
func (p *Pager) Invalidate() {
	p.cache.Purge()
}
