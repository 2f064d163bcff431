// Package kstream is a reliable client for the Krist currency API: it
// delivers every observed transaction to a user handler exactly in
// order, and sends outgoing transactions at-least-once with a
// deduplication tag, surviving process crashes and reboots.
package kstream

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/kstream/internal/assembler"
	"github.com/estuary/kstream/internal/krist"
	"github.com/estuary/kstream/internal/queue"
	"github.com/estuary/kstream/internal/sched"
	"github.com/estuary/kstream/internal/socket"
	"github.com/estuary/kstream/internal/store"
	"github.com/estuary/kstream/internal/txset"
)

// Config configures a Stream at Create or Open time.
type Config struct {
	// Dir is the state directory (spec §6 persistent layout).
	Dir string
	// Endpoint is the base URL of the remote node.
	Endpoint string
	// IncludeMined, Address are only used by Create; Open recovers
	// them from the stored document.
	IncludeMined bool
	Address      string

	// HTTPTimeout sets the deadline for the stream's lookup, search and
	// send requests: each backfill or tail-hole page fetch gets its own
	// deadline, while a locator run, and the whole send of one outbox
	// entry, each share one. GetBalance takes its own timeout instead.
	// Zero means no deadline.
	HTTPTimeout time.Duration
	// PageCacheSize bounds the paged-fetch LRU (internal/krist.Pager).
	PageCacheSize int

	// Metrics, if non-nil, receives counters for inbox deliveries, send
	// attempts and failures, socket reconnects, and tail-hole repairs
	// (spec §6.1 domain stack).
	Metrics *Metrics

	// MirrorPath, if non-empty, opens a SQLite side mirror of outbox
	// history at this path (spec §6.1 domain stack). Purely diagnostic;
	// never consulted by the send algorithm.
	MirrorPath string
}

func (c Config) pageCacheSize() int {
	if c.PageCacheSize > 0 {
		return c.PageCacheSize
	}
	return 64
}

// Hooks are the three user-installed handlers required before Run, per
// spec §4.4/§6.
type Hooks struct {
	OnTransaction func(hc *HookContext, tx krist.ApiTransaction) error
	OnSendSuccess func(hc *HookContext, entry store.OutboxEntry) error
	OnSendFailure func(hc *HookContext, entry store.OutboxEntry, sendErr error) error
}

// Stream is the user-facing facade of spec §4.4 component J.
type Stream struct {
	cfg    Config
	store  *store.Store
	mu     *sched.Mutex
	bus    *sched.Bus
	client *krist.Client
	filter txset.Set

	queue     *queue.Queue
	assembler *assembler.Assembler
	socket    *socket.Socket
	idGen     *idGenerator
	metrics   *Metrics
	mirror    *store.Mirror

	hooks   Hooks
	started atomic.Bool // guards against a second concurrent Run
}

// Create provisions a new state directory, probing the endpoint for the
// node's current last-transaction ID so the stream doesn't replay all
// history, per spec §3 Lifecycle.
func Create(ctx context.Context, cfg Config) (*Stream, error) {
	client := newClient(cfg)
	filter := txset.Set{Address: cfg.Address, IncludeMined: cfg.IncludeMined}
	pager := krist.NewPager(client, filter.QueryAddress(), filter.IncludeMined, cfg.pageCacheSize())

	descOffset, found, err := krist.Locate(ctx, pager, -1, deadlineFrom(cfg.HTTPTimeout))
	var lastPoppedID int64 = -1
	if err != nil {
		return nil, fmt.Errorf("probing endpoint for last transaction: %w", err)
	}
	if found {
		head, err := pager.Fetch(ctx, krist.OrderDesc, descOffset, 1, deadlineFrom(cfg.HTTPTimeout))
		if err != nil {
			return nil, fmt.Errorf("probing endpoint for last transaction: %w", err)
		}
		if len(head.Transactions) == 1 {
			lastPoppedID = head.Transactions[0].ID
		}
	}

	st, err := store.Create(cfg.Dir, cfg.Endpoint, cfg.IncludeMined, cfg.Address, lastPoppedID)
	if err != nil {
		return nil, err
	}
	return newStream(cfg, st, client, filter), nil
}

// Open recovers a state directory, per spec §4.1. revision should be
// nil except when recovering after a successful onPrepare whose
// after-effects were durably recorded by the caller's own external
// store (spec §7 "User-hook failure in onPrepare").
func Open(cfg Config, revision *int64) (*Stream, error) {
	st, err := store.Open(cfg.Dir, revision)
	if err != nil {
		return nil, err
	}
	cfg.Endpoint = st.State().Endpoint
	cfg.IncludeMined = st.State().IncludeMined
	cfg.Address = st.State().Address

	client := newClient(cfg)
	filter := txset.Set{Address: cfg.Address, IncludeMined: cfg.IncludeMined}
	return newStream(cfg, st, client, filter), nil
}

func newClient(cfg Config) *krist.Client {
	return krist.NewClient(cfg.Endpoint)
}

func newStream(cfg Config, st *store.Store, client *krist.Client, filter txset.Set) *Stream {
	bus := sched.NewBus()
	mu := sched.NewMutex(bus)

	q := queue.New(filter, st.State().LastPoppedID)
	pager := krist.NewPager(client, filter.QueryAddress(), filter.IncludeMined, cfg.pageCacheSize())
	allPager := krist.NewPager(client, "", true, cfg.pageCacheSize())

	var tailHoleRepairs assembler.Counter
	var socketReconnects socket.Counter
	if cfg.Metrics != nil {
		tailHoleRepairs = cfg.Metrics.tailHoleRepairs
		socketReconnects = cfg.Metrics.socketReconnects
	}
	asm := assembler.New(bus, q, pager, allPager, cfg.HTTPTimeout, tailHoleRepairs)

	idGen := newIDGenerator()

	s := &Stream{
		cfg:       cfg,
		store:     st,
		mu:        mu,
		bus:       bus,
		client:    client,
		filter:    filter,
		queue:     q,
		assembler: asm,
		idGen:     idGen,
		metrics:   cfg.Metrics,
	}
	if cfg.MirrorPath != "" {
		mirror, err := store.OpenMirror(cfg.MirrorPath)
		if err != nil {
			log.WithField("err", err).Warn("kstream: failed to open outbox mirror, continuing without it")
		} else {
			s.mirror = mirror
		}
	}
	s.socket = socket.New(client, bus, s.handlePush, idGen, socketReconnects)
	return s
}

// SetHooks installs the three required user handlers. Must be called
// before Run.
func (s *Stream) SetHooks(h Hooks) { s.hooks = h }

func (s *Stream) handlePush(tx krist.ApiTransaction) {
	if s.assembler.TryPushTransaction(tx) {
		return
	}
	log.WithField("id", tx.ID).Debug("kstream: rejected live push, queued for tail-hole repair")
}

// IsUp returns the socket's last-known liveness.
func (s *Stream) IsUp() bool { return s.socket.IsUp() }

// Close closes the push socket, per spec §4.4's close(), and releases
// resources that outlive a single Run call (currently, only the
// optional outbox mirror). Closing the socket causes Run's socket
// worker to return, which in turn stops the inbox and outbox workers
// via their shared Group — callers do not also need to cancel the
// context passed to Run, though doing so as well is harmless.
func (s *Stream) Close() error {
	sockErr := s.socket.Close()
	if s.mirror != nil {
		if mirrErr := s.mirror.Close(); mirrErr != nil {
			return mirrErr
		}
	}
	return sockErr
}

// GetBalance performs a single balance lookup, bounded by timeout.
func (s *Stream) GetBalance(ctx context.Context, addr string, timeout time.Duration) (int64, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	bal, err := s.client.GetBalance(ctx, addr, deadline)
	if err != nil {
		return 0, err
	}
	return bal.Balance, nil
}

func deadlineFrom(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
