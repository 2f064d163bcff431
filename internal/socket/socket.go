// Package socket implements the reliable push socket of spec §4.6: a
// long-lived websocket subscription with liveness detection via a ping
// timer, auto-reconnecting whenever the connection goes quiet or closes.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/estuary/kstream/internal/krist"
	"github.com/estuary/kstream/internal/sched"
)

const (
	pingTimeout   = 30 * time.Second
	connectTimeout = 10 * time.Second
)

var errPingTimeout = errors.New("socket: ping timeout")

// Reseeder is the injected UUID-entropy sink reseeded with the socket
// URL on every (re)connect, generalizing the teacher-domain's
// global-RNG-reseed idiom into an explicit capability (spec §9 design
// notes) rather than a process-wide static.
type Reseeder interface {
	Reseed(seed string)
}

// Callback receives transactions pushed by the socket. It must not
// block for long: it runs inline on the socket's read loop.
type Callback func(krist.ApiTransaction)

// Counter is the minimal metrics capability Socket needs; a
// *prometheus.Counter satisfies it without this package importing
// prometheus directly.
type Counter interface {
	Inc()
}

// frame is the subset of the websocket wire protocol this client sends
// and receives, per spec §6.
type frame struct {
	ID          int                  `json:"id,omitempty"`
	Type        string               `json:"type"`
	Event       string               `json:"event,omitempty"`
	Transaction *krist.ApiTransaction `json:"transaction,omitempty"`
}

// Socket owns the websocket connection lifecycle.
type Socket struct {
	client     *krist.Client
	bus        *sched.Bus
	onTx       Callback
	reseeder   Reseeder
	reconnects Counter

	upCh chan bool // buffered(1): latest liveness snapshot

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// New returns a Socket that calls onTx for every pushed transaction
// event and, if reseeder is non-nil, reseeds it with the connection URL
// on every successful (re)connect. reconnects, if non-nil, is
// incremented once per successful (re)connect, including the first.
func New(client *krist.Client, bus *sched.Bus, onTx Callback, reseeder Reseeder, reconnects Counter) *Socket {
	s := &Socket{client: client, bus: bus, onTx: onTx, reseeder: reseeder, reconnects: reconnects, upCh: make(chan bool, 1)}
	s.setUp(false)
	return s
}

func (s *Socket) setUp(up bool) {
	select {
	case <-s.upCh:
	default:
	}
	s.upCh <- up
	s.bus.Signal(sched.EventStreamStatus)
}

// IsUp returns the socket's last-known liveness.
func (s *Socket) IsUp() bool {
	up := <-s.upCh
	s.upCh <- up
	return up
}

// Run drives the reconnect loop until ctx is cancelled or Close is
// called.
func (s *Socket) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := s.reopen(ctx)
		if err != nil {
			log.WithFields(log.Fields{"attempt": attempt, "err": err}).Warn("socket: reconnect failed")
			attempt++
			select {
			case <-time.After(backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		attempt = 0

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		err = s.readLoop(ctx, conn)
		_ = conn.Close()
		s.setUp(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithField("err", err).Debug("socket: connection ended, reopening")
	}
}

// Close tears down the live connection, if any, and stops Run's
// reconnect loop, per spec §4.4's close(). Safe to call even if Run
// was never started, or has already returned.
func (s *Socket) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * time.Second
	if d > 10*time.Second {
		return 10 * time.Second
	}
	return d
}

// reopen performs the full reconnect sequence of spec §4.6: POST
// /ws/start, dial the returned URL, send a subscribe frame, and reseed
// the UUID generator with the URL.
func (s *Socket) reopen(ctx context.Context) (*websocket.Conn, error) {
	deadline := time.Now().Add(connectTimeout)

	url, err := s.client.WSStart(ctx, deadline)
	if err != nil {
		return nil, fmt.Errorf("starting websocket session: %w", err)
	}

	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	if err := conn.WriteJSON(frame{ID: 0, Type: "subscribe", Event: "transactions"}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sending subscribe frame: %w", err)
	}

	if s.reseeder != nil {
		s.reseeder.Reseed(url)
	}
	if s.reconnects != nil {
		s.reconnects.Inc()
	}

	log.WithField("url", url).Info("socket: connected")
	return conn, nil
}

type readResult struct {
	data []byte
	err  error
}

// readLoop awaits the next message or the ping timer, whichever comes
// first, per spec §4.6. It never returns nil: it returns ctx.Err() once
// ctx is cancelled, and any other return is a reason to reconnect.
func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	ch := make(chan readResult, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			ch <- readResult{data, err}
			if err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(pingTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			return errPingTimeout

		case r := <-ch:
			if r.err != nil {
				return r.err
			}
			s.setUp(true)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(pingTimeout)
			s.handle(r.data)
		}
	}
}

func (s *Socket) handle(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.WithField("err", err).Warn("socket: dropping unparseable frame")
		return
	}
	if f.Type != "event" || f.Event != "transaction" || f.Transaction == nil {
		return
	}
	if err := f.Transaction.Decode(); err != nil {
		log.WithField("err", err).Warn("socket: dropping transaction with unparseable fields")
		return
	}
	s.onTx(*f.Transaction)
}
