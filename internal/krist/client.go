package krist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
)

// apiEnvelope is the common response shape: either {ok:true, ...} or
// {ok:false, error, message}.
type apiEnvelope struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// APIError is a well-formed {ok:false} response from the node. Per spec
// §7 this is not retried automatically; it is surfaced to the caller.
type APIError struct {
	Err     string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("krist: %s: %s", e.Err, e.Message)
	}
	return fmt.Sprintf("krist: %s", e.Err)
}

// Client wraps an endpoint with a retrying, deadline-aware HTTP surface.
// Mirrors the teacher's practice of configuring a single *http.Client per
// service rather than using http.DefaultClient, as at
// go/flow/commons.go's Commons.tsClient.
type Client struct {
	Endpoint string
	HTTP     *http.Client

	// RetryBase and RetryMax bound the exponential backoff used by Do.
	RetryBase time.Duration
	RetryMax  time.Duration
}

// NewClient returns a Client with the teacher's usual HTTP defaults:
// bounded idle connections, no implicit global timeout (deadlines are
// per-call, per spec §5). The transport is upgraded for HTTP/2 where
// the node supports it via http2.ConfigureTransport.
func NewClient(endpoint string) *Client {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		log.WithField("err", err).Debug("krist: failed to configure HTTP/2 transport, continuing with HTTP/1.1")
	}

	return &Client{
		Endpoint:  endpoint,
		HTTP:      &http.Client{Transport: transport},
		RetryBase: 200 * time.Millisecond,
		RetryMax:  5 * time.Second,
	}
}

// Do issues req, retrying transient network errors with exponential
// backoff until deadline elapses, per spec §4.5/§5/§7. A deadline of the
// zero Time means "no deadline" (retry forever). Returns (nil, nil) on
// deadline expiry without ever getting a usable response.
func (c *Client) Do(ctx context.Context, req *http.Request, deadline time.Time) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, nil
		}

		resp, err := c.HTTP.Do(req.Clone(ctx))
		if err == nil {
			return resp, nil
		}

		log.WithFields(log.Fields{
			"url":     req.URL.String(),
			"attempt": attempt,
			"err":     err,
		}).Debug("krist: request failed, retrying")

		wait := backoff(attempt, c.RetryBase, c.RetryMax)
		if !deadline.IsZero() {
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
			if wait <= 0 {
				return nil, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func backoff(attempt int, base, max time.Duration) time.Duration {
	d := base << attempt
	if d <= 0 || d > max {
		return max
	}
	return d
}

// getJSON issues a GET against path and decodes the JSON body into out.
// Returns (false, nil) on deadline expiry without a response.
func (c *Client) getJSON(ctx context.Context, path string, deadline time.Time, out interface{}) (bool, error) {
	req, err := http.NewRequest(http.MethodGet, c.Endpoint+path, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.Do(ctx, req, deadline)
	if err != nil {
		return false, err
	}
	if resp == nil {
		return false, nil
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decoding response from %s: %w", path, err)
	}
	return true, nil
}

// Balance is the decoded /addresses/{addr} payload.
type Balance struct {
	Balance int64 `json:"balance"`
}

type balanceEnvelope struct {
	apiEnvelope
	Address Balance `json:"address"`
}

// GetBalance fetches the balance of addr.
func (c *Client) GetBalance(ctx context.Context, addr string, deadline time.Time) (*Balance, error) {
	var env balanceEnvelope
	got, err := c.getJSON(ctx, "/addresses/"+url.PathEscape(addr), deadline, &env)
	if err != nil || !got {
		return nil, err
	}
	if !env.OK {
		return nil, &APIError{Err: env.Error, Message: env.Message}
	}
	return &env.Address, nil
}

// Order controls the sort direction of LookupTransactions.
type Order string

const (
	OrderAsc  Order = "ASC"
	OrderDesc Order = "DESC"
)

type lookupEnvelope struct {
	apiEnvelope
	Count        int              `json:"count"`
	Total        int              `json:"total"`
	Transactions []ApiTransaction `json:"transactions"`
}

// LookupTransactions fetches a page of transactions, optionally filtered
// to addr, per spec §6. Returns the decoded transactions and the total
// count of matching transactions on the node. If the deadline elapses
// before a response arrives it returns (nil, 0, nil).
func (c *Client) LookupTransactions(ctx context.Context, addr string, includeMined bool, order Order, offset, limit int, deadline time.Time) ([]ApiTransaction, int, error) {
	path := "/lookup/transactions/"
	if addr != "" {
		path += url.PathEscape(addr)
	}
	q := url.Values{}
	q.Set("order", string(order))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	if includeMined {
		q.Set("includeMined", "true")
	}

	var env lookupEnvelope
	got, err := c.getJSON(ctx, path+"?"+q.Encode(), deadline, &env)
	if err != nil {
		return nil, 0, err
	}
	if !got {
		return nil, 0, nil
	}
	if !env.OK {
		return nil, 0, &APIError{Err: env.Error, Message: env.Message}
	}
	for i := range env.Transactions {
		if err := env.Transactions[i].Decode(); err != nil {
			return nil, 0, fmt.Errorf("decoding transaction %d: %w", env.Transactions[i].ID, err)
		}
	}
	return env.Transactions, env.Total, nil
}

type searchEnvelope struct {
	apiEnvelope
	Matches struct {
		Transactions struct {
			Metadata int `json:"metadata"`
		} `json:"metadata"`
	} `json:"matches"`
}

// SearchRefExists queries the extended-search endpoint for ref in
// transaction metadata, per spec §4.5 step 1 / §6.
func (c *Client) SearchRefExists(ctx context.Context, ref string, deadline time.Time) (bool, error) {
	var env searchEnvelope
	got, err := c.getJSON(ctx, "/search/extended?q="+url.QueryEscape(ref), deadline, &env)
	if err != nil || !got {
		return false, err
	}
	if !env.OK {
		return false, &APIError{Err: env.Error, Message: env.Message}
	}
	return env.Matches.Transactions.Metadata > 0, nil
}

// SendRequest is the body POSTed to /transactions/.
type SendRequest struct {
	PrivateKey string `json:"privatekey"`
	To         string `json:"to"`
	Amount     int64  `json:"amount"`
	Metadata   string `json:"metadata,omitempty"`
}

// PostTransaction submits a send. Returns (sent=true, nil) on a
// well-formed success, (false, *APIError) on a well-formed API error, and
// (false, nil) with no error on a network failure or deadline expiry —
// the caller must fall back to the UNKNOWN resolver in that case.
func (c *Client) PostTransaction(ctx context.Context, body SendRequest, deadline time.Time) (bool, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequest(http.MethodPost, c.Endpoint+"/transactions/", bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.doOnce(ctx, req, deadline)
	if err != nil || resp == nil {
		return false, err
	}
	defer resp.Body.Close()

	var env apiEnvelope
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("reading send response: %w", err)
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return false, fmt.Errorf("decoding send response: %w", err)
	}
	if !env.OK {
		return false, &APIError{Err: env.Error, Message: env.Message}
	}
	return true, nil
}

// doOnce issues req a single time (no retry): the outbox send algorithm
// (spec §4.5) treats "no response" as a distinct, non-retried-here
// outcome that triggers the UNKNOWN resolver instead.
func (c *Client) doOnce(ctx context.Context, req *http.Request, deadline time.Time) (*http.Response, error) {
	rctx := ctx
	var cancel context.CancelFunc
	if !deadline.IsZero() {
		rctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	resp, err := c.HTTP.Do(req.WithContext(rctx))
	if err != nil {
		log.WithFields(log.Fields{"err": err}).Debug("krist: send request had no response")
		return nil, nil
	}
	return resp, nil
}

// WSStart begins a websocket session and returns the URL to connect to,
// per spec §6 POST /ws/start.
func (c *Client) WSStart(ctx context.Context, deadline time.Time) (string, error) {
	req, err := http.NewRequest(http.MethodPost, c.Endpoint+"/ws/start", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.Do(ctx, req, deadline)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", fmt.Errorf("krist: /ws/start: deadline exceeded")
	}
	defer resp.Body.Close()

	var env struct {
		apiEnvelope
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", fmt.Errorf("decoding /ws/start response: %w", err)
	}
	if !env.OK {
		return "", &APIError{Err: env.Error, Message: env.Message}
	}
	return env.URL, nil
}
