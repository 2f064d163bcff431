package krist

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
)

// newFakeNode serves a synthetic DESC-ordered ledger of n transactions
// with IDs n, n-1, ..., 1 (so ID == total-offset), enough to exercise
// LookupTransactions, the Pager, and Locate against something other
// than hand-built Page structs.
func newFakeNode(n int) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/lookup/transactions/", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		order := q.Get("order")
		offset, _ := strconv.Atoi(q.Get("offset"))
		limit, _ := strconv.Atoi(q.Get("limit"))

		all := make([]ApiTransaction, n)
		for i := 0; i < n; i++ {
			id := int64(n - i)
			all[i] = ApiTransaction{ID: id, To: "kfakeaddress", Value: 1, Time: "2020-01-01T00:00:00.000Z"}
		}
		if order == string(OrderAsc) {
			for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
				all[i], all[j] = all[j], all[i]
			}
		}

		lo := offset
		if lo > len(all) {
			lo = len(all)
		}
		hi := lo + limit
		if hi > len(all) {
			hi = len(all)
		}
		page := all[lo:hi]

		body, _ := json.Marshal(struct {
			apiEnvelope
			Count        int              `json:"count"`
			Total        int              `json:"total"`
			Transactions []ApiTransaction `json:"transactions"`
		}{apiEnvelope{OK: true}, len(page), n, page})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/search/extended", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		count := 0
		if q == "known-ref" {
			count = 1
		}
		body, _ := json.Marshal(struct {
			apiEnvelope
			Matches struct {
				Transactions struct {
					Metadata int `json:"metadata"`
				} `json:"metadata"`
			} `json:"matches"`
		}{apiEnvelope: apiEnvelope{OK: true}, Matches: struct {
			Transactions struct {
				Metadata int `json:"metadata"`
			} `json:"metadata"`
		}{Transactions: struct {
			Metadata int `json:"metadata"`
		}{Metadata: count}}})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/addresses/", func(w http.ResponseWriter, r *http.Request) {
		addr, _ := url.PathUnescape(r.URL.Path[len("/addresses/"):])
		body, _ := json.Marshal(struct {
			apiEnvelope
			Address Balance `json:"address"`
		}{apiEnvelope{OK: true}, Balance{Balance: int64(len(addr))}})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/transactions/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(apiEnvelope{OK: true})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	return httptest.NewServer(mux)
}

func mustNewClient(srv *httptest.Server) *Client {
	c := NewClient(srv.URL)
	c.RetryBase = 1
	c.RetryMax = 1
	return c
}
