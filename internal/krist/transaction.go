// Package krist is the HTTP client for the Krist node API: paged lookups,
// balance queries, the extended search endpoint, and outgoing sends. It owns
// decoding of the wire ApiTransaction shape into the form the rest of the
// module operates on.
package krist

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// TxType enumerates the transaction kinds the node can report. Decode
// sets an empty type to TxUnknown; any other type string is kept as the
// node sent it. Fields not declared on ApiTransaction are dropped by
// JSON decoding and are not preserved anywhere.
type TxType string

const (
	TxTransfer       TxType = "transfer"
	TxMined          TxType = "mined"
	TxNamePurchase   TxType = "name_purchase"
	TxNameTransfer   TxType = "name_transfer"
	TxNameARecord    TxType = "name_a_record"
	TxUnknown        TxType = "unknown"
)

// ApiTransaction is the decoded form of a transaction as reported by the
// node, per spec §3. Timestamp and Meta are derived fields computed once
// at decode time.
type ApiTransaction struct {
	ID        int64          `json:"id"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to"`
	Value     int64          `json:"value"`
	Time      string         `json:"time"`
	Type      TxType         `json:"type"`
	Name      string         `json:"name,omitempty"`
	Metadata  string         `json:"metadata,omitempty"`
	SentName  string         `json:"sent_name,omitempty"`
	SentMeta  string         `json:"sent_metaname,omitempty"`

	// Timestamp is Time parsed to a Unix timestamp in UTC. Zero if Time
	// failed to parse (which decode() treats as fatal, never surfaced here).
	Timestamp int64 `json:"-"`
	// Meta is the CommonMeta-decoded key/value view of Metadata.
	Meta map[string]string `json:"-"`
}

// Decode fills Timestamp and Meta from Time and Metadata. Called once per
// transaction immediately after JSON unmarshalling.
func (tx *ApiTransaction) Decode() error {
	t, err := ParseTime(tx.Time)
	if err != nil {
		return err
	}
	tx.Timestamp = t
	tx.Meta = ParseMeta(tx.Metadata)
	if tx.Type == "" {
		tx.Type = TxUnknown
	}
	return nil
}

// ParseTime parses a node ISO-8601 UTC timestamp into a Unix timestamp.
// Monotone for any two well-formed timestamps in the 2000-2399 range, per
// the round-trip property in spec §8.
func ParseTime(s string) (int64, error) {
	t, err := time.Parse("2006-01-02T15:04:05.000Z", s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return 0, err
		}
	}
	return t.UTC().Unix(), nil
}

// ParseMeta decodes a CommonMeta string: split on ';', then split each
// piece on the first '='. The last occurrence of a key wins; pieces with
// no '=' are dropped.
func ParseMeta(s string) map[string]string {
	out := map[string]string{}
	if s == "" {
		return out
	}
	for _, piece := range strings.Split(s, ";") {
		i := strings.IndexByte(piece, '=')
		if i < 0 {
			continue
		}
		k, v := piece[:i], piece[i+1:]
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// SerializeMeta is the inverse of ParseMeta: joins key=value pairs with
// ';'. Key order is sorted for determinism (the node does not care about
// order, but deterministic output keeps SerializeMeta(ParseMeta(x)) stable
// across calls for tests).
func SerializeMeta(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
	}
	return b.String()
}

// FormatID renders a transaction ID the way query strings expect it.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
