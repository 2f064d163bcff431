package txset

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/estuary/kstream/internal/krist"
)

func TestMatch(t *testing.T) {
	for _, tc := range []struct {
		name string
		set  Set
		tx   krist.ApiTransaction
		want bool
	}{
		{"no filter matches everything", Set{}, krist.ApiTransaction{From: "a", To: "b"}, true},
		{"no filter excludes mined by default", Set{}, krist.ApiTransaction{Type: krist.TxMined}, false},
		{"includeMined allows mined", Set{IncludeMined: true}, krist.ApiTransaction{Type: krist.TxMined}, true},
		{"address filter matches from", Set{Address: "kalice"}, krist.ApiTransaction{From: "kalice", To: "kbob"}, true},
		{"address filter matches to", Set{Address: "kbob"}, krist.ApiTransaction{From: "kalice", To: "kbob"}, true},
		{"address filter excludes unrelated", Set{Address: "kcarol"}, krist.ApiTransaction{From: "kalice", To: "kbob"}, false},
		{"address filter still excludes mined", Set{Address: "kalice"}, krist.ApiTransaction{From: "kalice", Type: krist.TxMined}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.set.Match(tc.tx))
		})
	}
}

func TestQueryAddress(t *testing.T) {
	require.Equal(t, "", Set{}.QueryAddress())
	require.Equal(t, "kalice", Set{Address: "kalice"}.QueryAddress())
}
