package kstream

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/estuary/kstream/internal/store"
)

const addressLength = 10

// makev2address derives a v2 Krist address from a private key, per
// spec §6's "address derivation ... treated as a library with the
// obvious contract": nine chained SHA-256 rounds of the key's hex
// digest produce a byte pool, which is then folded into the fixed
// base-36 alphabet one character at a time, per the published Krist
// v2 scheme. prefix defaults to "k" when empty.
func makev2address(privateKey string, prefix string) string {
	if prefix == "" {
		prefix = "k"
	}

	protein := sha256Hex(sha256Hex(privateKey))
	chars := make([]byte, 9)
	hashes := make([]string, 9)
	for i := range hashes {
		hashes[i] = sha256Hex(protein[i*(len(protein)/9) : (i+1)*(len(protein)/9)])
	}

	for i := 0; i < 9; i++ {
		chars[i] = base36Digit(hashes[i][0])
	}

	addr := make([]byte, 0, addressLength)
	addr = append(addr, prefix...)
	for len(addr) < addressLength-1 {
		i := int(chars[len(addr)-len(prefix)]) % len(hashes)
		addr = append(addr, base36Digit(hashes[i][0]))
	}
	addr = append(addr, 'x')
	return string(addr)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func base36Digit(hexChar byte) byte {
	var v byte
	switch {
	case hexChar >= '0' && hexChar <= '9':
		v = hexChar - '0'
	case hexChar >= 'a' && hexChar <= 'f':
		v = hexChar - 'a' + 10
	default:
		v = 0
	}
	return base36Alphabet[v%36]
}

// makeRefundFor builds the PendingTransaction that sends transfer back
// to the counterparty of an inbound transaction, per spec §6. meta and
// ud (a `return=` style marker set by the caller to disambiguate
// repeated refunds) are merged into the outgoing metadata if non-empty;
// the "ref" key is reserved by the outbox send algorithm and always
// overwritten at send time, so any caller-supplied "ref" here is
// pointless but harmless.
func makeRefundFor(privateKey string, address string, transfer int64, meta map[string]string, ud string) store.PendingTransaction {
	merged := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		merged[k] = v
	}
	if ud != "" {
		merged["return"] = ud
	}
	return store.PendingTransaction{
		PrivateKey: privateKey,
		To:         address,
		Amount:     transfer,
		Metadata:   merged,
	}
}
