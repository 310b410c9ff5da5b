package cache

import (
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// fieldSeparator keeps adjacent fingerprint fields from running together.
const fieldSeparator = "\x1f"

// Fingerprint derives the cache key for one logical request.
//
// The same provider, normalized payload and parameter set always produce the
// same key. Parameter order does not matter.
func Fingerprint(provider, payload string, params map[string]string) string {
	h, _ := blake2b.New256(nil)

	h.Write([]byte(provider))
	h.Write([]byte(fieldSeparator))
	h.Write([]byte(NormalizePayload(payload)))

	for _, kv := range sortedParams(params) {
		h.Write([]byte(fieldSeparator))
		h.Write([]byte(kv))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// NormalizePayload trims the payload and collapses runs of whitespace.
func NormalizePayload(payload string) string {
	return strings.Join(strings.Fields(payload), " ")
}

// sortedParams renders params as sorted "k=v" pairs.
func sortedParams(params map[string]string) []string {
	pairs := make([]string, 0, len(params))
	for k, v := range params {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return pairs
}
