// Package coalesce deduplicates concurrent refreshes: at most one
// in-flight refresh per key, with every concurrent caller receiving the
// same result or error. This guards the shared provider quota against
// duplicate symbol-set fetches.
package coalesce

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Group coalesces calls by key.
type Group struct {
	sf singleflight.Group
}

// Do runs fn if no call for key is in flight, otherwise waits for the
// in-flight call. All callers receive the same value and error; shared
// reports whether the result was produced by another caller's fn.
func (g *Group) Do(key string, fn func() (interface{}, error)) (v interface{}, shared bool, err error) {
	v, err, shared = g.sf.Do(key, fn)
	return v, shared, err
}

// Key digests a symbol set into a stable coalescing key: order and
// duplicates do not matter.
func Key(symbols []string) string {
	uniq := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		uniq[s] = struct{}{}
	}
	sorted := make([]string, 0, len(uniq))
	for s := range uniq {
		sorted = append(sorted, s)
	}
	sort.Strings(sorted)

	sum := sha1.Sum([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])
}
