package cache

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	"cruncher/internal/querylang"
)

// Key identifies one adapter fetch: the hex xxhash64 of its msgpack-encoded
// parameters.
type Key string

// Params are the inputs that make two fetches interchangeable.
type Params struct {
	Search      string // normalized search predicate
	IndexParams []querylang.IndexParam
	From        time.Time
	To          time.Time
	Limit       int
	Instance    string
}

// NewKey derives the cache key for p. Map keys are sorted and index params
// are ordered canonically, so equal params always hash equally.
func NewKey(p Params) Key {
	params := slices.Clone(p.IndexParams)
	slices.SortFunc(params, func(a, b querylang.IndexParam) int {
		return strings.Compare(a.String(), b.String())
	})
	encoded := make([]map[string]any, len(params))
	for i, ip := range params {
		encoded[i] = map[string]any{
			"key":      ip.Key,
			"operator": ip.Operator,
			"value":    ip.Value,
			"regex":    ip.Regex,
		}
	}

	h := xxhash.New()
	enc := msgpack.NewEncoder(h)
	enc.SetSortMapKeys(true)
	// Plain maps, strings and integers always encode.
	_ = enc.Encode(map[string]any{
		"search":      p.Search,
		"indexParams": encoded,
		"from":        p.From.UnixMilli(),
		"to":          p.To.UnixMilli(),
		"limit":       p.Limit,
		"instance":    p.Instance,
	})
	return Key(fmt.Sprintf("%016x", h.Sum64()))
}
