// Package reconcile compares an expected inventory against the set of items
// detected in an audit photo. It is pure: persistence and incident handling
// belong to the caller.
package reconcile

import "sort"

type Result struct {
	// Missing: expected but not detected.
	Missing []string
	// Extra: detected but not expected.
	Extra []string
}

func (r Result) Clean() bool {
	return len(r.Missing) == 0 && len(r.Extra) == 0
}

// Compare treats both slices as sets; duplicates and ordering are
// irrelevant. The returned slices are sorted for deterministic output and
// never nil.
func Compare(expected, detected []string) Result {
	return Result{
		Missing: difference(expected, detected),
		Extra:   difference(detected, expected),
	}
}

func difference(from, subtract []string) []string {
	drop := make(map[string]struct{}, len(subtract))
	for _, item := range subtract {
		drop[item] = struct{}{}
	}
	seen := make(map[string]struct{}, len(from))
	out := make([]string, 0)
	for _, item := range from {
		if _, ok := drop[item]; ok {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}
