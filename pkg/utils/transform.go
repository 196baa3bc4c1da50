package utils

import (
	"sort"
	"strings"
)

func BoolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// Dedup removes duplicates and surrounding whitespace while keeping the first-seen order.
func Dedup(in []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, e := range in {
		e = strings.TrimSpace(e)
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

// SortedUnique returns a sorted copy of in without duplicates.
func SortedUnique(in []string) []string {
	out := Dedup(in)
	sort.Strings(out)
	return out
}
