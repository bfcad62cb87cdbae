package ecfr

import (
	"sort"
	"strconv"
)

// SortTitles orders title numbers numerically; non-numeric values sort after
// numeric ones, lexicographically.
func SortTitles(titles []string) {
	sort.SliceStable(titles, func(i, j int) bool {
		return TitleLess(titles[i], titles[j])
	})
}

// TitleLess reports whether title number a sorts before b.
func TitleLess(a, b string) bool {
	ai, aErr := strconv.Atoi(a)
	bi, bErr := strconv.Atoi(b)
	switch {
	case aErr == nil && bErr == nil:
		if ai != bi {
			return ai < bi
		}
		return a < b
	case aErr == nil:
		return true
	case bErr == nil:
		return false
	default:
		return a < b
	}
}
