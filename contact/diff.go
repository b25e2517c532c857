package contact

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
)

// Diff is the set difference between two membership snapshots. It is used
// to translate a full snapshot received from a remote group owner into
// minimal local add and remove operations.
type Diff struct {
	Added   []uuid.UUID
	Removed []uuid.UUID
}

// Empty reports whether the diff carries no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// DiffMembers computes the mathematical set difference between a previous
// and a new membership list. Both inputs are deduplicated; the result lists
// are sorted. Runs in O(n log n) on sorted copies.
func DiffMembers(previous, next []uuid.UUID) Diff {
	prev := sortedUnique(previous)
	cur := sortedUnique(next)

	var d Diff
	i, j := 0, 0
	for i < len(prev) && j < len(cur) {
		switch bytes.Compare(prev[i][:], cur[j][:]) {
		case 0:
			i++
			j++
		case -1:
			d.Removed = append(d.Removed, prev[i])
			i++
		default:
			d.Added = append(d.Added, cur[j])
			j++
		}
	}
	d.Removed = append(d.Removed, prev[i:]...)
	d.Added = append(d.Added, cur[j:]...)
	return d
}

func sortedUnique(ids []uuid.UUID) []uuid.UUID {
	out := append([]uuid.UUID(nil), ids...)
	sort.Slice(out, func(a, b int) bool {
		return bytes.Compare(out[a][:], out[b][:]) < 0
	})
	n := 0
	for i := range out {
		if i == 0 || out[i] != out[i-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}
