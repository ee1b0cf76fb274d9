package catalog

import (
	"sort"

	"github.com/chn0318/catalogstore/sharedlog"
)

type kindAt[T kind] struct {
	kind T
	ts   sharedlog.Timestamp
}

// consolidate sums the diffs of updates with equal kind and timestamp and
// drops those that cancel out. The result is sorted by (ts, kind).
func consolidate[T kind](updates []StateUpdate[T]) []StateUpdate[T] {
	sums := make(map[kindAt[T]]sharedlog.Diff, len(updates))
	for _, u := range updates {
		sums[kindAt[T]{u.Kind, u.TS}] += u.Diff
	}
	out := updates[:0]
	for k, diff := range sums {
		if diff == 0 {
			continue
		}
		out = append(out, StateUpdate[T]{Kind: k.kind, TS: k.ts, Diff: diff})
	}
	clear(updates[len(out):])
	sort.Slice(out, func(i, j int) bool {
		if out[i].TS != out[j].TS {
			return out[i].TS < out[j].TS
		}
		return out[i].Kind.sortKey() < out[j].Kind.sortKey()
	})
	return out
}

// sortForApply orders updates by timestamp and, within a timestamp, applies
// retractions before insertions so that a replaced key never has two live
// values.
func sortForApply[T kind](updates []StateUpdate[T]) {
	sort.SliceStable(updates, func(i, j int) bool {
		if updates[i].TS != updates[j].TS {
			return updates[i].TS < updates[j].TS
		}
		return updates[i].Diff < updates[j].Diff
	})
}

func sortedByTS[T kind](updates []StateUpdate[T]) bool {
	for i := 1; i < len(updates); i++ {
		if updates[i-1].TS > updates[i].TS {
			return false
		}
	}
	return true
}
