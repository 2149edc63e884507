package search

import (
	"fmt"
	"sort"
)

// DefaultRRFK is the standard Reciprocal Rank Fusion smoothing constant.
const DefaultRRFK = 60

// RankedList is one input to fusion: items in rank order with an optional
// weight (zero means 1.0).
type RankedList[T any] struct {
	Items  []T
	Weight float64
}

// FuseOptions tunes a fusion pass.
type FuseOptions[T any] struct {
	// K is the smoothing constant; zero means DefaultRRFK.
	K int
	// Key deduplicates items across lists. Nil falls back to the
	// stringified item.
	Key func(T) string
}

// Fused pairs a deduplicated item with its fused score.
type Fused[T any] struct {
	Item  T
	Score float64
}

// FuseRRF merges ranked lists by Reciprocal Rank Fusion:
//
//	score(x) = sum over lists i of w_i / (k + rank_i(x))
//
// with 1-based ranks. Items absent from a list contribute nothing for it.
// The first occurrence of a key supplies the representative item. The
// output is every distinct item sorted by descending score, ties broken
// by lexicographically smaller key; the sort is stable.
func FuseRRF[T any](lists []RankedList[T], opts FuseOptions[T]) []Fused[T] {
	k := opts.K
	if k <= 0 {
		k = DefaultRRFK
	}
	key := opts.Key
	if key == nil {
		key = func(item T) string { return fmt.Sprint(item) }
	}

	type entry struct {
		item  T
		key   string
		score float64
	}
	byKey := make(map[string]*entry)
	order := make([]string, 0)

	for _, list := range lists {
		w := list.Weight
		if w == 0 {
			w = 1.0
		}
		for rank, item := range list.Items {
			id := key(item)
			e, ok := byKey[id]
			if !ok {
				e = &entry{item: item, key: id}
				byKey[id] = e
				order = append(order, id)
			}
			e.score += w / float64(k+rank+1)
		}
	}

	out := make([]Fused[T], 0, len(order))
	for _, id := range order {
		e := byKey[id]
		out = append(out, Fused[T]{Item: e.item, Score: e.score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return key(out[i].Item) < key(out[j].Item)
	})
	return out
}
