package router

import (
	"cmp"
	"math"
	"slices"
)

// SelectTopK writes the indices of the len(idx) largest scores into idx in
// descending score order. Equal scores keep the lower index first.
func SelectTopK(scores []float64, idx []int) {
	k := min(len(idx), len(scores))
	if k <= 0 {
		return
	}
	if k <= 8 {
		selectTopKSmall(scores, idx[:k])
		return
	}
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(scores[b], scores[a])
	})
	copy(idx, order[:k])
}

// selectTopKSmall keeps a sorted window of k candidates. A later index only
// displaces an entry with a strictly smaller score.
func selectTopKSmall(scores []float64, idx []int) {
	k := len(idx)
	var best [8]float64
	for i := range k {
		idx[i] = -1
		best[i] = math.Inf(-1)
	}
	for i, s := range scores {
		pos := k
		for j := range k {
			if s > best[j] || idx[j] < 0 {
				pos = j
				break
			}
		}
		if pos == k {
			continue
		}
		for j := k - 1; j > pos; j-- {
			idx[j] = idx[j-1]
			best[j] = best[j-1]
		}
		idx[pos] = i
		best[pos] = s
	}
}
