package allocator

import (
	"sort"

	"github.com/ChuLiYu/clustermgr/internal/resources"
)

// Score computes an item's DRF cost: its dominant share of total, divided by
// weight. Parameterized by three closures — resources, weight, id — to
// avoid per-entity-type duplication, the same way armada's
// fairness.DominantResourceFairness.CostFromAllocationAndWeight computes one
// cost formula over any queue-shaped type.
func Score[T any](item T, total resources.Vector, resourcesOf func(T) resources.Vector, weightOf func(T) float64) float64 {
	w := weightOf(item)
	if w <= 0 {
		w = 1.0
	}
	return resourcesOf(item).DominantShare(total) / w
}

// OrderByDRF returns items sorted ascending by Score, ties broken by idOf
// for a total deterministic order.
func OrderByDRF[T any](items []T, total resources.Vector, resourcesOf func(T) resources.Vector, weightOf func(T) float64, idOf func(T) string) []T {
	out := append([]T(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		si := Score(out[i], total, resourcesOf, weightOf)
		sj := Score(out[j], total, resourcesOf, weightOf)
		if si != sj {
			return si < sj
		}
		return idOf(out[i]) < idOf(out[j])
	})
	return out
}
