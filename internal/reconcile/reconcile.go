// Package reconcile merges a buyer's basket into an already placed order for the same pickup date.
// Matching is by ProductID. Nothing here does I/O or returns errors.
package reconcile

import (
	"github.com/abgdnv/farmorders/internal/model"
)

// DetectConflicts returns one UNDECIDED conflict for every local item whose product is also
// in existing with a different quantity. Items found on only one side are not conflicts.
// Conflicts follow the order of local.
func DetectConflicts(local, existing []model.OrderedLineItem) []model.MergeConflict {
	existingByProduct := index(Normalize(existing))

	var conflicts []model.MergeConflict
	for _, l := range Normalize(local) {
		e, ok := existingByProduct[l.ProductID]
		if !ok || e.Quantity.Equal(l.Quantity) {
			continue
		}
		conflicts = append(conflicts, model.MergeConflict{
			ProductID:        l.ProductID,
			ProductName:      firstNonEmpty(l.ProductName, e.ProductName),
			Unit:             firstNonEmpty(l.Unit, e.Unit),
			ExistingQuantity: e.Quantity,
			NewQuantity:      l.Quantity,
			ExistingPrice:    e.UnitPrice,
			NewPrice:         l.UnitPrice,
			Resolution:       model.ResolutionUndecided,
		})
	}
	return conflicts
}

// ApplyResolutions returns a copy of conflicts with the chosen resolutions set.
// Products missing from choices, and invalid choices, keep their current resolution.
func ApplyResolutions(conflicts []model.MergeConflict, choices map[string]model.Resolution) []model.MergeConflict {
	resolved := make([]model.MergeConflict, len(conflicts))
	for i, c := range conflicts {
		if r, ok := choices[c.ProductID]; ok && r.Valid() {
			c.Resolution = r
		}
		resolved[i] = c
	}
	return resolved
}

// Unresolved returns the product ids of conflicts still UNDECIDED.
func Unresolved(conflicts []model.MergeConflict) []string {
	var ids []string
	for _, c := range conflicts {
		if c.Resolution == model.ResolutionUndecided || c.Resolution == "" {
			ids = append(ids, c.ProductID)
		}
	}
	return ids
}

// Resolve produces the merged item list.
//
// Existing items keep their order. A conflicting item is resolved by its resolution:
// ADD sums quantities and takes the local price, KEEP_EXISTING and UNDECIDED keep the
// existing item, USE_NEW takes the local item. A non-conflicting item with a local
// counterpart takes the local fields so prices stay current. Local-only items are
// appended in local order. Store-assigned item ids survive the merge.
//
// Each ProductID appears exactly once in the result; duplicates within one input are
// collapsed by Normalize first.
func Resolve(existing, local []model.OrderedLineItem, conflicts []model.MergeConflict) []model.OrderedLineItem {
	existing = Normalize(existing)
	local = Normalize(local)
	localByProduct := index(local)

	conflictByProduct := make(map[string]model.MergeConflict, len(conflicts))
	for _, c := range conflicts {
		conflictByProduct[c.ProductID] = c
	}

	merged := make([]model.OrderedLineItem, 0, len(existing)+len(local))
	seen := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		seen[e.ProductID] = struct{}{}
		l, hasLocal := localByProduct[e.ProductID]
		if !hasLocal {
			merged = append(merged, e)
			continue
		}
		c, hasConflict := conflictByProduct[e.ProductID]
		if !hasConflict {
			merged = append(merged, withID(l, e.ID))
			continue
		}
		switch c.Resolution {
		case model.ResolutionAdd:
			sum := withID(l, e.ID)
			sum.Quantity = e.Quantity.Add(l.Quantity)
			sum.PieceCount = e.PieceCount + l.PieceCount
			merged = append(merged, sum)
		case model.ResolutionUseNew:
			merged = append(merged, withID(l, e.ID))
		default:
			merged = append(merged, e)
		}
	}

	for _, l := range local {
		if _, ok := seen[l.ProductID]; !ok {
			merged = append(merged, l)
		}
	}
	return merged
}

// Normalize collapses items sharing a ProductID into the first occurrence, summing
// quantities and piece counts and keeping the latest price.
func Normalize(items []model.OrderedLineItem) []model.OrderedLineItem {
	out := make([]model.OrderedLineItem, 0, len(items))
	pos := make(map[string]int, len(items))
	for _, item := range items {
		i, dup := pos[item.ProductID]
		if !dup {
			pos[item.ProductID] = len(out)
			out = append(out, item)
			continue
		}
		out[i].Quantity = out[i].Quantity.Add(item.Quantity)
		out[i].PieceCount += item.PieceCount
		out[i].UnitPrice = item.UnitPrice
	}
	return out
}

func index(items []model.OrderedLineItem) map[string]model.OrderedLineItem {
	m := make(map[string]model.OrderedLineItem, len(items))
	for _, item := range items {
		m[item.ProductID] = item
	}
	return m
}

func withID(item model.OrderedLineItem, id string) model.OrderedLineItem {
	if item.ID == "" {
		item.ID = id
	}
	return item
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
