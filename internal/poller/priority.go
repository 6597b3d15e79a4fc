// Package poller implements the client's namespace polling flow: a single
// request to one swarm member that retrieves pending messages across a
// caller-chosen set of namespaces and, in the same round trip, refreshes
// the TTL of a set of already-known hashes.
package poller

import (
	"sort"

	"github.com/lanterncore/lantern/internal/storagerpc"
)

// PriorityClass groups namespaces for the purpose of splitting a poll
// request's total size budget among them. Config-carrying namespaces
// (negative values, by this deployment's convention) share a fixed 40% of
// the budget and ordinary conversation namespaces the other 60%; neither
// class is drained ahead of the other.
type PriorityClass int

const (
	PriorityConfig PriorityClass = iota
	PriorityStandard
)

// classOf assigns ns to a priority class. Negative namespace values are
// reserved for the account's own config namespaces; non-negative values
// are conversation/group namespaces, including the default namespace.
func classOf(ns storagerpc.Namespace) PriorityClass {
	if int(ns) < 0 {
		return PriorityConfig
	}
	return PriorityStandard
}

// classBudgetFraction is the share of the total per-request budget given
// to each priority class, applied before the remaining split is made
// evenly across that class's namespaces.
var classBudgetFraction = map[PriorityClass]float64{
	PriorityConfig:   0.4,
	PriorityStandard: 0.6,
}

// MaxSizeMap splits totalBudgetBytes among namespaces, grouping them by
// priority class and giving each class a fixed fraction of the budget,
// divided evenly across the namespaces in it. The result is deterministic
// for a given input set: namespaces are sorted before division, so equal
// inputs always produce equal outputs regardless of slice order.
func MaxSizeMap(namespaces []storagerpc.Namespace, totalBudgetBytes int) map[storagerpc.Namespace]int {
	result := make(map[storagerpc.Namespace]int, len(namespaces))
	if len(namespaces) == 0 || totalBudgetBytes <= 0 {
		return result
	}

	sorted := append([]storagerpc.Namespace(nil), namespaces...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	byClass := make(map[PriorityClass][]storagerpc.Namespace)
	for _, ns := range sorted {
		c := classOf(ns)
		byClass[c] = append(byClass[c], ns)
	}

	for class, members := range byClass {
		if len(members) == 0 {
			continue
		}
		classBudget := int(float64(totalBudgetBytes) * classBudgetFraction[class])
		per := classBudget / len(members)
		for _, ns := range members {
			result[ns] = per
		}
	}
	return result
}
