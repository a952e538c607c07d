package checkpoint

import "sort"

// CompensationPlan orders a run's compensatable checkpoints for saga
// rollback: the controller walks them in decreasing ordinal, as required
// by the compensation metadata contract.
func CompensationPlan(records []Record) []Record {
	plan := make([]Record, 0, len(records))
	for _, r := range records {
		if r.IsCompensatable && !r.RetryAttempt {
			plan = append(plan, r)
		}
	}
	sort.SliceStable(plan, func(i, j int) bool {
		return plan[i].CompensationOrdinal > plan[j].CompensationOrdinal
	})
	return plan
}
