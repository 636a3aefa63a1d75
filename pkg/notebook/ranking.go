package notebook

import (
	"fmt"
	"sort"
	"time"
)

// The hypothesis list is an ordered sequence: index 0 is the primary
// hypothesis, and every ruled-out hypothesis sits in a contiguous tail.
// ToggleStatus and ReplaceAsPrimary are the only in-place mutations;
// wholesale replacement belongs to the reconciler.

// ToggleStatus flips the status of the hypothesis with the given id and
// reorders the list to keep the primary/tail invariant. It returns the new
// list and whether a promotion happened that the UI should flag (only when
// the toggled hypothesis had been primary).
func ToggleStatus(list []Hypothesis, id string) ([]Hypothesis, bool, error) {
	idx := indexOf(list, id)
	if idx < 0 {
		return nil, false, fmt.Errorf("hypothesis %s not found", id)
	}

	now := time.Now().UTC()
	toggled := list[idx]
	toggled.DateModified = now

	if !toggled.RuledOut() {
		return ruleOut(list, idx, toggled, now)
	}
	return ruleIn(list, idx, toggled)
}

// ruleOut removes the hypothesis, promotes the highest-likelihood remaining
// active hypothesis to index 0, and appends the toggled one just before the
// pre-existing ruled-out tail.
func ruleOut(list []Hypothesis, idx int, toggled Hypothesis, now time.Time) ([]Hypothesis, bool, error) {
	wasPrimary := idx == 0
	toggled.Status = StatusRuledOut

	var actives, ruled []Hypothesis
	for i, h := range list {
		if i == idx {
			continue
		}
		if h.RuledOut() {
			ruled = append(ruled, h)
		} else {
			actives = append(actives, h)
		}
	}

	if len(actives) > 0 {
		best := 0
		for i := 1; i < len(actives); i++ {
			if actives[i].Likelihood > actives[best].Likelihood {
				best = i
			}
		}
		promoted := actives[best]
		promoted.DateModified = now
		rest := append([]Hypothesis{}, actives[:best]...)
		rest = append(rest, actives[best+1:]...)
		actives = append([]Hypothesis{promoted}, rest...)
	}

	out := make([]Hypothesis, 0, len(list))
	out = append(out, actives...)
	out = append(out, toggled)
	out = append(out, ruled...)

	justPromoted := wasPrimary && len(actives) > 0
	return out, justPromoted, nil
}

// ruleIn reactivates the hypothesis. The list is only reordered when the
// reactivated hypothesis ends up as the sole active one; otherwise order is
// left as-is (no re-sort by likelihood on ruling in).
func ruleIn(list []Hypothesis, idx int, toggled Hypothesis) ([]Hypothesis, bool, error) {
	toggled.Status = ""

	activeCount := 1 // the toggled one
	for i, h := range list {
		if i != idx && !h.RuledOut() {
			activeCount++
		}
	}

	out := make([]Hypothesis, len(list))
	copy(out, list)
	out[idx] = toggled

	if activeCount == 1 {
		out = append(out[:idx], out[idx+1:]...)
		out = append([]Hypothesis{toggled}, out...)
	}
	return out, false, nil
}

// ReplaceAsPrimary moves an active hypothesis to index 0 without touching
// any status, and reports the promotion for the UI flag.
func ReplaceAsPrimary(list []Hypothesis, id string) ([]Hypothesis, bool, error) {
	idx := indexOf(list, id)
	if idx < 0 {
		return nil, false, fmt.Errorf("hypothesis %s not found", id)
	}
	if list[idx].RuledOut() {
		return nil, false, fmt.Errorf("hypothesis %s is ruled out and cannot be primary", id)
	}

	promoted := list[idx]
	promoted.DateModified = time.Now().UTC()

	out := make([]Hypothesis, 0, len(list))
	out = append(out, promoted)
	out = append(out, list[:idx]...)
	out = append(out, list[idx+1:]...)
	return out, true, nil
}

// SortByLikelihood returns the list ordered by descending likelihood. The
// sort is stable so equal likelihoods keep their incoming order.
func SortByLikelihood(list []Hypothesis) []Hypothesis {
	out := make([]Hypothesis, len(list))
	copy(out, list)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Likelihood > out[j].Likelihood
	})
	return out
}

// ValidateOrder checks the named ordering invariant: no ruled-out hypothesis
// may precede an active one, which also guarantees index 0 is active
// whenever any active hypothesis exists.
func ValidateOrder(list []Hypothesis) error {
	seenRuledOut := false
	for i, h := range list {
		if h.RuledOut() {
			seenRuledOut = true
			continue
		}
		if seenRuledOut {
			return fmt.Errorf("active hypothesis %s at index %d follows a ruled-out hypothesis", h.ID, i)
		}
	}
	return nil
}

func indexOf(list []Hypothesis, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}
