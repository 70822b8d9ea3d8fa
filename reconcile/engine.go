package reconcile

import (
	"github.com/halcyonchat/groupsync/group"
)

// Transition is one consumed log entry: the state it produced and the
// change that produced it (nil when the state was adopted from a snapshot
// override).
type Transition struct {
	State  *group.Snapshot
	Change *group.Change
}

// AdvanceResult is the outcome of one Advance call.
//
// Remaining.LocalState is the furthest state reached. If zero entries were
// adopted or applied, it is the exact same instance as the input timeline's
// LocalState, so callers can distinguish "no progress" from "progressed to
// an identical-looking state" without deep comparison.
type AdvanceResult struct {
	Remaining Timeline
	Applied   []Transition
}

// Advance consumes the timeline's history in ascending revision order,
// applying changes or adopting snapshot overrides until the current state
// reaches target (group.Latest means no upper bound: consume everything
// supplied).
//
// A change record that cannot be applied (missing base state, revision
// mismatch, absent referenced member) is skipped without fatal error: one
// unreadable entry must not block later, independently valid entries. A
// snapshot entry that would not advance the current revision is likewise
// skipped rather than allowed to regress the state.
//
// Advance performs no I/O and has no side effects.
func Advance(t Timeline, target int) AdvanceResult {
	current := t.LocalState
	var applied []Transition

	consumed := 0
	for _, entry := range t.History {
		if current != nil && current.Revision >= target {
			break
		}
		consumed++

		if entry.Snapshot != nil {
			if current != nil && entry.Snapshot.Revision <= current.Revision && !current.IsPlaceholder() {
				continue
			}
			current = entry.Snapshot
			applied = append(applied, Transition{State: current, Change: entry.Change})
			continue
		}

		if entry.Change == nil || current == nil {
			// Nothing to apply, or nothing to apply it against.
			continue
		}

		next, err := group.Apply(current, entry.Change)
		if err != nil {
			// Structural apply failure: skip this entry, keep going.
			continue
		}
		current = next
		applied = append(applied, Transition{State: current, Change: entry.Change})
	}

	remaining := Timeline{
		LocalState:       current,
		History:          t.History[consumed:],
		NextPageRevision: t.NextPageRevision,
		HasMore:          t.HasMore,
	}
	return AdvanceResult{Remaining: remaining, Applied: applied}
}
