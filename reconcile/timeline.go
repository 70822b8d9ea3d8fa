// Package reconcile implements the revision-advancement and reconciliation
// engine for authenticated group state.
//
// Given a possibly-stale local snapshot, a target revision, and one or more
// sources of change data (a single peer-delivered delta, or a paged server
// history), it computes the furthest state it can safely reach, materializes
// each consumed transition as a durable update event, extracts newly learned
// per-member secrets, and schedules continuation work for anything left
// unresolved. Application of the change stream is monotonic, idempotent,
// and at-most-once.
package reconcile

import (
	"github.com/halcyonchat/groupsync/group"
)

// LogEntry pairs an optional full snapshot with an optional change record
// for one revision. At least one field is populated. A change-only entry
// requires a prior snapshot to apply against; a snapshot entry is an
// authoritative override.
type LogEntry struct {
	Snapshot *group.Snapshot
	Change   *group.Change
}

// Revision returns the revision this entry describes.
func (e LogEntry) Revision() int {
	if e.Snapshot != nil {
		return e.Snapshot.Revision
	}
	if e.Change != nil {
		return e.Change.Revision
	}
	return group.PlaceholderRevision
}

// Timeline holds the last-known local snapshot plus an ordered, gapless
// sequence of remote log entries awaiting application, with the paging
// cursor for fetching more. A timeline is built fresh per reconciliation
// call and consumed exactly once by Advance.
//
// History is strictly increasing in revision with no duplicates. It need
// not be contiguous with LocalState's revision: a snapshot override entry
// may jump ahead.
type Timeline struct {
	LocalState *group.Snapshot
	History    []LogEntry

	// NextPageRevision is where the next server page starts when HasMore.
	NextPageRevision int
	HasMore          bool
}

// LatestRevision returns the highest revision the timeline knows about:
// the last history entry's revision, or the local state's when the history
// is empty.
func (t Timeline) LatestRevision() int {
	if n := len(t.History); n > 0 {
		return t.History[n-1].Revision()
	}
	if t.LocalState != nil {
		return t.LocalState.Revision
	}
	return group.PlaceholderRevision
}
