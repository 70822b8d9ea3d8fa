package reconcile

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonchat/groupsync/group"
)

var (
	alice = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	bob   = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	carol = uuid.MustParse("33333333-3333-3333-3333-333333333333")
)

// stateAt builds a snapshot with the given members as full members.
func stateAt(revision int, members ...uuid.UUID) *group.Snapshot {
	s := &group.Snapshot{Revision: revision, Title: "test group"}
	for _, id := range members {
		s.Members = append(s.Members, group.Member{ID: id, JoinedAtRevision: 1})
	}
	return s
}

// titleChange builds a visible change renaming the group at revision.
func titleChange(revision int, editor uuid.UUID) *group.Change {
	title := "title v" + string(rune('0'+revision%10))
	return &group.Change{Revision: revision, Editor: editor, NewTitle: &title}
}

func changeEntry(c *group.Change) LogEntry {
	return LogEntry{Change: c}
}

func snapshotEntry(s *group.Snapshot) LogEntry {
	return LogEntry{Snapshot: s}
}

func TestAdvance_AppliesChangesUpToTarget(t *testing.T) {
	local := stateAt(5, alice, bob)
	timeline := Timeline{
		LocalState: local,
		History: []LogEntry{
			changeEntry(titleChange(6, alice)),
			changeEntry(titleChange(7, bob)),
			changeEntry(titleChange(8, alice)),
		},
	}

	res := Advance(timeline, 7)

	require.Len(t, res.Applied, 2)
	assert.Equal(t, 6, res.Applied[0].State.Revision)
	assert.Equal(t, 7, res.Applied[1].State.Revision)
	assert.Equal(t, 7, res.Remaining.LocalState.Revision)
	require.Len(t, res.Remaining.History, 1)
	assert.Equal(t, 8, res.Remaining.History[0].Revision())
}

func TestAdvance_LatestConsumesEverything(t *testing.T) {
	timeline := Timeline{
		LocalState: stateAt(5, alice),
		History: []LogEntry{
			changeEntry(titleChange(6, alice)),
			changeEntry(titleChange(7, alice)),
		},
	}

	res := Advance(timeline, group.Latest)

	assert.Len(t, res.Applied, 2)
	assert.Empty(t, res.Remaining.History)
	assert.Equal(t, 7, res.Remaining.LocalState.Revision)
}

func TestAdvance_SnapshotOverrideAdopted(t *testing.T) {
	// Change at 9 cannot apply against revision 5; the snapshot entry that
	// follows is an authoritative override and must still land.
	local := stateAt(5, alice)
	override := stateAt(10, alice, bob)
	timeline := Timeline{
		LocalState: local,
		History: []LogEntry{
			changeEntry(titleChange(9, alice)),
			snapshotEntry(override),
		},
	}

	res := Advance(timeline, group.Latest)

	require.Len(t, res.Applied, 1)
	assert.Same(t, override, res.Applied[0].State)
	assert.Nil(t, res.Applied[0].Change)
	assert.Same(t, override, res.Remaining.LocalState)
}

func TestAdvance_NoHistoryKeepsIdentity(t *testing.T) {
	local := stateAt(5, alice)
	res := Advance(Timeline{LocalState: local}, 9)

	assert.Empty(t, res.Applied)
	assert.Same(t, local, res.Remaining.LocalState)
}

func TestAdvance_AllEntriesFailKeepsIdentity(t *testing.T) {
	local := stateAt(5, alice)
	timeline := Timeline{
		LocalState: local,
		History: []LogEntry{
			// Removes a member that is not present: structural failure.
			changeEntry(&group.Change{Revision: 6, Editor: alice, DeletedMembers: []uuid.UUID{carol}}),
			// Revision gap: cannot follow 5.
			changeEntry(titleChange(8, alice)),
		},
	}

	res := Advance(timeline, group.Latest)

	assert.Empty(t, res.Applied)
	assert.Same(t, local, res.Remaining.LocalState)
	assert.Empty(t, res.Remaining.History)
}

func TestAdvance_UnreadableEntryDoesNotBlockLaterEntries(t *testing.T) {
	local := stateAt(5, alice)
	timeline := Timeline{
		LocalState: local,
		History: []LogEntry{
			changeEntry(&group.Change{Revision: 6, Editor: alice, DeletedMembers: []uuid.UUID{carol}}),
			snapshotEntry(stateAt(7, alice, bob)),
			changeEntry(titleChange(8, alice)),
		},
	}

	res := Advance(timeline, group.Latest)

	require.Len(t, res.Applied, 2)
	assert.Equal(t, 7, res.Applied[0].State.Revision)
	assert.Equal(t, 8, res.Applied[1].State.Revision)
	assert.Equal(t, 8, res.Remaining.LocalState.Revision)
}

func TestAdvance_ChangeOnlyWithoutBaseStateIsSkipped(t *testing.T) {
	timeline := Timeline{
		History: []LogEntry{
			changeEntry(titleChange(3, alice)),
			snapshotEntry(stateAt(4, alice)),
		},
	}

	res := Advance(timeline, group.Latest)

	require.Len(t, res.Applied, 1)
	assert.Equal(t, 4, res.Remaining.LocalState.Revision)
}

func TestAdvance_SnapshotNeverRegresses(t *testing.T) {
	local := stateAt(8, alice)
	timeline := Timeline{
		LocalState: local,
		History:    []LogEntry{snapshotEntry(stateAt(6, alice, bob))},
	}

	res := Advance(timeline, group.Latest)

	assert.Empty(t, res.Applied)
	assert.Same(t, local, res.Remaining.LocalState)
}

func TestAdvance_PlaceholderAdoptsAnySnapshot(t *testing.T) {
	placeholder := &group.Snapshot{Revision: group.RestorePlaceholderRevision}
	override := stateAt(3, alice)
	timeline := Timeline{
		LocalState: placeholder,
		History:    []LogEntry{snapshotEntry(override)},
	}

	res := Advance(timeline, group.Latest)

	require.Len(t, res.Applied, 1)
	assert.Same(t, override, res.Remaining.LocalState)
}

func TestAdvance_PreservesPagingCursor(t *testing.T) {
	timeline := Timeline{
		LocalState:       stateAt(5, alice),
		History:          []LogEntry{changeEntry(titleChange(6, alice))},
		NextPageRevision: 7,
		HasMore:          true,
	}

	res := Advance(timeline, group.Latest)

	assert.True(t, res.Remaining.HasMore)
	assert.Equal(t, 7, res.Remaining.NextPageRevision)
}

func TestAdvance_AlreadyAtTargetConsumesNothing(t *testing.T) {
	local := stateAt(7, alice)
	timeline := Timeline{
		LocalState: local,
		History:    []LogEntry{changeEntry(titleChange(8, alice))},
	}

	res := Advance(timeline, 7)

	assert.Empty(t, res.Applied)
	assert.Same(t, local, res.Remaining.LocalState)
	assert.Len(t, res.Remaining.History, 1)
}
