package group

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonchat/groupsync/errors"
)

var (
	alice = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	bob   = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	carol = uuid.MustParse("33333333-3333-3333-3333-333333333333")
)

func snapshotAt(revision int, members ...Member) *Snapshot {
	return &Snapshot{
		Revision: revision,
		Title:    "book club",
		Members:  members,
	}
}

func TestApply_RevisionMustFollow(t *testing.T) {
	s := snapshotAt(5, Member{ID: alice})

	_, err := Apply(s, &Change{Revision: 7, Editor: alice})
	require.Error(t, err)
	assert.True(t, errors.IsApplyFailure(err))

	_, err = Apply(s, &Change{Revision: 5, Editor: alice})
	assert.True(t, errors.IsApplyFailure(err))
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	s := snapshotAt(5, Member{ID: alice})
	title := "movie club"

	next, err := Apply(s, &Change{Revision: 6, Editor: alice, NewTitle: &title})
	require.NoError(t, err)

	assert.Equal(t, 5, s.Revision)
	assert.Equal(t, "book club", s.Title)
	assert.Equal(t, 6, next.Revision)
	assert.Equal(t, "movie club", next.Title)
}

func TestApply_AddMemberClearsPendingAndRequesting(t *testing.T) {
	s := snapshotAt(3, Member{ID: alice})
	s.PendingMembers = []PendingMember{{ID: bob, AddedBy: alice}}
	s.RequestingMembers = []RequestingMember{{ID: carol}}

	next, err := Apply(s, &Change{
		Revision:   4,
		Editor:     alice,
		NewMembers: []Member{{ID: bob, JoinedAtRevision: 4}, {ID: carol, JoinedAtRevision: 4}},
	})
	require.NoError(t, err)

	assert.True(t, next.IsMember(bob))
	assert.True(t, next.IsMember(carol))
	assert.Empty(t, next.PendingMembers)
	assert.Empty(t, next.RequestingMembers)
}

func TestApply_StructuralFailures(t *testing.T) {
	tests := []struct {
		name   string
		change Change
	}{
		{"remove absent member", Change{DeletedMembers: []uuid.UUID{bob}}},
		{"modify absent member role", Change{ModifiedRoles: []RoleChange{{ID: bob, Role: RoleAdmin}}}},
		{"rotate absent member secret", Change{RotatedSecrets: []SecretUpdate{{ID: bob, ProfileSecret: []byte{1}}}}},
		{"promote absent pending member", Change{PromotedPendingMembers: []Member{{ID: bob}}}},
		{"approve absent requesting member", Change{PromotedRequestingMembers: []RoleChange{{ID: bob, Role: RoleDefault}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := snapshotAt(1, Member{ID: alice})
			c := tt.change
			c.Revision = 2
			c.Editor = alice

			_, err := Apply(s, &c)
			require.Error(t, err)
			assert.True(t, errors.IsApplyFailure(err))
		})
	}
}

func TestApply_PromotePendingMember(t *testing.T) {
	s := snapshotAt(8, Member{ID: alice})
	s.PendingMembers = []PendingMember{{ID: bob, AddedBy: alice, Role: RoleDefault}}

	next, err := Apply(s, &Change{
		Revision:               9,
		Editor:                 bob,
		PromotedPendingMembers: []Member{{ID: bob, Role: RoleDefault}},
	})
	require.NoError(t, err)

	m, ok := next.FindMember(bob)
	require.True(t, ok)
	assert.Equal(t, 9, m.JoinedAtRevision)
	assert.Empty(t, next.PendingMembers)
}

func TestApply_ApproveRequestingMemberKeepsSecret(t *testing.T) {
	s := snapshotAt(2, Member{ID: alice, Role: RoleAdmin})
	s.RequestingMembers = []RequestingMember{{ID: carol, ProfileSecret: []byte{0xca}}}

	next, err := Apply(s, &Change{
		Revision:                  3,
		Editor:                    alice,
		PromotedRequestingMembers: []RoleChange{{ID: carol, Role: RoleDefault}},
	})
	require.NoError(t, err)

	m, ok := next.FindMember(carol)
	require.True(t, ok)
	assert.Equal(t, []byte{0xca}, m.ProfileSecret)
	assert.Equal(t, 3, m.JoinedAtRevision)
}

func TestApply_AttributeChanges(t *testing.T) {
	s := snapshotAt(1, Member{ID: alice})
	title := "new title"
	avatar := "avatars/v2/abc"
	timer := 3600

	next, err := Apply(s, &Change{
		Revision:           2,
		Editor:             alice,
		NewTitle:           &title,
		NewAvatarRef:       &avatar,
		NewTimer:           &timer,
		NewMemberAccess:    AccessAdmin,
		NewAttributeAccess: AccessMember,
	})
	require.NoError(t, err)

	assert.Equal(t, "new title", next.Title)
	assert.Equal(t, "avatars/v2/abc", next.AvatarRef)
	assert.Equal(t, 3600, next.TimerSeconds)
	assert.Equal(t, AccessAdmin, next.Access.Members)
	assert.Equal(t, AccessMember, next.Access.Attributes)
	// Untouched settings stay as they were
	assert.Equal(t, AccessUnknown, next.Access.InviteLink)
}

func TestApplyWithoutRevisionCheck_AllowsGap(t *testing.T) {
	s := snapshotAt(5, Member{ID: alice}, Member{ID: bob})

	next, err := ApplyWithoutRevisionCheck(s, &Change{
		Revision:       9,
		Editor:         bob,
		DeletedMembers: []uuid.UUID{alice},
	})
	require.NoError(t, err)
	assert.Equal(t, 9, next.Revision)
	assert.False(t, next.IsMember(alice))
}

func TestRemoveMember(t *testing.T) {
	s := snapshotAt(5, Member{ID: alice}, Member{ID: bob})

	next := RemoveMember(s, alice, 6)

	assert.Equal(t, 6, next.Revision)
	assert.False(t, next.IsMember(alice))
	assert.True(t, next.IsMember(bob))
	assert.True(t, s.IsMember(alice))
}

func TestChangeEmptiness(t *testing.T) {
	empty := &Change{Revision: 4, Editor: alice}
	assert.True(t, empty.IsEmpty())
	assert.False(t, empty.IsEmptyExceptSecrets())

	secretsOnly := &Change{
		Revision:       4,
		Editor:         alice,
		RotatedSecrets: []SecretUpdate{{ID: alice, ProfileSecret: []byte{1}}},
	}
	assert.False(t, secretsOnly.IsEmpty())
	assert.True(t, secretsOnly.IsEmptyExceptSecrets())

	visible := &Change{
		Revision:       4,
		Editor:         alice,
		RotatedSecrets: []SecretUpdate{{ID: alice, ProfileSecret: []byte{1}}},
		DeletedMembers: []uuid.UUID{bob},
	}
	assert.False(t, visible.IsEmpty())
	assert.False(t, visible.IsEmptyExceptSecrets())
}

func TestSnapshotPredicates(t *testing.T) {
	s := snapshotAt(1, Member{ID: alice})
	s.PendingMembers = []PendingMember{{ID: bob, AddedBy: alice}}
	s.RequestingMembers = []RequestingMember{{ID: carol}}

	assert.True(t, s.IsPendingOrRequesting(bob))
	assert.True(t, s.IsPendingOrRequesting(carol))
	assert.False(t, s.IsPendingOrRequesting(alice))

	assert.False(t, s.IsPlaceholder())
	placeholder := &Snapshot{Revision: RestorePlaceholderRevision}
	assert.True(t, placeholder.IsPlaceholder())
	assert.True(t, placeholder.IsRestorePlaceholder())
	partial := &Snapshot{Revision: PlaceholderRevision}
	assert.True(t, partial.IsPlaceholder())
	assert.False(t, partial.IsRestorePlaceholder())
}

func TestChangeAddsPredicates(t *testing.T) {
	c := &Change{
		Revision:               6,
		NewMembers:             []Member{{ID: alice}},
		PromotedPendingMembers: []Member{{ID: bob}},
		NewPendingMembers:      []PendingMember{{ID: carol}},
	}

	assert.True(t, c.AddsMember(alice))
	assert.True(t, c.AddsMember(bob))
	assert.False(t, c.AddsMember(carol))
	assert.True(t, c.AddsPendingMember(carol))
	assert.False(t, c.AddsPendingMember(alice))
}

func TestDeriveIDStable(t *testing.T) {
	var key MasterKey
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	id1 := DeriveID(key)
	id2 := DeriveID(key)
	assert.Equal(t, id1, id2)
	assert.Len(t, string(id1), 32)

	var other MasterKey
	copy(other[:], []byte("fedcba9876543210fedcba9876543210"))
	assert.NotEqual(t, id1, DeriveID(other))
}
