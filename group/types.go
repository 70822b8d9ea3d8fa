// Package group defines the value types of the authenticated group log:
// full state snapshots at a revision, change records between revisions,
// and the membership records they carry.
//
// Everything here is a plain value constructed from already-decrypted,
// integrity-verified input. Snapshots and changes are immutable once
// constructed; Apply returns a new snapshot rather than mutating.
package group

import (
	"crypto/sha256"
	"encoding/hex"
	"math"

	"github.com/google/uuid"
)

const (
	// Latest is the sentinel target revision meaning "no upper bound":
	// advance as far as the supplied history allows.
	Latest = math.MaxInt32

	// PlaceholderRevision marks a snapshot built from partial knowledge,
	// e.g. title and avatar learned from a join link.
	PlaceholderRevision = -1

	// RestorePlaceholderRevision marks a snapshot with no knowledge of the
	// group at all beyond its master key, e.g. after a backup restore.
	RestorePlaceholderRevision = -2
)

// MasterKey is the group's root secret. All server requests are scoped by
// the parameters derived from it.
type MasterKey [32]byte

// ID is the stable public identifier of a group, derived from its master key.
type ID string

// DeriveID computes the group ID for a master key.
func DeriveID(key MasterKey) ID {
	sum := sha256.Sum256(key[:])
	return ID(hex.EncodeToString(sum[:16]))
}

// Role is a full member's permission level.
type Role int

const (
	RoleUnknown Role = iota
	RoleDefault
	RoleAdmin
)

// AccessLevel controls who may perform a class of group operations.
type AccessLevel int

const (
	AccessUnknown AccessLevel = iota
	AccessAny
	AccessMember
	AccessAdmin
	AccessUnsatisfiable
)

// AccessControl holds the group's access-control settings.
type AccessControl struct {
	Attributes AccessLevel `json:"attributes"`
	Members    AccessLevel `json:"members"`
	InviteLink AccessLevel `json:"invite_link"`
}

// Member is a full group member.
type Member struct {
	ID uuid.UUID `json:"id"`

	Role Role `json:"role"`

	// ProfileSecret is the member's profile secret ciphertext as carried in
	// the group state. Opaque to this package.
	ProfileSecret []byte `json:"profile_secret,omitempty"`

	// JoinedAtRevision is the revision at which this member became a full
	// member.
	JoinedAtRevision int `json:"joined_at_revision"`
}

// PendingMember is an invited member who has not yet accepted.
type PendingMember struct {
	ID      uuid.UUID `json:"id"`
	AddedBy uuid.UUID `json:"added_by"`
	Role    Role      `json:"role"`
}

// RequestingMember is someone who asked to join via the invite link and
// awaits approval.
type RequestingMember struct {
	ID            uuid.UUID `json:"id"`
	ProfileSecret []byte    `json:"profile_secret,omitempty"`
}

// Snapshot is the full group state at a single revision. Two snapshots with
// equal revision are semantically equal; the revision is the group's
// logical clock.
type Snapshot struct {
	Revision    int    `json:"revision"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	// AvatarRef points at the avatar binary on the remote service. Empty
	// when the group has no avatar.
	AvatarRef string `json:"avatar_ref,omitempty"`

	// TimerSeconds is the disappearing message timer, 0 when disabled.
	TimerSeconds int `json:"timer_seconds,omitempty"`

	Access AccessControl `json:"access"`

	Members           []Member           `json:"members,omitempty"`
	PendingMembers    []PendingMember    `json:"pending_members,omitempty"`
	RequestingMembers []RequestingMember `json:"requesting_members,omitempty"`
}

// FindMember returns the full member record for id, if present.
func (s *Snapshot) FindMember(id uuid.UUID) (Member, bool) {
	for _, m := range s.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// IsMember reports whether id is a full member.
func (s *Snapshot) IsMember(id uuid.UUID) bool {
	_, ok := s.FindMember(id)
	return ok
}

// FindPendingMember returns the pending member record for id, if present.
func (s *Snapshot) FindPendingMember(id uuid.UUID) (PendingMember, bool) {
	for _, m := range s.PendingMembers {
		if m.ID == id {
			return m, true
		}
	}
	return PendingMember{}, false
}

// IsPendingOrRequesting reports whether id is invited or awaiting approval,
// but not yet a full member.
func (s *Snapshot) IsPendingOrRequesting(id uuid.UUID) bool {
	if _, ok := s.FindPendingMember(id); ok {
		return true
	}
	for _, m := range s.RequestingMembers {
		if m.ID == id {
			return true
		}
	}
	return false
}

// IsPlaceholder reports whether the snapshot is any kind of placeholder
// rather than verified server state.
func (s *Snapshot) IsPlaceholder() bool {
	return s.Revision < 0
}

// IsRestorePlaceholder reports whether the snapshot is the no-knowledge
// placeholder written during a backup restore.
func (s *Snapshot) IsRestorePlaceholder() bool {
	return s.Revision == RestorePlaceholderRevision
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	out := *s
	out.Members = append([]Member(nil), s.Members...)
	out.PendingMembers = append([]PendingMember(nil), s.PendingMembers...)
	out.RequestingMembers = append([]RequestingMember(nil), s.RequestingMembers...)
	return &out
}

// RoleChange modifies an existing member's role.
type RoleChange struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}

// SecretUpdate rotates an existing member's profile secret.
type SecretUpdate struct {
	ID            uuid.UUID `json:"id"`
	ProfileSecret []byte    `json:"profile_secret"`
}

// Change is a delta transforming the group from revision R-1 to R. The
// editor is uuid.Nil when unknown (e.g. synthesized changes).
type Change struct {
	Revision int       `json:"revision"`
	Editor   uuid.UUID `json:"editor"`

	NewMembers      []Member     `json:"new_members,omitempty"`
	DeletedMembers  []uuid.UUID  `json:"deleted_members,omitempty"`
	ModifiedRoles   []RoleChange `json:"modified_roles,omitempty"`
	RotatedSecrets  []SecretUpdate `json:"rotated_secrets,omitempty"`

	NewPendingMembers     []PendingMember `json:"new_pending_members,omitempty"`
	DeletedPendingMembers []uuid.UUID     `json:"deleted_pending_members,omitempty"`
	PromotedPendingMembers []Member       `json:"promoted_pending_members,omitempty"`

	NewRequestingMembers      []RequestingMember `json:"new_requesting_members,omitempty"`
	DeletedRequestingMembers  []uuid.UUID        `json:"deleted_requesting_members,omitempty"`
	PromotedRequestingMembers []RoleChange       `json:"promoted_requesting_members,omitempty"`

	NewTitle       *string `json:"new_title,omitempty"`
	NewDescription *string `json:"new_description,omitempty"`
	NewAvatarRef   *string `json:"new_avatar_ref,omitempty"`
	NewTimer       *int    `json:"new_timer,omitempty"`

	NewAttributeAccess  AccessLevel `json:"new_attribute_access,omitempty"`
	NewMemberAccess     AccessLevel `json:"new_member_access,omitempty"`
	NewInviteLinkAccess AccessLevel `json:"new_invite_link_access,omitempty"`
}

// IsEmpty reports whether the change carries no mutations at all beyond
// its revision and editor.
func (c *Change) IsEmpty() bool {
	return len(c.RotatedSecrets) == 0 && c.isEmptyExceptSecrets()
}

// IsEmptyExceptSecrets reports whether the change's only content is
// profile secret rotation. Such changes are not user-visible.
func (c *Change) IsEmptyExceptSecrets() bool {
	return len(c.RotatedSecrets) > 0 && c.isEmptyExceptSecrets()
}

func (c *Change) isEmptyExceptSecrets() bool {
	return len(c.NewMembers) == 0 &&
		len(c.DeletedMembers) == 0 &&
		len(c.ModifiedRoles) == 0 &&
		len(c.NewPendingMembers) == 0 &&
		len(c.DeletedPendingMembers) == 0 &&
		len(c.PromotedPendingMembers) == 0 &&
		len(c.NewRequestingMembers) == 0 &&
		len(c.DeletedRequestingMembers) == 0 &&
		len(c.PromotedRequestingMembers) == 0 &&
		c.NewTitle == nil &&
		c.NewDescription == nil &&
		c.NewAvatarRef == nil &&
		c.NewTimer == nil &&
		c.NewAttributeAccess == AccessUnknown &&
		c.NewMemberAccess == AccessUnknown &&
		c.NewInviteLinkAccess == AccessUnknown
}

// AddsMember reports whether the change introduces id as a new full member,
// either directly or by promotion.
func (c *Change) AddsMember(id uuid.UUID) bool {
	for _, m := range c.NewMembers {
		if m.ID == id {
			return true
		}
	}
	for _, m := range c.PromotedPendingMembers {
		if m.ID == id {
			return true
		}
	}
	return false
}

// AddsPendingMember reports whether the change invites id.
func (c *Change) AddsPendingMember(id uuid.UUID) bool {
	for _, m := range c.NewPendingMembers {
		if m.ID == id {
			return true
		}
	}
	return false
}
