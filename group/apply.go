package group

import (
	"github.com/google/uuid"

	"github.com/halcyonchat/groupsync/errors"
)

// Apply deterministically produces the snapshot at revision R+1 from the
// snapshot at revision R and the change R->R+1. It fails with ErrApplyFailed
// when the change's revision is not exactly one ahead of the snapshot's, or
// when a structural precondition is violated (a referenced member is not
// present).
func Apply(s *Snapshot, c *Change) (*Snapshot, error) {
	if s.Revision+1 != c.Revision {
		return nil, errors.Wrapf(errors.ErrApplyFailed,
			"change revision %d does not follow snapshot revision %d", c.Revision, s.Revision)
	}
	return applyChange(s, c)
}

// ApplyWithoutRevisionCheck applies the change regardless of the revision
// gap. Used when a peer-delivered change is trusted despite the server
// refusing to serve us history (we were just removed, or just added).
func ApplyWithoutRevisionCheck(s *Snapshot, c *Change) (*Snapshot, error) {
	return applyChange(s, c)
}

func applyChange(s *Snapshot, c *Change) (*Snapshot, error) {
	out := s.Clone()
	out.Revision = c.Revision

	for _, m := range c.NewMembers {
		out.removePending(m.ID)
		out.removeRequesting(m.ID)
		out.upsertMember(m)
	}

	for _, id := range c.DeletedMembers {
		if !out.removeMember(id) {
			return nil, errors.Wrapf(errors.ErrApplyFailed, "cannot remove absent member %s", id)
		}
	}

	for _, rc := range c.ModifiedRoles {
		if !out.setRole(rc.ID, rc.Role) {
			return nil, errors.Wrapf(errors.ErrApplyFailed, "cannot change role of absent member %s", rc.ID)
		}
	}

	for _, su := range c.RotatedSecrets {
		if !out.setSecret(su.ID, su.ProfileSecret) {
			return nil, errors.Wrapf(errors.ErrApplyFailed, "cannot rotate secret of absent member %s", su.ID)
		}
	}

	for _, m := range c.NewPendingMembers {
		out.upsertPending(m)
	}
	for _, id := range c.DeletedPendingMembers {
		// Uninvites are idempotent: a concurrently-resolved invite is fine.
		out.removePending(id)
	}
	for _, m := range c.PromotedPendingMembers {
		if _, ok := out.FindPendingMember(m.ID); !ok {
			return nil, errors.Wrapf(errors.ErrApplyFailed, "cannot promote absent pending member %s", m.ID)
		}
		out.removePending(m.ID)
		if m.JoinedAtRevision == 0 {
			m.JoinedAtRevision = c.Revision
		}
		out.upsertMember(m)
	}

	for _, m := range c.NewRequestingMembers {
		out.upsertRequesting(m)
	}
	for _, id := range c.DeletedRequestingMembers {
		out.removeRequesting(id)
	}
	for _, rc := range c.PromotedRequestingMembers {
		req, ok := out.findRequesting(rc.ID)
		if !ok {
			return nil, errors.Wrapf(errors.ErrApplyFailed, "cannot approve absent requesting member %s", rc.ID)
		}
		out.removeRequesting(rc.ID)
		out.upsertMember(Member{
			ID:               rc.ID,
			Role:             rc.Role,
			ProfileSecret:    req.ProfileSecret,
			JoinedAtRevision: c.Revision,
		})
	}

	if c.NewTitle != nil {
		out.Title = *c.NewTitle
	}
	if c.NewDescription != nil {
		out.Description = *c.NewDescription
	}
	if c.NewAvatarRef != nil {
		out.AvatarRef = *c.NewAvatarRef
	}
	if c.NewTimer != nil {
		out.TimerSeconds = *c.NewTimer
	}
	if c.NewAttributeAccess != AccessUnknown {
		out.Access.Attributes = c.NewAttributeAccess
	}
	if c.NewMemberAccess != AccessUnknown {
		out.Access.Members = c.NewMemberAccess
	}
	if c.NewInviteLinkAccess != AccessUnknown {
		out.Access.InviteLink = c.NewInviteLinkAccess
	}

	return out, nil
}

// RemoveMember returns a copy of the snapshot at the given revision with
// the member removed. Used to synthesize a local leave when the server
// reports non-membership.
func RemoveMember(s *Snapshot, id uuid.UUID, revision int) *Snapshot {
	out := s.Clone()
	out.Revision = revision
	out.removeMember(id)
	return out
}

func (s *Snapshot) upsertMember(m Member) {
	for i, existing := range s.Members {
		if existing.ID == m.ID {
			s.Members[i] = m
			return
		}
	}
	s.Members = append(s.Members, m)
}

func (s *Snapshot) removeMember(id uuid.UUID) bool {
	for i, m := range s.Members {
		if m.ID == id {
			s.Members = append(s.Members[:i:i], s.Members[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Snapshot) setRole(id uuid.UUID, role Role) bool {
	for i, m := range s.Members {
		if m.ID == id {
			s.Members[i].Role = role
			return true
		}
	}
	return false
}

func (s *Snapshot) setSecret(id uuid.UUID, secret []byte) bool {
	for i, m := range s.Members {
		if m.ID == id {
			s.Members[i].ProfileSecret = secret
			return true
		}
	}
	return false
}

func (s *Snapshot) upsertPending(m PendingMember) {
	for i, existing := range s.PendingMembers {
		if existing.ID == m.ID {
			s.PendingMembers[i] = m
			return
		}
	}
	s.PendingMembers = append(s.PendingMembers, m)
}

func (s *Snapshot) removePending(id uuid.UUID) {
	for i, m := range s.PendingMembers {
		if m.ID == id {
			s.PendingMembers = append(s.PendingMembers[:i:i], s.PendingMembers[i+1:]...)
			return
		}
	}
}

func (s *Snapshot) upsertRequesting(m RequestingMember) {
	for i, existing := range s.RequestingMembers {
		if existing.ID == m.ID {
			s.RequestingMembers[i] = m
			return
		}
	}
	s.RequestingMembers = append(s.RequestingMembers, m)
}

func (s *Snapshot) findRequesting(id uuid.UUID) (RequestingMember, bool) {
	for _, m := range s.RequestingMembers {
		if m.ID == id {
			return m, true
		}
	}
	return RequestingMember{}, false
}

func (s *Snapshot) removeRequesting(id uuid.UUID) {
	for i, m := range s.RequestingMembers {
		if m.ID == id {
			s.RequestingMembers = append(s.RequestingMembers[:i:i], s.RequestingMembers[i+1:]...)
			return
		}
	}
}
