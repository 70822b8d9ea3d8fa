// Package store provides the SQLite-backed persistence layer behind the
// reconciliation engine's storage interfaces.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonchat/groupsync/errors"
	"github.com/halcyonchat/groupsync/group"
	"github.com/halcyonchat/groupsync/reconcile"
)

// GroupStore persists group records in the groups and group_memberships
// tables. The snapshot is stored as JSON; membership rows are rewritten to
// mirror it on every commit.
type GroupStore struct {
	db     *sql.DB
	self   uuid.UUID
	logger *zap.SugaredLogger
}

var _ reconcile.GroupStore = (*GroupStore)(nil)

// NewGroupStore creates a group store acting on behalf of self.
func NewGroupStore(db *sql.DB, self uuid.UUID, logger *zap.SugaredLogger) *GroupStore {
	return &GroupStore{db: db, self: self, logger: logger}
}

// GetGroup returns the record for id, or nil when the group is unknown.
func (s *GroupStore) GetGroup(ctx context.Context, id group.ID) (*reconcile.GroupRecord, error) {
	var (
		masterKey      []byte
		snapshotJSON   string
		active         bool
		sharingEnabled bool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT master_key, snapshot, active, sharing_enabled
		FROM groups WHERE group_id = ?
	`, string(id)).Scan(&masterKey, &snapshotJSON, &active, &sharingEnabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying group")
	}

	record := &reconcile.GroupRecord{
		ID:             id,
		Active:         active,
		SharingEnabled: sharingEnabled,
	}
	if len(masterKey) != len(record.MasterKey) {
		return nil, errors.Newf("stored master key has %d bytes", len(masterKey))
	}
	copy(record.MasterKey[:], masterKey)

	var snap group.Snapshot
	if err := json.Unmarshal([]byte(snapshotJSON), &snap); err != nil {
		return nil, errors.Wrap(err, "decoding stored snapshot")
	}
	record.Snapshot = &snap

	return record, nil
}

// CreateGroup inserts a new group record with its membership rows.
func (s *GroupStore) CreateGroup(ctx context.Context, key group.MasterKey, snap *group.Snapshot) error {
	snapshotJSON, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "encoding snapshot")
	}

	id := group.DeriveID(key)
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO groups (group_id, master_key, revision, title, avatar_ref, snapshot, active, sharing_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, 0, ?, ?)
	`, string(id), key[:], snap.Revision, snap.Title, snap.AvatarRef, string(snapshotJSON), now, now)
	if err != nil {
		return errors.Wrap(err, "inserting group")
	}

	if err := syncMemberships(ctx, tx, id, snap); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// UpdateGroup replaces the stored snapshot and rewrites membership rows.
func (s *GroupStore) UpdateGroup(ctx context.Context, key group.MasterKey, snap *group.Snapshot) error {
	snapshotJSON, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "encoding snapshot")
	}

	id := group.DeriveID(key)
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE groups
		SET revision = ?, title = ?, avatar_ref = ?, snapshot = ?, updated_at = ?
		WHERE group_id = ?
	`, snap.Revision, snap.Title, snap.AvatarRef, string(snapshotJSON), now, string(id))
	if err != nil {
		return errors.Wrap(err, "updating group")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "group %s", id)
	}

	if err := syncMemberships(ctx, tx, id, snap); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// SetActive flips the active flag.
func (s *GroupStore) SetActive(ctx context.Context, id group.ID, active bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE groups SET active = ?, updated_at = ? WHERE group_id = ?
	`, active, time.Now().UnixMilli(), string(id))
	return errors.Wrap(err, "setting group active flag")
}

// SetSharingEnabled flips the data sharing flag.
func (s *GroupStore) SetSharingEnabled(ctx context.Context, id group.ID, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE groups SET sharing_enabled = ?, updated_at = ? WHERE group_id = ?
	`, enabled, time.Now().UnixMilli(), string(id))
	return errors.Wrap(err, "setting group sharing flag")
}

// RemoveSelfMembership deletes the caller's own membership row after a
// synthesized leave. The stored snapshot is left alone; it was already
// committed without the caller.
func (s *GroupStore) RemoveSelfMembership(ctx context.Context, id group.ID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM group_memberships WHERE group_id = ? AND member_id = ?
	`, string(id), s.self.String())
	return errors.Wrap(err, "removing own membership row")
}

// ListActiveGroups returns the identities of every active group, for
// startup reconciliation sweeps.
func (s *GroupStore) ListActiveGroups(ctx context.Context) ([]reconcile.GroupRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, master_key, revision, active, sharing_enabled
		FROM groups WHERE active = 1 ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "listing groups")
	}
	defer rows.Close()

	var records []reconcile.GroupRecord
	for rows.Next() {
		var (
			id        string
			masterKey []byte
			revision  int
			record    reconcile.GroupRecord
		)
		if err := rows.Scan(&id, &masterKey, &revision, &record.Active, &record.SharingEnabled); err != nil {
			return nil, errors.Wrap(err, "scanning group row")
		}
		record.ID = group.ID(id)
		copy(record.MasterKey[:], masterKey)
		records = append(records, record)
	}
	return records, errors.Wrap(rows.Err(), "iterating group rows")
}

func syncMemberships(ctx context.Context, tx *sql.Tx, id group.ID, snap *group.Snapshot) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM group_memberships WHERE group_id = ?`, string(id)); err != nil {
		return errors.Wrap(err, "clearing membership rows")
	}
	for _, m := range snap.Members {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO group_memberships (group_id, member_id, role, joined_at_revision)
			VALUES (?, ?, ?, ?)
		`, string(id), m.ID.String(), int(m.Role), m.JoinedAtRevision)
		if err != nil {
			return errors.Wrap(err, "inserting membership row")
		}
	}
	return nil
}
