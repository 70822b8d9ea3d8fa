package store

import (
	"bytes"
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonchat/groupsync/errors"
	"github.com/halcyonchat/groupsync/reconcile"
)

// ContactStore persists per-member data in the contacts table: learned
// profile secrets and the local trust and sharing flags. It backs both the
// secret-learning aggregator and the trust heuristic.
type ContactStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

var (
	_ reconcile.SecretStore      = (*ContactStore)(nil)
	_ reconcile.ContactDirectory = (*ContactStore)(nil)
)

// NewContactStore creates a contact store.
func NewContactStore(db *sql.DB, logger *zap.SugaredLogger) *ContactStore {
	return &ContactStore{db: db, logger: logger}
}

// PersistSecrets upserts every learned secret and returns the identities
// whose stored secret actually changed. An identical secret is a no-op.
func (s *ContactStore) PersistSecrets(ctx context.Context, secrets reconcile.SecretSet) ([]uuid.UUID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	var changed []uuid.UUID

	for id, secret := range secrets {
		var stored []byte
		err := tx.QueryRowContext(ctx, `
			SELECT profile_secret FROM contacts WHERE member_id = ?
		`, id.String()).Scan(&stored)

		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO contacts (member_id, profile_secret, updated_at)
				VALUES (?, ?, ?)
			`, id.String(), secret, now)
			if err != nil {
				return nil, errors.Wrap(err, "inserting contact secret")
			}
			changed = append(changed, id)

		case err != nil:
			return nil, errors.Wrap(err, "querying contact secret")

		case !bytes.Equal(stored, secret):
			_, err = tx.ExecContext(ctx, `
				UPDATE contacts SET profile_secret = ?, updated_at = ? WHERE member_id = ?
			`, secret, now, id.String())
			if err != nil {
				return nil, errors.Wrap(err, "updating contact secret")
			}
			changed = append(changed, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit")
	}
	return changed, nil
}

// IsTrusted reports whether id is a recognized contact: marked known, or
// already data-shared.
func (s *ContactStore) IsTrusted(ctx context.Context, id uuid.UUID) (bool, error) {
	var known, sharing bool
	err := s.db.QueryRowContext(ctx, `
		SELECT known, sharing_enabled FROM contacts WHERE member_id = ?
	`, id.String()).Scan(&known, &sharing)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "querying contact trust")
	}
	return known || sharing, nil
}

// SetKnown marks a contact as personally known, creating the row when
// needed.
func (s *ContactStore) SetKnown(ctx context.Context, id uuid.UUID, known bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (member_id, known, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(member_id) DO UPDATE SET known = excluded.known, updated_at = excluded.updated_at
	`, id.String(), known, time.Now().UnixMilli())
	return errors.Wrap(err, "setting contact known flag")
}

// MarkProfileRefreshed records when a member's profile was last fetched.
func (s *ContactStore) MarkProfileRefreshed(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contacts SET profile_refreshed_at = ? WHERE member_id = ?
	`, time.Now().UnixMilli(), id.String())
	return errors.Wrap(err, "marking profile refreshed")
}
