package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonchat/groupsync/reconcile"
)

func TestContactStore_PersistSecretsReportsChanges(t *testing.T) {
	conn := openTestDB(t)
	s := NewContactStore(conn, nil)
	ctx := context.Background()

	changed, err := s.PersistSecrets(ctx, reconcile.SecretSet{bob: {0x01}})
	require.NoError(t, err)
	assert.Equal(t, []string{bob.String()}, uuidsToStrings(changed))

	// Same secret again: stored value is identical, nothing changed.
	changed, err = s.PersistSecrets(ctx, reconcile.SecretSet{bob: {0x01}})
	require.NoError(t, err)
	assert.Empty(t, changed)

	// Rotated secret: the member shows up again.
	changed, err = s.PersistSecrets(ctx, reconcile.SecretSet{bob: {0x02}})
	require.NoError(t, err)
	assert.Equal(t, []string{bob.String()}, uuidsToStrings(changed))
}

func TestContactStore_IsTrusted(t *testing.T) {
	conn := openTestDB(t)
	s := NewContactStore(conn, nil)
	ctx := context.Background()

	trusted, err := s.IsTrusted(ctx, bob)
	require.NoError(t, err)
	assert.False(t, trusted, "unknown members are never trusted")

	require.NoError(t, s.SetKnown(ctx, bob, true))
	trusted, err = s.IsTrusted(ctx, bob)
	require.NoError(t, err)
	assert.True(t, trusted)

	// A contact with only a learned secret is not trusted.
	_, err = s.PersistSecrets(ctx, reconcile.SecretSet{carol: {0x01}})
	require.NoError(t, err)
	trusted, err = s.IsTrusted(ctx, carol)
	require.NoError(t, err)
	assert.False(t, trusted)
}

func TestContactStore_MarkProfileRefreshed(t *testing.T) {
	conn := openTestDB(t)
	s := NewContactStore(conn, nil)
	ctx := context.Background()

	require.NoError(t, s.SetKnown(ctx, bob, true))
	require.NoError(t, s.MarkProfileRefreshed(ctx, bob))

	var refreshedAt int64
	require.NoError(t, conn.QueryRow(
		`SELECT profile_refreshed_at FROM contacts WHERE member_id = ?`, bob.String(),
	).Scan(&refreshedAt))
	assert.Positive(t, refreshedAt)
}

func TestContactStore_PersistSecretsRollsBackOnFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT profile_secret FROM contacts").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	s := NewContactStore(conn, nil)
	_, err = s.PersistSecrets(context.Background(), reconcile.SecretSet{bob: {0x01}})
	require.Error(t, err)
	assert.ErrorContains(t, err, "querying contact secret")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func uuidsToStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
