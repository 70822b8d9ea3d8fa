package store

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/halcyonchat/groupsync/db"
	"github.com/halcyonchat/groupsync/group"
)

var (
	alice = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	bob   = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	carol = uuid.MustParse("33333333-3333-3333-3333-333333333333")

	testKey = group.MasterKey{0x42}
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func snapshotAt(revision int, members ...uuid.UUID) *group.Snapshot {
	s := &group.Snapshot{Revision: revision, Title: "test group"}
	for _, id := range members {
		s.Members = append(s.Members, group.Member{ID: id, Role: group.RoleDefault, JoinedAtRevision: 1})
	}
	return s
}
