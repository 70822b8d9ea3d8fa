package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonchat/groupsync/group"
	"github.com/halcyonchat/groupsync/reconcile"
)

func testEvent(editor string, timestamp int64) *reconcile.UpdateEvent {
	var editorID = bob
	if editor == "self" {
		editorID = alice
	}
	return &reconcile.UpdateEvent{
		GroupID:   group.DeriveID(testKey),
		Editor:    editorID,
		Outbound:  editor == "self",
		Timestamp: timestamp,
		NewState:  snapshotAt(6, alice, bob),
	}
}

func TestEventStore_OutboundMarkedSentAndBumpsConversation(t *testing.T) {
	conn := openTestDB(t)
	s := NewEventStore(conn, nil)
	ctx := context.Background()

	require.NoError(t, s.InsertOutboundUpdate(ctx, testEvent("self", 1000)))

	var sent, outbound bool
	require.NoError(t, conn.QueryRow(
		`SELECT sent, outbound FROM group_update_events WHERE timestamp = 1000`,
	).Scan(&sent, &outbound))
	assert.True(t, sent)
	assert.True(t, outbound)

	var lastActivity int64
	var unread int
	require.NoError(t, conn.QueryRow(
		`SELECT last_activity_at, unread_count FROM conversations WHERE group_id = ?`,
		string(group.DeriveID(testKey)),
	).Scan(&lastActivity, &unread))
	assert.Equal(t, int64(1000), lastActivity)
	assert.Zero(t, unread, "own events are never unread")
}

func TestEventStore_InboundRedeliveryIsIgnored(t *testing.T) {
	conn := openTestDB(t)
	s := NewEventStore(conn, nil)
	ctx := context.Background()

	inserted, err := s.InsertInboundUpdate(ctx, testEvent("peer", 1000))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertInboundUpdate(ctx, testEvent("peer", 1000))
	require.NoError(t, err)
	assert.False(t, inserted, "same group, timestamp, and editor is a redelivery")

	count, err := s.CountEvents(ctx, group.DeriveID(testKey))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	var unread int
	require.NoError(t, conn.QueryRow(
		`SELECT unread_count FROM conversations WHERE group_id = ?`,
		string(group.DeriveID(testKey)),
	).Scan(&unread))
	assert.Equal(t, 1, unread, "redelivery must not double-count")
}

func TestEventStore_ConversationRecencyNeverRegresses(t *testing.T) {
	conn := openTestDB(t)
	s := NewEventStore(conn, nil)
	ctx := context.Background()

	_, err := s.InsertInboundUpdate(ctx, testEvent("peer", 2000))
	require.NoError(t, err)
	_, err = s.InsertInboundUpdate(ctx, testEvent("peer", 1500))
	require.NoError(t, err)

	var lastActivity int64
	require.NoError(t, conn.QueryRow(
		`SELECT last_activity_at FROM conversations WHERE group_id = ?`,
		string(group.DeriveID(testKey)),
	).Scan(&lastActivity))
	assert.Equal(t, int64(2000), lastActivity)
}

func TestEventStore_NullableStatesRoundTrip(t *testing.T) {
	conn := openTestDB(t)
	s := NewEventStore(conn, nil)
	ctx := context.Background()

	ev := testEvent("self", 1000)
	ev.PriorState = snapshotAt(5, alice)
	title := "renamed"
	ev.Change = &group.Change{Revision: 6, Editor: alice, NewTitle: &title}
	require.NoError(t, s.InsertOutboundUpdate(ctx, ev))

	first := testEvent("self", 999)
	require.NoError(t, s.InsertOutboundUpdate(ctx, first))

	var withPrior, withoutPrior int
	require.NoError(t, conn.QueryRow(
		`SELECT COUNT(*) FROM group_update_events WHERE prior_state IS NOT NULL`,
	).Scan(&withPrior))
	require.NoError(t, conn.QueryRow(
		`SELECT COUNT(*) FROM group_update_events WHERE prior_state IS NULL`,
	).Scan(&withoutPrior))
	assert.Equal(t, 1, withPrior)
	assert.Equal(t, 1, withoutPrior)
}
