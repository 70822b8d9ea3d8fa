package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/halcyonchat/groupsync/errors"
	"github.com/halcyonchat/groupsync/group"
	"github.com/halcyonchat/groupsync/reconcile"
)

// EventStore persists update events into the group_update_events table and
// keeps the per-group conversation row current.
type EventStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

var _ reconcile.EventStore = (*EventStore)(nil)

// NewEventStore creates an event store.
func NewEventStore(db *sql.DB, logger *zap.SugaredLogger) *EventStore {
	return &EventStore{db: db, logger: logger}
}

// InsertOutboundUpdate stores a self-authored event, marks it sent, and
// bumps the conversation's recency.
func (s *EventStore) InsertOutboundUpdate(ctx context.Context, ev *reconcile.UpdateEvent) error {
	prior, change, newState, err := encodeEventStates(ev)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO group_update_events (group_id, editor_id, outbound, timestamp, prior_state, change, new_state, sent, created_at)
		VALUES (?, ?, 1, ?, ?, ?, ?, 1, ?)
	`, string(ev.GroupID), ev.Editor.String(), ev.Timestamp, prior, change, newState, time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "inserting outbound update event")
	}

	if err := bumpConversation(ctx, tx, ev.GroupID, ev.Timestamp, false); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// InsertInboundUpdate stores an event authored by another member. A row
// already present at the same (group, timestamp, editor) is a redelivery;
// it is left alone and inserted is false.
func (s *EventStore) InsertInboundUpdate(ctx context.Context, ev *reconcile.UpdateEvent) (bool, error) {
	prior, change, newState, err := encodeEventStates(ev)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO group_update_events (group_id, editor_id, outbound, timestamp, prior_state, change, new_state, sent, created_at)
		VALUES (?, ?, 0, ?, ?, ?, ?, 0, ?)
	`, string(ev.GroupID), ev.Editor.String(), ev.Timestamp, prior, change, newState, time.Now().UnixMilli())
	if err != nil {
		return false, errors.Wrap(err, "inserting inbound update event")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "reading rows affected")
	}
	if n == 0 {
		return false, nil
	}

	if err := bumpConversation(ctx, tx, ev.GroupID, ev.Timestamp, true); err != nil {
		return false, err
	}
	return true, errors.Wrap(tx.Commit(), "commit")
}

// CountEvents returns how many update events are stored for the group.
func (s *EventStore) CountEvents(ctx context.Context, id group.ID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM group_update_events WHERE group_id = ?
	`, string(id)).Scan(&count)
	return count, errors.Wrap(err, "counting update events")
}

func encodeEventStates(ev *reconcile.UpdateEvent) (prior, change sql.NullString, newState string, err error) {
	data, err := json.Marshal(ev.NewState)
	if err != nil {
		return prior, change, "", errors.Wrap(err, "encoding new state")
	}
	newState = string(data)

	if ev.PriorState != nil {
		data, err := json.Marshal(ev.PriorState)
		if err != nil {
			return prior, change, "", errors.Wrap(err, "encoding prior state")
		}
		prior = sql.NullString{String: string(data), Valid: true}
	}
	if ev.Change != nil {
		data, err := json.Marshal(ev.Change)
		if err != nil {
			return prior, change, "", errors.Wrap(err, "encoding change")
		}
		change = sql.NullString{String: string(data), Valid: true}
	}
	return prior, change, newState, nil
}

func bumpConversation(ctx context.Context, tx *sql.Tx, id group.ID, at int64, unread bool) error {
	increment := 0
	if unread {
		increment = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (group_id, last_activity_at, unread_count)
		VALUES (?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			last_activity_at = MAX(last_activity_at, excluded.last_activity_at),
			unread_count = unread_count + ?
	`, string(id), at, increment, increment)
	return errors.Wrap(err, "updating conversation")
}
