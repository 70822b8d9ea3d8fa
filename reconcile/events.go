package reconcile

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonchat/groupsync/group"
)

// UpdateEvent is the durable record of one applied group transition, as it
// lands in conversation history.
type UpdateEvent struct {
	GroupID group.ID

	// Editor is who made the change; uuid.Nil when unidentified.
	Editor uuid.UUID

	// Outbound marks events attributed to the caller (or to no one).
	Outbound bool

	// Timestamp orders the event within its conversation, milliseconds.
	Timestamp int64

	// PriorState is absent for the first-ever record of the group.
	PriorState *group.Snapshot

	// Change is absent when the transition came from a snapshot override.
	Change *group.Change

	NewState *group.Snapshot
}

// EventStore persists update events into conversation history.
type EventStore interface {
	// InsertOutboundUpdate stores a self-authored event, marks it sent, and
	// updates the conversation record.
	InsertOutboundUpdate(ctx context.Context, ev *UpdateEvent) error

	// InsertInboundUpdate stores an event authored by another member.
	// Conversation recency is bumped only when inserted is true.
	InsertInboundUpdate(ctx context.Context, ev *UpdateEvent) (inserted bool, err error)
}

// Materializer converts applied transitions into durable update events,
// suppressing the ones that are not user-visible.
type Materializer struct {
	self    uuid.UUID
	groupID group.ID
	store   EventStore
	logger  *zap.SugaredLogger
}

// NewMaterializer creates a materializer for one group on behalf of self.
func NewMaterializer(self uuid.UUID, groupID group.ID, store EventStore, logger *zap.SugaredLogger) *Materializer {
	return &Materializer{
		self:    self,
		groupID: groupID,
		store:   store,
		logger:  logger,
	}
}

// Materialize walks the transitions in order, emitting one event per
// user-visible transition with strictly increasing timestamps starting at
// timestamp. Returns the next unused timestamp so multi-page
// materialization stays ordered across calls.
//
// Suppression rules:
//   - a change whose only content is secret rotation is never emitted
//   - a fully empty change against an existing prior state is never emitted
//   - a fully empty change with no prior state is emitted: the first-ever
//     record of the group must exist even when nothing else is known
//
// Storage failures are logged and skipped; a missed history line never
// fails the reconciliation pass that produced it.
func (m *Materializer) Materialize(ctx context.Context, timestamp int64, prior *group.Snapshot, transitions []Transition) int64 {
	for _, tr := range transitions {
		c := tr.Change
		switch {
		case c != nil && c.IsEmptyExceptSecrets():
			m.logger.Debugw("Skipping secret-rotation-only update event",
				"group_id", m.groupID,
				"revision", tr.State.Revision,
			)
		case c != nil && c.IsEmpty() && prior != nil:
			m.logger.Warnw("Empty group update seen, not inserting",
				"group_id", m.groupID,
				"revision", tr.State.Revision,
			)
		default:
			m.storeEvent(ctx, &UpdateEvent{
				GroupID:    m.groupID,
				Timestamp:  timestamp,
				PriorState: prior,
				Change:     c,
				NewState:   tr.State,
			})
			timestamp++
		}
		prior = tr.State
	}
	return timestamp
}

func (m *Materializer) storeEvent(ctx context.Context, ev *UpdateEvent) {
	ev.Editor = m.resolveEditor(ev.Change, ev.NewState)
	ev.Outbound = ev.Editor == uuid.Nil || ev.Editor == m.self

	if ev.Outbound {
		if err := m.store.InsertOutboundUpdate(ctx, ev); err != nil {
			m.logger.Warnw("Failed to insert outbound update event",
				"group_id", m.groupID,
				"timestamp", ev.Timestamp,
				"error", err,
			)
		}
		return
	}

	inserted, err := m.store.InsertInboundUpdate(ctx, ev)
	if err != nil || !inserted {
		m.logger.Warnw("Could not insert inbound update event",
			"group_id", m.groupID,
			"timestamp", ev.Timestamp,
			"error", err,
		)
	}
}

// resolveEditor attributes the event. A change names its editor directly;
// failing that, an invite of the caller names whoever extended it.
func (m *Materializer) resolveEditor(c *group.Change, state *group.Snapshot) uuid.UUID {
	if c != nil && c.Editor != uuid.Nil {
		return c.Editor
	}
	if state != nil {
		if pm, ok := state.FindPendingMember(m.self); ok {
			return pm.AddedBy
		}
	}
	return uuid.Nil
}
