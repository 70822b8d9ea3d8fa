package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonchat/groupsync/errors"
	"github.com/halcyonchat/groupsync/group"
)

// GroupRecord is the locally stored state of one group.
type GroupRecord struct {
	ID        group.ID
	MasterKey group.MasterKey
	Snapshot  *group.Snapshot

	// Active is false once the caller has left or been removed.
	Active bool

	// SharingEnabled records whether data sharing was enabled for this
	// group, either by the user or by the first-join trust heuristic.
	SharingEnabled bool
}

// GroupStore is the durable store of group records.
type GroupStore interface {
	// GetGroup returns the record for id, or nil when the group is unknown
	// locally.
	GetGroup(ctx context.Context, id group.ID) (*GroupRecord, error)
	CreateGroup(ctx context.Context, key group.MasterKey, snap *group.Snapshot) error
	UpdateGroup(ctx context.Context, key group.MasterKey, snap *group.Snapshot) error
	SetActive(ctx context.Context, id group.ID, active bool) error
	SetSharingEnabled(ctx context.Context, id group.ID, enabled bool) error

	// RemoveSelfMembership detaches the caller's own membership row after a
	// synthesized leave.
	RemoveSelfMembership(ctx context.Context, id group.ID) error
}

// ContactDirectory answers trust questions about other members.
type ContactDirectory interface {
	// IsTrusted reports whether id is a recognized contact: known
	// personally or already data-shared.
	IsTrusted(ctx context.Context, id uuid.UUID) (bool, error)
}

// WorkQueue schedules deferred reconciliation side work.
type WorkQueue interface {
	// EnqueueContinueSync schedules a follow-up reconciliation of the group
	// up to revision.
	EnqueueContinueSync(ctx context.Context, id group.ID, revision int) error

	// EnqueueFetchAvatar schedules retrieval of the group's avatar binary.
	EnqueueFetchAvatar(ctx context.Context, id group.ID, avatarRef string) error
}

// Outcome classifies a reconciliation result.
type Outcome int

const (
	// OutcomeConsistent: the local group was already at or ahead of the
	// requested revision; nothing was written.
	OutcomeConsistent Outcome = iota

	// OutcomeUpdated: the local group advanced and the new snapshot was
	// committed.
	OutcomeUpdated
)

// Result is the outcome of one reconciliation invocation. Snapshot is set
// only for OutcomeUpdated.
type Result struct {
	Outcome  Outcome
	Snapshot *group.Snapshot
}

// Processor orchestrates reconciliation for one group: it chooses between
// the peer-delta fast path and a full paged fetch, drives the advancement
// engine, commits the resulting state, and fans out to the materializer,
// secret aggregator, and work queue.
type Processor struct {
	self    uuid.UUID
	key     group.MasterKey
	groupID group.ID

	fetcher  *Fetcher
	groups   GroupStore
	contacts ContactDirectory
	queue    WorkQueue
	events   *Materializer
	secrets  *SecretAggregator

	locks  *Locks
	logger *zap.SugaredLogger
}

// ProcessorConfig holds the collaborators for creating a Processor. All
// fields are required except Locks, which defaults to a private registry.
type ProcessorConfig struct {
	Self      uuid.UUID
	MasterKey group.MasterKey

	Fetcher  *Fetcher
	Groups   GroupStore
	Contacts ContactDirectory
	Queue    WorkQueue
	Events   *Materializer
	Secrets  *SecretAggregator

	Locks  *Locks
	Logger *zap.SugaredLogger
}

// NewProcessor creates a processor for the group identified by
// cfg.MasterKey.
func NewProcessor(cfg ProcessorConfig) *Processor {
	locks := cfg.Locks
	if locks == nil {
		locks = NewLocks()
	}
	return &Processor{
		self:     cfg.Self,
		key:      cfg.MasterKey,
		groupID:  group.DeriveID(cfg.MasterKey),
		fetcher:  cfg.Fetcher,
		groups:   cfg.Groups,
		contacts: cfg.Contacts,
		queue:    cfg.Queue,
		events:   cfg.Events,
		secrets:  cfg.Secrets,
		locks:    locks,
		logger:   cfg.Logger,
	}
}

// GroupID returns the identity of the group this processor reconciles.
func (p *Processor) GroupID() group.ID {
	return p.groupID
}

// fastPathKind tags the outcome of evaluating the peer-delta fast path, so
// the fallback decision tree is matched exhaustively rather than driven by
// thrown errors.
type fastPathKind int

const (
	needsFullFetch fastPathKind = iota
	fastPathSkipped
	fastPathApplied
)

type fastPathOutcome struct {
	kind     fastPathKind
	reason   string
	timeline Timeline
}

// AdvanceToRevision brings the local copy of the group up to the requested
// revision, using the network where required. target may be group.Latest.
// peerChange, when non-nil, is a single delta delivered out of band by
// another member.
//
// Fails with errors.ErrNotAMember when the caller lacks access (after leave
// synthesis where appropriate) or errors.ErrIO on transport failure.
// Executes synchronously and may block on network I/O; callers run it on a
// background worker.
func (p *Processor) AdvanceToRevision(ctx context.Context, target int, timestamp int64, peerChange *group.Change) (Result, error) {
	unlock := p.locks.Lock(p.groupID)
	defer unlock()

	record, err := p.groups.GetGroup(ctx, p.groupID)
	if err != nil {
		return Result{}, errors.Wrap(err, "reading local group record")
	}

	if p.localIsAtLeast(record, target) {
		return Result{Outcome: OutcomeConsistent}, nil
	}

	var localState *group.Snapshot
	if record != nil {
		localState = record.Snapshot
	}

	var timeline *Timeline
	switch out := p.evaluateFastPath(record, localState, target, peerChange); out.kind {
	case fastPathApplied:
		p.logger.Infow("Applying peer group change",
			"group_id", p.groupID,
			"revision", peerChange.Revision,
		)
		timeline = &out.timeline
	case fastPathSkipped:
		p.logger.Warnw("Ignoring peer group change, falling back to server fetch",
			"group_id", p.groupID,
			"reason", out.reason,
		)
	case needsFullFetch:
	}

	if timeline != nil {
		return p.advanceAndCommit(ctx, *timeline, target, timestamp, localState)
	}

	res, err := p.advanceFromServerPaged(ctx, localState, target, timestamp)
	if err != nil && errors.IsNotAMember(err) {
		return p.recoverNotAMember(ctx, record, localState, target, timestamp, peerChange, err)
	}
	return res, err
}

// localIsAtLeast reports whether the group exists locally at or past the
// requested revision. Unknown groups, placeholder states, and the "latest"
// sentinel always force a server round trip.
func (p *Processor) localIsAtLeast(record *GroupRecord, target int) bool {
	if record == nil || record.Snapshot == nil || target == group.Latest {
		return false
	}
	if record.Snapshot.IsPlaceholder() {
		return false
	}
	return target <= record.Snapshot.Revision
}

// evaluateFastPath decides whether the peer-delivered change can advance
// the group without a server fetch: it must be exactly local revision + 1,
// equal the target, come from a trustworthy position, and apply cleanly.
func (p *Processor) evaluateFastPath(record *GroupRecord, localState *group.Snapshot, target int, peer *group.Change) fastPathOutcome {
	if peer == nil || localState == nil {
		return fastPathOutcome{kind: needsFullFetch}
	}
	if localState.Revision+1 != peer.Revision || peer.Revision != target {
		return fastPathOutcome{kind: needsFullFetch}
	}
	if p.untrustedPeerChange(record, peer) {
		return fastPathOutcome{
			kind:   fastPathSkipped,
			reason: "not currently in the group and the change does not add us",
		}
	}

	newState, err := group.Apply(localState, peer)
	if err != nil {
		return fastPathOutcome{
			kind:   fastPathSkipped,
			reason: "unable to apply peer change: " + err.Error(),
		}
	}

	return fastPathOutcome{
		kind: fastPathApplied,
		timeline: Timeline{
			LocalState: localState,
			History:    []LogEntry{{Snapshot: newState, Change: peer}},
		},
	}
}

// untrustedPeerChange reports whether the peer change should be discarded:
// the caller is neither an active member nor being added (as full or
// pending member) by the change itself.
func (p *Processor) untrustedPeerChange(record *GroupRecord, c *group.Change) bool {
	currentlyInGroup := record != nil && record.Active
	return !currentlyInGroup && !c.AddsMember(p.self) && !c.AddsPendingMember(p.self)
}

// advanceFromServerPaged fetches one page of history and advances over it.
// If progress stalls below the requested revision with no further pages and
// no snapshot was force-included yet, the fetch is retried exactly once
// with a forced first snapshot: an authoritative snapshot substitutes for
// whatever intermediate delta could not be applied.
func (p *Processor) advanceFromServerPaged(ctx context.Context, localState *group.Snapshot, target int, timestamp int64) (Result, error) {
	forceIncludeFirst := false
	for {
		paged, err := p.fetcher.Page(ctx, p.key, p.self, localState, target, forceIncludeFirst)
		if err != nil {
			return Result{}, err
		}
		if paged.consistent {
			return Result{Outcome: OutcomeConsistent}, nil
		}

		advanced := Advance(paged.timeline, target)
		newState := advanced.Remaining.LocalState

		if newState != nil && !paged.timeline.HasMore && !forceIncludeFirst {
			requestRevision := target
			if target == group.Latest {
				requestRevision = paged.serverRevision
			}
			if newState.Revision < requestRevision {
				p.logger.Warnw("Paging again with forced first snapshot: revision stalled below target",
					"group_id", p.groupID,
					"stalled_revision", newState.Revision,
					"target_revision", requestRevision,
				)
				forceIncludeFirst = true
				continue
			}
		}

		if newState == nil || newState == paged.timeline.LocalState {
			return Result{Outcome: OutcomeConsistent}, nil
		}

		return p.finishAdvance(ctx, paged.timeline, advanced, timestamp, localState)
	}
}

// advanceAndCommit runs the engine over an already-assembled timeline (the
// peer fast path) and commits whatever it reached.
func (p *Processor) advanceAndCommit(ctx context.Context, timeline Timeline, target int, timestamp int64, prior *group.Snapshot) (Result, error) {
	advanced := Advance(timeline, target)
	newState := advanced.Remaining.LocalState

	if newState == nil || newState == timeline.LocalState {
		return Result{Outcome: OutcomeConsistent}, nil
	}
	return p.finishAdvance(ctx, timeline, advanced, timestamp, prior)
}

// finishAdvance commits the advanced state and drives the side-effect
// helpers: event materialization, secret learning, continuation scheduling.
func (p *Processor) finishAdvance(ctx context.Context, input Timeline, advanced AdvanceResult, timestamp int64, prior *group.Snapshot) (Result, error) {
	newState := advanced.Remaining.LocalState

	if prior != nil && !prior.IsPlaceholder() && newState.Revision < prior.Revision {
		// The engine never regresses; reaching here is a reconciliation bug.
		return Result{}, errors.AssertionFailedf(
			"advanced revision %d behind local revision %d", newState.Revision, prior.Revision)
	}

	if err := p.commitSnapshot(ctx, input.LocalState, newState, input.History); err != nil {
		return Result{}, err
	}

	if prior != nil && prior.IsRestorePlaceholder() {
		// The whole outcome collapses into one synthetic event: a restore
		// placeholder has no history worth narrating revision by revision.
		p.logger.Infow("Inserting single update event for restore placeholder",
			"group_id", p.groupID,
			"revision", newState.Revision,
		)
		p.events.Materialize(ctx, timestamp, nil, []Transition{{State: newState}})
	} else {
		p.events.Materialize(ctx, timestamp, prior, advanced.Applied)
	}

	if err := p.secrets.LearnAndPersist(ctx, input.History); err != nil {
		p.logger.Warnw("Failed to persist learned member secrets",
			"group_id", p.groupID,
			"error", err,
		)
	}

	if remaining := advanced.Remaining; len(remaining.History) > 0 || remaining.HasMore {
		continueTo := group.Latest
		if !remaining.HasMore {
			continueTo = remaining.LatestRevision()
		}
		p.logger.Infow("More revisions remain on the server, scheduling continuation",
			"group_id", p.groupID,
			"from_revision", newState.Revision+1,
			"to_revision", continueTo,
		)
		if err := p.queue.EnqueueContinueSync(ctx, p.groupID, continueTo); err != nil {
			p.logger.Errorw("Failed to schedule sync continuation",
				"group_id", p.groupID,
				"error", err,
			)
		}
	}

	return Result{Outcome: OutcomeUpdated, Snapshot: newState}, nil
}

// commitSnapshot writes the advanced state through the group store,
// schedules an avatar fetch when the reference changed, and applies the
// first-join sharing heuristic.
func (p *Processor) commitSnapshot(ctx context.Context, prior, newState *group.Snapshot, history []LogEntry) error {
	var avatarChanged bool
	if prior == nil {
		if err := p.groups.CreateGroup(ctx, p.key, newState); err != nil {
			return errors.Wrap(err, "creating local group record")
		}
		avatarChanged = newState.AvatarRef != ""
	} else {
		if err := p.groups.UpdateGroup(ctx, p.key, newState); err != nil {
			return errors.Wrap(err, "updating local group record")
		}
		avatarChanged = newState.AvatarRef != prior.AvatarRef
	}

	if avatarChanged {
		if err := p.queue.EnqueueFetchAvatar(ctx, p.groupID, newState.AvatarRef); err != nil {
			p.logger.Warnw("Failed to schedule avatar fetch",
				"group_id", p.groupID,
				"error", err,
			)
		}
	}

	p.determineSharing(ctx, prior, newState, history)
	return nil
}

// determineSharing auto-enables data sharing when the caller first becomes
// a full member and the member who added them is already trusted. When the
// adding change cannot be located, sharing stays disabled: fail closed.
func (p *Processor) determineSharing(ctx context.Context, prior, newState *group.Snapshot, history []LogEntry) {
	if prior != nil && prior.IsMember(p.self) {
		return
	}

	selfMember, ok := newState.FindMember(p.self)
	if !ok {
		p.logger.Infow("Not a full member, leaving data sharing as is",
			"group_id", p.groupID,
		)
		return
	}

	var addedBy uuid.UUID
	for _, entry := range history {
		if entry.Change != nil && entry.Change.Revision == selfMember.JoinedAtRevision {
			addedBy = entry.Change.Editor
			break
		}
	}
	if addedBy == uuid.Nil {
		p.logger.Warnw("Could not find the change that added us, not enabling data sharing",
			"group_id", p.groupID,
			"joined_at_revision", selfMember.JoinedAtRevision,
		)
		return
	}

	trusted, err := p.contacts.IsTrusted(ctx, addedBy)
	if err != nil {
		p.logger.Warnw("Failed to resolve adder's trust, not enabling data sharing",
			"group_id", p.groupID,
			"added_by", addedBy,
			"error", err,
		)
		return
	}
	if !trusted {
		p.logger.Infow("Added to group, adder is not trusted, leaving data sharing disabled",
			"group_id", p.groupID,
			"added_by", addedBy,
		)
		return
	}

	p.logger.Infow("Added to group by a trusted contact, auto-enabling data sharing",
		"group_id", p.groupID,
		"added_by", addedBy,
	)
	if err := p.groups.SetSharingEnabled(ctx, p.groupID, true); err != nil {
		p.logger.Warnw("Failed to enable data sharing",
			"group_id", p.groupID,
			"error", err,
		)
	}
}

// recoverNotAMember handles the server reporting the caller has no access.
// A trustworthy peer change is applied anyway, bypassing the revision-match
// precondition: it may be the very change that removed or re-added us. With
// no usable peer change, a leave transition is synthesized unless the
// caller only looked pending/requesting locally, in which case the error is
// propagated without inserting a spurious leave record.
func (p *Processor) recoverNotAMember(ctx context.Context, record *GroupRecord, localState *group.Snapshot, target int, timestamp int64, peerChange *group.Change, cause error) (Result, error) {
	if localState != nil && peerChange != nil {
		if p.untrustedPeerChange(record, peerChange) {
			p.logger.Warnw("Server says we are not a member; ignoring peer change that does not add us",
				"group_id", p.groupID,
			)
		} else {
			newState, err := group.ApplyWithoutRevisionCheck(localState, peerChange)
			if err == nil {
				p.logger.Infow("Server says we are not a member; applying peer change",
					"group_id", p.groupID,
					"revision", peerChange.Revision,
				)
				timeline := Timeline{
					LocalState: localState,
					History:    []LogEntry{{Snapshot: newState, Change: peerChange}},
				}
				return p.advanceAndCommit(ctx, timeline, target, timestamp, localState)
			}
			p.logger.Warnw("Unable to apply peer change while not a member",
				"group_id", p.groupID,
				"error", err,
			)
		}
	}

	if localState != nil && localState.IsPendingOrRequesting(p.self) {
		// Ambiguous: a not-yet-approved join request also reads as
		// non-membership. Avoid a false leave record.
		p.logger.Warnw("Server says we are not in the group, but we look pending or requesting",
			"group_id", p.groupID,
		)
	} else {
		p.logger.Warnw("Server says we are not in the group, synthesizing leave",
			"group_id", p.groupID,
		)
		p.synthesizeLeave(ctx)
	}

	return Result{}, cause
}

// synthesizeLeave records a local removal of the caller: one synthetic
// removal event, group marked inactive, own membership row detached. No-op
// when the group is already inactive.
func (p *Processor) synthesizeLeave(ctx context.Context) {
	record, err := p.groups.GetGroup(ctx, p.groupID)
	if err != nil {
		p.logger.Errorw("Failed to read group record for leave synthesis",
			"group_id", p.groupID,
			"error", err,
		)
		return
	}
	if record == nil || record.Snapshot == nil {
		return
	}
	if !record.Active {
		p.logger.Warnw("Group has already been left",
			"group_id", p.groupID,
		)
		return
	}

	prior := record.Snapshot
	newState := group.RemoveMember(prior, p.self, prior.Revision+1)
	change := &group.Change{
		Revision:       newState.Revision,
		Editor:         uuid.Nil,
		DeletedMembers: []uuid.UUID{p.self},
	}

	p.events.Materialize(ctx, time.Now().UnixMilli(), prior, []Transition{{State: newState, Change: change}})

	if err := p.groups.SetActive(ctx, p.groupID, false); err != nil {
		p.logger.Errorw("Failed to mark group inactive",
			"group_id", p.groupID,
			"error", err,
		)
	}
	if err := p.groups.RemoveSelfMembership(ctx, p.groupID); err != nil {
		p.logger.Errorw("Failed to detach own membership",
			"group_id", p.groupID,
			"error", err,
		)
	}
}
