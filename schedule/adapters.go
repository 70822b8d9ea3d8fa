package schedule

import (
	"context"

	"github.com/google/uuid"

	"github.com/halcyonchat/groupsync/errors"
	"github.com/halcyonchat/groupsync/group"
	"github.com/halcyonchat/groupsync/reconcile"
)

// QueueAdapter implements reconcile.WorkQueue by persisting jobs and waking
// the queue.
type QueueAdapter struct {
	store *JobStore
	queue *Queue
}

var _ reconcile.WorkQueue = (*QueueAdapter)(nil)

// NewQueueAdapter creates an adapter. queue may be nil when no live queue
// should be woken (jobs are still persisted).
func NewQueueAdapter(store *JobStore, queue *Queue) *QueueAdapter {
	return &QueueAdapter{store: store, queue: queue}
}

// EnqueueContinueSync schedules a follow-up reconciliation up to revision.
func (a *QueueAdapter) EnqueueContinueSync(ctx context.Context, id group.ID, revision int) error {
	job, err := NewJob(KindContinueSync, id, ContinueSyncPayload{Revision: revision})
	if err != nil {
		return err
	}
	return a.submit(ctx, job)
}

// EnqueueFetchAvatar schedules retrieval of the group's avatar binary.
func (a *QueueAdapter) EnqueueFetchAvatar(ctx context.Context, id group.ID, avatarRef string) error {
	job, err := NewJob(KindFetchAvatar, id, FetchAvatarPayload{AvatarRef: avatarRef})
	if err != nil {
		return err
	}
	return a.submit(ctx, job)
}

// EnqueueRefreshProfile schedules a deferred profile fetch for one member.
func (a *QueueAdapter) EnqueueRefreshProfile(ctx context.Context, memberID uuid.UUID) error {
	job, err := NewJob(KindRefreshProfile, "", RefreshProfilePayload{MemberID: memberID})
	if err != nil {
		return err
	}
	return a.submit(ctx, job)
}

func (a *QueueAdapter) submit(ctx context.Context, job *Job) error {
	if _, err := a.store.Enqueue(ctx, job); err != nil {
		return err
	}
	if a.queue != nil {
		a.queue.Notify()
	}
	return nil
}

// ProfileFetcher retrieves a member's profile from the network using their
// learned secret.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, id uuid.UUID) error
}

// ContactMarker records profile refresh completion.
type ContactMarker interface {
	MarkProfileRefreshed(ctx context.Context, id uuid.UUID) error
}

// SyncRefresher implements reconcile.ProfileRefresher by fetching inline.
// The secret aggregator bounds how long it waits; this refresher does the
// actual work within that window.
type SyncRefresher struct {
	fetcher  ProfileFetcher
	contacts ContactMarker
}

var _ reconcile.ProfileRefresher = (*SyncRefresher)(nil)

// NewSyncRefresher creates a refresher over the fetcher and contact store.
func NewSyncRefresher(fetcher ProfileFetcher, contacts ContactMarker) *SyncRefresher {
	return &SyncRefresher{fetcher: fetcher, contacts: contacts}
}

// RefreshProfile fetches the member's profile and records the refresh.
func (r *SyncRefresher) RefreshProfile(ctx context.Context, id uuid.UUID) error {
	if err := r.fetcher.FetchProfile(ctx, id); err != nil {
		return errors.Wrapf(err, "fetching profile for %s", id)
	}
	return r.contacts.MarkProfileRefreshed(ctx, id)
}
