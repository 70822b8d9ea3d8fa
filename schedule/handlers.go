package schedule

import (
	"context"

	"github.com/halcyonchat/groupsync/group"
)

// AdvanceFunc reconciles one group up to revision. The cmd wiring binds it
// to a processor lookup so the handler stays free of reconciliation state.
type AdvanceFunc func(ctx context.Context, id group.ID, revision int) error

// ContinueSyncHandler executes group.continue-sync jobs: the paged
// continuations a reconciliation pass left behind.
type ContinueSyncHandler struct {
	advance AdvanceFunc
}

// NewContinueSyncHandler creates the handler.
func NewContinueSyncHandler(advance AdvanceFunc) *ContinueSyncHandler {
	return &ContinueSyncHandler{advance: advance}
}

func (h *ContinueSyncHandler) Name() string { return KindContinueSync }

func (h *ContinueSyncHandler) Execute(ctx context.Context, job *Job) error {
	var payload ContinueSyncPayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	return h.advance(ctx, job.GroupID, payload.Revision)
}

// AvatarFetcher retrieves and stores a group's avatar binary.
type AvatarFetcher interface {
	FetchAvatar(ctx context.Context, id group.ID, avatarRef string) error
}

// FetchAvatarHandler executes group.fetch-avatar jobs.
type FetchAvatarHandler struct {
	avatars AvatarFetcher
}

// NewFetchAvatarHandler creates the handler.
func NewFetchAvatarHandler(avatars AvatarFetcher) *FetchAvatarHandler {
	return &FetchAvatarHandler{avatars: avatars}
}

func (h *FetchAvatarHandler) Name() string { return KindFetchAvatar }

func (h *FetchAvatarHandler) Execute(ctx context.Context, job *Job) error {
	var payload FetchAvatarPayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	return h.avatars.FetchAvatar(ctx, job.GroupID, payload.AvatarRef)
}

// RefreshProfileHandler executes contact.refresh-profile jobs through the
// same refresher the secret aggregator uses synchronously.
type RefreshProfileHandler struct {
	refresher *SyncRefresher
}

// NewRefreshProfileHandler creates the handler.
func NewRefreshProfileHandler(refresher *SyncRefresher) *RefreshProfileHandler {
	return &RefreshProfileHandler{refresher: refresher}
}

func (h *RefreshProfileHandler) Name() string { return KindRefreshProfile }

func (h *RefreshProfileHandler) Execute(ctx context.Context, job *Job) error {
	var payload RefreshProfilePayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	return h.refresher.RefreshProfile(ctx, payload.MemberID)
}
