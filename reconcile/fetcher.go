package reconcile

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonchat/groupsync/errors"
	"github.com/halcyonchat/groupsync/group"
)

// AuthToken is a time-bounded authorization credential for one group,
// consumed per request.
type AuthToken string

// AuthProvider issues authorization credentials for a group identity.
type AuthProvider interface {
	TokenFor(ctx context.Context, key group.MasterKey) (AuthToken, error)
}

// PartialSnapshot is the cheap membership probe of the authoritative
// state: current revision and member list only.
type PartialSnapshot struct {
	Revision int
	Members  []group.Member
}

// IsMember reports whether id is a full member in the probed state.
func (p *PartialSnapshot) IsMember(id uuid.UUID) bool {
	for _, m := range p.Members {
		if m.ID == id {
			return true
		}
	}
	return false
}

// JoinedAtRevision returns the revision at which id became a full member,
// or 0 when id is not in the probed member list.
func (p *PartialSnapshot) JoinedAtRevision(id uuid.UUID) int {
	for _, m := range p.Members {
		if m.ID == id {
			return m.JoinedAtRevision
		}
	}
	return 0
}

// HistoryPage is one page of remote log entries.
type HistoryPage struct {
	Entries          []LogEntry
	NextPageRevision int
	HasMore          bool
}

// HistorySource is the remote authoritative change log. Implementations
// consume already-decrypted, integrity-verified structures; verification
// failures are mapped to errors.ErrIO before they reach this package.
// Membership and existence failures arrive as errors.ErrNotAMember and
// errors.ErrGroupNotFound.
type HistorySource interface {
	ProbeLatest(ctx context.Context, key group.MasterKey, token AuthToken) (*PartialSnapshot, error)
	FetchHistoryPage(ctx context.Context, key group.MasterKey, fromRevision int, includeFirst bool, token AuthToken) (*HistoryPage, error)
	FetchLatestSnapshot(ctx context.Context, key group.MasterKey, token AuthToken) (*group.Snapshot, error)
	FetchSnapshotAtRevision(ctx context.Context, key group.MasterKey, revision int, token AuthToken) (*group.Snapshot, error)
}

// Fetcher retrieves pages of remote log entries and assembles them into
// timelines for the advancement engine.
type Fetcher struct {
	source HistorySource
	auth   AuthProvider
	logger *zap.SugaredLogger
}

// NewFetcher creates a fetcher over the given source and credential issuer.
func NewFetcher(source HistorySource, auth AuthProvider, logger *zap.SugaredLogger) *Fetcher {
	return &Fetcher{source: source, auth: auth, logger: logger}
}

// pagedTimeline is the result of one Page call.
type pagedTimeline struct {
	timeline Timeline

	// consistent is set when the local state is already at or past the
	// authoritative revision; the timeline is empty in that case.
	consistent bool

	// serverRevision is the authoritative revision from the probe.
	serverRevision int
}

// Page retrieves one page of remote log entries for the timeline, starting
// from wherever the local state requires.
//
// When the target is "latest" and there is no usable local state, or the
// caller is not currently a member in the remote probe, history is skipped
// entirely and the latest full snapshot becomes the single entry: no
// incremental narrative is possible or useful then. Otherwise history is
// requested from max(local revision, revision the caller was added), with
// a full snapshot force-included as the first entry when there is no local
// base state to diff against.
func (f *Fetcher) Page(ctx context.Context, key group.MasterKey, self uuid.UUID, localState *group.Snapshot, target int, forceIncludeFirst bool) (pagedTimeline, error) {
	token, err := f.auth.TokenFor(ctx, key)
	if err != nil {
		return pagedTimeline{}, errors.Wrap(err, "obtaining group credential")
	}

	probe, err := f.source.ProbeLatest(ctx, key, token)
	if err != nil {
		// On the advancement path a missing group and a membership refusal
		// are the same condition; GroupNotFound is surfaced only from
		// direct snapshot lookups.
		if errors.IsGroupNotFound(err) {
			return pagedTimeline{}, errors.Wrap(errors.ErrNotAMember, err.Error())
		}
		return pagedTimeline{}, err
	}

	if localState != nil && localState.Revision >= probe.Revision {
		f.logger.Infow("Local state is at or later than server",
			"local_revision", localState.Revision,
			"server_revision", probe.Revision,
		)
		return pagedTimeline{consistent: true, serverRevision: probe.Revision}, nil
	}

	latestOnly := target == group.Latest && (localState == nil || localState.IsRestorePlaceholder())

	if latestOnly || !probe.IsMember(self) {
		f.logger.Infow("Latest revision only or not a member, using latest snapshot",
			"latest_only", latestOnly,
			"server_revision", probe.Revision,
		)
		snap, err := f.source.FetchLatestSnapshot(ctx, key, token)
		if err != nil {
			return pagedTimeline{}, err
		}
		return pagedTimeline{
			timeline:       Timeline{LocalState: localState, History: []LogEntry{{Snapshot: snap}}},
			serverRevision: probe.Revision,
		}, nil
	}

	revisionAdded := probe.JoinedAtRevision(self)
	logsNeededFrom := revisionAdded
	if localState != nil && localState.Revision > logsNeededFrom {
		logsNeededFrom = localState.Revision
	}

	includeFirst := forceIncludeFirst ||
		localState == nil ||
		localState.Revision < 0 ||
		(target == group.Latest && localState.Revision+1 < probe.Revision)

	f.logger.Infow("Requesting history page from server",
		"logs_needed_from", logsNeededFrom,
		"include_first", includeFirst,
		"force_include_first", forceIncludeFirst,
		"server_revision", probe.Revision,
	)

	page, err := f.source.FetchHistoryPage(ctx, key, logsNeededFrom, includeFirst, token)
	if err != nil {
		return pagedTimeline{}, err
	}

	return pagedTimeline{
		timeline: Timeline{
			LocalState:       localState,
			History:          page.Entries,
			NextPageRevision: page.NextPageRevision,
			HasMore:          page.HasMore,
		},
		serverRevision: probe.Revision,
	}, nil
}

// CurrentSnapshot fetches the authoritative full snapshot directly.
// Fails with errors.ErrGroupNotFound when the group does not exist.
func (f *Fetcher) CurrentSnapshot(ctx context.Context, key group.MasterKey) (*group.Snapshot, error) {
	token, err := f.auth.TokenFor(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "obtaining group credential")
	}
	return f.source.FetchLatestSnapshot(ctx, key, token)
}

// SnapshotAt fetches the full snapshot at a specific revision, or nil when
// the server holds no snapshot there.
func (f *Fetcher) SnapshotAt(ctx context.Context, key group.MasterKey, revision int) (*group.Snapshot, error) {
	token, err := f.auth.TokenFor(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "obtaining group credential")
	}
	return f.source.FetchSnapshotAtRevision(ctx, key, revision, token)
}
