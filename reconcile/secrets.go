package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/halcyonchat/groupsync/errors"
)

// SecretSet maps member identity to the profile secret ciphertext learned
// for that member. Mutated only by merge; a later entry overwrites an
// earlier one for the same member, since members rotate their secret.
type SecretSet map[uuid.UUID][]byte

// AddFromEntry merges every secret carried by a log entry: member records
// in a snapshot, and added/updated member records in a change.
func (s SecretSet) AddFromEntry(entry LogEntry) {
	if snap := entry.Snapshot; snap != nil {
		for _, m := range snap.Members {
			s.add(m.ID, m.ProfileSecret)
		}
		for _, m := range snap.RequestingMembers {
			s.add(m.ID, m.ProfileSecret)
		}
	}
	if c := entry.Change; c != nil {
		for _, m := range c.NewMembers {
			s.add(m.ID, m.ProfileSecret)
		}
		for _, m := range c.PromotedPendingMembers {
			s.add(m.ID, m.ProfileSecret)
		}
		for _, m := range c.NewRequestingMembers {
			s.add(m.ID, m.ProfileSecret)
		}
		for _, su := range c.RotatedSecrets {
			s.add(su.ID, su.ProfileSecret)
		}
	}
}

func (s SecretSet) add(id uuid.UUID, secret []byte) {
	if id == uuid.Nil || len(secret) == 0 {
		return
	}
	s[id] = secret
}

// SecretStore persists learned member secrets. PersistSecrets returns the
// identities whose stored secret actually changed.
type SecretStore interface {
	PersistSecrets(ctx context.Context, secrets SecretSet) ([]uuid.UUID, error)
}

// ProfileRefresher fetches a fresh profile for one member, typically after
// their secret changed.
type ProfileRefresher interface {
	RefreshProfile(ctx context.Context, id uuid.UUID) error
}

// defaultRefreshWait bounds how long one reconciliation pass blocks on
// profile refreshes for newly learned secrets.
const defaultRefreshWait = 5 * time.Second

// SecretAggregator scans consumed log entries for per-member secret
// material, merges it into a deduplicated set, persists it, and refreshes
// the profile of every member whose secret changed.
//
// The refresh is awaited synchronously: downstream consumers of freshly
// learned secrets within the same reconciliation pass depend on it.
// Exceeding the bounded wait is non-fatal.
type SecretAggregator struct {
	store       SecretStore
	refresher   ProfileRefresher
	refreshWait time.Duration
	logger      *zap.SugaredLogger
}

// NewSecretAggregator creates an aggregator. refresher may be nil when no
// profile pipeline is wired (secrets are still persisted).
func NewSecretAggregator(store SecretStore, refresher ProfileRefresher, logger *zap.SugaredLogger) *SecretAggregator {
	return &SecretAggregator{
		store:       store,
		refresher:   refresher,
		refreshWait: defaultRefreshWait,
		logger:      logger,
	}
}

// Learn merges the secret material found across the entries.
func (a *SecretAggregator) Learn(entries []LogEntry) SecretSet {
	set := make(SecretSet)
	for _, entry := range entries {
		set.AddFromEntry(entry)
	}
	return set
}

// LearnAndPersist learns from the entries, persists the merged set, and
// waits (bounded) for profile refreshes of changed members. The returned
// error covers persistence only; refresh timeouts are logged and ignored.
func (a *SecretAggregator) LearnAndPersist(ctx context.Context, entries []LogEntry) error {
	set := a.Learn(entries)
	if len(set) == 0 {
		return nil
	}

	updated, err := a.store.PersistSecrets(ctx, set)
	if err != nil {
		return errors.Wrap(err, "persisting learned member secrets")
	}
	if len(updated) == 0 || a.refresher == nil {
		return nil
	}

	a.logger.Infow("Learned new member secrets, refreshing profiles",
		"learned", len(set),
		"updated", len(updated),
	)

	refreshCtx, cancel := context.WithTimeout(ctx, a.refreshWait)
	defer cancel()

	g, gctx := errgroup.WithContext(refreshCtx)
	g.SetLimit(4)
	for _, id := range updated {
		id := id
		g.Go(func() error {
			return a.refresher.RefreshProfile(gctx, id)
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.Wrap(errors.ErrTimeout, "profile refresh wait expired")
		}
		a.logger.Warnw("Profile refresh did not complete",
			"updated", len(updated),
			"error", err,
		)
	}
	return nil
}
