package reconcile

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonchat/groupsync/errors"
	"github.com/halcyonchat/groupsync/group"
)

type fakeAuth struct {
	issued int
}

func (a *fakeAuth) TokenFor(ctx context.Context, key group.MasterKey) (AuthToken, error) {
	a.issued++
	return "token", nil
}

// fakeSource scripts the remote history service. Pages are served in order,
// one per FetchHistoryPage call.
type fakeSource struct {
	probe    *PartialSnapshot
	probeErr error

	pages    []*HistoryPage
	pageErr  error
	pageCall int

	latest    *group.Snapshot
	latestErr error

	atRevision map[int]*group.Snapshot

	probeCalls        int
	latestCalls       int
	fromRevisions     []int
	includeFirstCalls []bool
}

func (s *fakeSource) ProbeLatest(ctx context.Context, key group.MasterKey, token AuthToken) (*PartialSnapshot, error) {
	s.probeCalls++
	if s.probeErr != nil {
		return nil, s.probeErr
	}
	return s.probe, nil
}

func (s *fakeSource) FetchHistoryPage(ctx context.Context, key group.MasterKey, fromRevision int, includeFirst bool, token AuthToken) (*HistoryPage, error) {
	s.fromRevisions = append(s.fromRevisions, fromRevision)
	s.includeFirstCalls = append(s.includeFirstCalls, includeFirst)
	if s.pageErr != nil {
		return nil, s.pageErr
	}
	if s.pageCall >= len(s.pages) {
		return &HistoryPage{}, nil
	}
	page := s.pages[s.pageCall]
	s.pageCall++
	return page, nil
}

func (s *fakeSource) FetchLatestSnapshot(ctx context.Context, key group.MasterKey, token AuthToken) (*group.Snapshot, error) {
	s.latestCalls++
	if s.latestErr != nil {
		return nil, s.latestErr
	}
	return s.latest, nil
}

func (s *fakeSource) FetchSnapshotAtRevision(ctx context.Context, key group.MasterKey, revision int, token AuthToken) (*group.Snapshot, error) {
	snap, ok := s.atRevision[revision]
	if !ok {
		return nil, nil
	}
	return snap, nil
}

type fakeGroupStore struct {
	record *GroupRecord

	created     []*group.Snapshot
	updated     []*group.Snapshot
	activeSets  []bool
	sharingSets []bool
	selfRemoved bool
	getErr      error
}

func (s *fakeGroupStore) GetGroup(ctx context.Context, id group.ID) (*GroupRecord, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.record, nil
}

func (s *fakeGroupStore) CreateGroup(ctx context.Context, key group.MasterKey, snap *group.Snapshot) error {
	s.created = append(s.created, snap)
	s.record = &GroupRecord{ID: group.DeriveID(key), MasterKey: key, Snapshot: snap, Active: true}
	return nil
}

func (s *fakeGroupStore) UpdateGroup(ctx context.Context, key group.MasterKey, snap *group.Snapshot) error {
	s.updated = append(s.updated, snap)
	if s.record != nil {
		s.record.Snapshot = snap
	}
	return nil
}

func (s *fakeGroupStore) SetActive(ctx context.Context, id group.ID, active bool) error {
	s.activeSets = append(s.activeSets, active)
	if s.record != nil {
		s.record.Active = active
	}
	return nil
}

func (s *fakeGroupStore) SetSharingEnabled(ctx context.Context, id group.ID, enabled bool) error {
	s.sharingSets = append(s.sharingSets, enabled)
	return nil
}

func (s *fakeGroupStore) RemoveSelfMembership(ctx context.Context, id group.ID) error {
	s.selfRemoved = true
	return nil
}

type fakeContacts struct {
	trusted map[uuid.UUID]bool
}

func (c *fakeContacts) IsTrusted(ctx context.Context, id uuid.UUID) (bool, error) {
	return c.trusted[id], nil
}

type continuation struct {
	id       group.ID
	revision int
}

type fakeQueue struct {
	continuations []continuation
	avatarRefs    []string
}

func (q *fakeQueue) EnqueueContinueSync(ctx context.Context, id group.ID, revision int) error {
	q.continuations = append(q.continuations, continuation{id: id, revision: revision})
	return nil
}

func (q *fakeQueue) EnqueueFetchAvatar(ctx context.Context, id group.ID, avatarRef string) error {
	q.avatarRefs = append(q.avatarRefs, avatarRef)
	return nil
}

type fakeEventStore struct {
	outbound []*UpdateEvent
	inbound  []*UpdateEvent

	insertErr     error
	inboundReject bool
}

func (s *fakeEventStore) InsertOutboundUpdate(ctx context.Context, ev *UpdateEvent) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.outbound = append(s.outbound, ev)
	return nil
}

func (s *fakeEventStore) InsertInboundUpdate(ctx context.Context, ev *UpdateEvent) (bool, error) {
	if s.insertErr != nil {
		return false, s.insertErr
	}
	if s.inboundReject {
		return false, nil
	}
	s.inbound = append(s.inbound, ev)
	return true, nil
}

func (s *fakeEventStore) total() int {
	return len(s.outbound) + len(s.inbound)
}

type fakeSecretStore struct {
	persisted []SecretSet
	changed   []uuid.UUID
	err       error
}

func (s *fakeSecretStore) PersistSecrets(ctx context.Context, secrets SecretSet) ([]uuid.UUID, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.persisted = append(s.persisted, secrets)
	return s.changed, nil
}

type fakeRefresher struct {
	mu        sync.Mutex
	refreshed []uuid.UUID

	// blockUntilCancel makes every refresh hang until the context expires.
	blockUntilCancel bool
}

func (r *fakeRefresher) RefreshProfile(ctx context.Context, id uuid.UUID) error {
	if r.blockUntilCancel {
		<-ctx.Done()
		return errors.Wrap(ctx.Err(), "refresh cancelled")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshed = append(r.refreshed, id)
	return nil
}

// testHarness bundles a processor with all its fakes.
type testHarness struct {
	processor *Processor
	source    *fakeSource
	auth      *fakeAuth
	groups    *fakeGroupStore
	contacts  *fakeContacts
	queue     *fakeQueue
	events    *fakeEventStore
	secrets   *fakeSecretStore
}

var testKey = group.MasterKey{0x42}

func newHarness(self uuid.UUID, record *GroupRecord) *testHarness {
	log := zap.NewNop().Sugar()
	h := &testHarness{
		source:   &fakeSource{},
		auth:     &fakeAuth{},
		groups:   &fakeGroupStore{record: record},
		contacts: &fakeContacts{trusted: map[uuid.UUID]bool{}},
		queue:    &fakeQueue{},
		events:   &fakeEventStore{},
		secrets:  &fakeSecretStore{},
	}
	groupID := group.DeriveID(testKey)
	h.processor = NewProcessor(ProcessorConfig{
		Self:      self,
		MasterKey: testKey,
		Fetcher:   NewFetcher(h.source, h.auth, log),
		Groups:    h.groups,
		Contacts:  h.contacts,
		Queue:     h.queue,
		Events:    NewMaterializer(self, groupID, h.events, log),
		Secrets:   NewSecretAggregator(h.secrets, nil, log),
		Logger:    log,
	})
	return h
}

func activeRecord(snap *group.Snapshot) *GroupRecord {
	return &GroupRecord{
		ID:        group.DeriveID(testKey),
		MasterKey: testKey,
		Snapshot:  snap,
		Active:    true,
	}
}
