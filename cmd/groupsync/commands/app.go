package commands

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/halcyonchat/groupsync/config"
	"github.com/halcyonchat/groupsync/db"
	"github.com/halcyonchat/groupsync/errors"
	"github.com/halcyonchat/groupsync/group"
	"github.com/halcyonchat/groupsync/internal/httpclient"
	"github.com/halcyonchat/groupsync/logger"
	"github.com/halcyonchat/groupsync/reconcile"
	"github.com/halcyonchat/groupsync/schedule"
	"github.com/halcyonchat/groupsync/store"
	"github.com/halcyonchat/groupsync/transport"
)

// openDatabase loads configuration and opens the sqlite database with
// migrations applied. Callers own closing the returned handle.
func openDatabase() (*config.Config, *sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load configuration")
	}
	database, err := db.OpenWithMigrations(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open database")
	}
	return cfg, database, nil
}

// app holds the fully wired reconciliation stack behind the sync command.
type app struct {
	cfg  *config.Config
	db   *sql.DB
	self uuid.UUID

	groups *store.GroupStore
	queue  *schedule.Queue

	processors *processorSet
}

// newApp builds the stack: stores over one database handle, HTTP transport
// against the configured service, shared reconciliation collaborators, and
// the job queue with its handlers registered.
func newApp() (*app, error) {
	cfg, database, err := openDatabase()
	if err != nil {
		return nil, err
	}

	self, err := uuid.Parse(cfg.Self.MemberID)
	if err != nil {
		database.Close()
		return nil, errors.Wrap(err, "self.member_id is not a valid UUID (set GROUPSYNC_SELF_MEMBER_ID)")
	}
	if cfg.Server.BaseURL == "" {
		database.Close()
		return nil, errors.New("server.base_url is not configured (set GROUPSYNC_SERVER_BASE_URL)")
	}

	log := logger.Logger

	groups := store.NewGroupStore(database, self, log)
	eventDB := store.NewEventStore(database, log)
	contacts := store.NewContactStore(database, log)
	jobs := schedule.NewJobStore(database)

	hc := httpclient.New(time.Duration(cfg.Server.TimeoutSeconds) * time.Second)
	client := transport.NewClient(cfg.Server.BaseURL, hc, log)
	tokens, err := transport.NewTokenProvider(cfg.Server.BaseURL, hc, log)
	if err != nil {
		database.Close()
		return nil, err
	}
	profiles := transport.NewProfileClient(cfg.Server.BaseURL, hc, log)
	avatars := transport.NewAvatarClient(cfg.Server.BaseURL, hc, cfg.Avatars.Dir, log)

	refresher := schedule.NewSyncRefresher(profiles, contacts)
	fetcher := reconcile.NewFetcher(client, tokens, log)
	secrets := reconcile.NewSecretAggregator(contacts, refresher, log)
	locks := reconcile.NewLocks()

	registry := schedule.NewRegistry()
	queue := schedule.NewQueue(jobs, registry, clockwork.NewRealClock(), log)
	queue.Tune(time.Duration(cfg.Queue.PollIntervalSeconds)*time.Second, cfg.Queue.ClaimBatch)
	workQueue := schedule.NewQueueAdapter(jobs, queue)

	processors := &processorSet{
		byID:   make(map[group.ID]*reconcile.Processor),
		groups: groups,
		build: func(key group.MasterKey) *reconcile.Processor {
			id := group.DeriveID(key)
			return reconcile.NewProcessor(reconcile.ProcessorConfig{
				Self:      self,
				MasterKey: key,
				Fetcher:   fetcher,
				Groups:    groups,
				Contacts:  contacts,
				Queue:     workQueue,
				Events:    reconcile.NewMaterializer(self, id, eventDB, log),
				Secrets:   secrets,
				Locks:     locks,
				Logger:    log,
			})
		},
	}

	registry.Register(schedule.NewContinueSyncHandler(processors.advance))
	registry.Register(schedule.NewFetchAvatarHandler(avatars))
	registry.Register(schedule.NewRefreshProfileHandler(refresher))

	return &app{
		cfg:        cfg,
		db:         database,
		self:       self,
		groups:     groups,
		queue:      queue,
		processors: processors,
	}, nil
}

func (a *app) Close() {
	a.db.Close()
}

// processorSet builds and caches one processor per group. Groups discovered
// mid-run (a continuation for a group created by an earlier sweep) get
// their processor lazily from the stored master key.
type processorSet struct {
	mu     sync.Mutex
	byID   map[group.ID]*reconcile.Processor
	groups *store.GroupStore
	build  func(key group.MasterKey) *reconcile.Processor
}

// forKey returns the processor for the group behind key, creating it on
// first use.
func (s *processorSet) forKey(key group.MasterKey) *reconcile.Processor {
	id := group.DeriveID(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byID[id]; ok {
		return p
	}
	p := s.build(key)
	s.byID[id] = p
	return p
}

// advance reconciles one group up to revision. It backs the continue-sync
// job handler, resolving the master key from the local record.
func (s *processorSet) advance(ctx context.Context, id group.ID, revision int) error {
	s.mu.Lock()
	p, ok := s.byID[id]
	s.mu.Unlock()

	if !ok {
		record, err := s.groups.GetGroup(ctx, id)
		if err != nil {
			return err
		}
		if record == nil {
			return errors.Wrapf(errors.ErrNotFound, "no local record for group %s", id)
		}
		p = s.forKey(record.MasterKey)
	}

	_, err := p.AdvanceToRevision(ctx, revision, time.Now().UnixMilli(), nil)
	return err
}
