// Package service is the query/command surface consumed by the CLI and by
// external dispatch tooling. It wires the store, graph, scheduler,
// reconciler and coordinator together.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rslattery/workgraph/internal/config"
	"github.com/rslattery/workgraph/internal/coordinate"
	"github.com/rslattery/workgraph/internal/events"
	"github.com/rslattery/workgraph/internal/graph"
	"github.com/rslattery/workgraph/internal/lock"
	"github.com/rslattery/workgraph/internal/reconcile"
	"github.com/rslattery/workgraph/internal/schedule"
	"github.com/rslattery/workgraph/internal/store"
	"github.com/rslattery/workgraph/internal/work"
)

// Service coordinates all core components over one status store.
type Service struct {
	cfg       *config.Config
	store     store.Store
	publisher events.Publisher
	logger    *slog.Logger
	root      string
}

// Open creates a service rooted at the project directory containing the
// workgraph data dir.
func Open(root string, cfg *config.Config, publisher events.Publisher, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	st, err := openStore(root, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Service{cfg: cfg, store: st, publisher: publisher, logger: logger, root: root}, nil
}

func openStore(root string, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	dataDir := filepath.Join(root, config.Dir)
	owner := lockOwner()
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		path := cfg.Store.Path
		if path == "" {
			path = filepath.Join(dataDir, "workgraph.db")
		}
		return store.OpenSQLite(path, cfg.Lock.AcquireTimeout, logger)
	default:
		dir := dataDir
		if cfg.Store.Path != "" {
			dir = cfg.Store.Path
		}
		locker := lock.NewFileLock(
			filepath.Join(dir, store.LockFileName),
			owner,
			lock.WithPollInterval(cfg.Lock.PollInterval),
			lock.WithTimeout(cfg.Lock.AcquireTimeout),
			lock.WithStaleness(cfg.Lock.Staleness),
			lock.WithLogger(logger),
		)
		return store.NewFileStore(dir, owner, locker, logger)
	}
}

func lockOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s#%d", host, os.Getpid())
}

// Store exposes the underlying status store.
func (s *Service) Store() store.Store { return s.store }

// Events exposes the lifecycle event publisher.
func (s *Service) Events() events.Publisher { return s.publisher }

// Close releases service resources.
func (s *Service) Close() error { return s.store.Close() }

// Init seeds the store from a fully formed record definition and proves it
// acyclic before anything is persisted.
func (s *Service) Init(ctx context.Context, rec *work.Record) error {
	rec = rec.Clone()
	rec.Normalize()
	if _, err := graph.Build(rec); err != nil {
		return err
	}
	type initializer interface {
		Init(ctx context.Context, rec *work.Record) error
	}
	ini, ok := s.store.(initializer)
	if !ok {
		return fmt.Errorf("store backend does not support init")
	}
	return ini.Init(ctx, rec)
}

// ListExecutable computes the executable set. The computation never takes
// the lock, so dry and non-dry runs against an unchanged record are
// observably identical; dryRun only suppresses logging.
func (s *Service) ListExecutable(planFilter string, minPriority work.Priority, dryRun bool) (*schedule.Set, *work.Record, error) {
	rec, err := s.store.Read()
	if err != nil {
		return nil, nil, err
	}
	g, err := graph.Build(rec)
	if err != nil {
		return nil, nil, err
	}
	set := schedule.Executable(g, rec, schedule.Filter{Plan: planFilter, MinPriority: minPriority})
	if !dryRun {
		s.logger.Info("computed executable set",
			"runnable", len(set.Runnable()),
			"revision", rec.Revision)
	}
	return set, rec, nil
}

// ApplyReconciliation reconciles every item against filesystem evidence.
func (s *Service) ApplyReconciliation(ctx context.Context, mode reconcile.Mode) ([]reconcile.Discrepancy, error) {
	evRoot := s.cfg.Reconcile.EvidenceRoot
	if evRoot == "" {
		evRoot = s.root
	}
	r := reconcile.New(s.store, &reconcile.FileProvider{Root: evRoot}, reconcile.Options{
		MinSubstance: s.cfg.Reconcile.MinSubstanceBytes,
		Markers:      s.cfg.Reconcile.Markers,
		Logger:       s.logger,
	})
	ds, err := r.Reconcile(ctx, nil, mode)
	if err != nil {
		return ds, err
	}
	if mode == reconcile.ModeApply {
		s.publisher.Publish(events.Event{
			Type: events.EventReconciled,
			Data: map[string]any{"discrepancies": len(ds)},
		})
	}
	return ds, nil
}

// RecordOutcome applies a single externally reported outcome.
func (s *Service) RecordOutcome(ctx context.Context, ref work.Ref, result coordinate.Result, detail string) error {
	c := coordinate.New(s.store, nil, s.publisher, s.logger)
	return c.Record(ctx, coordinate.Outcome{Ref: ref, Result: result, Detail: detail})
}

// Dispatch runs one full scheduling cycle: compute the executable set and
// hand it to workers under the configured concurrency bound.
func (s *Service) Dispatch(ctx context.Context, worker coordinate.Worker, limit int) ([]coordinate.Outcome, error) {
	if worker == nil {
		if len(s.cfg.Dispatch.WorkerCommand) == 0 {
			return nil, fmt.Errorf("no worker command configured")
		}
		worker = &coordinate.CommandWorker{Command: s.cfg.Dispatch.WorkerCommand, Dir: s.root}
	}
	if limit < 1 {
		limit = s.cfg.Dispatch.MaxConcurrent
	}
	set, _, err := s.ListExecutable("", "", false)
	if err != nil {
		return nil, err
	}
	c := coordinate.New(s.store, worker, s.publisher, s.logger)
	return c.Dispatch(ctx, set, limit)
}
