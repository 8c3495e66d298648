// Package jobs runs optimization loops in the background, one goroutine per
// run, bounded by a semaphore so solver processes never oversubscribe the host.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"Dynaopt/internal/kfile"
	"Dynaopt/internal/optimize"
	"Dynaopt/internal/repo"
	"Dynaopt/internal/solver"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var ErrNoItems = errors.New("no items")

type Notifier interface {
	RunFinished(ctx context.Context, run repo.Run) error
}

// StartNotifier is implemented by notifiers that also announce new runs.
type StartNotifier interface {
	RunStarted(ctx context.Context, run repo.Run) error
}

type Manager struct {
	Repo     repo.Repository
	Solver   solver.Solver
	Notifier Notifier
	Log      *zap.Logger

	sem    *semaphore.Weighted
	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func NewManager(r repo.Repository, s solver.Solver, parallel int, log *zap.Logger) *Manager {
	if parallel < 1 {
		parallel = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		Repo:   r,
		Solver: s,
		Log:    log,
		sem:    semaphore.NewWeighted(int64(parallel)),
		base:   base,
		stop:   stop,
		active: make(map[string]context.CancelFunc),
	}
}

// WorkDir is where a run of the deck at mesh keeps its copy of the deck,
// its generations, backups and solver output.
func WorkDir(mesh, id string) string {
	return filepath.Join(filepath.Dir(mesh), id)
}

// Submit validates cfg, stages the deck into the run's own directory, records
// the run and starts it. A rejected config creates nothing.
func (m *Manager) Submit(ctx context.Context, cfg optimize.Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	source := cfg.MeshPath
	workDir := WorkDir(source, id)
	staged, err := kfile.Stage(source, workDir)
	if err != nil {
		os.RemoveAll(workDir)
		return "", err
	}
	cfg.MeshPath = staged

	run := repo.Run{
		ID:         id,
		Config:     cfg,
		SourceMesh: source,
		State:      optimize.StateRunning,
		FinalMesh:  staged,
		Message:    "queued",
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.Repo.CreateRun(ctx, run); err != nil {
		os.RemoveAll(workDir)
		return "", fmt.Errorf("create run: %w", err)
	}

	runCtx, cancel := context.WithCancel(m.base)
	m.mu.Lock()
	m.active[id] = cancel
	m.mu.Unlock()

	if sn, ok := m.Notifier.(StartNotifier); ok {
		if err := sn.RunStarted(ctx, run); err != nil {
			m.Log.Warn("notify start", zap.String("run", id), zap.Error(err))
		}
	}

	m.wg.Add(1)
	go m.run(runCtx, id, cfg)
	return id, nil
}

// SubmitAll checks every config before starting any of them.
func (m *Manager) SubmitAll(ctx context.Context, cfgs []optimize.Config) ([]string, error) {
	if len(cfgs) == 0 {
		return nil, ErrNoItems
	}
	for i, cfg := range cfgs {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("item %d: %w", i+1, err)
		}
	}
	ids := make([]string, 0, len(cfgs))
	for _, cfg := range cfgs {
		id, err := m.Submit(ctx, cfg)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Cancel asks the run to stop before its next solver invocation.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	return m.Repo.RequestCancel(ctx, id)
}

// Abort kills the run's solver immediately.
func (m *Manager) Abort(id string) bool {
	m.mu.Lock()
	cancel, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown aborts every run and waits for the goroutines to return.
func (m *Manager) Shutdown() {
	m.stop()
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, id string, cfg optimize.Config) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		if cancel, ok := m.active[id]; ok {
			cancel()
			delete(m.active, id)
		}
		m.mu.Unlock()
	}()
	log := m.Log.With(zap.String("run", id))

	var out optimize.Outcome
	if err := m.sem.Acquire(ctx, 1); err != nil {
		out = optimize.Outcome{State: optimize.StateCancelled, FinalMesh: cfg.MeshPath, Message: "cancelled while queued"}
	} else {
		loop := optimize.NewLoop(m.Solver, log)
		loop.Observe = func(it optimize.Iteration) {
			if err := m.Repo.AddIteration(context.Background(), id, it); err != nil {
				log.Error("record iteration", zap.Int("iteration", it.Index), zap.Error(err))
			}
		}
		loop.Interrupt = func(ctx context.Context) bool {
			req, err := m.Repo.CancelRequested(ctx, id)
			if err != nil {
				log.Warn("cancel check failed", zap.Error(err))
				return false
			}
			return req
		}
		var err error
		out, err = loop.Run(ctx, cfg)
		m.sem.Release(1)
		if err != nil {
			log.Error("run failed", zap.Error(err))
		}
	}

	if err := m.Repo.UpdateRun(context.Background(), id, out); err != nil {
		log.Error("record outcome", zap.Error(err))
	}
	if m.Notifier == nil {
		return
	}
	run, err := m.Repo.GetRun(context.Background(), id)
	if err != nil {
		log.Error("load run for notification", zap.Error(err))
		return
	}
	if err := m.Notifier.RunFinished(context.Background(), run); err != nil {
		log.Warn("notify", zap.Error(err))
	}
}
