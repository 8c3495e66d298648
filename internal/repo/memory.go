package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"Dynaopt/internal/optimize"
)

// MemoryRunRepository keeps runs for the lifetime of the process. It backs
// the CLI and servers started without DATABASE_URL.
type MemoryRunRepository struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

func NewMemoryRunDB() *MemoryRunRepository {
	return &MemoryRunRepository{runs: make(map[string]*Run)}
}

func (m *MemoryRunRepository) CreateRun(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	run.UpdatedAt = run.CreatedAt
	m.runs[run.ID] = &run
	return nil
}

func (m *MemoryRunRepository) UpdateRun(_ context.Context, id string, out optimize.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.State = out.State
	run.Iterations = out.Iterations
	run.FinalMesh = out.FinalMesh
	run.Message = out.Message
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryRunRepository) AddIteration(_ context.Context, id string, it optimize.Iteration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.History = append(run.History, it)
	run.Iterations = it.Index
	run.FinalMesh = nextMesh(it)
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryRunRepository) GetRun(_ context.Context, id string) (Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return Run{}, ErrNotFound
	}
	return clone(run), nil
}

func (m *MemoryRunRepository) ListRuns(_ context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := make([]Run, 0, len(m.runs))
	for _, r := range m.runs {
		run := clone(r)
		run.History = nil
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *MemoryRunRepository) RequestCancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.CancelRequested = true
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryRunRepository) CancelRequested(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return false, ErrNotFound
	}
	return run.CancelRequested, nil
}

func clone(r *Run) Run {
	out := *r
	out.History = append([]optimize.Iteration(nil), r.History...)
	return out
}
