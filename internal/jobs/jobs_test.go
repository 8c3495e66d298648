package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Dynaopt/internal/elout"
	"Dynaopt/internal/kfile"
	"Dynaopt/internal/optimize"
	"Dynaopt/internal/repo"
	"Dynaopt/internal/solver"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

const deck = "*KEYWORD\n*ELEMENT_SOLID\n       1       1\n       1       2\n       2       1\n       2       3\n*END\n"

func stressReport(stress map[int]float64, order ...int) string {
	var b strings.Builder
	b.WriteString(" ( at time 1.10000E+00 )\n\n\n\n\n")
	for _, id := range order {
		fmt.Fprintf(&b, "%8d-       1\n", id)
		fmt.Fprintf(&b, "  1- elastic 0 0 0 0 0 %.2f 0\n", stress[id])
	}
	return b.String()
}

// fakeSolver answers every call with the report built by next.
type fakeSolver struct {
	next    func(call int, job solver.Job) string
	calls   atomic.Int32
	running atomic.Int32
	peak    atomic.Int32
	gate    chan struct{}
}

func (f *fakeSolver) Solve(ctx context.Context, job solver.Job) error {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	call := int(f.calls.Add(1))
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if text := f.next(call, job); text != "" {
		return os.WriteFile(filepath.Join(filepath.Dir(job.Mesh), elout.FileName), []byte(text), 0o644)
	}
	return nil
}

func newConfig(t *testing.T) optimize.Config {
	t.Helper()
	dir := t.TempDir()
	mesh := filepath.Join(dir, "part.k")
	require.NoError(t, os.WriteFile(mesh, []byte(deck), 0o644))
	exe := filepath.Join(dir, "solver")
	require.NoError(t, os.WriteFile(exe, nil, 0o755))
	cfg := optimize.DefaultConfig()
	cfg.MeshPath, cfg.SolverPath = mesh, exe
	cfg.MaxIterations = 3
	return cfg
}

type recorder struct {
	mu      sync.Mutex
	started []string
	runs    []repo.Run
}

func (r *recorder) RunStarted(_ context.Context, run repo.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, run.ID)
	return nil
}

func (r *recorder) RunFinished(_ context.Context, run repo.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func TestSubmitRecordsOutcome(t *testing.T) {
	db := repo.NewMemoryRunDB()
	s := &fakeSolver{next: func(call int, _ solver.Job) string {
		if call == 1 {
			return stressReport(map[int]float64{1: 5, 2: 90}, 1, 2)
		}
		return stressReport(map[int]float64{2: 90}, 2)
	}}
	notes := &recorder{}
	m := NewManager(db, s, 1, nil)
	m.Notifier = notes

	cfg := newConfig(t)
	id, err := m.Submit(context.Background(), cfg)
	require.NoError(t, err)
	m.Wait()

	run, err := db.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, optimize.StateConverged, run.State)
	assert.Equal(t, 2, run.Iterations)
	require.Len(t, run.History, 2)
	assert.Equal(t, 1, run.History[0].Marked)
	assert.Equal(t, cfg.MeshPath, run.SourceMesh)
	assert.Equal(t, filepath.Join(WorkDir(cfg.MeshPath, id), "part_iter1.k"), run.FinalMesh)

	assert.Equal(t, []string{id}, notes.started)
	require.Len(t, notes.runs, 1)
	assert.Equal(t, id, notes.runs[0].ID)
}

func TestSubmitRejectsInvalidConfig(t *testing.T) {
	db := repo.NewMemoryRunDB()
	m := NewManager(db, &fakeSolver{}, 1, nil)
	cfg := newConfig(t)
	cfg.Threshold = -1

	_, err := m.Submit(context.Background(), cfg)
	require.ErrorIs(t, err, optimize.ErrInvalidConfig)
	runs, err := db.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestParallelLimit(t *testing.T) {
	db := repo.NewMemoryRunDB()
	s := &fakeSolver{next: func(int, solver.Job) string { return "" }}
	m := NewManager(db, s, 2, nil)

	for i := 0; i < 5; i++ {
		_, err := m.Submit(context.Background(), newConfig(t))
		require.NoError(t, err)
	}
	m.Wait()
	assert.Equal(t, int32(5), s.calls.Load())
	assert.LessOrEqual(t, s.peak.Load(), int32(2))

	runs, err := db.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	for _, r := range runs {
		assert.Equal(t, optimize.StateStalled, r.State)
	}
}

func TestCancelStopsBeforeNextSolverRun(t *testing.T) {
	db := repo.NewMemoryRunDB()
	s := &fakeSolver{
		gate: make(chan struct{}),
		next: func(int, solver.Job) string {
			return stressReport(map[int]float64{1: 1}, 1)
		},
	}
	m := NewManager(db, s, 1, nil)
	id, err := m.Submit(context.Background(), newConfig(t))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.running.Load() == 1 }, timeout, tick)
	require.NoError(t, m.Cancel(context.Background(), id))
	close(s.gate)
	m.Wait()

	run, err := db.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, optimize.StateCancelled, run.State)
	assert.Equal(t, 1, run.Iterations)
	assert.Equal(t, int32(1), s.calls.Load())
}

func TestShutdownAbortsRunningSolver(t *testing.T) {
	db := repo.NewMemoryRunDB()
	s := &fakeSolver{gate: make(chan struct{}), next: func(int, solver.Job) string { return "" }}
	m := NewManager(db, s, 1, nil)
	id, err := m.Submit(context.Background(), newConfig(t))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.running.Load() == 1 }, timeout, tick)
	m.Shutdown()

	run, err := db.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, optimize.StateCancelled, run.State)
	assert.False(t, m.Abort(id), "finished runs are forgotten")
}

func TestSubmitAll(t *testing.T) {
	db := repo.NewMemoryRunDB()
	m := NewManager(db, &fakeSolver{next: func(int, solver.Job) string { return "" }}, 1, nil)

	_, err := m.SubmitAll(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoItems)

	bad := newConfig(t)
	bad.CPUs = 0
	_, err = m.SubmitAll(context.Background(), []optimize.Config{newConfig(t), bad})
	require.ErrorIs(t, err, optimize.ErrInvalidConfig)
	runs, _ := db.ListRuns(context.Background(), 0)
	assert.Empty(t, runs, "nothing starts when one item is invalid")

	ids, err := m.SubmitAll(context.Background(), []optimize.Config{newConfig(t), newConfig(t)})
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	m.Wait()
}

func elementsIn(t *testing.T, path string) []int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	ids, err := kfile.ElementIDs(f, kfile.DefaultKeywords())
	require.NoError(t, err)
	return ids
}

func TestRunsOfOneDeckKeepSeparateGenerations(t *testing.T) {
	db := repo.NewMemoryRunDB()
	// every element still in the deck reports 10 times its id
	s := &fakeSolver{next: func(_ int, job solver.Job) string {
		ids := elementsIn(t, job.Mesh)
		stress := make(map[int]float64, len(ids))
		for _, id := range ids {
			stress[id] = float64(10 * id)
		}
		return stressReport(stress, ids...)
	}}
	m := NewManager(db, s, 2, nil)

	low := newConfig(t)
	low.Threshold = 15
	high := low
	high.Threshold = 25
	ids, err := m.SubmitAll(context.Background(), []optimize.Config{low, high})
	require.NoError(t, err)
	m.Wait()

	want := map[float64][]int{15: {2}, 25: nil}
	finals := map[string]bool{}
	for _, id := range ids {
		run, err := db.GetRun(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, optimize.StateConverged, run.State)
		assert.Equal(t, want[run.Config.Threshold], elementsIn(t, run.FinalMesh), "threshold %g", run.Config.Threshold)
		assert.Equal(t, WorkDir(low.MeshPath, id), filepath.Dir(run.FinalMesh))
		finals[run.FinalMesh] = true
	}
	assert.Len(t, finals, 2)

	gens, err := filepath.Glob(filepath.Join(filepath.Dir(low.MeshPath), "part_iter*"))
	require.NoError(t, err)
	assert.Empty(t, gens, "the submitted deck's directory only holds the deck")
	assert.Equal(t, []int{1, 2}, elementsIn(t, low.MeshPath))
}

func TestSubmitStagingFailureCreatesNothing(t *testing.T) {
	db := repo.NewMemoryRunDB()
	m := NewManager(db, &fakeSolver{}, 1, nil)
	cfg := newConfig(t)
	require.NoError(t, os.Chmod(filepath.Dir(cfg.MeshPath), 0o555))
	t.Cleanup(func() { os.Chmod(filepath.Dir(cfg.MeshPath), 0o755) })
	if f, err := os.Create(filepath.Join(filepath.Dir(cfg.MeshPath), "writable")); err == nil {
		f.Close()
		t.Skip("directory permissions are not enforced for this user")
	}

	_, err := m.Submit(context.Background(), cfg)
	require.Error(t, err)
	runs, err := db.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
