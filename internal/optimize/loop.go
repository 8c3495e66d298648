// Package optimize runs the solve, parse and trim cycle until the deck stops
// changing, the solver stops reporting or the iteration budget is spent.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"Dynaopt/internal/elout"
	"Dynaopt/internal/kfile"
	"Dynaopt/internal/solver"

	"go.uber.org/zap"
)

type State string

const (
	StateRunning   State = "running"
	StateConverged State = "converged"
	StateStalled   State = "stalled"
	StateMaxedOut  State = "maxed_out"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Done reports whether s is terminal.
func (s State) Done() bool {
	return s != StateRunning && s != ""
}

type Iteration struct {
	Index     int           `json:"index"`
	Mesh      string        `json:"mesh"`
	Marked    int           `json:"marked"`
	Samples   int           `json:"samples"`
	MinStress float64       `json:"min_stress"`
	MaxStress float64       `json:"max_stress"`
	Backup    string        `json:"backup,omitempty"`
	Next      string        `json:"next,omitempty"`
	Kept      int           `json:"kept"`
	Removed   int           `json:"removed"`
	Duration  time.Duration `json:"duration"`
}

type Outcome struct {
	State      State       `json:"state"`
	Iterations int         `json:"iterations"`
	FinalMesh  string      `json:"final_mesh"`
	History    []Iteration `json:"history"`
	Message    string      `json:"message"`
}

type Loop struct {
	Solver   solver.Solver
	Parser   *elout.Parser
	Rewriter *kfile.Rewriter
	Log      *zap.Logger

	// Observe is called after every completed iteration.
	Observe func(Iteration)
	// Interrupt is polled before each solver run; true stops the loop.
	Interrupt func(ctx context.Context) bool
}

func NewLoop(s solver.Solver, log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		Solver:   s,
		Parser:   elout.NewParser(elout.DefaultLayout(), log),
		Rewriter: kfile.NewRewriter(kfile.DefaultKeywords(), log),
		Log:      log,
	}
}

// Run validates cfg and iterates. The returned error is non-nil only for a
// rejected config or an I/O failure; every other end is a State.
func (l *Loop) Run(ctx context.Context, cfg Config) (Outcome, error) {
	if err := cfg.Validate(); err != nil {
		return Outcome{State: StateFailed, Message: err.Error()}, err
	}

	current := cfg.MeshPath
	out := Outcome{State: StateRunning, FinalMesh: current}
	finish := func(s State, msg string) Outcome {
		out.State, out.Message, out.FinalMesh = s, msg, current
		l.Log.Info("optimization finished",
			zap.String("state", string(s)),
			zap.Int("iterations", out.Iterations),
			zap.String("mesh", current),
			zap.String("message", msg))
		return out
	}
	fail := func(err error) (Outcome, error) {
		return finish(StateFailed, err.Error()), err
	}

	for out.Iterations < cfg.MaxIterations {
		if l.stop(ctx) {
			return finish(StateCancelled, "cancelled before solver run"), nil
		}
		out.Iterations++
		n := out.Iterations
		start := time.Now()
		it := Iteration{Index: n, Mesh: current}
		l.Log.Info("iteration started", zap.Int("iteration", n), zap.String("mesh", current))

		report := filepath.Join(filepath.Dir(current), elout.FileName)
		if err := os.Remove(report); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fail(fmt.Errorf("remove stale report: %w", err))
		}

		err := l.Solver.Solve(ctx, solver.Job{
			Mesh:       current,
			Executable: cfg.SolverPath,
			CPUs:       cfg.CPUs,
			Memory:     cfg.Memory,
		})
		if err != nil {
			if ctx.Err() != nil {
				return finish(StateCancelled, "cancelled during solver run"), nil
			}
			return fail(fmt.Errorf("run solver: %w", err))
		}

		if _, err := os.Stat(report); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return finish(StateStalled, "solver produced no elout"), nil
			}
			return fail(fmt.Errorf("stat report: %w", err))
		}

		res, err := l.Parser.ParseFile(report, cfg.Threshold)
		if err != nil {
			return fail(err)
		}
		it.Marked, it.Samples = len(res.IDs), res.Samples
		it.MinStress, it.MaxStress = res.MinStress, res.MaxStress
		l.Log.Info("elements to delete this round", zap.Int("iteration", n), zap.Int("marked", it.Marked))

		if it.Marked == 0 {
			it.Duration = time.Since(start)
			l.record(&out, it)
			msg := "no elements below stress limit"
			if !res.Found {
				msg = "target time not found in elout"
			}
			return finish(StateConverged, msg), nil
		}

		backup, err := kfile.Backup(current, n)
		if err != nil {
			return fail(err)
		}
		rw, err := l.Rewriter.RewriteTo(current, kfile.NextName(cfg.MeshPath, n), kfile.NewDeletionSet(res.IDs))
		if err != nil {
			return fail(err)
		}
		it.Backup, it.Next = backup, rw.Path
		it.Kept, it.Removed = rw.Kept, rw.Removed
		it.Duration = time.Since(start)
		current = rw.Path
		l.record(&out, it)
	}
	return finish(StateMaxedOut, fmt.Sprintf("reached %d iterations", cfg.MaxIterations)), nil
}

func (l *Loop) stop(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return l.Interrupt != nil && l.Interrupt(ctx)
}

func (l *Loop) record(out *Outcome, it Iteration) {
	out.History = append(out.History, it)
	if l.Observe != nil {
		l.Observe(it)
	}
}
