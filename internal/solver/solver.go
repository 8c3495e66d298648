// Package solver launches the external LS-DYNA executable.
package solver

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
)

const (
	DefaultMemory = 999999999
	LogFileName   = "solver.log"
)

type Job struct {
	Mesh       string
	Executable string
	CPUs       int
	Memory     int
}

// Solver blocks until the analysis of job.Mesh has finished. Whether it
// produced results is judged by the caller from the files it left behind.
type Solver interface {
	Solve(ctx context.Context, job Job) error
}

type Exec struct {
	Log    *zap.Logger
	Stdout io.Writer
}

func NewExec(log *zap.Logger) *Exec {
	if log == nil {
		log = zap.NewNop()
	}
	return &Exec{Log: log}
}

func Args(job Job) []string {
	mem := job.Memory
	if mem <= 0 {
		mem = DefaultMemory
	}
	return []string{
		"i=" + filepath.Base(job.Mesh),
		"ncpu=" + strconv.Itoa(job.CPUs),
		"memory=" + strconv.Itoa(mem),
	}
}

func (e *Exec) Solve(ctx context.Context, job Job) error {
	dir := filepath.Dir(job.Mesh)
	logf, err := os.Create(filepath.Join(dir, LogFileName))
	if err != nil {
		return fmt.Errorf("create solver log: %w", err)
	}
	defer logf.Close()

	out := io.Writer(logf)
	if e.Stdout != nil {
		out = io.MultiWriter(logf, e.Stdout)
	}

	cmd := exec.CommandContext(ctx, job.Executable, Args(job)...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out

	e.Log.Info("starting solver",
		zap.String("exe", job.Executable),
		zap.String("mesh", job.Mesh),
		zap.Int("ncpu", job.CPUs))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// exit status is advisory; the report file decides
		e.Log.Warn("solver exited with error", zap.Error(err))
	}
	return nil
}
