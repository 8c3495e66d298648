package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"Dynaopt/internal/config"
	"Dynaopt/internal/optimize"
	"Dynaopt/internal/report"
	"Dynaopt/internal/repo"
	"Dynaopt/internal/solver"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errRunFailed = errors.New("optimization failed")

type runFlags struct {
	job       string
	mesh      string
	solver    string
	threshold float64
	maxIter   int
	cpus      int
	memory    int
	pdf       string
	xlsx      string
}

func newRunCmd(a *app) *cobra.Command {
	f := &runFlags{}
	defaults := optimize.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Optimize one deck until it converges, stalls or hits the iteration cap",
		Long: `Settings are layered: SOLVER_PATH, STRESS_LIMIT, MAX_ITER, NCPU and
SOLVER_MEMORY from the environment, then the --job file, then flags given on
the command line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.config(cmd, a.envFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runOnce(ctx, cmd, a.log, cfg, f.pdf, f.xlsx)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.job, "job", "", "YAML job file")
	fl.StringVar(&f.mesh, "mesh", "", "Keyword deck to optimize")
	fl.StringVar(&f.solver, "solver", "", "LS-DYNA executable")
	fl.Float64Var(&f.threshold, "stress-limit", defaults.Threshold, "Elements below this stress are removed")
	fl.IntVar(&f.maxIter, "max-iter", defaults.MaxIterations, "Iteration cap")
	fl.IntVar(&f.cpus, "ncpu", defaults.CPUs, "CPUs passed to the solver")
	fl.IntVar(&f.memory, "memory", 0, "Solver memory in words (0 uses the default)")
	fl.StringVar(&f.pdf, "pdf", "", "Write a PDF summary here")
	fl.StringVar(&f.xlsx, "xlsx", "", "Write the iteration history workbook here")
	return cmd
}

func (f *runFlags) config(cmd *cobra.Command, envFile string) (optimize.Config, error) {
	if err := config.LoadEnv(envFile); err != nil {
		return optimize.Config{}, err
	}
	cfg, err := config.Defaults()
	if err != nil {
		return cfg, err
	}
	if f.job != "" {
		if cfg, err = config.LoadJob(f.job, cfg); err != nil {
			return cfg, err
		}
	}
	fl := cmd.Flags()
	if fl.Changed("mesh") {
		cfg.MeshPath = f.mesh
	}
	if fl.Changed("solver") {
		cfg.SolverPath = f.solver
	}
	if fl.Changed("stress-limit") {
		cfg.Threshold = f.threshold
	}
	if fl.Changed("max-iter") {
		cfg.MaxIterations = f.maxIter
	}
	if fl.Changed("ncpu") {
		cfg.CPUs = f.cpus
	}
	if fl.Changed("memory") {
		cfg.Memory = f.memory
	}
	return cfg, nil
}

func runOnce(ctx context.Context, cmd *cobra.Command, log *zap.Logger, cfg optimize.Config, pdfPath, xlsxPath string) error {
	out := cmd.OutOrStdout()
	loop := optimize.NewLoop(solver.NewExec(log), log)
	loop.Observe = func(it optimize.Iteration) {
		fmt.Fprintf(out, "iter %d: %d of %d elements below %g, %s\n",
			it.Index, it.Marked, it.Samples, cfg.Threshold, filepath.Base(nextOr(it)))
	}

	started := time.Now().UTC()
	res, err := loop.Run(ctx, cfg)
	if errors.Is(err, optimize.ErrInvalidConfig) {
		return err
	}
	fmt.Fprintf(out, "%s after %d iteration(s); final mesh %s\n", res.State, res.Iterations, res.FinalMesh)
	if res.Message != "" {
		fmt.Fprintln(out, res.Message)
	}

	run := repo.Run{
		ID:         started.Format("20060102-150405"),
		Config:     cfg,
		State:      res.State,
		Iterations: res.Iterations,
		FinalMesh:  res.FinalMesh,
		Message:    res.Message,
		CreatedAt:  started,
		UpdatedAt:  time.Now().UTC(),
		History:    res.History,
	}
	if werr := writeReports(run, pdfPath, xlsxPath); werr != nil {
		return werr
	}
	if err != nil {
		return err
	}
	if res.State == optimize.StateFailed {
		return errRunFailed
	}
	return nil
}

func writeReports(run repo.Run, pdfPath, xlsxPath string) error {
	write := func(path string, fn func(f *os.File) error) error {
		if path == "" {
			return nil
		}
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
		return f.Close()
	}
	if err := write(pdfPath, func(f *os.File) error { return report.WritePDF(f, run) }); err != nil {
		return err
	}
	return write(xlsxPath, func(f *os.File) error { return report.WriteXLSX(f, run) })
}

func nextOr(it optimize.Iteration) string {
	if it.Next != "" {
		return it.Next
	}
	return it.Mesh
}
