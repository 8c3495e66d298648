package report

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"Dynaopt/internal/optimize"
	"Dynaopt/internal/repo"

	"github.com/xuri/excelize/v2"
)

const (
	HistorySheet = "History"
	RunSheet     = "Run"
)

var ErrEmptySweep = errors.New("sweep sheet has no rows")

// WriteXLSX writes the run parameters and one row per iteration.
func WriteXLSX(w io.Writer, run repo.Run) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", RunSheet); err != nil {
		return err
	}
	summary := [][]any{
		{"run", run.ID},
		{"source_mesh", run.SourceMesh},
		{"mesh", run.Config.MeshPath},
		{"stress_limit", run.Config.Threshold},
		{"max_iterations", run.Config.MaxIterations},
		{"ncpu", run.Config.CPUs},
		{"state", string(run.State)},
		{"iterations", run.Iterations},
		{"final_mesh", run.FinalMesh},
		{"message", run.Message},
	}
	for i, row := range summary {
		if err := f.SetSheetRow(RunSheet, cell(1, i+1), &row); err != nil {
			return err
		}
	}

	if _, err := f.NewSheet(HistorySheet); err != nil {
		return err
	}
	header := make([]any, len(historyHeader))
	for i, h := range historyHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(HistorySheet, "A1", &header); err != nil {
		return err
	}
	for i, it := range run.History {
		row := []any{it.Index, it.Mesh, it.Marked, it.Samples, it.MinStress, it.MaxStress,
			it.Kept, it.Removed, it.Duration.Seconds()}
		if err := f.SetSheetRow(HistorySheet, cell(1, i+2), &row); err != nil {
			return err
		}
	}
	if err := f.SetColWidth(HistorySheet, "B", "B", 40); err != nil {
		return err
	}
	return f.Write(w)
}

// ReadSweep turns the first sheet of an XLSX workbook into one config per row
// on top of base. The first row is a header; columns are stress_limit,
// max_iterations and optionally ncpu and memory. Blank rows are skipped.
func ReadSweep(r io.Reader, base optimize.Config) ([]optimize.Config, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		return nil, fmt.Errorf("read sheet: %w", err)
	}
	if len(rows) < 2 {
		return nil, ErrEmptySweep
	}

	var cfgs []optimize.Config
	for i := 1; i < len(rows); i++ {
		if blank(rows[i]) {
			continue
		}
		cfg, err := parseSweepRow(rows[i], base)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		cfgs = append(cfgs, cfg)
	}
	if len(cfgs) == 0 {
		return nil, ErrEmptySweep
	}
	return cfgs, nil
}

func parseSweepRow(row []string, base optimize.Config) (optimize.Config, error) {
	cfg := base
	if len(row) < 2 {
		return cfg, fmt.Errorf("want stress_limit and max_iterations, got %d columns", len(row))
	}
	var err error
	if cfg.Threshold, err = strconv.ParseFloat(strings.TrimSpace(row[0]), 64); err != nil {
		return cfg, fmt.Errorf("stress_limit: %w", err)
	}
	if cfg.MaxIterations, err = strconv.Atoi(strings.TrimSpace(row[1])); err != nil {
		return cfg, fmt.Errorf("max_iterations: %w", err)
	}
	if len(row) > 2 && strings.TrimSpace(row[2]) != "" {
		if cfg.CPUs, err = strconv.Atoi(strings.TrimSpace(row[2])); err != nil {
			return cfg, fmt.Errorf("ncpu: %w", err)
		}
	}
	if len(row) > 3 && strings.TrimSpace(row[3]) != "" {
		if cfg.Memory, err = strconv.Atoi(strings.TrimSpace(row[3])); err != nil {
			return cfg, fmt.Errorf("memory: %w", err)
		}
	}
	return cfg, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func cell(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col, row)
	return name
}
