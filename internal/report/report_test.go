package report

import (
	"bytes"
	"testing"
	"time"

	"Dynaopt/internal/optimize"
	"Dynaopt/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func sampleRun() repo.Run {
	cfg := optimize.DefaultConfig()
	cfg.MeshPath = "/data/beam.k"
	cfg.SolverPath = "/opt/lsdyna"
	return repo.Run{
		ID:         "run-1",
		Config:     cfg,
		State:      optimize.StateConverged,
		Iterations: 2,
		FinalMesh:  "/data/beam_iter1.k",
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		History: []optimize.Iteration{
			{Index: 1, Mesh: "/data/beam.k", Marked: 3, Samples: 10, MinStress: 1.5, MaxStress: 120, Kept: 7, Removed: 3, Duration: 90 * time.Second},
			{Index: 2, Mesh: "/data/beam_iter1.k", Marked: 0, Samples: 7, MinStress: 60, MaxStress: 130, Duration: 80 * time.Second},
		},
	}
}

func TestWritePDF(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePDF(&buf, sampleRun()))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))

	buf.Reset()
	run := sampleRun()
	run.History = nil
	run.Message = "target time not found in elout"
	require.NoError(t, WritePDF(&buf, run))
	assert.NotZero(t, buf.Len())
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, sampleRun()))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(HistorySheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Iter", rows[0][0])
	assert.Equal(t, "/data/beam_iter1.k", rows[2][1])
	assert.Equal(t, "3", rows[1][7])

	state, err := f.GetCellValue(RunSheet, "B7")
	require.NoError(t, err)
	assert.Equal(t, "converged", state)
}

func sweepBook(t *testing.T, rows ...[]any) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	header := []any{"stress_limit", "max_iterations", "ncpu", "memory"}
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &header))
	for i, row := range rows {
		require.NoError(t, f.SetSheetRow("Sheet1", cell(1, i+2), &row))
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return &buf
}

func TestReadSweep(t *testing.T) {
	base := optimize.DefaultConfig()
	base.MeshPath = "/data/beam.k"

	book := sweepBook(t,
		[]any{30, 5},
		[]any{"", ""},
		[]any{45.5, 10, 8, 2000000},
	)
	cfgs, err := ReadSweep(book, base)
	require.NoError(t, err)
	require.Len(t, cfgs, 2)

	assert.Equal(t, 30.0, cfgs[0].Threshold)
	assert.Equal(t, 5, cfgs[0].MaxIterations)
	assert.Equal(t, base.CPUs, cfgs[0].CPUs)
	assert.Equal(t, "/data/beam.k", cfgs[0].MeshPath)

	assert.Equal(t, 45.5, cfgs[1].Threshold)
	assert.Equal(t, 8, cfgs[1].CPUs)
	assert.Equal(t, 2000000, cfgs[1].Memory)
}

func TestReadSweepErrors(t *testing.T) {
	base := optimize.DefaultConfig()

	_, err := ReadSweep(sweepBook(t), base)
	assert.ErrorIs(t, err, ErrEmptySweep)

	_, err = ReadSweep(sweepBook(t, []any{"high", 5}), base)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 2")

	_, err = ReadSweep(sweepBook(t, []any{10}), base)
	require.Error(t, err)

	_, err = ReadSweep(bytes.NewReader([]byte("not a workbook")), base)
	require.Error(t, err)
}
