// Package report renders finished runs as PDF summaries and XLSX histories
// and reads XLSX parameter sweeps.
package report

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"Dynaopt/internal/repo"

	"github.com/phpdave11/gofpdf"
)

const DefaultTitle = "Weight Optimization Report"

var historyHeader = []string{"Iter", "Mesh", "Marked", "Samples", "Min stress", "Max stress", "Kept", "Removed", "Time, s"}

// column widths in mm, A4 portrait leaves 190 between margins
var historyWidths = []float64{12, 58, 16, 18, 22, 22, 16, 16, 10}

func WritePDF(w io.Writer, run repo.Run) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(0, 10, DefaultTitle)
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 11)
	line := func(label, value string) {
		pdf.Cell(0, 6, fmt.Sprintf("%s: %s", label, value))
		pdf.Ln(6)
	}
	line("Run", run.ID)
	line("Date", run.CreatedAt.Format("2006-01-02 15:04"))
	if run.SourceMesh != "" {
		line("Source deck", run.SourceMesh)
	}
	line("Mesh", filepath.Base(run.Config.MeshPath))
	line("Stress limit", fmt.Sprintf("%g", run.Config.Threshold))
	line("Iteration cap", fmt.Sprintf("%d", run.Config.MaxIterations))
	line("CPUs", fmt.Sprintf("%d", run.Config.CPUs))
	line("State", string(run.State))
	line("Iterations", fmt.Sprintf("%d", run.Iterations))
	line("Final mesh", filepath.Base(run.FinalMesh))
	if run.Message != "" {
		pdf.Ln(2)
		pdf.MultiCell(0, 6, run.Message, "", "L", false)
	}
	pdf.Ln(6)

	if len(run.History) > 0 {
		pdf.SetFont("Helvetica", "B", 9)
		for i, h := range historyHeader {
			pdf.CellFormat(historyWidths[i], 7, h, "1", 0, "C", false, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Helvetica", "", 9)
		for _, it := range run.History {
			cells := []string{
				fmt.Sprintf("%d", it.Index),
				filepath.Base(it.Mesh),
				fmt.Sprintf("%d", it.Marked),
				fmt.Sprintf("%d", it.Samples),
				fmt.Sprintf("%.3g", it.MinStress),
				fmt.Sprintf("%.3g", it.MaxStress),
				fmt.Sprintf("%d", it.Kept),
				fmt.Sprintf("%d", it.Removed),
				fmt.Sprintf("%.0f", it.Duration.Seconds()),
			}
			for i, c := range cells {
				align := "R"
				if i == 1 {
					align = "L"
				}
				pdf.CellFormat(historyWidths[i], 6, c, "1", 0, align, false, 0, "")
			}
			pdf.Ln(-1)
		}
		pdf.Ln(4)
		pdf.SetFont("Helvetica", "", 11)
		pdf.Cell(0, 6, fmt.Sprintf("Elements removed in total: %d", totalRemoved(run)))
		pdf.Ln(6)
	}

	pdf.SetFont("Helvetica", "I", 8)
	pdf.Cell(0, 6, fmt.Sprintf("Generated %s", time.Now().UTC().Format(time.RFC3339)))
	return pdf.Output(w)
}

func totalRemoved(run repo.Run) int {
	n := 0
	for _, it := range run.History {
		n += it.Removed
	}
	return n
}
