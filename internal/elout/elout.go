// Package elout reads element stress out of the LS-DYNA "elout" ASCII report.
package elout

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// FileName is the report the solver writes next to the input deck.
const FileName = "elout"

// Layout pins the positions the parser relies on. The defaults match the
// solid-element block of elout as written by LS-DYNA R9-R13 in ASCII mode:
// the time banner, four lines of column headers, then two lines per element.
type Layout struct {
	Marker       string // substring of the time banner line
	RecordOffset int    // lines from the banner to the first element record
	StressField  int    // 1-based token on the second record line holding effective stress
}

func DefaultLayout() Layout {
	return Layout{
		Marker:       "at time 1.10000E+00",
		RecordOffset: 5,
		StressField:  8,
	}
}

type Result struct {
	Found     bool    `json:"found"`
	IDs       []int   `json:"ids"`
	Samples   int     `json:"samples"`
	Skipped   int     `json:"skipped"`
	MinStress float64 `json:"min_stress"`
	MaxStress float64 `json:"max_stress"`
}

type Parser struct {
	Layout Layout
	Log    *zap.Logger
}

func NewParser(layout Layout, log *zap.Logger) *Parser {
	if log == nil {
		log = zap.NewNop()
	}
	return &Parser{Layout: layout, Log: log}
}

func (p *Parser) ParseFile(path string, threshold float64) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open report: %w", err)
	}
	defer f.Close()
	return p.Parse(f, threshold)
}

// Parse returns the IDs of elements whose effective stress at the marker time
// is strictly below threshold. A report without the marker is not an error.
func (p *Parser) Parse(r io.Reader, threshold float64) (Result, error) {
	lr := &lineReader{r: bufio.NewReaderSize(r, 64*1024)}

	res := Result{MinStress: math.Inf(1), MaxStress: math.Inf(-1)}
	for lr.next() {
		if strings.Contains(lr.line, p.Layout.Marker) {
			res.Found = true
			break
		}
	}
	if lr.err != nil {
		return Result{}, fmt.Errorf("read report: %w", lr.err)
	}
	if !res.Found {
		p.Log.Info("target time not found in report", zap.String("marker", p.Layout.Marker))
		return Result{}, nil
	}

	for i := 1; i < p.Layout.RecordOffset; i++ {
		if !lr.next() {
			break
		}
	}

	for lr.next() {
		first := lr.line
		if !lr.next() {
			break
		}
		id, stress, ok := p.record(first, lr.line)
		if !ok {
			res.Skipped++
			continue
		}
		res.Samples++
		res.MinStress = math.Min(res.MinStress, stress)
		res.MaxStress = math.Max(res.MaxStress, stress)
		if stress < threshold {
			res.IDs = append(res.IDs, id)
		}
	}
	if lr.err != nil {
		return Result{}, fmt.Errorf("read report: %w", lr.err)
	}
	if res.Samples == 0 {
		res.MinStress, res.MaxStress = 0, 0
	}

	p.Log.Info("parsed report",
		zap.Int("samples", res.Samples),
		zap.Int("below_threshold", len(res.IDs)),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

// record decodes one element. Adjacent negative fields are printed without a
// separating space, so signs are dropped before splitting.
func (p *Parser) record(idLine, stressLine string) (int, float64, bool) {
	head := strings.Fields(strings.ReplaceAll(idLine, "-", ""))
	if len(head) == 0 {
		return 0, 0, false
	}
	id, err := strconv.Atoi(head[0])
	if err != nil {
		return 0, 0, false
	}
	fields := strings.Fields(strings.ReplaceAll(stressLine, "-", ""))
	if len(fields) < p.Layout.StressField {
		return 0, 0, false
	}
	stress, err := strconv.ParseFloat(fields[p.Layout.StressField-1], 64)
	if err != nil {
		return 0, 0, false
	}
	return id, stress, true
}

// lineReader yields lines of any length without their line ending.
type lineReader struct {
	r    *bufio.Reader
	line string
	err  error
}

func (l *lineReader) next() bool {
	if l.err != nil {
		return false
	}
	line, err := l.r.ReadString('\n')
	if err != nil {
		if !errors.Is(err, io.EOF) {
			l.err = err
			return false
		}
		if line == "" {
			return false
		}
	}
	l.line = strings.TrimRight(line, "\r\n")
	return true
}
