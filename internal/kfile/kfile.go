// Package kfile edits LS-DYNA keyword decks: it drops solid elements from the
// element definition block and from solid element sets in one forward pass.
package kfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

type Keywords struct {
	Element        string
	Set            string
	SetHeaderLines int
	IDsPerLine     int
	FieldWidth     int
}

func DefaultKeywords() Keywords {
	return Keywords{
		Element:        "*ELEMENT_SOLID",
		Set:            "*SET_SOLID",
		SetHeaderLines: 3,
		IDsPerLine:     8,
		FieldWidth:     10,
	}
}

type DeletionSet map[int]struct{}

func NewDeletionSet(ids []int) DeletionSet {
	d := make(DeletionSet, len(ids))
	for _, id := range ids {
		d[id] = struct{}{}
	}
	return d
}

func (d DeletionSet) Has(id int) bool {
	_, ok := d[id]
	return ok
}

type Stats struct {
	Kept      int `json:"kept"`
	Removed   int `json:"removed"`
	SetBefore int `json:"set_before"`
	SetAfter  int `json:"set_after"`
}

type Result struct {
	Path string `json:"path"`
	Stats
}

type Rewriter struct {
	Keywords Keywords
	Log      *zap.Logger
}

func NewRewriter(kw Keywords, log *zap.Logger) *Rewriter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Rewriter{Keywords: kw, Log: log}
}

// NextName inserts _iter<n> before the extension: model.k -> model_iter3.k.
func NextName(path string, n int) string {
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s_iter%d%s", strings.TrimSuffix(path, ext), n, ext)
}

// BackupName is the copy of the deck that fed the solver in iteration n.
func BackupName(path string, n int) string {
	ext := filepath.Ext(path)
	if ext == "" {
		ext = ".k"
	}
	return filepath.Join(filepath.Dir(path), fmt.Sprintf("backup_before_iter%d%s", n, ext))
}

// Rewrite writes NextName(path, iteration) with every id in del removed.
func (rw *Rewriter) Rewrite(path string, del DeletionSet, iteration int) (Result, error) {
	return rw.RewriteTo(path, NextName(path, iteration), del)
}

// RewriteTo writes target from path with every id in del removed. The input is
// never modified and a failed write leaves no output behind.
func (rw *Rewriter) RewriteTo(path, target string, del DeletionSet) (Result, error) {
	in, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open mesh: %w", err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("stat mesh: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*")
	if err != nil {
		return Result{}, fmt.Errorf("create mesh: %w", err)
	}
	defer os.Remove(tmp.Name())

	stats, err := rw.RewriteStream(in, tmp, del)
	if err != nil {
		tmp.Close()
		return Result{}, err
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		return Result{}, fmt.Errorf("chmod mesh: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Result{}, fmt.Errorf("close mesh: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return Result{}, fmt.Errorf("publish mesh: %w", err)
	}

	rw.Log.Info("mesh rewritten",
		zap.String("from", path),
		zap.String("to", target),
		zap.Int("kept", stats.Kept),
		zap.Int("removed", stats.Removed),
		zap.Int("set_before", stats.SetBefore),
		zap.Int("set_after", stats.SetAfter))
	return Result{Path: target, Stats: stats}, nil
}

func (rw *Rewriter) RewriteStream(r io.Reader, w io.Writer, del DeletionSet) (Stats, error) {
	bw := bufio.NewWriter(w)
	m := &machine{kw: rw.Keywords, del: del, w: bw, eol: "\n"}
	if err := feed(r, m); err != nil {
		return Stats{}, err
	}
	if err := bw.Flush(); err != nil {
		return Stats{}, fmt.Errorf("write mesh: %w", err)
	}
	return m.stats, nil
}

// ElementIDs lists the element ids of every definition block in file order.
func ElementIDs(r io.Reader, kw Keywords) ([]int, error) {
	var ids []int
	m := &machine{kw: kw, w: bufio.NewWriter(io.Discard), eol: "\n"}
	m.onRecord = func(id int) { ids = append(ids, id) }
	if err := feed(r, m); err != nil {
		return nil, err
	}
	return ids, nil
}

// SetIDs lists the members of each set block, one slice per block.
func SetIDs(r io.Reader, kw Keywords) ([][]int, error) {
	var sets [][]int
	m := &machine{kw: kw, w: bufio.NewWriter(io.Discard), eol: "\n"}
	m.onSet = func(ids []int) { sets = append(sets, append([]int(nil), ids...)) }
	if err := feed(r, m); err != nil {
		return nil, err
	}
	return sets, nil
}

func feed(r io.Reader, m *machine) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if werr := m.step(line); werr != nil {
				return fmt.Errorf("write mesh: %w", werr)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read mesh: %w", err)
		}
	}
	if err := m.close(); err != nil {
		return fmt.Errorf("write mesh: %w", err)
	}
	return nil
}

func parseIDs(line string) ([]int, bool) {
	fields := strings.Fields(line)
	ids := make([]int, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

func recordID(line string) (int, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0, false
	}
	id, err := strconv.Atoi(fields[0])
	return id, err == nil
}

func lineEnding(line string) string {
	if strings.HasSuffix(line, "\r\n") {
		return "\r\n"
	}
	return "\n"
}

// Backup copies path to BackupName(path, n) and returns the copy's name.
func Backup(path string, n int) (string, error) {
	dst := BackupName(path, n)
	if err := copyFile(path, dst); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	return dst, nil
}

// Stage copies the deck into dir, creating it, and returns the copy's path.
// A run works on its staged copy so generations from different runs of the
// same deck never share a directory.
func Stage(path, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("stage mesh: %w", err)
	}
	dst := filepath.Join(dir, filepath.Base(path))
	if err := copyFile(path, dst); err != nil {
		return "", fmt.Errorf("stage mesh: %w", err)
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
