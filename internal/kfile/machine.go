package kfile

import (
	"bufio"
	"fmt"
	"strings"
)

type region int

const (
	regionOutside region = iota
	regionElements
	regionSet
)

func (r region) String() string {
	switch r {
	case regionElements:
		return "elements"
	case regionSet:
		return "set"
	default:
		return "outside"
	}
}

// transition returns the region that follows line and whether line is a
// keyword, which always ends the region it was read in.
func (kw Keywords) transition(cur region, line string) (region, bool) {
	t := strings.TrimSpace(line)
	if !strings.HasPrefix(t, "*") {
		return cur, false
	}
	switch {
	case strings.HasPrefix(t, kw.Element):
		return regionElements, true
	case strings.HasPrefix(t, kw.Set):
		return regionSet, true
	}
	return regionOutside, true
}

type machine struct {
	kw  Keywords
	del DeletionSet
	w   *bufio.Writer
	eol string

	region  region
	pending []string
	header  int
	ids     []int
	stats   Stats

	onRecord func(id int)
	onSet    func(ids []int)
}

func (m *machine) step(line string) error {
	next, keyword := m.kw.transition(m.region, line)
	if keyword {
		if err := m.close(); err != nil {
			return err
		}
		m.region = next
		m.header = 0
		_, err := m.w.WriteString(line)
		return err
	}

	switch m.region {
	case regionElements:
		return m.element(line)
	case regionSet:
		return m.member(line)
	}
	_, err := m.w.WriteString(line)
	return err
}

// element pairs record lines; comment lines are copied without breaking a pair.
func (m *machine) element(line string) error {
	if strings.HasPrefix(strings.TrimSpace(line), "$") {
		_, err := m.w.WriteString(line)
		return err
	}
	m.pending = append(m.pending, line)
	if len(m.pending) < 2 {
		return nil
	}
	rec := m.pending
	m.pending = m.pending[:0]

	id, ok := recordID(rec[0])
	if ok && m.onRecord != nil {
		m.onRecord(id)
	}
	if ok && m.del.Has(id) {
		m.stats.Removed++
		return nil
	}
	m.stats.Kept++
	for _, l := range rec {
		if _, err := m.w.WriteString(l); err != nil {
			return err
		}
	}
	return nil
}

func (m *machine) member(line string) error {
	if m.header < m.kw.SetHeaderLines {
		m.header++
		m.eol = lineEnding(line)
		_, err := m.w.WriteString(line)
		return err
	}
	if ids, ok := parseIDs(line); ok {
		m.ids = append(m.ids, ids...)
	}
	return nil
}

// close ends the current region; end of input is handled the same way.
func (m *machine) close() error {
	defer func() { m.region = regionOutside }()

	switch m.region {
	case regionElements:
		for _, l := range m.pending {
			if _, err := m.w.WriteString(l); err != nil {
				return err
			}
		}
		m.pending = m.pending[:0]
	case regionSet:
		if m.onSet != nil {
			m.onSet(m.ids)
		}
		kept := m.ids[:0]
		for _, id := range m.ids {
			if !m.del.Has(id) {
				kept = append(kept, id)
			}
		}
		m.stats.SetBefore += len(m.ids)
		m.stats.SetAfter += len(kept)
		err := m.flushSet(kept)
		m.ids = m.ids[:0]
		return err
	}
	return nil
}

func (m *machine) flushSet(ids []int) error {
	per := m.kw.IDsPerLine
	if per <= 0 {
		per = 8
	}
	var b strings.Builder
	for i := 0; i < len(ids); i += per {
		b.Reset()
		end := min(i+per, len(ids))
		for _, id := range ids[i:end] {
			fmt.Fprintf(&b, "%*d", m.kw.FieldWidth, id)
		}
		b.WriteString(m.eol)
		if _, err := m.w.WriteString(b.String()); err != nil {
			return err
		}
	}
	return nil
}
