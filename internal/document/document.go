// Package document models a Markdown file as an ordered sequence of
// heading-addressed sections. The heading text is the section's primary
// key; a section's body is every line between its heading and the next
// heading (or end of file).
package document

import (
	"fmt"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/starford/ansuz/internal/apperr"
)

// DefaultLevel is the heading level used when Replace appends a section
// that did not previously exist.
const DefaultLevel = 2

// Position selects where Insert places a new section.
type Position string

// Insert positions.
const (
	First  Position = "first"
	Last   Position = "last"
	Before Position = "before"
	After  Position = "after"
)

// Section is the addressable unit of a document.
type Section struct {
	Heading string `json:"heading"`
	Level   int    `json:"level"`
	Body    string `json:"body"`

	// StartLine and EndLine are zero-based line offsets into the source
	// the section was parsed from. They are derived, never persisted,
	// and go stale after any mutation.
	StartLine int `json:"-"`
	EndLine   int `json:"-"`
}

// Document is the parsed form of the managed file.
type Document struct {
	Path     string
	Preamble string // content before the first heading
	Sections []Section
}

var md = goldmark.New()

// Parse splits src into a preamble and heading-addressed sections.
// Heading detection goes through the Markdown AST, so heading-like
// lines inside fenced code blocks do not start a section. Duplicate
// headings are a data-quality error, not an addressing mode.
func Parse(path string, src []byte) (*Document, error) {
	lines := strings.Split(string(src), "\n")
	starts := lineStarts(src)

	type headingMark struct {
		title string
		level int
		line  int
	}
	var marks []headingMark
	inMarkers := markerLines(lines)

	root := md.Parser().Parse(text.NewReader(src))
	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			continue
		}
		seg := h.Lines().At(0)
		title := strings.TrimSpace(string(src[seg.Start:seg.Stop]))
		if title == "" {
			continue
		}
		// Git-style conflict markers wrap arbitrary text. A "=======" line
		// inside a marker block would otherwise read as a setext underline
		// and split the conflicted section.
		if inMarkers[lineAt(starts, seg.Start)] {
			continue
		}
		marks = append(marks, headingMark{
			title: title,
			level: h.Level,
			line:  lineAt(starts, seg.Start),
		})
	}

	doc := &Document{Path: path}
	seen := make(map[string]struct{}, len(marks))

	for i, m := range marks {
		if _, dup := seen[m.title]; dup {
			return nil, fmt.Errorf("document: heading %q appears more than once: %w", m.title, apperr.ErrDuplicateHeading)
		}
		seen[m.title] = struct{}{}

		bodyStart := m.line + 1
		// Setext headings put their underline on the following line.
		if bodyStart < len(lines) && !strings.HasPrefix(strings.TrimLeft(lines[m.line], " "), "#") && isSetextUnderline(lines[bodyStart]) {
			bodyStart++
		}
		bodyEnd := len(lines)
		if i+1 < len(marks) {
			bodyEnd = marks[i+1].line
		}

		doc.Sections = append(doc.Sections, Section{
			Heading:   m.title,
			Level:     m.level,
			Body:      trimBlank(lines[bodyStart:bodyEnd]),
			StartLine: m.line,
			EndLine:   bodyEnd,
		})
	}

	if len(marks) > 0 {
		doc.Preamble = trimBlank(lines[:marks[0].line])
	} else {
		doc.Preamble = trimBlank(lines)
	}

	return doc, nil
}

// Section returns the section with the given heading.
func (d *Document) Section(heading string) (*Section, bool) {
	for i := range d.Sections {
		if d.Sections[i].Heading == heading {
			return &d.Sections[i], true
		}
	}
	return nil, false
}

// Replace sets the body of the named section. If the heading does not
// exist a new section is appended at the end (upsert). Callers rely on
// this create-if-absent behavior; Insert is the strict variant.
func (d *Document) Replace(heading, body string) {
	body = trimBlank(strings.Split(body, "\n"))
	if s, ok := d.Section(heading); ok {
		s.Body = body
		return
	}
	d.Sections = append(d.Sections, Section{
		Heading: heading,
		Level:   DefaultLevel,
		Body:    body,
	})
}

// Insert adds a new section at the given position. Unlike Replace, an
// existing heading is rejected with ErrDuplicateHeading. Positions
// Before and After require an anchor heading.
func (d *Document) Insert(heading, body string, pos Position, anchor string) error {
	if _, exists := d.Section(heading); exists {
		return fmt.Errorf("document: insert %q: %w", heading, apperr.ErrDuplicateHeading)
	}

	sec := Section{
		Heading: heading,
		Level:   DefaultLevel,
		Body:    trimBlank(strings.Split(body, "\n")),
	}

	switch pos {
	case First:
		d.Sections = append([]Section{sec}, d.Sections...)
	case Last, "":
		d.Sections = append(d.Sections, sec)
	case Before, After:
		idx := -1
		for i := range d.Sections {
			if d.Sections[i].Heading == anchor {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("document: insert %q %s %q: %w", heading, pos, anchor, apperr.ErrAnchorNotFound)
		}
		if pos == After {
			idx++
		}
		d.Sections = append(d.Sections[:idx], append([]Section{sec}, d.Sections[idx:]...)...)
	default:
		return fmt.Errorf("document: insert %q: unknown position %q", heading, pos)
	}
	return nil
}

// Delete removes the named section.
func (d *Document) Delete(heading string) error {
	for i := range d.Sections {
		if d.Sections[i].Heading == heading {
			d.Sections = append(d.Sections[:i], d.Sections[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("document: delete %q: %w", heading, apperr.ErrNotFound)
}

// Serialize renders the document in canonical form: ATX headings, one
// blank line between blocks, a single trailing newline. The same
// structure always yields the same bytes, so downstream hashing is
// deterministic, and Parse(Serialize(d)) preserves the section set and
// order.
func (d *Document) Serialize() []byte {
	var b strings.Builder
	if d.Preamble != "" {
		b.WriteString(d.Preamble)
		b.WriteString("\n")
	}
	for i, s := range d.Sections {
		if i > 0 || d.Preamble != "" {
			b.WriteString("\n")
		}
		b.WriteString(strings.Repeat("#", s.Level))
		b.WriteString(" ")
		b.WriteString(s.Heading)
		b.WriteString("\n")
		if s.Body != "" {
			b.WriteString("\n")
			b.WriteString(s.Body)
			b.WriteString("\n")
		}
	}
	return []byte(b.String())
}

// Headings returns the heading of every section in order.
func (d *Document) Headings() []string {
	out := make([]string, len(d.Sections))
	for i, s := range d.Sections {
		out[i] = s.Heading
	}
	return out
}

// markerLines flags every line that sits inside a git-style conflict
// marker block, closing delimiter included.
func markerLines(lines []string) map[int]bool {
	out := make(map[int]bool)
	open := false
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "<<<<<<<"):
			open = true
			out[i] = true
		case strings.HasPrefix(line, ">>>>>>>"):
			out[i] = true
			open = false
		case open:
			out[i] = true
		}
	}
	return out
}

// lineStarts returns the byte offset of the start of every line.
func lineStarts(src []byte) []int {
	starts := []int{0}
	for i, c := range src {
		if c == '\n' && i+1 < len(src) {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// lineAt returns the zero-based line containing byte offset off.
func lineAt(starts []int, off int) int {
	return sort.Search(len(starts), func(i int) bool { return starts[i] > off }) - 1
}

// isSetextUnderline reports whether line is a setext heading underline
// (all '=' or all '-').
func isSetextUnderline(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	c := trimmed[0]
	if c != '=' && c != '-' {
		return false
	}
	for i := 1; i < len(trimmed); i++ {
		if trimmed[i] != c {
			return false
		}
	}
	return true
}

// trimBlank joins lines and strips leading/trailing blank lines, the
// canonical body form.
func trimBlank(lines []string) string {
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}
