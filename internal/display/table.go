package display

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// Table renders rows of aligned columns with a header separator
type Table struct {
	headers  []string
	rows     [][]string
	maxWidth int
}

// NewTable creates a table bounded to the terminal width when stdout
// is a terminal, otherwise unbounded
func NewTable(headers ...string) *Table {
	t := &Table{headers: headers}
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		t.maxWidth = w
	}
	return t
}

// AddRow appends one row, padding or truncating to the header count
func (t *Table) AddRow(cells ...string) {
	row := make([]string, len(t.headers))
	for i := range row {
		if i < len(cells) {
			row[i] = cells[i]
		}
	}
	t.rows = append(t.rows, row)
}

// Len returns the number of data rows
func (t *Table) Len() int {
	return len(t.rows)
}

// Render returns the formatted table
func (t *Table) Render() string {
	var sb strings.Builder
	t.RenderTo(&sb)
	return sb.String()
}

// RenderTo writes the formatted table to w
func (t *Table) RenderTo(w io.Writer) {
	widths := t.columnWidths()

	t.writeRow(w, t.headers, widths)
	sep := make([]string, len(t.headers))
	for i, width := range widths {
		sep[i] = strings.Repeat("-", width)
	}
	t.writeRow(w, sep, widths)
	for _, row := range t.rows {
		t.writeRow(w, row, widths)
	}
}

func (t *Table) columnWidths() []int {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if l := utf8.RuneCountInString(cell); l > widths[i] {
				widths[i] = l
			}
		}
	}

	if t.maxWidth > 0 {
		total := 0
		for _, w := range widths {
			total += w + 2
		}
		// Shrink the widest column until the table fits.
		for total > t.maxWidth {
			widest := 0
			for i := range widths {
				if widths[i] > widths[widest] {
					widest = i
				}
			}
			if widths[widest] <= 8 {
				break
			}
			widths[widest]--
			total--
		}
	}
	return widths
}

func (t *Table) writeRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		if utf8.RuneCountInString(cell) > widths[i] {
			runes := []rune(cell)
			cell = string(runes[:widths[i]-1]) + "…"
		}
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}
	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}
