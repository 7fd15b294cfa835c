package tablewriter

import (
	"fmt"
	"io"
	"regexp"
	"strings"
)

// ansi escapes don't count towards column width
var cleanColor = regexp.MustCompile("\x1b\\[[0-9;]*m")

type Column struct {
	Name         string
	SeparateLine bool
	Lines        int
}

type TableWriter struct {
	cols []Column
	rows []map[int]string
}

func Col(name string) Column {
	return Column{Name: name}
}

// NewLineCol writes the column value on its own line below the row, prefixed
// with the column name. Useful for wide values like error messages.
func NewLineCol(name string) Column {
	return Column{Name: name, SeparateLine: true}
}

// New creates a table with cols as the initial layout. Rows may introduce
// further columns; those are appended in first-seen order. Columns no row
// ever wrote are omitted from the output.
func New(cols ...Column) *TableWriter {
	return &TableWriter{cols: cols}
}

func (w *TableWriter) Write(r map[string]interface{}) {
	byColID := map[int]string{}

	for key, value := range r {
		found := false
		for i, col := range w.cols {
			if col.Name == key {
				byColID[i] = fmt.Sprint(value)
				w.cols[i].Lines++
				found = true
				break
			}
		}
		if !found {
			byColID[len(w.cols)] = fmt.Sprint(value)
			w.cols = append(w.cols, Column{Name: key, Lines: 1})
		}
	}

	w.rows = append(w.rows, byColID)
}

func (w *TableWriter) Flush(out io.Writer) error {
	colLengths := make([]int, len(w.cols))

	header := map[int]string{}
	for i, col := range w.cols {
		if col.SeparateLine {
			continue
		}
		header[i] = col.Name
	}

	rows := append([]map[int]string{header}, w.rows...)

	for _, row := range rows {
		for i, col := range w.cols {
			if col.SeparateLine || col.Lines == 0 {
				continue
			}
			if l := cellWidth(row[i]); l > colLengths[i] {
				colLengths[i] = l
			}
		}
	}

	for _, row := range rows {
		var sb strings.Builder
		for i, col := range w.cols {
			if col.SeparateLine || col.Lines == 0 {
				continue
			}
			cell := row[i]
			sb.WriteString(cell)
			sb.WriteString(strings.Repeat(" ", colLengths[i]-cellWidth(cell)+2))
		}
		if _, err := fmt.Fprintln(out, strings.TrimRight(sb.String(), " ")); err != nil {
			return err
		}

		for i, col := range w.cols {
			if !col.SeparateLine || row[i] == "" {
				continue
			}
			if _, err := fmt.Fprintf(out, "  %s: %s\n", col.Name, row[i]); err != nil {
				return err
			}
		}
	}

	return nil
}

func cellWidth(s string) int {
	return len(cleanColor.ReplaceAllString(s, ""))
}
