package util

import (
	"fmt"
	"io"
	"strings"
)

// TableColumn is one column of a rendered table.
type TableColumn struct {
	Header string
	Key    string // key into each row
	Width  int
}

// RenderTable writes rows as left-aligned columns sized to their widest cell.
// Cells may carry ANSI colors.
func RenderTable(w io.Writer, columns []TableColumn, rows []map[string]any) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	for i := range columns {
		columns[i].Width = displayWidth(columns[i].Header)
		for _, row := range rows {
			if value, ok := row[columns[i].Key]; ok {
				if n := displayWidth(fmt.Sprint(value)); n > columns[i].Width {
					columns[i].Width = n
				}
			}
		}
	}

	header := make([]string, len(columns))
	rule := make([]string, len(columns))
	for i, col := range columns {
		header[i] = padToWidth(col.Header, col.Width)
		rule[i] = strings.Repeat("-", col.Width)
	}
	fmt.Fprintln(w, strings.TrimRight(strings.Join(header, " "), " "))
	fmt.Fprintln(w, strings.Join(rule, " "))

	for _, row := range rows {
		cells := make([]string, len(columns))
		for i, col := range columns {
			value := ""
			if v, ok := row[col.Key]; ok {
				value = fmt.Sprint(v)
			}
			cells[i] = padToWidth(value, col.Width)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, " "), " "))
	}
}

func stripANSI(s string) string {
	for {
		start := strings.Index(s, "\033[")
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], "m")
		if end == -1 {
			return s
		}
		s = s[:start] + s[start+end+1:]
	}
}

func displayWidth(s string) int {
	return len([]rune(stripANSI(s)))
}

func padToWidth(s string, width int) string {
	if n := displayWidth(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}
