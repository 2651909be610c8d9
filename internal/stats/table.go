package stats

import "strings"

// Alignment selects cell justification within a column.
type Alignment int

// Cell alignments.
const (
	AlignLeft Alignment = iota
	AlignCenter
	AlignRight
)

// Cell is one table field.
type Cell struct {
	Align Alignment
	Text  string
}

// FormatTable renders rows with each column padded to its widest cell.
// All rows must have the same number of columns.
func FormatTable(rows [][]Cell) string {
	if len(rows) == 0 {
		return ""
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, c := range row {
			if len(c.Text) > widths[i] {
				widths[i] = len(c.Text)
			}
		}
	}

	var out strings.Builder
	var line strings.Builder
	for _, row := range rows {
		line.Reset()
		for i, c := range row {
			if i > 0 {
				line.WriteByte(' ')
			}
			pad := widths[i] - len(c.Text)
			switch c.Align {
			case AlignRight:
				line.WriteString(strings.Repeat(" ", pad))
				line.WriteString(c.Text)
			case AlignCenter:
				left := pad / 2
				line.WriteString(strings.Repeat(" ", left))
				line.WriteString(c.Text)
				line.WriteString(strings.Repeat(" ", pad-left))
			default:
				line.WriteString(c.Text)
				line.WriteString(strings.Repeat(" ", pad))
			}
		}
		out.WriteString(strings.TrimRight(line.String(), " "))
		out.WriteByte('\n')
	}
	return out.String()
}
