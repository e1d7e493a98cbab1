// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	headerStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2).Align(lipgloss.Center)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)

	// Styles of the marked rows.
	markStyles = map[rowMark]lipgloss.Style{
		markSelected: cellStyle.Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "2", Dark: "10"}),
		markFallback: cellStyle.Foreground(lipgloss.AdaptiveColor{Light: "3", Dark: "11"}),
		markPriority: cellStyle.Underline(true),
	}
)

// rowMark flags rows of a report that deserve attention.
type rowMark int

const (
	markNone rowMark = iota

	// markSelected is the descriptor the node selected.
	markSelected

	// markFallback is an execution that ran on a fallback executor.
	markFallback

	// markPriority is an implementation type requested by the user.
	markPriority
)

// column of a report table. Tables whose columns have no names have no header.
type column struct {
	name  string
	align lipgloss.Position
}

func col(name string, align lipgloss.Position) column { return column{name: name, align: align} }

// reportTable accumulates the rows of one section of the report.
type reportTable struct {
	columns []column
	rows    [][]string
	marks   []rowMark
}

func newReportTable(columns ...column) *reportTable {
	return &reportTable{columns: columns}
}

// newSummaryTable returns a headerless table of name/value pairs.
func newSummaryTable() *reportTable {
	return newReportTable(col("", lipgloss.Right), col("", lipgloss.Left))
}

func (t *reportTable) add(mark rowMark, cells ...string) {
	t.rows = append(t.rows, cells)
	t.marks = append(t.marks, mark)
}

// headers returns the column names, or nil if no column is named.
func (t *reportTable) headers() []string {
	var headers []string
	for ii, c := range t.columns {
		if c.name != "" && headers == nil {
			headers = make([]string, len(t.columns))
		}
		if headers != nil {
			headers[ii] = c.name
		}
	}
	return headers
}

func (t *reportTable) Render() string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Rows(t.rows...)
	if headers := t.headers(); headers != nil {
		table.Headers(headers...)
	}
	table.StyleFunc(func(row, colIdx int) lipgloss.Style {
		align := lipgloss.Left
		if colIdx < len(t.columns) {
			align = t.columns[colIdx].align
		}
		if row < 0 {
			return headerStyle
		}
		style, found := markStyles[t.marks[row]]
		if !found {
			style = cellStyle
			if row%2 == 1 {
				style = style.Faint(true)
			}
		}
		return style.Align(align)
	})
	return table.Render()
}
