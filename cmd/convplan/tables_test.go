// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportTable(t *testing.T) {
	table := newReportTable(col("Slot", lipgloss.Right), col("Implementation", lipgloss.Left))
	assert.Equal(t, []string{"Slot", "Implementation"}, table.headers())
	table.add(markNone, "0", "brgconv_avx512")
	table.add(markSelected, "1", "jit_avx2")
	table.add(markFallback, "2", "ref_any")
	require.Len(t, table.marks, 3)
	assert.Equal(t, markSelected, table.marks[1])

	rendered := table.Render()
	for _, cell := range []string{"Slot", "Implementation", "brgconv_avx512", "jit_avx2", "ref_any"} {
		assert.Contains(t, rendered, cell)
	}
	assert.Less(t, strings.Index(rendered, "jit_avx2"), strings.Index(rendered, "ref_any"))

	summary := newSummaryTable()
	assert.Nil(t, summary.headers())
	summary.add(markNone, "hits", "3")
	assert.Contains(t, summary.Render(), "hits")
}
