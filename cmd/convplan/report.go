// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/lowering/backends"
	"github.com/gomlx/lowering/pkg/core/memdesc"
	"github.com/gomlx/lowering/pkg/core/memory"
	"github.com/gomlx/lowering/pkg/lowering/catalog"
	"github.com/gomlx/lowering/pkg/lowering/conv"
	"github.com/gomlx/lowering/pkg/lowering/postops"
	"github.com/gomlx/lowering/pkg/support/xslices"
	"github.com/pkg/errors"
)

func reportEngine(engine backends.Engine) {
	fmt.Println(titleStyle.Render("Engine"))
	table := newSummaryTable()
	table.add(markNone, "name", engine.Name())
	table.add(markNone, "description", engine.Description())
	table.add(markNone, "isa", engine.Capabilities().ISA.String())
	fmt.Println(table.Render())
}

func reportCatalog(priorities []backends.ImplType) {
	fmt.Println(titleStyle.Render("Implementation ranking"))
	table := newReportTable(col("Rank", lipgloss.Right), col("Implementation", lipgloss.Left))
	for rank, implType := range catalog.New(priorities...) {
		mark := markNone
		if slices.Contains(priorities, implType) {
			mark = markPriority
		}
		table.add(mark, strconv.Itoa(rank), implType.String())
	}
	fmt.Println(table.Render())
}

func reportDescriptors(node *conv.Node) {
	selected := node.Selected()
	fmt.Println(titleStyle.Render(fmt.Sprintf("Descriptors of %q", node.Name())))
	table := newReportTable(col("Slot", lipgloss.Right), col("Algorithm", lipgloss.Left),
		col("Implementation", lipgloss.Left), col("Source", lipgloss.Left), col("Weights", lipgloss.Left),
		col("Destination", lipgloss.Left), col("Attributes", lipgloss.Right))
	for _, d := range node.Descriptors() {
		mark := markNone
		if d.Slot == selected.Slot && d.Impl.Type == selected.Impl.Type {
			mark = markSelected
		}
		table.add(mark, strconv.Itoa(d.Slot), d.Algorithm.String(), d.Impl.Type.String(),
			d.Impl.Src.String(), d.Impl.Weights.String(), d.Impl.Dst.String(), strconv.Itoa(d.AttrIndex))
	}
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Selection"))
	summary := newSummaryTable()
	legacyPostOps, legacyZeroPoint := node.Representation()
	summary.add(markNone, "implementation", selected.Impl.String())
	summary.add(markNone, "state", node.State().String())
	summary.add(markNone, "attributes", node.Attrs()[selected.AttrIndex].String())
	summary.add(markNone, "legacy post-ops", strconv.FormatBool(legacyPostOps))
	summary.add(markNone, "legacy zero points", strconv.FormatBool(legacyZeroPoint))
	summary.add(markNone, "scratchpad", humanize.Bytes(uint64(selected.Impl.Scratchpad)*4))
	fmt.Println(summary.Render())
}

// values returns n deterministic small values.
func values(n int) []float32 {
	v := make([]float32, n)
	for ii := range v {
		v[ii] = float32(ii%7) - 3
	}
	return v
}

// reportExecutions runs the node once per input dimensions, and reports how each executor was obtained.
func reportExecutions(node *conv.Node, runs [][]int) error {
	impl := node.Selected().Impl
	cfg := node.Config()
	weightsDesc := memdesc.Make(impl.Weights.DType(), memdesc.TagNCSP, cfg.WeightDims...)
	weights, err := memory.FromLogical(weightsDesc, values(weightsDesc.Shape().Size()))
	if err != nil {
		return err
	}
	var bias *memory.Memory
	if cfg.WithBias {
		bias = postops.VectorMemory(values(impl.Dst.Dims()[1]))
	}
	dst := memory.NewUnallocated(memdesc.Make(impl.Dst.DType(), impl.Dst.Tag(),
		xslices.SliceWithValue(impl.Dst.Rank(), -1)...))

	fmt.Println(titleStyle.Render("Executions"))
	table := newReportTable(col("Run", lipgloss.Right), col("Input", lipgloss.Left), col("Output", lipgloss.Left),
		col("Executor", lipgloss.Left), col("Lookup", lipgloss.Left))
	cache := node.Cache()
	for ii, dims := range runs {
		srcDesc := memdesc.Make(impl.Src.DType(), impl.Src.Tag(), dims...)
		src, err := memory.FromLogical(srcDesc, values(srcDesc.Shape().Size()))
		if err != nil {
			return err
		}
		before := cache.Stats()
		if err := node.Execute(conv.Edges{Src: src, Weights: weights, Bias: bias, Dst: dst}); err != nil {
			return errors.WithMessagef(err, "run #%d with input %v", ii, dims)
		}
		after := cache.Stats()
		lookup := "reused"
		switch {
		case after.Builds > before.Builds:
			lookup = "built"
		case after.Hits > before.Hits:
			lookup = "cache hit"
		}
		executor := node.Executor()
		mark := markNone
		if executor.IsFallback() {
			mark = markFallback
		}
		table.add(mark, strconv.Itoa(ii), fmt.Sprint(dims), fmt.Sprint(dst.Desc().Dims()),
			executor.String(), lookup)
	}
	fmt.Println(table.Render())

	stats := cache.Stats()
	summary := newSummaryTable()
	summary.add(markNone, "executors cached", humanize.Comma(int64(cache.Len())))
	summary.add(markNone, "hits", humanize.Comma(int64(stats.Hits)))
	summary.add(markNone, "misses", humanize.Comma(int64(stats.Misses)))
	summary.add(markNone, "builds", humanize.Comma(int64(stats.Builds)))
	summary.add(markNone, "evictions", humanize.Comma(int64(stats.Evictions)))
	fmt.Println(summary.Render())
	return nil
}
