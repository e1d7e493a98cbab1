// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"maps"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lowering/backends"
	"github.com/gomlx/lowering/pkg/core/memdesc"
	"github.com/gomlx/lowering/pkg/core/memory"
	"github.com/gomlx/lowering/pkg/lowering/execcache"
	"github.com/gomlx/lowering/pkg/lowering/postops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Edges are the memories attached to the node for one execution.
type Edges struct {
	Src, Weights *memory.Memory

	// Bias is required if the node is configured WithBias.
	Bias *memory.Memory

	// DWWeights and DWBias (optional) are the weights of the fused depthwise convolution.
	DWWeights, DWBias *memory.Memory

	// Sum is the peer of the fused sum. It can be the same memory as Dst.
	Sum *memory.Memory

	// Dst is redefined to the output dimensions if needed.
	Dst *memory.Memory
}

// checkEdges verifies the memories needed are allocated, and no unexpected edge is given.
func (n *Node) checkEdges(edges Edges) error {
	allocated := func(name string, m *memory.Memory) error {
		if !m.IsAllocated() {
			return errors.Wrapf(ErrResource, "node %q: %s memory missing or not allocated", n.cfg.Name, name)
		}
		return nil
	}
	unexpected := func(name string) error {
		return errors.Wrapf(ErrConfiguration, "node %q: unexpected %s edge", n.cfg.Name, name)
	}
	if err := allocated("source", edges.Src); err != nil {
		return err
	}
	if err := allocated("weights", edges.Weights); err != nil {
		return err
	}
	if edges.Dst == nil {
		return errors.Wrapf(ErrResource, "node %q: destination memory missing", n.cfg.Name)
	}
	switch {
	case n.cfg.WithBias:
		if err := allocated("bias", edges.Bias); err != nil {
			return err
		}
	case edges.Bias != nil:
		return unexpected("bias")
	}
	switch {
	case n.withSum():
		if err := allocated("fused sum", edges.Sum); err != nil {
			return err
		}
	case edges.Sum != nil:
		return unexpected("fused sum")
	}
	switch {
	case n.nestedConv != nil:
		if err := allocated("depthwise weights", edges.DWWeights); err != nil {
			return err
		}
	case edges.DWWeights != nil || edges.DWBias != nil:
		return unexpected("depthwise")
	}
	return nil
}

// Execute runs the convolution for the memories in edges. The node is planned first if needed.
//
// The executor is resolved through the cache only when the ExecutionKey differs from the one of the
// previous execution.
func (n *Node) Execute(edges Edges) error {
	if err := n.Plan(); err != nil {
		return err
	}
	if err := n.checkEdges(edges); err != nil {
		return err
	}
	g := n.geom
	input, err := n.cfg.Input.Resolve(edges.Src.Desc().Dims())
	if err != nil {
		return errors.Wrapf(ErrConfiguration, "node %q: source %s doesn't match the input %s: %v",
			n.cfg.Name, edges.Src.Desc(), n.cfg.Input, err)
	}
	res, err := n.inferShape(input)
	if err != nil {
		return err
	}
	paddingL, paddingR := g.paddingL, g.paddingR
	if g.isDynamic && n.cfg.AutoPad.IsSame() {
		paddingL, paddingR = res.PadsBegin, res.PadsEnd
	}
	pointwise := res.Output.Dimensions
	outputDims := n.outputDims(pointwise)
	broadcast := n.withSum() && !slices.Equal(edges.Sum.Desc().Dims(), outputDims)

	plan, err := n.composePostOps(pointwise, broadcast, edges)
	if err != nil {
		return err
	}
	attr := plan.Attr()
	attr.ZeroPoints = n.zeroPoints.attr(n.legacyZeroPoint)
	attr.ScratchpadUser = true

	var subgraph *FusedSubgraph
	dst := edges.Dst
	if broadcast {
		if subgraph, err = n.prepareSubgraph(outputDims, edges.Sum.Desc().Dims()); err != nil {
			return err
		}
		dst = subgraph.Input()
	} else {
		if !dst.IsAllocated() || !slices.Equal(dst.Desc().Dims(), outputDims) {
			dst.Redefine(dst.Desc().CloneWithNewDims(outputDims))
		}
		if n.withSum() && edges.Sum != edges.Dst {
			if err := dst.CopyFrom(edges.Sum); err != nil {
				return errors.WithMessagef(err, "node %q: fused sum", n.cfg.Name)
			}
		}
	}

	key := ExecutionKey{
		Src:         edges.Src.Desc(),
		Weights:     edges.Weights.Desc(),
		Dst:         dst.Desc(),
		Stride:      slices.Clone(g.strides),
		Dilation:    slices.Clone(g.dilations),
		PaddingL:    slices.Clone(paddingL),
		PaddingR:    slices.Clone(paddingR),
		Attr:        attr,
		ImplType:    n.selected.Impl.Type,
		ConstWeight: n.cfg.WeightIsConstant,
	}
	if n.cfg.WithBias {
		key.Bias = edges.Bias.Desc()
	}
	executor := n.current.executor
	if !n.current.valid || !n.current.key.Equal(key) {
		var status execcache.LookupStatus
		executor, status, err = n.cache.Resolve(key, func(k ExecutionKey) (*Executor, error) {
			return NewExecutor(n.engine, k)
		})
		if err != nil {
			return errors.WithMessagef(err, "node %q", n.cfg.Name)
		}
		klog.V(2).Infof("node %q: executor %s (%s)", n.cfg.Name, executor, status)
	}

	weights := edges.Weights
	if n.cfg.WeightIsConstant {
		if weights, err = n.prepareWeights(edges.Weights, executor.Impl().Weights); err != nil {
			return err
		}
	}
	args := backends.Args{
		backends.ArgSrc:     edges.Src,
		backends.ArgWeights: weights,
		backends.ArgDst:     dst,
	}
	if n.cfg.WithBias {
		args[backends.ArgBias] = edges.Bias
	}
	n.zeroPoints.bind(args, n.legacyZeroPoint)
	maps.Copy(args, plan.Args)
	if size := executor.Scratchpad(); size > 0 {
		args[backends.ArgScratchpad] = n.scratchpadMemory(size)
	}
	if err := executor.Execute(args); err != nil {
		return errors.WithMessagef(err, "node %q", n.cfg.Name)
	}

	if broadcast {
		result, err := subgraph.Infer(edges.Sum)
		if err != nil {
			return errors.WithMessagef(err, "node %q", n.cfg.Name)
		}
		out := edges.Dst
		if !out.IsAllocated() || !slices.Equal(out.Desc().Dims(), result.Desc().Dims()) {
			out.Redefine(out.Desc().CloneWithNewDims(result.Desc().Dims()))
		}
		reorder, err := n.engine.Reorder(result.Desc(), out.Desc())
		if err != nil {
			return errors.WithMessagef(err, "node %q: fused subgraph output", n.cfg.Name)
		}
		if err := reorder.Execute(backends.Args{backends.ArgSrc: result, backends.ArgDst: out}); err != nil {
			return errors.WithMessagef(err, "node %q: fused subgraph output", n.cfg.Name)
		}
	}

	n.current = currentPlan{
		valid:      true,
		key:        key,
		executor:   executor,
		outputDims: outputDims,
		paddingL:   key.PaddingL,
		paddingR:   key.PaddingR,
		broadcast:  broadcast,
	}
	if broadcast {
		n.state = BroadcastFused
	} else {
		n.state = ExecutorBound
	}
	return nil
}

// composePostOps returns the post-op plan for the execution. Runtime arguments are materialized
// only when the output dims, the broadcast mode or the nested conv memories changed.
func (n *Node) composePostOps(pointwise []int, broadcast bool, edges Edges) (postops.Plan, error) {
	if n.composed.matches(pointwise, broadcast, edges.DWWeights, edges.DWBias) {
		return n.composed.plan, nil
	}
	plan, err := postops.Compose(n.fused, postops.Config{
		OutputDims:            pointwise,
		Legacy:                n.legacyPostOps,
		Int8:                  n.mode.int8,
		OutputDType:           n.mode.dst,
		SumDType:              n.mode.sum,
		SumBroadcast:          broadcast,
		BindNestedConvWeights: n.nestedConv != nil,
		NestedConvWeights:     edges.DWWeights,
		NestedConvBias:        edges.DWBias,
	})
	if err != nil {
		return plan, errors.WithMessagef(err, "node %q", n.cfg.Name)
	}
	n.composed = composedPostOps{
		valid:     true,
		pointwise: slices.Clone(pointwise),
		broadcast: broadcast,
		dwWeights: edges.DWWeights,
		dwBias:    edges.DWBias,
		plan:      plan,
	}
	return plan, nil
}

// prepareWeights returns the constant weights in the layout of the executor. The conversion is
// done once, and reused while the source memory and the layout don't change.
func (n *Node) prepareWeights(source *memory.Memory, want memdesc.Desc) (*memory.Memory, error) {
	if source.Desc().Equal(want) {
		return source, nil
	}
	if n.prepared.source == source && n.prepared.mem.Desc().Equal(want) {
		return n.prepared.mem, nil
	}
	reorder, err := n.engine.Reorder(source.Desc(), want)
	if err != nil {
		return nil, errors.WithMessagef(err, "node %q: preparing constant weights", n.cfg.Name)
	}
	mem := memory.New(want)
	if err := reorder.Execute(backends.Args{backends.ArgSrc: source, backends.ArgDst: mem}); err != nil {
		return nil, errors.WithMessagef(err, "node %q: preparing constant weights", n.cfg.Name)
	}
	n.prepared = preparedWeights{source: source, mem: mem}
	klog.V(2).Infof("node %q: constant weights prepared as %s", n.cfg.Name, want)
	return mem, nil
}

// scratchpadMemory returns the node's scratchpad, grown to hold at least size elements.
func (n *Node) scratchpadMemory(size int) *memory.Memory {
	if n.scratchpad == nil || len(n.scratchpad.Data()) < size {
		n.scratchpad = memory.New(memdesc.Make(dtypes.Float32, memdesc.TagNCSP, size))
	}
	return n.scratchpad
}
