// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package conv lowers a convolution node (with the nodes fused into it) to a kernel of a hardware
// primitive engine.
//
// Planning happens once, at graph-building time (Node.Plan): the node enumerates the
// implementations the engine offers for the candidate layouts, precisions, algorithms and
// post-op attribute sets, and selects one according to the implementation priorities. Shapes
// that are not yet known are replaced by dummy shapes.
//
// At execution time (Node.Execute) the node computes the ExecutionKey for the actual memories,
// and resolves the compiled Executor through a cache shared by all nodes, so that equal keys
// are compiled only once. When the peer of a fused sum doesn't have the output shape, the sum
// and the nodes fused after it are executed by a FusedSubgraph owned by the node.
package conv

import (
	"fmt"
	"slices"

	"github.com/gomlx/lowering/backends"
	"github.com/gomlx/lowering/backends/shapeinference"
	"github.com/gomlx/lowering/pkg/core/memory"
	"github.com/gomlx/lowering/pkg/core/shapes"
	"github.com/gomlx/lowering/pkg/lowering/catalog"
	"github.com/gomlx/lowering/pkg/lowering/postops"
	"github.com/gomlx/lowering/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of the planning of a node.
type State int

const (
	// Unconfigured nodes accept fused nodes and zero points, and must be planned.
	Unconfigured State = iota

	// DescriptorsFixed nodes have selected their implementation.
	DescriptorsFixed

	// ExecutorBound nodes have executed with a bound executor.
	ExecutorBound

	// BroadcastFused nodes executed the last time with a fused sum whose peer has a different shape
	// than the output, through the FusedSubgraph.
	BroadcastFused
)

var stateNames = []string{"Unconfigured", "DescriptorsFixed", "ExecutorBound", "BroadcastFused"}

// String implements fmt.Stringer.
func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Option configures a Node.
type Option func(n *Node)

// WithCache makes the node use the given executor cache instead of the engine's SharedCache.
func WithCache(cache *Cache) Option {
	return func(n *Node) {
		n.cache = cache
	}
}

// currentPlan is everything the node bound for its last execution. It is replaced as a whole
// after each successful execution.
type currentPlan struct {
	valid    bool
	key      ExecutionKey
	executor *Executor

	outputDims         []int
	paddingL, paddingR []int
	broadcast          bool
}

// composedPostOps is the post-op plan of the last execution, with the inputs it was composed for.
// Fused nodes and the representation are frozen by Plan, so only these can change it.
type composedPostOps struct {
	valid             bool
	pointwise         []int
	broadcast         bool
	dwWeights, dwBias *memory.Memory
	plan              postops.Plan
}

func (c *composedPostOps) matches(pointwise []int, broadcast bool, dwWeights, dwBias *memory.Memory) bool {
	return c.valid && c.broadcast == broadcast && c.dwWeights == dwWeights && c.dwBias == dwBias &&
		slices.Equal(c.pointwise, pointwise)
}

// preparedWeights are constant weights converted to the layout of an executor.
type preparedWeights struct {
	source *memory.Memory
	mem    *memory.Memory
}

// Node is a convolution node. It is not safe for concurrent use, but different nodes can execute
// concurrently, sharing the executor cache.
type Node struct {
	cfg        Config
	geom       *geometry
	engine     backends.Engine
	cache      *Cache
	priorities catalog.Priorities

	fused      []postops.FusedNode
	sumIndex   int // Index of the fused sum in fused, or -1.
	nestedConv *postops.NestedConv
	zeroPoints zeroPoints

	state State

	// Fixed by Plan.
	mode                           numericMode
	attrs                          []backends.Attr
	descriptors                    []Descriptor
	selected                       Descriptor
	legacyPostOps, legacyZeroPoint bool

	// Execution.
	current        currentPlan
	composed       composedPostOps
	subgraph       *FusedSubgraph
	subgraphBuilds int
	scratchpad     *memory.Memory
	prepared       preparedWeights
}

// New creates a convolution node for the configuration, to be executed with the engine.
func New(engine backends.Engine, cfg Config, options ...Option) (*Node, error) {
	if engine == nil {
		return nil, errors.Wrapf(ErrConfiguration, "node %q: nil engine", cfg.Name)
	}
	cfg.Input = cfg.Input.Clone()
	cfg.WeightDims = slices.Clone(cfg.WeightDims)
	cfg.Priorities = slices.Clone(cfg.Priorities)
	g, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	n := &Node{
		cfg:        cfg,
		geom:       g,
		engine:     engine,
		priorities: catalog.New(cfg.Priorities...),
		sumIndex:   -1,
	}
	for _, option := range options {
		option(n)
	}
	if n.cache == nil {
		n.cache = SharedCache(engine)
	}
	if !g.isDynamic && cfg.AutoPad.IsSame() {
		res, err := n.inferShape(cfg.Input)
		if err != nil {
			return nil, err
		}
		g.paddingL, g.paddingR = res.PadsBegin, res.PadsEnd
	}
	return n, nil
}

// MustNew is like New, but panics on error.
func MustNew(engine backends.Engine, cfg Config, options ...Option) *Node {
	n, err := New(engine, cfg, options...)
	if err != nil {
		panic(err)
	}
	return n
}

// Name of the node.
func (n *Node) Name() string { return n.cfg.Name }

// Config returns the configuration of the node.
func (n *Node) Config() Config { return n.cfg }

func (n *Node) checkUnconfigured(method string) error {
	if n.state != Unconfigured {
		return errors.Wrapf(ErrConfiguration, "node %q: %s called after Plan", n.cfg.Name, method)
	}
	return nil
}

func (n *Node) withSum() bool { return n.sumIndex >= 0 }

// AddFusedNode appends a node to the chain of nodes fused into the convolution, in fusion order.
// It must be called before Plan.
func (n *Node) AddFusedNode(node postops.FusedNode) error {
	if err := n.checkUnconfigured("AddFusedNode"); err != nil {
		return err
	}
	switch f := node.(type) {
	case *postops.Elementwise:
		if f.Kind == postops.FusedSum {
			if n.withSum() {
				return errors.Wrapf(ErrConfiguration, "node %q: a second fused sum %q is not supported", n.cfg.Name, f.NodeName)
			}
			n.sumIndex = len(n.fused)
		}
	case *postops.NestedConv:
		if n.nestedConv != nil {
			return errors.Wrapf(ErrConfiguration, "node %q: a second fused depthwise convolution %q is not supported", n.cfg.Name, f.NodeName)
		}
		if n.geom.isDynamic {
			return errors.Wrapf(ErrConfiguration, "node %q: depthwise convolution %q can't be fused into a dynamic convolution", n.cfg.Name, f.NodeName)
		}
		n.nestedConv = f
	case *postops.Quantization, *postops.Passthrough:
	default:
		return errors.Wrapf(ErrConfiguration, "node %q: fusing %T is not supported", n.cfg.Name, node)
	}
	n.fused = append(n.fused, node)
	return nil
}

// FusedNodes returns the nodes fused into the convolution.
func (n *Node) FusedNodes() []postops.FusedNode { return slices.Clone(n.fused) }

// inferShape runs shape inference for the input shape, with the current paddings (or auto-padding).
func (n *Node) inferShape(input shapes.Shape) (shapeinference.ConvResult, error) {
	g := n.geom
	res, err := shapeinference.Convolution(input, n.cfg.WeightDims, g.grouped, g.strides, g.dilations1, g.paddingL, g.paddingR, n.cfg.AutoPad)
	if err != nil {
		return res, errors.Wrapf(ErrConfiguration, "node %q: %v", n.cfg.Name, err)
	}
	return res, nil
}

// outputDims returns the dimensions of the node output for the pointwise (convolution) output: the
// same, unless a depthwise convolution is fused.
func (n *Node) outputDims(pointwise []int) []int {
	dims := slices.Clone(pointwise)
	if dw := n.nestedConv; dw != nil {
		dims[2] = (dw.InputH+2*((dw.KernelH-1)/2)-dw.KernelH)/dw.StrideH + 1
		dims[3] = (dw.InputW+2*((dw.KernelW-1)/2)-dw.KernelW)/dw.StrideW + 1
	}
	return dims
}

// Plan selects the implementation of the convolution. Planning happens once: later calls are no-ops.
func (n *Node) Plan() error {
	if n.state != Unconfigured {
		return nil
	}
	g := n.geom
	input, err := n.dummyInput()
	if err != nil {
		return err
	}
	res, err := n.inferShape(input)
	if err != nil {
		return err
	}
	pointwise := res.Output.Dimensions
	paddingL, paddingR := g.paddingL, g.paddingR
	if g.isDynamic && n.cfg.AutoPad.IsSame() {
		paddingL, paddingR = res.PadsBegin, res.PadsEnd
	}
	if dw := n.nestedConv; dw != nil {
		if g.spatialRank != 2 || dw.InputH != pointwise[2] || dw.InputW != pointwise[3] {
			return errors.Wrapf(ErrConfiguration, "node %q: fused depthwise convolution %q input %dx%d doesn't match the output %v",
				n.cfg.Name, dw.NodeName, dw.InputH, dw.InputW, pointwise)
		}
		// Right paddings are set to exactly produce the pointwise output.
		for i := range g.spatialRank {
			calc := (input.Dimensions[2+i]-g.effectiveKernel(i)+g.paddingL[i])/g.strides[i] + 1
			g.paddingR[i] = (pointwise[2+i] - calc) * g.strides[i]
		}
		paddingR = g.paddingR
	}

	n.mode = n.resolveNumericMode()
	attrs, err := n.attributeSets(pointwise, n.mode)
	if err != nil {
		return err
	}
	descriptors, err := n.enumerate(n.mode, attrs, input, n.outputDims(pointwise), paddingL, paddingR)
	if err != nil {
		return err
	}

	idx := n.priorities.Select(xslices.Map(descriptors, func(d Descriptor) backends.ImplType { return d.Impl.Type }))
	if idx < 0 {
		klog.V(1).Infof("node %q: no ranked implementation, using the first one", n.cfg.Name)
		idx = 0
	}
	selected := descriptors[idx]
	legacyPostOps, legacyZeroPoint := SelectRepresentation(selected.Slot, len(attrs), n.zeroPoints.inputType, n.engine.Capabilities())

	if !n.mode.int8 {
		// Confirm the implementation with the selected concrete layouts.
		desc := n.convDesc(selected.Algorithm, selected.Impl.Src, selected.Impl.Dst, n.mode.weights,
			attrs[selected.AttrIndex], paddingL, paddingR)
		pd, err := n.engine.ConvolutionDesc(desc, true)
		if err != nil {
			return errors.Wrapf(ErrConfiguration, "node %q: confirming %s: %v", n.cfg.Name, selected, err)
		}
		if pd != nil && pd.FindImplementation(selected.Impl.Type) {
			selected.Impl = pd.Impl()
		} else {
			klog.Warningf("node %q: implementation %s not confirmed with layouts %s->%s",
				n.cfg.Name, selected.Impl.Type, selected.Impl.Src.Tag(), selected.Impl.Dst.Tag())
		}
	}

	n.attrs = attrs
	n.descriptors = descriptors
	n.selected = selected
	n.legacyPostOps, n.legacyZeroPoint = legacyPostOps, legacyZeroPoint
	n.state = DescriptorsFixed
	klog.V(1).Infof("node %q: selected %s (legacy post-ops=%v, legacy zero points=%v)",
		n.cfg.Name, selected, legacyPostOps, legacyZeroPoint)
	return nil
}

// State returns the planning state of the node.
func (n *Node) State() State { return n.state }

// Descriptors returns the descriptors enumerated by Plan, in enumeration order.
func (n *Node) Descriptors() []Descriptor { return slices.Clone(n.descriptors) }

// Selected returns the descriptor selected by Plan.
func (n *Node) Selected() Descriptor { return n.selected }

// Attrs returns the attribute sets the descriptors were enumerated with.
func (n *Node) Attrs() []backends.Attr {
	return xslices.Map(n.attrs, backends.Attr.Clone)
}

// Representation returns whether the legacy post-ops and legacy zero points are used.
func (n *Node) Representation() (legacyPostOps, legacyZeroPoint bool) {
	return n.legacyPostOps, n.legacyZeroPoint
}

// CurrentKey returns the key of the executor bound by the last execution, if any.
func (n *Node) CurrentKey() (ExecutionKey, bool) { return n.current.key, n.current.valid }

// Executor returns the executor bound by the last execution, or nil.
func (n *Node) Executor() *Executor { return n.current.executor }

// Subgraph returns the FusedSubgraph of the node, or nil if none was built.
func (n *Node) Subgraph() *FusedSubgraph { return n.subgraph }

// SubgraphBuilds returns how many times the FusedSubgraph was built.
func (n *Node) SubgraphBuilds() int { return n.subgraphBuilds }

// Cache returns the executor cache used by the node.
func (n *Node) Cache() *Cache { return n.cache }
