// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lowering/pkg/core/memdesc"
	"github.com/gomlx/lowering/pkg/core/memory"
	"github.com/gomlx/lowering/pkg/core/shapes"
	"github.com/gomlx/lowering/pkg/lowering/postops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type subgraphNodeKind int

const (
	subgraphInput subgraphNodeKind = iota
	subgraphPeer
	subgraphSum
	subgraphElementwise
)

// subgraphNode is a node of the FusedSubgraph arena. Nodes are referred to by their index.
type subgraphNode struct {
	kind subgraphNodeKind
	name string
	op   *postops.Elementwise

	// quantizations are fused into the node and applied after it, in order.
	quantizations []*postops.Quantization
}

// subgraphEdge connects the output of the parent to the input port of the child.
type subgraphEdge struct {
	parent, child, port int
}

// FusedSubgraph executes a fused sum whose peer must be broadcast, and the nodes fused after the sum.
//
// It is owned by a node: the convolution writes its output into the input memory of the subgraph,
// and Infer produces the final output from it and the peer.
type FusedSubgraph struct {
	nodes []subgraphNode
	edges []subgraphEdge

	outputDims, peerDims, resultDims []int
	input                            *memory.Memory
}

// broadcastDims returns the dimensions of the elementwise operation of a and b, broadcasting axes of dimension 1.
func broadcastDims(a, b []int) ([]int, error) {
	if len(a) != len(b) {
		return nil, errors.Errorf("ranks of %v and %v differ", a, b)
	}
	dims := make([]int, len(a))
	for axis := range a {
		switch {
		case a[axis] == b[axis] || b[axis] == 1:
			dims[axis] = a[axis]
		case a[axis] == 1:
			dims[axis] = b[axis]
		default:
			return nil, errors.Errorf("dimensions %v and %v can't be broadcast at axis %d", a, b, axis)
		}
	}
	return dims, nil
}

// newFusedSubgraph builds the subgraph for fused, which must start with the fused sum.
// The convolution output is written in a memory of dtype and layout tag.
func newFusedSubgraph(fused []postops.FusedNode, outputDims, peerDims []int, dtype dtypes.DType, tag memdesc.Tag) (*FusedSubgraph, error) {
	resultDims, err := broadcastDims(outputDims, peerDims)
	if err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "fused sum: %v", err)
	}
	sg := &FusedSubgraph{
		outputDims: slices.Clone(outputDims),
		peerDims:   slices.Clone(peerDims),
		resultDims: resultDims,
		input:      memory.New(memdesc.New(shapes.Make(dtype, outputDims...), tag)),
	}
	if len(fused) == 0 {
		return nil, errors.Wrapf(ErrConfiguration, "fused subgraph without the fused sum")
	}
	sum, ok := fused[0].(*postops.Elementwise)
	if !ok || sum.Kind != postops.FusedSum {
		return nil, errors.Wrapf(ErrConfiguration, "fused subgraph must start with the fused sum, got %q", fused[0].Name())
	}
	input := sg.addNode(subgraphNode{kind: subgraphInput, name: "input"})
	peer := sg.addNode(subgraphNode{kind: subgraphPeer, name: "peer"})
	last := sg.addNode(subgraphNode{kind: subgraphSum, name: sum.NodeName, op: sum})
	sg.edges = append(sg.edges, subgraphEdge{parent: input, child: last, port: 0}, subgraphEdge{parent: peer, child: last, port: 1})

	for _, node := range fused[1:] {
		switch f := node.(type) {
		case *postops.Passthrough:
		case *postops.Quantization:
			sg.nodes[last].quantizations = append(sg.nodes[last].quantizations, f)
		case *postops.Elementwise:
			if f.Kind == postops.FusedSum {
				return nil, errors.Wrapf(ErrConfiguration, "a second fused sum %q after a broadcast sum is not supported", f.NodeName)
			}
			child := sg.addNode(subgraphNode{kind: subgraphElementwise, name: f.NodeName, op: f})
			sg.edges = append(sg.edges, subgraphEdge{parent: last, child: child})
			last = child
		default:
			return nil, errors.Wrapf(ErrConfiguration, "%q can't be fused after a broadcast sum", node.Name())
		}
	}
	klog.V(1).Infof("conv: built fused subgraph %s", sg)
	return sg, nil
}

func (sg *FusedSubgraph) addNode(node subgraphNode) int {
	sg.nodes = append(sg.nodes, node)
	return len(sg.nodes) - 1
}

// Input returns the memory the convolution writes its output to.
func (sg *FusedSubgraph) Input() *memory.Memory { return sg.input }

// NumNodes returns the number of nodes of the subgraph, including its inputs.
func (sg *FusedSubgraph) NumNodes() int { return len(sg.nodes) }

// matches returns whether the subgraph was built for the dimensions.
func (sg *FusedSubgraph) matches(outputDims, peerDims []int) bool {
	return sg != nil && slices.Equal(sg.outputDims, outputDims) && slices.Equal(sg.peerDims, peerDims)
}

// String implements fmt.Stringer.
func (sg *FusedSubgraph) String() string {
	var parts []string
	for _, node := range sg.nodes[2:] {
		part := node.name
		for _, q := range node.quantizations {
			part += "+" + q.NodeName
		}
		parts = append(parts, part)
	}
	return fmt.Sprintf("%v + %v -> [%s] -> %v", sg.outputDims, sg.peerDims, strings.Join(parts, ", "), sg.resultDims)
}

// Infer evaluates the subgraph with the convolution output already written into Input, and the
// peer of the fused sum. The result is returned in a plain float32 memory.
func (sg *FusedSubgraph) Infer(peer *memory.Memory) (*memory.Memory, error) {
	if !peer.IsAllocated() {
		return nil, errors.Wrapf(ErrResource, "fused subgraph: peer memory not allocated")
	}
	if !slices.Equal(peer.Desc().Dims(), sg.peerDims) {
		return nil, errors.Errorf("fused subgraph: built for peer %v, got %s", sg.peerDims, peer.Desc())
	}
	resultShape := shapes.Make(dtypes.Float32, sg.resultDims...)
	operands := [][]int{sg.outputDims, sg.peerDims}
	values := make([][]float32, len(sg.nodes))
	for idx, node := range sg.nodes {
		switch node.kind {
		case subgraphInput:
			values[idx] = sg.input.Logical()
		case subgraphPeer:
			values[idx] = peer.Logical()
		case subgraphSum:
			var inputs [2][]float32
			for _, edge := range sg.edges {
				if edge.child == idx {
					inputs[edge.port] = values[edge.parent]
				}
			}
			strides := [2][]int{broadcastStrides(operands[0]), broadcastStrides(operands[1])}
			sum := make([]float32, resultShape.Size())
			for flatIdx, indices := range resultShape.Iter() {
				sum[flatIdx] = inputs[0][flatOffset(indices, strides[0])] + inputs[1][flatOffset(indices, strides[1])]
			}
			values[idx] = sum
		case subgraphElementwise:
			parent := sg.parentOf(idx)
			out := make([]float32, len(values[parent]))
			for flatIdx, indices := range resultShape.Iter() {
				out[flatIdx] = node.op.Apply(values[parent][flatIdx], indices[1])
			}
			values[idx] = out
		}
		if len(node.quantizations) > 0 {
			for flatIdx, indices := range resultShape.Iter() {
				for _, q := range node.quantizations {
					values[idx][flatIdx] = q.Apply(values[idx][flatIdx], indices[1])
				}
			}
		}
	}
	return memory.FromLogical(memdesc.New(resultShape, memdesc.TagNCSP), values[len(values)-1])
}

func (sg *FusedSubgraph) parentOf(child int) int {
	for _, edge := range sg.edges {
		if edge.child == child {
			return edge.parent
		}
	}
	return -1
}

// broadcastStrides returns the row-major strides of dims, with 0 for axes of dimension 1.
func broadcastStrides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		if dims[axis] != 1 {
			strides[axis] = stride
		}
		stride *= dims[axis]
	}
	return strides
}

func flatOffset(indices, strides []int) int {
	var offset int
	for axis, idx := range indices {
		offset += idx * strides[axis]
	}
	return offset
}

// prepareSubgraph returns the subgraph for the dimensions, building it only if they differ from
// the ones it was last built for.
func (n *Node) prepareSubgraph(outputDims, peerDims []int) (*FusedSubgraph, error) {
	if n.subgraph.matches(outputDims, peerDims) {
		return n.subgraph, nil
	}
	sg, err := newFusedSubgraph(n.fused[n.sumIndex:], outputDims, peerDims, n.mode.dst, n.selected.Impl.Dst.Tag())
	if err != nil {
		return nil, errors.WithMessagef(err, "node %q", n.cfg.Name)
	}
	n.subgraph = sg
	n.subgraphBuilds++
	return sg, nil
}
