// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package postops

import (
	"fmt"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lowering/backends"
)

// FusedNode is a node fused into the primary operator. The set of implementations is closed:
// *Elementwise, *Quantization, *NestedConv and *Passthrough.
type FusedNode interface {
	// Name of the node, for diagnostics.
	Name() string

	fusedNode()
}

// ElementwiseKind is the kind of operation of an Elementwise node.
type ElementwiseKind int

const (
	// Activation applies Alg(x, Alpha, Beta).
	Activation ElementwiseKind = iota

	// ScaleShift computes x*Scales + Shifts. Empty Scales mean 1, empty Shifts mean 0.
	ScaleShift

	// ConstBinary applies Binary(x, Operand).
	ConstBinary

	// FusedSum is the add fused as an in-place sum with a peer tensor written in the output buffer.
	FusedSum
)

var elementwiseKindNames = []string{"activation", "scale_shift", "binary", "fused_sum"}

// String implements fmt.Stringer.
func (k ElementwiseKind) String() string {
	if int(k) < 0 || int(k) >= len(elementwiseKindNames) {
		return "elementwise(?)"
	}
	return elementwiseKindNames[k]
}

// Elementwise is a fused elementwise node. Constant vectors have either one value (per-tensor)
// or one value per output channel.
type Elementwise struct {
	NodeName string
	Kind     ElementwiseKind

	// Activation.
	Alg         backends.EltwiseAlg
	Alpha, Beta float32

	// ScaleShift.
	Scales, Shifts []float32

	// ConstBinary.
	Binary  backends.BinaryAlg
	Operand []float32
}

// Name implements FusedNode.
func (e *Elementwise) Name() string { return e.NodeName }

func (e *Elementwise) fusedNode() {}

// IsPerChannel returns whether any constant has more than one value.
func (e *Elementwise) IsPerChannel() bool {
	return len(e.Scales) > 1 || len(e.Shifts) > 1 || len(e.Operand) > 1
}

// Apply evaluates the node for the value x of the output channel. FusedSum nodes return x.
func (e *Elementwise) Apply(x float32, channel int) float32 {
	switch e.Kind {
	case Activation:
		return e.Alg.Apply(x, e.Alpha, e.Beta)
	case ScaleShift:
		if len(e.Scales) > 0 {
			x *= broadcastAt(e.Scales, channel)
		}
		if len(e.Shifts) > 0 {
			x += broadcastAt(e.Shifts, channel)
		}
		return x
	case ConstBinary:
		return e.Binary.Apply(x, broadcastAt(e.Operand, channel))
	}
	return x
}

// String implements fmt.Stringer.
func (e *Elementwise) String() string {
	switch e.Kind {
	case Activation:
		return fmt.Sprintf("%s(%s)", e.NodeName, e.Alg)
	case ConstBinary:
		return fmt.Sprintf("%s(%s, c=%d)", e.NodeName, e.Binary, len(e.Operand))
	default:
		return fmt.Sprintf("%s(%s)", e.NodeName, e.Kind)
	}
}

// Quantization is a fused fake-quantization node:
//
//	x' = round((clamp(x, InputLow, InputHigh) - InputLow) * (Levels-1) / (InputHigh - InputLow))
//	y  = x' * (OutputHigh - OutputLow) / (Levels-1) + OutputLow
//
// Each vector has either one value (per-tensor) or one value per output channel.
type Quantization struct {
	NodeName                                   string
	InputLow, InputHigh, OutputLow, OutputHigh []float32
	Levels                                     int
}

// Name implements FusedNode.
func (q *Quantization) Name() string { return q.NodeName }

func (q *Quantization) fusedNode() {}

// IsPerChannel returns whether any of the ranges has more than one value.
func (q *Quantization) IsPerChannel() bool {
	return len(q.InputLow) > 1 || len(q.InputHigh) > 1 || len(q.OutputLow) > 1 || len(q.OutputHigh) > 1
}

// Apply evaluates the quantization for the value x of the output channel, rounding half to even.
func (q *Quantization) Apply(x float32, channel int) float32 {
	il, ih := broadcastAt(q.InputLow, channel), broadcastAt(q.InputHigh, channel)
	ol, oh := broadcastAt(q.OutputLow, channel), broadcastAt(q.OutputHigh, channel)
	levels := float32(q.Levels - 1)
	var inputScale float32
	if ih != il {
		inputScale = levels / (ih - il)
	}
	x = min(max(x, il), ih)
	x = float32(math.RoundToEven(float64((x - il) * inputScale)))
	return x*(oh-ol)/levels + ol
}

// quantizationParams is the crop/scale/shift form of a Quantization, each vector with either 1 or
// channels values.
type quantizationParams struct {
	cropLow, cropHigh, inputScale, inputShift, outputScale, outputShift []float32
}

// vectors in the order of the legacy quantization post-op arguments.
func (p quantizationParams) vectors() [6][]float32 {
	return [6][]float32{p.cropLow, p.cropHigh, p.inputScale, p.inputShift, p.outputScale, p.outputShift}
}

// isIdentityOutput returns whether the output scale is 1 and the output shift is 0 for all channels.
func (p quantizationParams) isIdentityOutput() bool {
	for i := range p.outputScale {
		if p.outputScale[i] != 1 || p.outputShift[i] != 0 {
			return false
		}
	}
	return true
}

// params converts the ranges to crop/scale/shift vectors of length n (1 or channels).
func (q *Quantization) params(n int) quantizationParams {
	levels := float32(q.Levels - 1)
	p := quantizationParams{
		cropLow:     make([]float32, n),
		cropHigh:    make([]float32, n),
		inputScale:  make([]float32, n),
		inputShift:  make([]float32, n),
		outputScale: make([]float32, n),
		outputShift: make([]float32, n),
	}
	for c := range n {
		il, ih := broadcastAt(q.InputLow, c), broadcastAt(q.InputHigh, c)
		ol, oh := broadcastAt(q.OutputLow, c), broadcastAt(q.OutputHigh, c)
		p.cropLow[c], p.cropHigh[c] = il, ih
		if ih == il {
			p.inputScale[c] = 0
		} else {
			p.inputScale[c] = levels / (ih - il)
		}
		p.inputShift[c] = -il * p.inputScale[c]
		p.outputScale[c] = (oh - ol) / levels
		p.outputShift[c] = ol
	}
	return p
}

// NestedConv is a depthwise convolution fused after the primary (pointwise) convolution. It is always 2D.
type NestedConv struct {
	NodeName         string
	KernelH, KernelW int
	StrideH, StrideW int

	// InputH, InputW are the spatial dimensions of the primary convolution output.
	InputH, InputW int

	OutputChannels int

	// DType of the intermediate result (the primary convolution output). If invalid, the output dtype is used.
	DType dtypes.DType
}

// Name implements FusedNode.
func (n *NestedConv) Name() string { return n.NodeName }

func (n *NestedConv) fusedNode() {}

// Passthrough is a structural node (split, concat) that is fused without any computation.
type Passthrough struct {
	NodeName string
}

// Name implements FusedNode.
func (p *Passthrough) Name() string { return p.NodeName }

func (p *Passthrough) fusedNode() {}

// broadcastAt returns values[c], or values[0] for per-tensor vectors. An empty vector gives NaN,
// which callers must prevent by validation.
func broadcastAt(values []float32, c int) float32 {
	switch len(values) {
	case 0:
		return float32(math.NaN())
	case 1:
		return values[0]
	default:
		return values[c]
	}
}
