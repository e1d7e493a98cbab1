// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package postops converts the chain of nodes fused into a primary operator into the post-op
// chain of a hardware primitive, along with the runtime arguments the post-ops read.
//
// Two representations are supported: the legacy one, which prefers eltwise post-ops and falls
// back to the per-channel ScaleShift and Quantization post-ops, and the native one, which uses
// eltwise and binary post-ops only.
package postops

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lowering/backends"
	"github.com/gomlx/lowering/pkg/core/memdesc"
	"github.com/gomlx/lowering/pkg/core/memory"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrConfiguration is returned (wrapped) when the fused nodes can't be converted: it indicates an
// error in the graph-building stage that fused them.
var ErrConfiguration = errors.New("configuration error")

// Config holds the context of the primary operator needed to compose its post-ops.
type Config struct {
	// OutputDims are the dimensions of the primary output, [N, C, spatial...].
	OutputDims []int

	// Legacy selects the legacy representation.
	Legacy bool

	// Int8 indicates the primary operator runs in the int8 path.
	Int8 bool

	// OutputDType is the dtype of the primary output.
	OutputDType dtypes.DType

	// SumDType is the dtype of the fused-sum peer. If invalid, OutputDType is used.
	SumDType dtypes.DType

	// SumBroadcast indicates the fused-sum peer doesn't have the output shape: composition stops at
	// the fused sum and the rest of the chain is executed separately.
	SumBroadcast bool

	// BindNestedConvWeights binds NestedConvWeights and NestedConvBias (optional) for the fused
	// depthwise convolution.
	BindNestedConvWeights bool

	NestedConvWeights, NestedConvBias *memory.Memory
}

// Entry records the post-ops created for one fused node.
type Entry struct {
	// Node is the index of the fused node.
	Node int

	// PostOps are the indices of the post-ops created for the node, possibly empty.
	PostOps []int
}

// Plan is the result of Compose.
type Plan struct {
	PostOps []backends.PostOp

	// Args are the runtime arguments of the post-ops.
	Args backends.Args

	// Entries has one entry per fused node composed, in fusion order.
	Entries []Entry

	// SumBroadcastAt is the index of the fused sum where composition stopped, or -1.
	SumBroadcastAt int
}

// Attr returns the attributes with the post-op chain of the plan.
func (p Plan) Attr() backends.Attr {
	return backends.Attr{PostOps: p.PostOps}
}

type composer struct {
	cfg      Config
	channels int
	plan     Plan
}

// Compose converts the fused nodes, in the given order, into a post-op chain.
//
// Passthrough nodes contribute no post-ops. A fused sum becomes a Sum post-op, unless
// Config.SumBroadcast is set, in which case composition stops there.
func Compose(nodes []FusedNode, cfg Config) (Plan, error) {
	if len(cfg.OutputDims) < 3 {
		return Plan{}, errors.Wrapf(ErrConfiguration, "postops: output dimensions %v must have batch, channels and spatial axes", cfg.OutputDims)
	}
	c := &composer{
		cfg:      cfg,
		channels: cfg.OutputDims[1],
		plan:     Plan{Args: make(backends.Args), SumBroadcastAt: -1},
	}
	for i, node := range nodes {
		start := len(c.plan.PostOps)
		var err error
		switch n := node.(type) {
		case *Passthrough:
		case *Elementwise:
			if n.Kind == FusedSum {
				if cfg.SumBroadcast {
					if klog.V(2).Enabled() {
						klog.Infof("postops: %q is a broadcast sum, composition stops at #%d", n.NodeName, i)
					}
					c.plan.SumBroadcastAt = i
					return c.plan, nil
				}
				c.appendSum()
			} else {
				err = c.appendElementwise(n)
			}
		case *Quantization:
			err = c.appendQuantization(n, !suppressRounding(nodes, i), i == len(nodes)-1)
		case *NestedConv:
			err = c.appendNestedConv(n)
		default:
			err = errors.Wrapf(ErrConfiguration, "fusing %T is not supported", node)
		}
		if err != nil {
			return Plan{}, errors.WithMessagef(err, "postops: fused node #%d %q", i, nodeName(node))
		}
		entry := Entry{Node: i}
		for idx := start; idx < len(c.plan.PostOps); idx++ {
			entry.PostOps = append(entry.PostOps, idx)
		}
		c.plan.Entries = append(c.plan.Entries, entry)
		if klog.V(2).Enabled() {
			klog.Infof("postops: %q -> %v (legacy=%v)", nodeName(node), c.plan.PostOps[start:], cfg.Legacy)
		}
	}
	return c.plan, nil
}

func nodeName(node FusedNode) string {
	if node == nil {
		return "<nil>"
	}
	return node.Name()
}

// suppressRounding returns whether the quantization at index i is composed without rounding.
//
// Only the first fused node qualifies, and only if a fused sum and another quantization follow
// it. This trades exactness for speed in a common residual pattern; it is not a general rule.
func suppressRounding(nodes []FusedNode, i int) bool {
	if i != 0 {
		return false
	}
	var hasSum, hasQuantization bool
	for _, next := range nodes[i+1:] {
		switch n := next.(type) {
		case *Elementwise:
			hasSum = hasSum || n.Kind == FusedSum
		case *Quantization:
			hasQuantization = true
		}
	}
	return hasSum && hasQuantization
}

func (c *composer) append(op backends.PostOp) int {
	c.plan.PostOps = append(c.plan.PostOps, op)
	return len(c.plan.PostOps) - 1
}

func (c *composer) appendEltwise(alg backends.EltwiseAlg, alpha, beta float32) {
	c.append(backends.PostOp{Kind: backends.PostOpEltwise, Eltwise: alg, Alpha: alpha, Beta: beta})
}

func (c *composer) appendBinary(alg backends.BinaryAlg, operand []float32) {
	idx := c.append(backends.PostOp{Kind: backends.PostOpBinary, Binary: alg, Channels: len(operand)})
	c.bind(idx, backends.ArgPostOpOperand, operand)
}

func (c *composer) appendScaleShift(scales, shifts []float32) {
	idx := c.append(backends.PostOp{Kind: backends.PostOpScaleShift, Channels: c.channels})
	c.bind(idx, backends.ArgPostOpOperand, scales)
	c.bind(idx, backends.ArgPostOpShift, shifts)
}

func (c *composer) bind(idx int, part backends.ArgID, values []float32) {
	c.plan.Args[backends.PostOpArg(idx, part)] = VectorMemory(values)
}

// VectorMemory returns a float32 memory with the values, used to bind runtime vectors.
func VectorMemory(values []float32) *memory.Memory {
	return must.M1(memory.FromLogical(memdesc.Make(dtypes.Float32, memdesc.TagNCSP, len(values)), values))
}

func (c *composer) appendSum() {
	sumDType := c.cfg.SumDType
	if sumDType == dtypes.InvalidDType {
		sumDType = c.cfg.OutputDType
	}
	c.append(backends.PostOp{Kind: backends.PostOpSum, Scale: 1, SumDType: sumDType})
}

// checkVector validates the length of a constant: 1 (per-tensor) or channels. Empty vectors are
// accepted if optional.
func (c *composer) checkVector(name string, values []float32, optional bool) error {
	switch {
	case len(values) == 0 && optional:
		return nil
	case len(values) == 1 || len(values) == c.channels:
		return nil
	}
	return errors.Wrapf(ErrConfiguration, "%s has %d values, expected 1 or %d (output channels)", name, len(values), c.channels)
}

// expand returns the values broadcast to one value per channel; empty values become defaultValue.
func (c *composer) expand(values []float32, defaultValue float32) []float32 {
	expanded := make([]float32, c.channels)
	for i := range expanded {
		if len(values) == 0 {
			expanded[i] = defaultValue
		} else {
			expanded[i] = broadcastAt(values, i)
		}
	}
	return expanded
}

func (c *composer) appendElementwise(n *Elementwise) error {
	switch n.Kind {
	case Activation:
		c.appendEltwise(n.Alg, n.Alpha, n.Beta)
		return nil

	case ScaleShift:
		if len(n.Scales) == 0 && len(n.Shifts) == 0 {
			return errors.Wrapf(ErrConfiguration, "scale-shift without scales or shifts")
		}
		if err := c.checkVector("scales", n.Scales, true); err != nil {
			return err
		}
		if err := c.checkVector("shifts", n.Shifts, true); err != nil {
			return err
		}
		switch {
		case !n.IsPerChannel():
			scale, shift := float32(1), float32(0)
			if len(n.Scales) > 0 {
				scale = n.Scales[0]
			}
			if len(n.Shifts) > 0 {
				shift = n.Shifts[0]
			}
			c.appendEltwise(backends.EltwiseLinear, scale, shift)
		case c.cfg.Legacy:
			c.appendScaleShift(c.expand(n.Scales, 1), c.expand(n.Shifts, 0))
		default:
			if len(n.Scales) > 0 {
				c.appendBinary(backends.BinaryMul, n.Scales)
			}
			if len(n.Shifts) > 0 {
				c.appendBinary(backends.BinaryAdd, n.Shifts)
			}
		}
		return nil

	case ConstBinary:
		if err := c.checkVector("operand", n.Operand, false); err != nil {
			return err
		}
		if !n.IsPerChannel() {
			c.appendEltwise(binaryAsEltwise(n.Binary, n.Operand[0]))
			return nil
		}
		if c.cfg.Legacy {
			if scales, shifts, ok := binaryAsScaleShift(n.Binary, c.expand(n.Operand, 0)); ok {
				c.appendScaleShift(scales, shifts)
				return nil
			}
		}
		c.appendBinary(n.Binary, n.Operand)
		return nil
	}
	return errors.Wrapf(ErrConfiguration, "unknown elementwise kind %s", n.Kind)
}

// binaryAsEltwise maps a binary operation with a scalar operand to an eltwise function.
func binaryAsEltwise(alg backends.BinaryAlg, v float32) (backends.EltwiseAlg, float32, float32) {
	inf := float32(math.Inf(1))
	switch alg {
	case backends.BinarySub:
		return backends.EltwiseLinear, 1, -v
	case backends.BinaryMul:
		return backends.EltwiseLinear, v, 0
	case backends.BinaryDiv:
		return backends.EltwiseLinear, 1 / v, 0
	case backends.BinaryMax:
		return backends.EltwiseClip, v, inf
	case backends.BinaryMin:
		return backends.EltwiseClip, -inf, v
	default:
		return backends.EltwiseLinear, 1, v
	}
}

// binaryAsScaleShift maps a per-channel binary operation to scales and shifts, if it is affine.
func binaryAsScaleShift(alg backends.BinaryAlg, operand []float32) (scales, shifts []float32, ok bool) {
	scales, shifts = make([]float32, len(operand)), make([]float32, len(operand))
	for i, v := range operand {
		switch alg {
		case backends.BinaryAdd:
			scales[i], shifts[i] = 1, v
		case backends.BinarySub:
			scales[i], shifts[i] = 1, -v
		case backends.BinaryMul:
			scales[i] = v
		case backends.BinaryDiv:
			scales[i] = 1 / v
		default:
			return nil, nil, false
		}
	}
	return scales, shifts, true
}

func (c *composer) appendQuantization(n *Quantization, doRounding, isLast bool) error {
	if n.Levels < 2 {
		return errors.Wrapf(ErrConfiguration, "quantization with %d levels", n.Levels)
	}
	for name, values := range map[string][]float32{
		"input low": n.InputLow, "input high": n.InputHigh, "output low": n.OutputLow, "output high": n.OutputHigh,
	} {
		if err := c.checkVector(name, values, false); err != nil {
			return err
		}
	}
	if !doRounding {
		klog.V(1).Infof("postops: rounding of %q suppressed", n.NodeName)
	}

	if !n.IsPerChannel() {
		p := n.params(1)
		identityOutput := p.isIdentityOutput()
		// The conversion to an integer output already rounds (and saturates).
		roundedByOutput := c.cfg.Int8 && isLast && identityOutput &&
			(c.cfg.OutputDType == dtypes.Int8 || c.cfg.OutputDType == dtypes.Uint8)
		c.appendEltwise(backends.EltwiseClip, p.cropLow[0], p.cropHigh[0])
		c.appendEltwise(backends.EltwiseLinear, p.inputScale[0], p.inputShift[0])
		if doRounding && !roundedByOutput {
			c.appendEltwise(backends.EltwiseRound, 0, 0)
		}
		if !identityOutput {
			c.appendEltwise(backends.EltwiseLinear, p.outputScale[0], p.outputShift[0])
		}
		return nil
	}

	p := n.params(c.channels)
	if c.cfg.Legacy {
		idx := c.append(backends.PostOp{Kind: backends.PostOpQuantization, Channels: c.channels, DoRounding: doRounding})
		for part, values := range p.vectors() {
			c.bind(idx, backends.ArgPostOpCropLow+backends.ArgID(part), values)
		}
		return nil
	}
	c.appendBinary(backends.BinaryMax, p.cropLow)
	c.appendBinary(backends.BinaryMin, p.cropHigh)
	c.appendBinary(backends.BinaryMul, p.inputScale)
	c.appendBinary(backends.BinaryAdd, p.inputShift)
	if doRounding {
		c.appendEltwise(backends.EltwiseRound, 0, 0)
	}
	if !p.isIdentityOutput() {
		c.appendBinary(backends.BinaryMul, p.outputScale)
		c.appendBinary(backends.BinaryAdd, p.outputShift)
	}
	return nil
}

func (c *composer) appendNestedConv(n *NestedConv) error {
	if n.KernelH <= 0 || n.KernelW <= 0 || n.StrideH <= 0 || n.StrideW <= 0 || n.InputH <= 0 || n.InputW <= 0 {
		return errors.Wrapf(ErrConfiguration, "invalid depthwise parameters %+v", *n)
	}
	if n.OutputChannels != c.channels {
		return errors.Wrapf(ErrConfiguration, "depthwise convolution has %d channels, primary output has %d",
			n.OutputChannels, c.channels)
	}
	dtype := n.DType
	if dtype == dtypes.InvalidDType {
		dtype = c.cfg.OutputDType
	}
	c.append(backends.PostOp{Kind: backends.PostOpDWConv, DW: backends.DWConvParams{
		InputH: n.InputH, InputW: n.InputW,
		KernelH: n.KernelH, KernelW: n.KernelW,
		StrideH: n.StrideH, StrideW: n.StrideW,
		DType: dtype,
	}})
	if !c.cfg.BindNestedConvWeights {
		return nil
	}
	if c.cfg.NestedConvWeights == nil {
		return errors.Wrapf(ErrConfiguration, "depthwise weights requested but not given")
	}
	c.plan.Args[backends.ArgAttrPostOpDW|backends.ArgWeights] = c.cfg.NestedConvWeights
	if c.cfg.NestedConvBias != nil {
		c.plan.Args[backends.ArgAttrPostOpDW|backends.ArgBias] = c.cfg.NestedConvBias
	}
	return nil
}
