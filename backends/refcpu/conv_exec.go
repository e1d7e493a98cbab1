// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package refcpu

import (
	"github.com/gomlx/lowering/backends"
	"github.com/gomlx/lowering/pkg/core/memdesc"
	"github.com/gomlx/lowering/pkg/core/memory"
	"github.com/gomlx/lowering/pkg/support/xslices"
	"github.com/pkg/errors"
)

// convPrimitive is a compiled convolution. All implementation types share the same kernels, only the
// layouts (and scratchpad) they were resolved to differ.
type convPrimitive struct {
	backend *Backend
	impl    backends.ImplInfo
	problem *convProblem
}

// Compile implements backends.Engine.
func (b *Backend) Compile(pd *backends.PrimitiveDesc) (backends.Primitive, error) {
	if err := b.checkOk(); err != nil {
		return nil, err
	}
	if pd == nil {
		return nil, errors.New("refcpu: Compile called with a nil primitive descriptor")
	}
	p, err := analyzeConv(pd.Desc, b.caps)
	if err != nil {
		return nil, err
	}
	return &convPrimitive{backend: b, impl: pd.Impl(), problem: p}, nil
}

// Impl implements backends.Primitive.
func (c *convPrimitive) Impl() backends.ImplInfo { return c.impl }

// argument returns the memory bound to id, checking it is allocated and, if want is given, that
// it has the expected descriptor.
func (c *convPrimitive) argument(args backends.Args, id backends.ArgID, want ...func(m *memory.Memory) error) (*memory.Memory, error) {
	m := args[id]
	if !m.IsAllocated() {
		return nil, errors.Errorf("%s: argument %s not bound or not allocated", c.impl.Type, id)
	}
	for _, check := range want {
		if err := check(m); err != nil {
			return nil, errors.WithMessagef(err, "%s: argument %s", c.impl.Type, id)
		}
	}
	return m, nil
}

// vectorArgument returns the logical values of a per-channel (length n) or per-tensor (length 1)
// runtime argument.
func (c *convPrimitive) vectorArgument(args backends.Args, id backends.ArgID, n int) ([]float32, error) {
	m, err := c.argument(args, id)
	if err != nil {
		return nil, err
	}
	values := m.Logical()
	if len(values) != n && len(values) != 1 {
		return nil, errors.Errorf("%s: argument %s has %d values, expected %d or 1", c.impl.Type, id, len(values), n)
	}
	return values, nil
}

// channelValue returns the value for the channel of a per-channel or per-tensor vector. An empty vector gives 0.
func channelValue(values []float32, channel int) float32 {
	switch len(values) {
	case 0:
		return 0
	case 1:
		return values[0]
	default:
		return values[channel]
	}
}

// Execute implements backends.Primitive.
func (c *convPrimitive) Execute(args backends.Args) error {
	if err := c.backend.checkOk(); err != nil {
		return err
	}
	p := c.problem
	attr := p.desc.Attr
	plan := &convExecPlan{primitive: c, problem: p, args: args}

	var err error
	if plan.src, err = c.argument(args, backends.ArgSrc, descChecker(c.impl.Src)); err != nil {
		return err
	}
	if plan.weights, err = c.argument(args, backends.ArgWeights, descChecker(c.impl.Weights)); err != nil {
		return err
	}
	if plan.dst, err = c.argument(args, backends.ArgDst, descChecker(c.impl.Dst)); err != nil {
		return err
	}
	if p.desc.HasBias() {
		bias, err := c.argument(args, backends.ArgBias)
		if err != nil {
			return err
		}
		plan.bias = bias.Logical()
	}

	zp := attr.ZeroPoints
	if zp.LegacyInput > 0 {
		if plan.srcZeroPoints, err = c.vectorArgument(args, backends.ArgAttrZeroPoints|backends.ArgSrc, p.inChannels); err != nil {
			return err
		}
	} else if zp.NativeSrc {
		if plan.srcZeroPoints, err = c.vectorArgument(args, backends.ArgAttrZeroPoints|backends.ArgSrc, 1); err != nil {
			return err
		}
	}
	if zp.LegacyWeights > 0 {
		if plan.weightsZeroPoints, err = c.vectorArgument(args, backends.ArgAttrZeroPoints|backends.ArgWeights, p.outChannels); err != nil {
			return err
		}
	}
	if zp.LegacyOutputCompensation > 0 {
		if plan.compensation, err = c.vectorArgument(args, backends.ArgAttrZeroPoints|backends.ArgDst, p.outChannels); err != nil {
			return err
		}
	}

	// Accumulation buffer: the user provided scratchpad if there is one.
	size := p.pointwiseSize()
	if c.impl.Scratchpad > 0 && attr.ScratchpadUser {
		scratchpad, err := c.argument(args, backends.ArgScratchpad)
		if err != nil {
			return err
		}
		if len(scratchpad.Data()) < c.impl.Scratchpad {
			return errors.Errorf("%s: scratchpad has %d elements, needs %d", c.impl.Type, len(scratchpad.Data()), c.impl.Scratchpad)
		}
		plan.result = scratchpad.Data()[:size]
		clear(plan.result)
	} else {
		plan.result = make([]float32, size)
	}

	plan.convolve()
	output, err := plan.applyPostOps()
	if err != nil {
		return err
	}
	plan.writeOutput(output)
	return nil
}

// descChecker returns a check that the memory has the descriptor the primitive was compiled for.
func descChecker(want memdesc.Desc) func(m *memory.Memory) error {
	return func(m *memory.Memory) error {
		if !m.Desc().Equal(want) {
			return errors.Errorf("has descriptor %s, expected %s", m.Desc(), want)
		}
		return nil
	}
}

// convExecPlan holds the state of one execution of a convolution.
type convExecPlan struct {
	primitive *convPrimitive
	problem   *convProblem
	args      backends.Args

	src, weights, dst *memory.Memory
	bias              []float32

	srcZeroPoints, weightsZeroPoints, compensation []float32

	// result of the convolution, in logical [N, OC, pointwise spatial...] order.
	result []float32
}

// spatialGeometry precomputes the strides needed to walk the spatial axes.
type spatialGeometry struct {
	inStrides, outStrides []int
	inSize, outSize       int

	// kernelOffsets[k] are the spatial offsets (dilation included) of the flat kernel position k.
	kernelOffsets [][]int
}

func newSpatialGeometry(p *convProblem) spatialGeometry {
	rank := p.spatialRank
	g := spatialGeometry{
		inStrides:  make([]int, rank),
		outStrides: make([]int, rank),
		inSize:     xslices.Product(p.inSpatial),
		outSize:    xslices.Product(p.pointwiseSpatial),
	}
	inStride, outStride := 1, 1
	for axis := rank - 1; axis >= 0; axis-- {
		g.inStrides[axis], g.outStrides[axis] = inStride, outStride
		inStride *= p.inSpatial[axis]
		outStride *= p.pointwiseSpatial[axis]
	}
	kernelSize := xslices.Product(p.kernel)
	g.kernelOffsets = make([][]int, kernelSize)
	for k := range kernelSize {
		offsets := make([]int, rank)
		rem := k
		for axis := rank - 1; axis >= 0; axis-- {
			offsets[axis] = (rem % p.kernel[axis]) * (p.desc.Dilations[axis] + 1)
			rem /= p.kernel[axis]
		}
		g.kernelOffsets[k] = offsets
	}
	return g
}

// convolve computes the convolution with bias, zero points and compensation into plan.result.
// Work is split over (batch, output channel) pairs.
func (plan *convExecPlan) convolve() {
	p := plan.problem
	desc := p.desc
	geom := newSpatialGeometry(p)
	src := plan.src.Logical()
	weights := plan.weights.Logical()
	kernelSize := len(geom.kernelOffsets)
	rank := p.spatialRank

	plan.primitive.backend.workers.ParallelFor(p.batch*p.outChannels, 1, func(start, end int) {
		outPos := make([]int, rank)
		for pair := start; pair < end; pair++ {
			n, oc := pair/p.outChannels, pair%p.outChannels
			group := oc / p.groupOC
			weightZP := channelValue(plan.weightsZeroPoints, oc)
			outBase := pair * geom.outSize
			for outIdx := range geom.outSize {
				rem := outIdx
				for axis := range rank {
					outPos[axis] = rem / geom.outStrides[axis]
					rem %= geom.outStrides[axis]
				}
				var acc float32
				for icg := range p.groupIC {
					ic := group*p.groupIC + icg
					srcBase := (n*p.inChannels + ic) * geom.inSize
					weightsBase := (oc*p.groupIC + icg) * kernelSize
					srcZP := channelValue(plan.srcZeroPoints, ic)
				kernelLoop:
					for k, offsets := range geom.kernelOffsets {
						inFlat := 0
						for axis := range rank {
							inPos := outPos[axis]*desc.Strides[axis] - desc.PaddingL[axis] + offsets[axis]
							if inPos < 0 || inPos >= p.inSpatial[axis] {
								// Padding: it holds the zero point, so it contributes nothing.
								continue kernelLoop
							}
							inFlat += inPos * geom.inStrides[axis]
						}
						acc += (src[srcBase+inFlat] - srcZP) * (weights[weightsBase+k] - weightZP)
					}
				}
				acc += channelValue(plan.compensation, oc)
				if plan.bias != nil {
					acc += plan.bias[oc]
				}
				plan.result[outBase+outIdx] = acc
			}
		}
	})
}

// writeOutput converts the logical values to the destination dtype and layout.
func (plan *convExecPlan) writeOutput(values []float32) {
	dstDesc := plan.dst.Desc()
	dtype := dstDesc.DType()
	data := plan.dst.Data()
	for flatIdx, indices := range dstDesc.Shape().Iter() {
		data[dstDesc.Offset(indices)] = convertValue(dtype, values[flatIdx])
	}
}
