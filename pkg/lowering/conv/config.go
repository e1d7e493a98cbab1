// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lowering/backends"
	"github.com/gomlx/lowering/backends/shapeinference"
	"github.com/gomlx/lowering/pkg/core/memdesc"
	"github.com/gomlx/lowering/pkg/core/shapes"
	"github.com/gomlx/lowering/pkg/lowering/postops"
	"github.com/pkg/errors"
)

var (
	// ErrConfiguration is returned (wrapped) for errors of an earlier graph-building stage: invalid
	// attributes, unsupported fused nodes, unexpected edges or no implementation to select.
	// They are never retried.
	ErrConfiguration = postops.ErrConfiguration

	// ErrResource is returned (wrapped) when a memory needed for the execution is missing or not allocated.
	ErrResource = errors.New("resource error")
)

// Kind of convolution.
type Kind int

const (
	// ConvolutionCommon has weights [OC, IC, kernel...].
	ConvolutionCommon Kind = iota

	// ConvolutionGrouped has weights [G, OC/G, IC/G, kernel...].
	ConvolutionGrouped
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k == ConvolutionGrouped {
		return "GroupConvolution"
	}
	return "Convolution"
}

// DefaultDummyDim is the placeholder extent used for dynamic axes while planning.
const DefaultDummyDim = 64

// Config holds the attributes of a convolution node, as given by the model.
type Config struct {
	// Name of the node, used in errors and logs.
	Name string

	Kind Kind

	// Strides per spatial axis. Empty means 1.
	Strides []int

	// Dilations per spatial axis, 1-based as in the model (1 means no dilation). Empty means 1.
	Dilations []int

	// PadsBegin and PadsEnd per spatial axis. Empty means 0. They are ignored if AutoPad is
	// not AutoPadExplicit.
	PadsBegin, PadsEnd []int
	AutoPad            shapeinference.AutoPad

	// WeightDims are the static dimensions of the weights: [OC, IC, kernel...] or, for grouped
	// convolutions, [G, OC/G, IC/G, kernel...].
	WeightDims []int
	WithBias   bool

	// Input is the shape of the input (possibly dynamic). Its DType is the input precision.
	Input shapes.Shape

	// OutputDType is the precision of the output of the node (or of its last fused node).
	// If invalid, the input precision is used.
	OutputDType dtypes.DType

	// WeightsDType is the precision of the weights. If invalid, the input precision is used.
	WeightsDType dtypes.DType

	// SumDType is the precision of the fused-sum peer. If invalid, the output precision is used.
	SumDType dtypes.DType

	// Priorities are user requested implementation types, tried before the default ranking.
	Priorities []backends.ImplType

	// InputFormatFilter and OutputFormatFilter restrict the layouts of the candidates. At most
	// one layout can be given in each.
	InputFormatFilter, OutputFormatFilter []memdesc.Tag

	// GraphQuantized tells whether the model holds quantization nodes: it enables the
	// channel-last candidate for floating point convolutions.
	GraphQuantized bool

	// WeightIsConstant and BiasIsConstant tell whether the weights/bias come from constants.
	WeightIsConstant, BiasIsConstant bool

	// DummyDim is the placeholder extent used for dynamic axes while planning. 0 means DefaultDummyDim.
	DummyDim int
}

// geometry holds the validated, derived attributes of a convolution.
type geometry struct {
	spatialRank      int
	grouped          bool
	groups, ic, oc   int
	groupIC, groupOC int
	kernel           []int
	strides          []int
	dilations        []int // Zero-based.
	dilations1       []int // 1-based, for shape inference.

	paddingL, paddingR []int

	weightsShape           shapes.Shape
	isDepthwise, isDynamic bool

	inputDType, outputDType, weightsDType, sumDType dtypes.DType

	dummyDim                        int
	inputFilter, outputFilter       memdesc.Tag
	hasInputFilter, hasOutputFilter bool
}

// withDefault returns values, or n copies of defaultValue if values is empty.
func withDefault(values []int, n, defaultValue int) []int {
	if len(values) > 0 {
		return slices.Clone(values)
	}
	return slices.Repeat([]int{defaultValue}, n)
}

// validate the configuration and derive the geometry of the convolution.
func (c *Config) validate() (*geometry, error) {
	errorf := func(format string, args ...any) (*geometry, error) {
		return nil, errors.Wrapf(ErrConfiguration, "%s node %q: "+format, append([]any{c.Kind, c.Name}, args...)...)
	}
	if !c.Input.Ok() {
		return errorf("invalid input shape %s", c.Input)
	}
	rank := c.Input.Rank()
	if rank < 3 || rank > 5 {
		return errorf("input must have rank 3 to 5, got %s", c.Input)
	}
	g := &geometry{spatialRank: rank - 2, grouped: c.Kind == ConvolutionGrouped}
	weightsRank := rank
	if g.grouped {
		weightsRank++
	}
	if len(c.WeightDims) != weightsRank {
		return errorf("weights %v must have rank %d for input %s", c.WeightDims, weightsRank, c.Input)
	}
	for axis, dim := range c.WeightDims {
		if dim <= 0 {
			return errorf("weights must be static, got %v (axis %d)", c.WeightDims, axis)
		}
	}
	if g.grouped {
		g.groups, g.groupOC, g.groupIC = c.WeightDims[0], c.WeightDims[1], c.WeightDims[2]
		g.kernel = slices.Clone(c.WeightDims[3:])
	} else {
		g.groups, g.groupOC, g.groupIC = 1, c.WeightDims[0], c.WeightDims[1]
		g.kernel = slices.Clone(c.WeightDims[2:])
	}
	g.oc, g.ic = g.groups*g.groupOC, g.groups*g.groupIC
	if inputIC := c.Input.Dimensions[1]; inputIC != g.ic {
		return errorf("input channels of %s must be static and equal to %d (groups=%d, weights %v)",
			c.Input, g.ic, g.groups, c.WeightDims)
	}
	g.isDepthwise = g.grouped && g.groupIC == 1 && g.groupOC == 1

	g.strides = withDefault(c.Strides, g.spatialRank, 1)
	g.dilations1 = withDefault(c.Dilations, g.spatialRank, 1)
	g.paddingL = withDefault(c.PadsBegin, g.spatialRank, 0)
	g.paddingR = withDefault(c.PadsEnd, g.spatialRank, 0)
	for name, values := range map[string][]int{
		"strides": g.strides, "dilations": g.dilations1, "pads begin": g.paddingL, "pads end": g.paddingR} {
		if len(values) != g.spatialRank {
			return errorf("%s %v must have one value per spatial axis (%d)", name, values, g.spatialRank)
		}
	}
	g.dilations = make([]int, g.spatialRank)
	for i := range g.spatialRank {
		if g.strides[i] < 1 || g.dilations1[i] < 1 || g.paddingL[i] < 0 || g.paddingR[i] < 0 {
			return errorf("invalid strides=%v, dilations=%v or pads=%v/%v", g.strides, g.dilations1, g.paddingL, g.paddingR)
		}
		g.dilations[i] = g.dilations1[i] - 1
	}
	if c.AutoPad == shapeinference.AutoPadValid {
		clear(g.paddingL)
		clear(g.paddingR)
	}

	g.inputDType = c.Input.DType
	g.outputDType = c.OutputDType
	if g.outputDType == dtypes.InvalidDType {
		g.outputDType = g.inputDType
	}
	g.weightsDType = c.WeightsDType
	if g.weightsDType == dtypes.InvalidDType {
		g.weightsDType = g.inputDType
	}
	g.sumDType = c.SumDType
	if g.sumDType == dtypes.InvalidDType {
		g.sumDType = g.outputDType
	}
	g.weightsShape = shapes.Make(g.weightsDType, c.WeightDims...)
	g.isDynamic = !c.Input.IsDefined()

	g.dummyDim = c.DummyDim
	if g.dummyDim == 0 {
		g.dummyDim = DefaultDummyDim
	}
	if g.dummyDim < 0 {
		return errorf("invalid dummy dimension %d", g.dummyDim)
	}
	if len(c.InputFormatFilter) > 1 || len(c.OutputFormatFilter) > 1 {
		return errorf("at most one memory format filter per port is supported, got input=%v, output=%v",
			c.InputFormatFilter, c.OutputFormatFilter)
	}
	if len(c.InputFormatFilter) == 1 {
		g.inputFilter, g.hasInputFilter = c.InputFormatFilter[0], true
	}
	if len(c.OutputFormatFilter) == 1 {
		g.outputFilter, g.hasOutputFilter = c.OutputFormatFilter[0], true
	}
	return g, nil
}

// is1x1 returns whether the convolution is ungrouped, with unit kernel and strides and no padding.
func (g *geometry) is1x1() bool {
	if g.grouped {
		return false
	}
	for i := range g.spatialRank {
		if g.kernel[i] != 1 || g.strides[i] != 1 || g.paddingL[i] != 0 || g.paddingR[i] != 0 {
			return false
		}
	}
	return true
}

// effectiveKernel returns the kernel extent of the spatial axis i, dilation included.
func (g *geometry) effectiveKernel(i int) int {
	return g.kernel[i] + (g.kernel[i]-1)*g.dilations[i]
}
