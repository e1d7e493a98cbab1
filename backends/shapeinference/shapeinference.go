// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapeinference calculates the output shapes of the lowered operators, and the paddings
// implied by their auto-padding mode.
//
// Dynamic input axes produce dynamic output axes, with bounds derived from the input bounds.
package shapeinference

import (
	"slices"

	"github.com/gomlx/lowering/pkg/core/shapes"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// AutoPad is the padding mode of a convolution.
type AutoPad int

const (
	// AutoPadExplicit uses the given paddings.
	AutoPadExplicit AutoPad = iota

	// AutoPadSameUpper pads so that output = ceil(input/stride), with the extra padding at the end.
	AutoPadSameUpper

	// AutoPadSameLower is like AutoPadSameUpper, but with the extra padding at the beginning.
	AutoPadSameLower

	// AutoPadValid uses no padding.
	AutoPadValid
)

// String implements fmt.Stringer.
func (p AutoPad) String() string {
	switch p {
	case AutoPadSameUpper:
		return "same_upper"
	case AutoPadSameLower:
		return "same_lower"
	case AutoPadValid:
		return "valid"
	default:
		return "explicit"
	}
}

// IsSame returns whether the paddings depend on the input shape.
func (p AutoPad) IsSame() bool {
	return p == AutoPadSameUpper || p == AutoPadSameLower
}

// ConvResult is the result of Convolution.
type ConvResult struct {
	Output shapes.Shape

	// PadsBegin and PadsEnd are the effective paddings. For same auto-padding over a dynamic axis
	// they are left as given.
	PadsBegin, PadsEnd []int
}

// Convolution returns the output shape of a convolution, and the effective paddings.
//
// The input is [N, C, spatial...] (possibly with dynamic axes). The weights are
// [OC, IC, kernel...] or, if grouped, [G, OC/G, IC/G, kernel...]. Dilations are 1-based
// (1 means no dilation). Empty strides or dilations default to 1, empty pads to 0.
func Convolution(input shapes.Shape, weightDims []int, grouped bool, strides, dilations, padsBegin, padsEnd []int, autoPad AutoPad) (ConvResult, error) {
	// Convenient error returns.
	errorf := func(format string, args ...any) (ConvResult, error) {
		return ConvResult{Output: shapes.Invalid()}, errors.Errorf("Convolution: "+format, args...)
	}

	if !input.Ok() {
		return errorf("invalid input shape %s", input)
	}
	rank := input.Rank()
	spatialRank := rank - 2
	if rank < 3 || rank > 5 {
		return errorf("input must be rank 3 to 5 with axes batch, channels and spatial -- input shape is %s", input)
	}
	weightsRank := rank
	if grouped {
		weightsRank++
	}
	if len(weightDims) != weightsRank {
		return errorf("weights %v must have rank %d for input shape %s (grouped=%v)", weightDims, weightsRank, input, grouped)
	}
	for axis, dim := range weightDims {
		if dim <= 0 {
			return errorf("weights must be static, got dimension %d at axis %d (weights %v)", dim, axis, weightDims)
		}
	}

	strides = withDefault(strides, spatialRank, 1)
	dilations = withDefault(dilations, spatialRank, 1)
	padsBegin = withDefault(padsBegin, spatialRank, 0)
	padsEnd = withDefault(padsEnd, spatialRank, 0)
	for name, values := range map[string][]int{"strides": strides, "dilations": dilations, "padsBegin": padsBegin, "padsEnd": padsEnd} {
		if len(values) != spatialRank {
			return errorf("%s (%v) must either be empty or provide one value for each spatial axis (%d), input shape is %s",
				name, values, spatialRank, input)
		}
	}
	for i := range spatialRank {
		if strides[i] < 1 {
			return errorf("strides[%d]=%d must be >= 1", i, strides[i])
		}
		if dilations[i] < 1 {
			return errorf("dilations[%d]=%d must be >= 1", i, dilations[i])
		}
		if padsBegin[i] < 0 || padsEnd[i] < 0 {
			return errorf("paddings must be >= 0, got begin=%v end=%v", padsBegin, padsEnd)
		}
	}

	// Check that channels are valid.
	groups, outputChannels, kernelInputChannels := 1, weightDims[0], weightDims[1]
	kernelSpatial := weightDims[2:]
	if grouped {
		groups = weightDims[0]
		outputChannels = weightDims[0] * weightDims[1]
		kernelInputChannels = weightDims[2]
		kernelSpatial = weightDims[3:]
	}
	if inputChannels := input.Dimensions[1]; inputChannels != shapes.DimDynamic && inputChannels != kernelInputChannels*groups {
		return errorf("we must have inputChannels (=%d) = kernelInputChannels (=%d) * groups (=%d) -- input shape is %s, weights are %v",
			inputChannels, kernelInputChannels, groups, input, weightDims)
	}

	result := ConvResult{PadsBegin: slices.Clone(padsBegin), PadsEnd: slices.Clone(padsEnd)}
	if autoPad == AutoPadValid {
		clear(result.PadsBegin)
		clear(result.PadsEnd)
	}
	outputBounds := make([]shapes.Interval, rank)
	outputBounds[0] = input.Bound(0)
	outputBounds[1] = shapes.Interval{Min: outputChannels, Max: outputChannels}
	for i := range spatialRank {
		axis := i + 2
		effectiveKernel := (kernelSpatial[i]-1)*dilations[i] + 1
		bound := input.Bound(axis)
		if autoPad.IsSame() {
			if input.Dimensions[axis] != shapes.DimDynamic {
				in := input.Dimensions[axis]
				out := ceilDiv(in, strides[i])
				total := max((out-1)*strides[i]+effectiveKernel-in, 0)
				if autoPad == AutoPadSameUpper {
					result.PadsBegin[i] = total / 2
				} else {
					result.PadsBegin[i] = total - total/2
				}
				result.PadsEnd[i] = total - result.PadsBegin[i]
				outputBounds[axis] = shapes.Interval{Min: out, Max: out}
				continue
			}
			outputBounds[axis] = mapInterval(bound, func(in int) int { return ceilDiv(in, strides[i]) })
			continue
		}
		padded := func(in int) int {
			return (in+result.PadsBegin[i]+result.PadsEnd[i]-effectiveKernel)/strides[i] + 1
		}
		if input.Dimensions[axis] != shapes.DimDynamic {
			out := padded(input.Dimensions[axis])
			if out <= 0 {
				return errorf("input spatial axis %d (dimension %d) with paddings (%d, %d) is too small for kernel extent %d",
					axis, input.Dimensions[axis], result.PadsBegin[i], result.PadsEnd[i], effectiveKernel)
			}
			outputBounds[axis] = shapes.Interval{Min: out, Max: out}
			continue
		}
		outputBounds[axis] = mapInterval(bound, func(in int) int { return max(padded(in), 0) })
	}
	result.Output = shapes.MakeDynamic(input.DType, outputBounds...)
	return result, nil
}

func withDefault(values []int, n, defaultValue int) []int {
	if len(values) > 0 {
		return values
	}
	values = make([]int, n)
	for i := range values {
		values[i] = defaultValue
	}
	return values
}

func ceilDiv[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}

// mapInterval maps the bounds of an interval through a non-decreasing function.
func mapInterval(bound shapes.Interval, fn func(int) int) shapes.Interval {
	out := shapes.Interval{Min: fn(bound.Min), Max: shapes.DimDynamic}
	if bound.Max != shapes.DimDynamic {
		out.Max = fn(bound.Max)
	}
	return out
}
