// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package refcpu

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/lowering/backends"
	"github.com/gomlx/lowering/pkg/support/xslices"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// applyPostOps runs the post-op chain over the convolution result, and returns the values in the
// logical order of the destination.
func (plan *convExecPlan) applyPostOps() ([]float32, error) {
	p := plan.problem
	values := plan.result
	spatial := p.pointwiseSpatial
	var dstValues []float32 // Previous contents of dst, read lazily by the sum post-op.

	for i, op := range p.desc.Attr.PostOps {
		switch op.Kind {
		case backends.PostOpSum:
			if dstValues == nil {
				dstValues = plan.dst.Logical()
			}
			scale, zeroPoint := op.Scale, float32(op.ZeroPoint)
			for ii := range values {
				values[ii] += scale * (dstValues[ii] - zeroPoint)
			}

		case backends.PostOpEltwise:
			plan.forEachChannel(values, spatial, func(_ int, channelValues []float32) {
				for ii, v := range channelValues {
					channelValues[ii] = op.Eltwise.Apply(v, op.Alpha, op.Beta)
				}
			})

		case backends.PostOpScaleShift:
			scales, err := plan.primitive.vectorArgument(plan.args, backends.PostOpArg(i, backends.ArgPostOpOperand), op.Channels)
			if err != nil {
				return nil, err
			}
			shifts, err := plan.primitive.vectorArgument(plan.args, backends.PostOpArg(i, backends.ArgPostOpShift), op.Channels)
			if err != nil {
				return nil, err
			}
			plan.forEachChannel(values, spatial, func(c int, channelValues []float32) {
				scale, shift := channelValue(scales, c), channelValue(shifts, c)
				for ii, v := range channelValues {
					channelValues[ii] = v*scale + shift
				}
			})

		case backends.PostOpQuantization:
			var vectors [6][]float32
			for part := range vectors {
				var err error
				id := backends.PostOpArg(i, backends.ArgPostOpCropLow+backends.ArgID(part))
				vectors[part], err = plan.primitive.vectorArgument(plan.args, id, op.Channels)
				if err != nil {
					return nil, err
				}
			}
			plan.forEachChannel(values, spatial, func(c int, channelValues []float32) {
				cropLow, cropHigh := channelValue(vectors[0], c), channelValue(vectors[1], c)
				inputScale, inputShift := channelValue(vectors[2], c), channelValue(vectors[3], c)
				outputScale, outputShift := channelValue(vectors[4], c), channelValue(vectors[5], c)
				for ii, v := range channelValues {
					v = min(max(v, cropLow), cropHigh)*inputScale + inputShift
					if op.DoRounding {
						v = float32(math.RoundToEven(float64(v)))
					}
					channelValues[ii] = v*outputScale + outputShift
				}
			})

		case backends.PostOpBinary:
			operand, err := plan.primitive.vectorArgument(plan.args, backends.PostOpArg(i, backends.ArgPostOpOperand), op.Channels)
			if err != nil {
				return nil, err
			}
			plan.forEachChannel(values, spatial, func(c int, channelValues []float32) {
				operandValue := channelValue(operand, c)
				for ii, v := range channelValues {
					channelValues[ii] = op.Binary.Apply(v, operandValue)
				}
			})

		case backends.PostOpDWConv:
			var err error
			values, err = plan.depthwise(values, op.DW)
			if err != nil {
				return nil, err
			}
			spatial = p.outSpatial

		default:
			return nil, errors.Errorf("%s: unknown post-op kind %s", plan.primitive.impl.Type, op.Kind)
		}
	}
	return values, nil
}

// forEachChannel calls fn for the spatial values of every (batch, channel) pair, in parallel.
func (plan *convExecPlan) forEachChannel(values []float32, spatial []int, fn func(channel int, channelValues []float32)) {
	p := plan.problem
	spatialSize := xslices.Product(spatial)
	plan.primitive.backend.workers.ParallelFor(p.batch*p.outChannels, 1, func(start, end int) {
		for pair := start; pair < end; pair++ {
			fn(pair%p.outChannels, values[pair*spatialSize:(pair+1)*spatialSize])
		}
	})
}

// depthwise runs the fused depthwise convolution over the values, first converted to the
// intermediate dtype. Weights are bound at ArgAttrPostOpDW|ArgWeights (OC*KH*KW values) and the
// optional bias at ArgAttrPostOpDW|ArgBias.
func (plan *convExecPlan) depthwise(values []float32, dw backends.DWConvParams) ([]float32, error) {
	p := plan.problem
	c := plan.primitive
	weightsMem, err := c.argument(plan.args, backends.ArgAttrPostOpDW|backends.ArgWeights)
	if err != nil {
		return nil, err
	}
	weights := weightsMem.Logical()
	kernelSize := dw.KernelH * dw.KernelW
	if len(weights) != p.outChannels*kernelSize {
		return nil, errors.Errorf("%s: depthwise weights %s don't match %d channels with kernel %dx%d",
			c.impl.Type, weightsMem.Desc(), p.outChannels, dw.KernelH, dw.KernelW)
	}
	var bias []float32
	if biasMem := plan.args[backends.ArgAttrPostOpDW|backends.ArgBias]; biasMem.IsAllocated() {
		if bias, err = c.vectorArgument(plan.args, backends.ArgAttrPostOpDW|backends.ArgBias, p.outChannels); err != nil {
			return nil, err
		}
	}
	for ii, v := range values {
		values[ii] = convertValue(dw.DType, v)
	}

	inH, inW := dw.InputH, dw.InputW
	outH, outW := p.outSpatial[0], p.outSpatial[1]
	padH, padW := (dw.KernelH-1)/2, (dw.KernelW-1)/2
	output := make([]float32, p.batch*p.outChannels*outH*outW)
	c.backend.workers.ParallelFor(p.batch*p.outChannels, 1, func(start, end int) {
		for pair := start; pair < end; pair++ {
			channel := pair % p.outChannels
			in := values[pair*inH*inW : (pair+1)*inH*inW]
			out := output[pair*outH*outW : (pair+1)*outH*outW]
			kernel := weights[channel*kernelSize : (channel+1)*kernelSize]
			for oh := range outH {
				for ow := range outW {
					acc := channelValue(bias, channel)
					for kh := range dw.KernelH {
						ih := oh*dw.StrideH - padH + kh
						if ih < 0 || ih >= inH {
							continue
						}
						for kw := range dw.KernelW {
							iw := ow*dw.StrideW - padW + kw
							if iw < 0 || iw >= inW {
								continue
							}
							acc += in[ih*inW+iw] * kernel[kh*dw.KernelW+kw]
						}
					}
					out[oh*outW+ow] = acc
				}
			}
		}
	})
	return output, nil
}

// convertValue rounds v to the precision of dtype: integer dtypes are rounded (half to even) and
// saturated, narrow floats are rounded to their nearest representable value.
func convertValue(dtype dtypes.DType, v float32) float32 {
	switch dtype {
	case dtypes.Float32, dtypes.Float64:
		return v
	case dtypes.BFloat16:
		return bfloat16.FromFloat32(v).Float32()
	case dtypes.Float16:
		return float16.Fromfloat32(v).Float32()
	case dtypes.Int8:
		return saturate(v, math.MinInt8, math.MaxInt8)
	case dtypes.Uint8:
		return saturate(v, 0, math.MaxUint8)
	case dtypes.Int32:
		return saturate(v, math.MinInt32, math.MaxInt32)
	default:
		exceptions.Panicf("refcpu: conversion to dtype %s not supported", dtype)
		return 0
	}
}

func saturate(v float32, low, high float64) float32 {
	if math.IsNaN(float64(v)) {
		return 0
	}
	return float32(min(max(math.RoundToEven(float64(v)), low), high))
}
