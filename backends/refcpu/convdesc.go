// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package refcpu

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lowering/backends"
	"github.com/gomlx/lowering/pkg/core/memdesc"
	"github.com/gomlx/lowering/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// convProblem holds the validated dimensions of a convolution request.
type convProblem struct {
	desc        backends.ConvDesc
	spatialRank int

	batch, inChannels, outChannels int
	groups, groupIC, groupOC       int
	inSpatial, kernel, outSpatial  []int

	// pointwiseSpatial is the spatial output of the convolution itself, before a fused depthwise
	// convolution post-op (if any). Without one it is equal to outSpatial.
	pointwiseSpatial []int

	grouped, isDW, is1x1, isInt8 bool
	dtype                        dtypes.DType
}

// pointwiseSize is the number of elements of the convolution result, before a fused depthwise convolution.
func (p *convProblem) pointwiseSize() int {
	return p.batch * p.outChannels * xslices.Product(p.pointwiseSpatial)
}

// convOutputDim returns the output extent of one spatial axis. dilation is zero-based.
func convOutputDim(in, kernel, stride, dilation, padL, padR int) int {
	effKernel := (kernel-1)*(dilation+1) + 1
	return (in+padL+padR-effKernel)/stride + 1
}

// dwOutputDim returns the output extent of a fused depthwise convolution, padded by (kernel-1)/2 on both sides.
func dwOutputDim(in, kernel, stride int) int {
	pad := (kernel - 1) / 2
	return (in+2*pad-kernel)/stride + 1
}

// analyzeConv validates the request and extracts its dimensions.
func analyzeConv(desc backends.ConvDesc, caps backends.Capabilities) (*convProblem, error) {
	errorf := func(format string, args ...any) error {
		return errors.Errorf("refcpu convolution: "+format, args...)
	}
	if !desc.Src.Ok() || !desc.Weights.Ok() || !desc.Dst.Ok() {
		return nil, errorf("src, weights and dst descriptors must be set, got src=%s, weights=%s, dst=%s",
			desc.Src, desc.Weights, desc.Dst)
	}
	for _, d := range []memdesc.Desc{desc.Src, desc.Weights, desc.Bias, desc.Dst} {
		if !d.Ok() {
			continue
		}
		if !d.IsDefined() {
			return nil, errorf("descriptor %s is not defined, dynamic dimensions must be replaced before creating primitives", d)
		}
		if !caps.DTypes[d.DType()] {
			return nil, errorf("dtype %s not supported (descriptor %s)", d.DType(), d)
		}
	}
	p := &convProblem{desc: desc, dtype: desc.Src.DType()}
	rank := desc.Src.Rank()
	if rank < 3 || rank > 5 {
		return nil, errorf("source must have rank 3 to 5, got %s", desc.Src)
	}
	p.spatialRank = rank - 2
	if desc.Dst.Rank() != rank {
		return nil, errorf("destination rank must match source rank, got src=%s, dst=%s", desc.Src, desc.Dst)
	}
	switch desc.Weights.Rank() {
	case rank:
	case rank + 1:
		p.grouped = true
	default:
		return nil, errorf("weights must have rank %d (or %d if grouped), got %s", rank, rank+1, desc.Weights)
	}
	for name, values := range map[string][]int{
		"strides": desc.Strides, "dilations": desc.Dilations, "paddingL": desc.PaddingL, "paddingR": desc.PaddingR} {
		if len(values) != p.spatialRank {
			return nil, errorf("%s must have %d values, got %v", name, p.spatialRank, values)
		}
	}
	for axis := range p.spatialRank {
		if desc.Strides[axis] < 1 || desc.Dilations[axis] < 0 {
			return nil, errorf("invalid strides=%v or dilations=%v", desc.Strides, desc.Dilations)
		}
	}

	srcDims, wDims, dstDims := desc.Src.Dims(), desc.Weights.Dims(), desc.Dst.Dims()
	p.batch, p.inChannels = srcDims[0], srcDims[1]
	p.inSpatial = slices.Clone(srcDims[2:])
	if p.grouped {
		p.groups, p.groupOC, p.groupIC = wDims[0], wDims[1], wDims[2]
		p.kernel = slices.Clone(wDims[3:])
	} else {
		p.groups, p.groupOC, p.groupIC = 1, wDims[0], wDims[1]
		p.kernel = slices.Clone(wDims[2:])
	}
	p.outChannels = p.groups * p.groupOC
	if p.groups*p.groupIC != p.inChannels {
		return nil, errorf("weights %s don't match %d input channels of %s", desc.Weights, p.inChannels, desc.Src)
	}
	if dstDims[0] != p.batch || dstDims[1] != p.outChannels {
		return nil, errorf("destination %s doesn't match batch %d and %d output channels", desc.Dst, p.batch, p.outChannels)
	}
	if desc.HasBias() && (desc.Bias.Rank() != 1 || desc.Bias.Dims()[0] != p.outChannels) {
		return nil, errorf("bias must be shaped [%d], got %s", p.outChannels, desc.Bias)
	}
	p.isDW = p.grouped && p.groupIC == 1 && p.groupOC == 1
	p.isInt8 = (p.dtype == dtypes.Int8 || p.dtype == dtypes.Uint8) && desc.Weights.DType() == dtypes.Int8

	p.is1x1 = true
	p.pointwiseSpatial = make([]int, p.spatialRank)
	for axis := range p.spatialRank {
		if p.kernel[axis] != 1 || desc.PaddingL[axis] != 0 || desc.PaddingR[axis] != 0 {
			p.is1x1 = false
		}
		p.pointwiseSpatial[axis] = convOutputDim(p.inSpatial[axis], p.kernel[axis], desc.Strides[axis],
			desc.Dilations[axis], desc.PaddingL[axis], desc.PaddingR[axis])
		if p.pointwiseSpatial[axis] < 1 {
			return nil, errorf("input %s is too small for kernel %v with strides=%v, dilations=%v, paddings=%v/%v",
				desc.Src, p.kernel, desc.Strides, desc.Dilations, desc.PaddingL, desc.PaddingR)
		}
	}

	// Fused depthwise convolution changes the spatial output.
	p.outSpatial = slices.Clone(p.pointwiseSpatial)
	dwIdx := desc.Attr.Index(backends.PostOpDWConv)
	if dwIdx >= 0 {
		if p.spatialRank != 2 {
			return nil, errorf("fused depthwise convolution requires 2 spatial axes, got %d", p.spatialRank)
		}
		if slices.ContainsFunc(desc.Attr.PostOps[:dwIdx], func(op backends.PostOp) bool { return op.Kind == backends.PostOpSum }) {
			return nil, errorf("sum post-op cannot precede a fused depthwise convolution: %s", desc.Attr)
		}
		dw := desc.Attr.PostOps[dwIdx].DW
		if dw.InputH != p.pointwiseSpatial[0] || dw.InputW != p.pointwiseSpatial[1] {
			return nil, errorf("fused depthwise convolution input %dx%d doesn't match convolution output %v",
				dw.InputH, dw.InputW, p.pointwiseSpatial)
		}
		p.outSpatial[0] = dwOutputDim(dw.InputH, dw.KernelH, dw.StrideH)
		p.outSpatial[1] = dwOutputDim(dw.InputW, dw.KernelW, dw.StrideW)
	}
	if !slices.Equal(dstDims[2:], p.outSpatial) {
		return nil, errorf("destination %s doesn't match output spatial dimensions %v", desc.Dst, p.outSpatial)
	}
	return p, nil
}

// layoutPair is a (src, dst) layout accepted by an implementation.
type layoutPair struct {
	src, dst memdesc.Tag
}

// implCandidate is an implementation the engine may offer for a problem.
type implCandidate struct {
	implType   backends.ImplType
	weightsTag memdesc.Tag
	layouts    []layoutPair
	scratchpad bool
}

// jitLevel describes the jit kernels of one ISA level.
type jitLevel struct {
	isa                  backends.ISA
	block                int
	plain, dw, pointwise backends.ImplType
}

var jitLevels = []jitLevel{
	{backends.ISAAVX512Core, 16, backends.ImplJITAVX512, backends.ImplJITAVX512DW, backends.ImplJITAVX5121x1},
	{backends.ISAAVX2, 8, backends.ImplJITAVX2, backends.ImplJITAVX2DW, backends.ImplJITAVX21x1},
	{backends.ISAAVX, 8, backends.ImplJITAVX, backends.ImplJITAVXDW, backends.ImplJITAVX1x1},
	{backends.ISASSE42, 8, backends.ImplJITSSE42, backends.ImplJITSSE42DW, backends.ImplJITSSE421x1},
}

// blockedActivations returns the channel-blocked activation layout for the block size.
func blockedActivations(block int) memdesc.Tag {
	if block == 16 {
		return memdesc.TagNCSP16c
	}
	return memdesc.TagNCSP8c
}

// blockedWeights returns the weights layout used by blocked kernels.
func (p *convProblem) blockedWeights(block int) memdesc.Tag {
	switch {
	case p.isDW && block == 16:
		return memdesc.TagGOIsp16g
	case p.isDW:
		return memdesc.TagGOIsp8g
	case p.grouped && block == 16:
		return memdesc.TagGOIsp16i16o
	case p.grouped:
		return memdesc.TagGOIsp8i8o
	case block == 16:
		return memdesc.TagOIsp16i16o
	default:
		return memdesc.TagOIsp8i8o
	}
}

// weightsTagFits returns whether the layout can describe the weights of the problem.
func (p *convProblem) weightsTagFits(tag memdesc.Tag) bool {
	switch tag {
	case memdesc.TagNCSP:
		return true
	case memdesc.TagOIsp8i8o, memdesc.TagOIsp16i16o:
		return !p.grouped
	case memdesc.TagGOIsp8i8o, memdesc.TagGOIsp16i16o, memdesc.TagGOIsp8g, memdesc.TagGOIsp16g:
		return p.grouped
	}
	return false
}

// candidates lists the implementations of the engine for the problem, in the engine's preferred order,
// considering ISA, dtypes, shapes and algorithm. Layouts and attributes are checked later.
func (b *Backend) candidates(p *convProblem) []implCandidate {
	caps := b.caps
	var cands []implCandidate
	add := func(implType backends.ImplType, weightsTag memdesc.Tag, scratchpad bool, layouts ...layoutPair) {
		cands = append(cands, implCandidate{implType: implType, weightsTag: weightsTag, layouts: layouts, scratchpad: scratchpad})
	}
	nspc := layoutPair{memdesc.TagNSPC, memdesc.TagNSPC}

	if p.desc.Algorithm == backends.ConvWinograd {
		is3x3 := p.spatialRank == 2 && p.kernel[0] == 3 && p.kernel[1] == 3
		unitStrides := !slices.ContainsFunc(p.desc.Strides, func(s int) bool { return s != 1 })
		dilated := slices.ContainsFunc(p.desc.Dilations, func(d int) bool { return d != 0 })
		if caps.BrgConvAvailable() && is3x3 && unitStrides && !dilated && !p.grouped && p.dtype == dtypes.Float32 {
			add(backends.ImplJITAVX512Winograd, memdesc.TagOIsp16i16o, true,
				layoutPair{memdesc.TagNCSP16c, memdesc.TagNCSP16c})
		}
		return cands
	}

	if caps.MayUse(backends.ISAAMX) && (p.dtype == dtypes.BFloat16 || p.isInt8) {
		if !p.isDW {
			if p.is1x1 {
				add(backends.ImplBrgConvAVX512AMX1x1, p.blockedWeights(16), true, nspc)
			}
			add(backends.ImplBrgConvAVX512AMX, p.blockedWeights(16), true, nspc)
			if p.is1x1 {
				add(backends.ImplJITAVX512AMX1x1, p.blockedWeights(16), false, nspc)
			}
			add(backends.ImplJITAVX512AMX, p.blockedWeights(16), false, nspc)
		} else {
			add(backends.ImplJITAVX512AMXDW, p.blockedWeights(16), false, nspc)
		}
	}

	brgDType := p.dtype == dtypes.Float32 || p.dtype == dtypes.BFloat16 ||
		(p.isInt8 && caps.MayUse(backends.ISAAVX512VNNI))
	if caps.BrgConvAvailable() && !p.isDW && brgDType {
		if p.is1x1 {
			add(backends.ImplBrgConvAVX5121x1, p.blockedWeights(16), true, nspc)
		}
		add(backends.ImplBrgConvAVX512, p.blockedWeights(16), true, nspc)
	}

	for _, level := range jitLevels {
		if !caps.MayUse(level.isa) || p.dtype == dtypes.Float16 {
			continue
		}
		if p.dtype == dtypes.BFloat16 && level.block != 16 {
			continue
		}
		blocked := blockedActivations(level.block)
		var layouts []layoutPair
		switch {
		case p.isInt8:
			layouts = []layoutPair{nspc}
		case !p.grouped && p.inChannels < 4:
			layouts = []layoutPair{{memdesc.TagNCSP, blocked}, {blocked, blocked}, nspc}
		default:
			layouts = []layoutPair{{blocked, blocked}, nspc}
		}
		weightsTag := p.blockedWeights(level.block)
		if p.isDW {
			add(level.dw, weightsTag, false, layouts...)
			continue
		}
		if p.is1x1 {
			add(level.pointwise, weightsTag, false, layouts...)
		}
		add(level.plain, weightsTag, false, layouts...)
	}

	if caps.HasVectorISA() {
		if p.dtype == dtypes.Float32 {
			add(backends.ImplJITGEMM, memdesc.TagNCSP, false, layoutPair{memdesc.TagNCSP, memdesc.TagNCSP}, nspc)
		}
		if p.isInt8 {
			add(backends.ImplGEMMAny, memdesc.TagNCSP, false, nspc)
		}
	} else if p.dtype == dtypes.Float32 || p.isInt8 {
		add(backends.ImplGEMMAny, memdesc.TagNCSP, false, nspc)
	}

	if b.withRef {
		add(backends.ImplRefAny, memdesc.TagAny, false)
	}
	return cands
}

// attrSupported returns whether the implementation supports the attributes.
func attrSupported(implType backends.ImplType, attr backends.Attr) bool {
	isRef := implType == backends.ImplRefAny
	isBrg := implType.Has(backends.ImplBrgConv)
	if implType.Has(backends.ImplWinograd) {
		for _, op := range attr.PostOps {
			if op.Kind != backends.PostOpSum && op.Kind != backends.PostOpEltwise {
				return false
			}
		}
		return !attr.ZeroPoints.IsLegacy() && !attr.ZeroPoints.NativeSrc
	}
	if attr.ZeroPoints.IsLegacy() && isBrg {
		return false
	}
	if attr.ZeroPoints.NativeSrc && !isBrg && !isRef {
		return false
	}
	for _, op := range attr.PostOps {
		switch {
		case op.Kind.IsLegacy() && isBrg && !implType.Has(backends.ImplAMX):
			return false
		case op.Kind == backends.PostOpDWConv && implType != backends.ImplJITAVX21x1 && !isRef:
			return false
		}
	}
	return true
}

// matchTag returns whether the requested tag accepts the implementation's tag.
func matchTag(requested, tag memdesc.Tag) bool {
	return requested == memdesc.TagAny || requested == tag
}

// isActivationTag returns whether the tag can describe activations [N, C, spatial...].
func isActivationTag(tag memdesc.Tag) bool {
	switch tag {
	case memdesc.TagNCSP, memdesc.TagNSPC, memdesc.TagNCSP8c, memdesc.TagNCSP16c:
		return true
	}
	return false
}

// resolve the layouts of the candidate for the request. It returns false if the candidate can't
// accept the requested layouts.
func (c implCandidate) resolve(p *convProblem) (backends.ImplInfo, bool) {
	desc := p.desc
	info := backends.ImplInfo{Type: c.implType}
	reqSrc, reqDst, reqWeights := desc.Src.Tag(), desc.Dst.Tag(), desc.Weights.Tag()

	var srcTag, dstTag, weightsTag memdesc.Tag
	if c.implType == backends.ImplRefAny {
		srcTag, dstTag, weightsTag = reqSrc, reqDst, reqWeights
		if srcTag == memdesc.TagAny {
			srcTag = memdesc.TagNCSP
		}
		if dstTag == memdesc.TagAny {
			dstTag = srcTag
		}
		if weightsTag == memdesc.TagAny {
			weightsTag = memdesc.TagNCSP
		}
		if !isActivationTag(srcTag) || !isActivationTag(dstTag) || !p.weightsTagFits(weightsTag) {
			return info, false
		}
	} else {
		found := false
		for _, pair := range c.layouts {
			if matchTag(reqSrc, pair.src) && matchTag(reqDst, pair.dst) {
				srcTag, dstTag, found = pair.src, pair.dst, true
				break
			}
		}
		if !found || !matchTag(reqWeights, c.weightsTag) {
			return info, false
		}
		weightsTag = c.weightsTag
	}

	info.Src = desc.Src.CloneWithTag(srcTag)
	info.Dst = desc.Dst.CloneWithTag(dstTag)
	info.Weights = desc.Weights.CloneWithTag(weightsTag)
	if desc.HasBias() {
		if !matchTag(desc.Bias.Tag(), memdesc.TagNCSP) {
			return info, false
		}
		info.Bias = desc.Bias.CloneWithTag(memdesc.TagNCSP)
	}
	if c.scratchpad {
		info.Scratchpad = p.pointwiseSize()
	}
	return info, true
}

// ConvolutionDesc implements backends.Engine.
func (b *Backend) ConvolutionDesc(desc backends.ConvDesc, allowEmpty bool) (*backends.PrimitiveDesc, error) {
	if err := b.checkOk(); err != nil {
		return nil, err
	}
	p, err := analyzeConv(desc, b.caps)
	if err != nil {
		return nil, err
	}
	var impls []backends.ImplInfo
	for _, c := range b.candidates(p) {
		if !attrSupported(c.implType, desc.Attr) {
			continue
		}
		info, ok := c.resolve(p)
		if !ok {
			continue
		}
		impls = append(impls, info)
	}
	if len(impls) == 0 {
		if allowEmpty {
			klog.V(2).Infof("refcpu: no implementation for %s convolution src=%s, weights=%s, dst=%s, attr=%s",
				desc.Algorithm, desc.Src, desc.Weights, desc.Dst, desc.Attr)
			return nil, nil
		}
		return nil, errors.Errorf("refcpu: no implementation for %s convolution src=%s, weights=%s, dst=%s, attr=%s",
			desc.Algorithm, desc.Src, desc.Weights, desc.Dst, desc.Attr)
	}
	if klog.V(2).Enabled() {
		klog.Infof("refcpu: %d implementations for %s convolution src=%s, dst=%s: %v",
			len(impls), desc.Algorithm, desc.Src, desc.Dst, xslices.Map(impls, func(info backends.ImplInfo) string { return info.Type.String() }))
	}
	return backends.NewPrimitiveDesc(desc, impls), nil
}
