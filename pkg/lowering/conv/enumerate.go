// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"fmt"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lowering/backends"
	"github.com/gomlx/lowering/pkg/core/memdesc"
	"github.com/gomlx/lowering/pkg/core/shapes"
	"github.com/gomlx/lowering/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// numericMode holds the precisions the convolution is planned with.
type numericMode struct {
	int8                   bool
	src, dst, sum, weights dtypes.DType
}

// String implements fmt.Stringer.
func (m numericMode) String() string {
	return fmt.Sprintf("int8=%v, src=%s, weights=%s, dst=%s, sum=%s", m.int8, m.src, m.weights, m.dst, m.sum)
}

// resolveNumericMode decides between the int8 and the floating point paths, and the precisions of each.
func (n *Node) resolveNumericMode() numericMode {
	g := n.geom
	inputDType, weightsDType := g.inputDType, g.weightsDType
	if len(n.zeroPoints.legacyInput) > 0 {
		inputDType = dtypes.Uint8
	}
	if len(n.zeroPoints.legacyWeights) > 0 {
		weightsDType = dtypes.Int8
	}

	if (inputDType == dtypes.Uint8 || inputDType == dtypes.Int8) && weightsDType == dtypes.Int8 {
		m := numericMode{int8: true, src: inputDType, weights: dtypes.Int8, dst: g.outputDType, sum: g.outputDType}
		if n.withSum() && m.dst != dtypes.Float32 && m.dst != dtypes.BFloat16 {
			m.sum = g.sumDType
			if m.dst.Size() != m.sum.Size() {
				// Mixed sizes can't be accumulated in place.
				m.dst, m.sum = dtypes.Float32, dtypes.Float32
			}
		}
		return m
	}

	floatDType := func(dtype dtypes.DType) dtypes.DType {
		if dtype == dtypes.BFloat16 && !(g.isDepthwise && g.spatialRank == 3) {
			return dtypes.BFloat16
		}
		return dtypes.Float32
	}
	m := numericMode{src: floatDType(inputDType), dst: floatDType(g.outputDType)}
	m.sum = m.dst
	if n.withSum() {
		if floatDType(g.sumDType) == dtypes.BFloat16 {
			m.dst = dtypes.BFloat16
		} else {
			m.dst = dtypes.Float32
		}
		m.sum = m.dst
	}
	if m.src == dtypes.Float32 && m.dst == dtypes.BFloat16 {
		m.dst, m.sum = dtypes.Float32, dtypes.Float32
	}
	m.weights = m.src
	return m
}

// layoutPair is a candidate (source, destination) layout.
type layoutPair struct {
	src, dst memdesc.Tag
}

// String implements fmt.Stringer.
func (p layoutPair) String() string { return fmt.Sprintf("%s->%s", p.src, p.dst) }

// layoutCandidates returns the layouts to enumerate, most preferred first.
func (n *Node) layoutCandidates(mode numericMode, inputDims []int) []layoutPair {
	caps := n.engine.Capabilities()
	nspc := layoutPair{memdesc.TagNSPC, memdesc.TagNSPC}
	if mode.int8 || !caps.HasVectorISA() {
		return []layoutPair{nspc}
	}

	var pairs []layoutPair
	add := func(src, dst memdesc.Tag) {
		pair := layoutPair{src, dst}
		if !slices.Contains(pairs, pair) {
			pairs = append(pairs, pair)
		}
	}
	g := n.geom
	if caps.BrgConvAvailable() && (mode.src == dtypes.Float32 || mode.src == dtypes.BFloat16) {
		add(memdesc.TagNSPC, memdesc.TagNSPC)
	}
	switch {
	case g.ic == 1 && g.groupOC == 1:
		add(memdesc.TagNCSP, memdesc.TagNCSP)
	case g.ic < 4:
		add(memdesc.TagNCSP, memdesc.TagNCSP16c)
		add(memdesc.TagNCSP, memdesc.TagNCSP8c)
	default:
		add(memdesc.TagNCSP16c, memdesc.TagNCSP16c)
		add(memdesc.TagNCSP8c, memdesc.TagNCSP8c)
	}
	add(memdesc.TagNCSP, memdesc.TagNCSP)
	if mode.src != dtypes.BFloat16 && n.isNspcAvailable(inputDims) {
		add(memdesc.TagNSPC, memdesc.TagNSPC)
	}
	return pairs
}

// isNspcAvailable returns whether the channel-last layout is worth a candidate for floating point
// convolutions.
func (n *Node) isNspcAvailable(inputDims []int) bool {
	if !n.cfg.GraphQuantized && !(n.geom.hasInputFilter && n.geom.inputFilter == memdesc.TagNSPC) {
		return false
	}
	g := n.geom
	caps := n.engine.Capabilities()
	rank := len(inputDims)
	if g.isDepthwise {
		// 1D equivalent cases.
		return rank != 3 && inputDims[rank-2] != 1
	}

	is1x1 := g.is1x1()
	if caps.MayUse(backends.ISAAVX512Core) && is1x1 {
		allOnes := true
		for _, dim := range inputDims[2:] {
			if dim != 1 {
				allOnes = false
				break
			}
		}
		if allOnes {
			return false
		}
	}
	threshold := 128
	if is1x1 {
		threshold = 2048
	} else if caps.MayUse(backends.ISAAVX512Core) {
		threshold = 512
	}
	if max(g.ic, g.oc) >= threshold {
		return false
	}
	if !caps.MayUse(backends.ISAAVX) && (g.ic%8 != 0 || g.oc%8 != 0) {
		return false
	}
	return true
}

// algorithms returns the algorithms to enumerate: Winograd only if explicitly requested and usable.
func (n *Node) algorithms(mode numericMode) []backends.ConvAlgorithm {
	caps := n.engine.Capabilities()
	if slices.Contains(n.cfg.Priorities, backends.ImplJITAVX512Winograd) && caps.MayUse(backends.ISAAVX512Core) &&
		!mode.int8 && n.cfg.WeightIsConstant && (!n.cfg.WithBias || n.cfg.BiasIsConstant) {
		return []backends.ConvAlgorithm{backends.ConvWinograd, backends.ConvDirect}
	}
	return []backends.ConvAlgorithm{backends.ConvDirect}
}

// Descriptor is one implementation enumerated for the node.
type Descriptor struct {
	// Impl has the implementation type and the resolved layouts.
	Impl backends.ImplInfo

	Algorithm backends.ConvAlgorithm

	// Slot is the position of the (layouts, algorithm, attribute set) request the descriptor
	// comes from, counting also the requests the engine rejected.
	Slot int

	// AttrIndex is the index of the attribute set the descriptor was enumerated with.
	AttrIndex int
}

// String implements fmt.Stringer.
func (d Descriptor) String() string {
	return fmt.Sprintf("#%d %s %s (attr %d)", d.Slot, d.Algorithm, d.Impl, d.AttrIndex)
}

// convDesc returns the request for the engine, with the weights in any layout.
func (n *Node) convDesc(algorithm backends.ConvAlgorithm, src, dst memdesc.Desc, weightsDType dtypes.DType,
	attr backends.Attr, paddingL, paddingR []int) backends.ConvDesc {
	desc := backends.ConvDesc{
		Algorithm: algorithm,
		Src:       src,
		Weights:   memdesc.New(n.geom.weightsShape.WithDType(weightsDType), memdesc.TagAny),
		Dst:       dst,
		Strides:   slices.Clone(n.geom.strides),
		Dilations: slices.Clone(n.geom.dilations),
		PaddingL:  slices.Clone(paddingL),
		PaddingR:  slices.Clone(paddingR),
		Attr:      attr,
	}
	if n.cfg.WithBias {
		desc.Bias = memdesc.Make(dtypes.Float32, memdesc.TagAny, n.geom.oc)
	}
	return desc
}

// canSkipPlanar returns whether a plain f32 request can be skipped once a jit implementation was
// found: its jit implementations would not read the plain layout directly, and only gemm is left.
func (n *Node) canSkipPlanar(pair layoutPair, mode numericMode) bool {
	g := n.geom
	if len(n.cfg.Priorities) > 0 || g.hasInputFilter || g.hasOutputFilter {
		return false
	}
	possibleJitPlanar := !g.grouped && n.cfg.WeightDims[0] == 1 && !slices.ContainsFunc(g.strides, func(s int) bool { return s != 1 })
	if possibleJitPlanar {
		return false
	}
	return pair.src == memdesc.TagNCSP && pair.dst == memdesc.TagNCSP && mode.src == dtypes.Float32 && mode.dst == dtypes.Float32
}

// passesFilters returns whether the implementation layouts match the memory format filters.
func (n *Node) passesFilters(impl backends.ImplInfo) bool {
	g := n.geom
	if g.hasInputFilter && impl.Src.Tag() != g.inputFilter {
		return false
	}
	if g.hasOutputFilter && impl.Dst.Tag() != g.outputFilter {
		return false
	}
	return true
}

// enumerate asks the engine for the implementations of every (layouts, algorithm, attribute set)
// request, in order. Requests the engine rejects are skipped.
func (n *Node) enumerate(mode numericMode, attrs []backends.Attr, input shapes.Shape, outputDims, paddingL, paddingR []int) ([]Descriptor, error) {
	pairs := n.layoutCandidates(mode, n.cfg.Input.Dimensions)
	algorithms := n.algorithms(mode)
	var descriptors []Descriptor
	containJit := false
	for pairIdx, pair := range pairs {
		src := memdesc.New(input.WithDType(mode.src), pair.src)
		dst := memdesc.New(shapes.Make(mode.dst, outputDims...), pair.dst)
		for algIdx, algorithm := range algorithms {
			for attrIdx, attr := range attrs {
				slot := (pairIdx*len(algorithms)+algIdx)*len(attrs) + attrIdx
				if containJit && n.canSkipPlanar(pair, mode) {
					klog.V(2).Infof("node %q: skipping request #%d %s, jit implementations were found", n.cfg.Name, slot, pair)
					continue
				}
				desc := n.convDesc(algorithm, src, dst, mode.weights, attr, paddingL, paddingR)
				pd, err := n.engine.ConvolutionDesc(desc, true)
				if err != nil {
					return nil, errors.Wrapf(ErrConfiguration, "node %q: request #%d %s %s: %v", n.cfg.Name, slot, pair, algorithm, err)
				}
				if pd == nil {
					continue
				}
				for _, impl := range pd.Impls() {
					if impl.Type.Has(backends.ImplJIT) {
						containJit = true
					}
					if !n.passesFilters(impl) {
						continue
					}
					descriptors = append(descriptors, Descriptor{Impl: impl, Algorithm: algorithm, Slot: slot, AttrIndex: attrIdx})
				}
			}
		}
	}
	if klog.V(1).Enabled() {
		klog.Infof("node %q (%s): layouts %v, %d descriptors: %v", n.cfg.Name, mode, pairs, len(descriptors),
			xslices.Map(descriptors, func(d Descriptor) string { return d.Impl.Type.String() }))
	}
	if len(descriptors) == 0 {
		return nil, errors.Wrapf(ErrConfiguration, "node %q: no implementation available for %s with layouts %v",
			n.cfg.Name, mode, pairs)
	}
	return descriptors, nil
}
