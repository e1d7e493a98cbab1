// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"slices"

	"github.com/gomlx/lowering/pkg/core/memdesc"
)

// ConvAlgorithm selects the convolution algorithm requested from the engine.
type ConvAlgorithm int

const (
	ConvDirect ConvAlgorithm = iota
	ConvWinograd
)

// String implements fmt.Stringer.
func (alg ConvAlgorithm) String() string {
	if alg == ConvWinograd {
		return "winograd"
	}
	return "direct"
}

// ConvDesc is a request for a (possibly grouped) convolution primitive.
//
// Grouped convolutions are recognized by the rank of the weights: [G, O, I, spatial...] has one
// more axis than the source.
type ConvDesc struct {
	Algorithm ConvAlgorithm

	// Src, Weights and Dst descriptors. Bias is optional: the zero Desc{} means no bias.
	Src, Weights, Bias, Dst memdesc.Desc

	Strides []int

	// Dilations are zero-based: 0 means no dilation.
	Dilations []int

	PaddingL, PaddingR []int

	Attr Attr
}

// SpatialRank returns the number of spatial axes.
func (d ConvDesc) SpatialRank() int { return d.Src.Rank() - 2 }

// IsGrouped returns whether the weights have a groups axis.
func (d ConvDesc) IsGrouped() bool { return d.Weights.Rank() == d.Src.Rank()+1 }

// Groups returns the number of groups, 1 for ungrouped convolutions.
func (d ConvDesc) Groups() int {
	if d.IsGrouped() {
		return d.Weights.Dims()[0]
	}
	return 1
}

// HasBias returns whether the request includes a bias.
func (d ConvDesc) HasBias() bool { return d.Bias.Ok() }

// ImplInfo describes one implementation accepted by a primitive descriptor, with all its
// descriptors resolved to concrete layouts.
type ImplInfo struct {
	Type ImplType

	Src, Weights, Bias, Dst memdesc.Desc

	// Scratchpad is the number of float32 elements of scratch memory the implementation needs.
	Scratchpad int
}

// String implements fmt.Stringer.
func (info ImplInfo) String() string {
	return fmt.Sprintf("%s(src=%s, weights=%s, dst=%s)", info.Type, info.Src.Tag(), info.Weights.Tag(), info.Dst.Tag())
}

// PrimitiveDesc is the result of a primitive-descriptor request: the request and the list of
// implementations that accept it, with an iterator positioned at one of them.
//
// It is not safe for concurrent use.
type PrimitiveDesc struct {
	Desc ConvDesc

	impls   []ImplInfo
	current int
}

// NewPrimitiveDesc is used by engines to create a primitive descriptor. impls must not be empty.
func NewPrimitiveDesc(desc ConvDesc, impls []ImplInfo) *PrimitiveDesc {
	return &PrimitiveDesc{Desc: desc, impls: impls}
}

// Impl returns the current implementation.
func (pd *PrimitiveDesc) Impl() ImplInfo { return pd.impls[pd.current] }

// Next moves to the next implementation. It returns false, leaving the iterator unchanged, if there are no more.
func (pd *PrimitiveDesc) Next() bool {
	if pd.current+1 >= len(pd.impls) {
		return false
	}
	pd.current++
	return true
}

// Reset moves the iterator back to the first (preferred) implementation.
func (pd *PrimitiveDesc) Reset() { pd.current = 0 }

// NumImpls returns the number of implementations.
func (pd *PrimitiveDesc) NumImpls() int { return len(pd.impls) }

// Impls returns a copy of all the implementations, in the engine's order.
func (pd *PrimitiveDesc) Impls() []ImplInfo { return slices.Clone(pd.impls) }

// FindImplementation moves the iterator to the first implementation of exactly the given type.
// It returns false, leaving the iterator at the first implementation, if there is none.
func (pd *PrimitiveDesc) FindImplementation(implType ImplType) bool {
	for i, info := range pd.impls {
		if info.Type == implType {
			pd.current = i
			return true
		}
	}
	pd.current = 0
	return false
}
