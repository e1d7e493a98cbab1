// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package memdesc describes tensors as seen by kernels: the logical shape plus the physical
// layout (Tag) used to store it.
//
// A Desc is a value type, safe to copy and compare with Desc.Equal.
package memdesc

import (
	"encoding/binary"
	"fmt"
	"hash/maphash"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lowering/pkg/core/shapes"
)

// Desc is a tensor descriptor: shape (dtype and dimensions, possibly dynamic) and layout.
type Desc struct {
	shape shapes.Shape
	tag   Tag

	// Physical strides, only set for defined shapes with a concrete tag.
	outerStrides []int // Indexed by logical axis.
	axisBlocks   []int // Block size per logical axis, 1 if not blocked.
	innerStrides []int // Stride of the index within the block, per logical axis.
	paddedSize   int
}

// New creates a descriptor for the given shape and layout.
func New(shape shapes.Shape, tag Tag) Desc {
	d := Desc{shape: shape.Clone(), tag: tag}
	if shape.IsDefined() && tag.IsConcrete() {
		d.computeStrides()
	}
	return d
}

// Make is a shortcut to New(shapes.Make(dtype, dims...), tag).
func Make(dtype dtypes.DType, tag Tag, dims ...int) Desc {
	return New(shapes.Make(dtype, dims...), tag)
}

func (d *Desc) computeStrides() {
	rank := d.shape.Rank()
	order, blocks := d.tag.blocking(rank)
	blockPerAxis := make([]int, rank)
	for axis := range blockPerAxis {
		blockPerAxis[axis] = 1
	}
	for _, b := range blocks {
		blockPerAxis[b.axis] = b.size
	}

	// Physical layout: outer dims in order, followed by the inner blocks.
	d.outerStrides = make([]int, rank)
	d.axisBlocks = blockPerAxis
	d.innerStrides = make([]int, rank)
	stride := 1
	for i := len(blocks) - 1; i >= 0; i-- {
		d.innerStrides[blocks[i].axis] = stride
		stride *= blocks[i].size
	}
	for i := rank - 1; i >= 0; i-- {
		axis := order[i]
		d.outerStrides[axis] = stride
		stride *= (d.shape.Dimensions[axis] + blockPerAxis[axis] - 1) / blockPerAxis[axis]
	}
	d.paddedSize = stride
}

// Ok returns whether the descriptor is set, i.e. it is not the zero Desc{}.
func (d Desc) Ok() bool { return d.shape.Ok() && d.tag != TagUndef }

// Shape returns the logical shape. The returned value must not be modified.
func (d Desc) Shape() shapes.Shape { return d.shape }

// DType of the tensor.
func (d Desc) DType() dtypes.DType { return d.shape.DType }

// Dims returns the logical dimensions. The returned slice must not be modified.
func (d Desc) Dims() []int { return d.shape.Dimensions }

// Rank of the tensor.
func (d Desc) Rank() int { return d.shape.Rank() }

// Tag returns the layout.
func (d Desc) Tag() Tag { return d.tag }

// HasLayout returns whether the descriptor uses the given layout.
func (d Desc) HasLayout(tag Tag) bool { return d.tag == tag }

// IsDefined returns whether the shape has no dynamic axes. Only defined descriptors can be
// used to select kernels.
func (d Desc) IsDefined() bool { return d.shape.IsDefined() }

// IsPhysical returns whether the descriptor is defined and has a concrete layout, so data can be addressed.
func (d Desc) IsPhysical() bool { return d.outerStrides != nil }

// CloneWithNewDims returns a descriptor with the same dtype and layout but new (static) dimensions.
func (d Desc) CloneWithNewDims(dims []int) Desc {
	return New(shapes.Make(d.shape.DType, dims...), d.tag)
}

// CloneWithDType returns a descriptor with a different dtype.
func (d Desc) CloneWithDType(dtype dtypes.DType) Desc {
	return New(d.shape.WithDType(dtype), d.tag)
}

// CloneWithTag returns a descriptor with a different layout.
func (d Desc) CloneWithTag(tag Tag) Desc {
	return New(d.shape, tag)
}

// Equal compares dtype, dimensions (and bounds) and layout.
func (d Desc) Equal(d2 Desc) bool {
	return d.tag == d2.tag && d.shape.Equal(d2.shape)
}

// WriteHash writes the structural content of the descriptor into h.
func (d Desc) WriteHash(h *maphash.Hash) {
	var buf [8]byte
	writeInt := func(v int) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		_, _ = h.Write(buf[:])
	}
	writeInt(int(d.tag))
	writeInt(int(d.shape.DType))
	writeInt(d.shape.Rank())
	for _, dim := range d.shape.Dimensions {
		writeInt(dim)
	}
}

// PaddedSize returns the number of elements of the physical storage, including the padding of
// blocked axes.
func (d Desc) PaddedSize() int {
	if !d.IsPhysical() {
		exceptions.Panicf("memdesc: PaddedSize of non-physical descriptor %s", d)
	}
	return d.paddedSize
}

// Offset converts a logical index to the position in the physical storage.
func (d Desc) Offset(indices []int) int {
	var offset int
	for axis, idx := range indices {
		bs := d.axisBlocks[axis]
		if bs == 1 {
			offset += idx * d.outerStrides[axis]
			continue
		}
		offset += (idx/bs)*d.outerStrides[axis] + (idx%bs)*d.innerStrides[axis]
	}
	return offset
}

// Strides returns, for each logical axis, the step in the physical storage when the index on
// that axis increases by one. It is only defined for non-blocked layouts.
func (d Desc) Strides() []int {
	if d.tag.BlockSize() > 1 {
		exceptions.Panicf("memdesc: Strides of blocked descriptor %s", d)
	}
	return slices.Clone(d.outerStrides)
}

// String implements fmt.Stringer.
func (d Desc) String() string {
	if !d.Ok() {
		return "<no desc>"
	}
	return fmt.Sprintf("%s:%s", d.shape, d.tag)
}
