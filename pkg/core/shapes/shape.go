// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the logical description (dtype and dimensions) of a tensor
// flowing through an operator.
//
// A Shape may be partially defined: axes whose size is only known at execution time hold
// DimDynamic, optionally constrained by an Interval (see Shape.Bounds). Kernel selection
// only works on fully defined shapes, so planning substitutes "dummy" values for the
// dynamic axes (see Shape.Dummy) and execution resolves them with the concrete dimensions
// (see Shape.Resolve).
//
// ## Glossary
//
//   - Rank: number of axes of a tensor.
//   - Axis: the index of a dimension.
//   - Dimension: the size of a tensor along one axis.
//   - Dynamic axis: an axis whose dimension is not known before execution.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// DimDynamic marks an axis whose dimension is only known at execution time.
const DimDynamic = -1

// Interval bounds the values a dynamic axis may take. Max == DimDynamic means unbounded.
type Interval struct {
	Min, Max int
}

// Unbounded is the interval of a dynamic axis without any constraints.
var Unbounded = Interval{Min: 0, Max: DimDynamic}

// Contains returns whether dim is within the interval.
func (i Interval) Contains(dim int) bool {
	if dim < i.Min {
		return false
	}
	return i.Max == DimDynamic || dim <= i.Max
}

// Clamp returns dim moved into the interval.
func (i Interval) Clamp(dim int) int {
	if dim < i.Min {
		return i.Min
	}
	if i.Max != DimDynamic && dim > i.Max {
		return i.Max
	}
	return dim
}

// String implements fmt.Stringer.
func (i Interval) String() string {
	if i.Max == DimDynamic {
		if i.Min == 0 {
			return "?"
		}
		return fmt.Sprintf("%d..", i.Min)
	}
	return fmt.Sprintf("%d..%d", i.Min, i.Max)
}

// Shape represents the shape of a tensor: its dtype and its dimensions.
//
// Use Make for static shapes and MakeDynamic for shapes with dynamic axes.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int

	// Bounds, if not nil, has one Interval per axis. It is only meaningful for the axes set to DimDynamic.
	Bounds []Interval
}

// Make returns a Shape with the given dtype and dimensions.
//
// Dimensions must be > 0, or DimDynamic for an unbounded dynamic axis.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 && dim != DimDynamic {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// MakeDynamic returns a Shape where each axis is described by an interval: an interval with
// Min == Max is a static axis, anything else is a dynamic axis with the given bounds.
func MakeDynamic(dtype dtypes.DType, bounds ...Interval) Shape {
	s := Shape{DType: dtype, Dimensions: make([]int, len(bounds)), Bounds: slices.Clone(bounds)}
	for axis, b := range bounds {
		if b.Max != DimDynamic && b.Max < b.Min {
			exceptions.Panicf("shapes.MakeDynamic(%s): invalid interval %s for axis %d", dtype, b, axis)
		}
		if b.Min == b.Max && b.Min > 0 {
			s.Dimensions[axis] = b.Min
		} else {
			s.Dimensions[axis] = DimDynamic
		}
	}
	return s
}

// Invalid returns an invalid shape.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A zero Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// Dim returns the dimension of the given axis. Negative axes count from the end.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// IsDynamic returns whether the given axis is dynamic.
func (s Shape) IsDynamic(axis int) bool {
	return s.Dim(axis) == DimDynamic
}

// IsDefined returns whether all the dimensions are known.
func (s Shape) IsDefined() bool {
	if !s.Ok() {
		return false
	}
	return !slices.Contains(s.Dimensions, DimDynamic)
}

// Bound returns the interval of values the axis can take. For a static axis it is [dim, dim].
func (s Shape) Bound(axis int) Interval {
	dim := s.Dim(axis)
	if dim != DimDynamic {
		return Interval{Min: dim, Max: dim}
	}
	if s.Bounds == nil {
		return Unbounded
	}
	if axis < 0 {
		axis += s.Rank()
	}
	return s.Bounds[axis]
}

// Size returns the number of elements. It panics if the shape is not defined.
func (s Shape) Size() int {
	size := 1
	for axis, dim := range s.Dimensions {
		if dim == DimDynamic {
			exceptions.Panicf("Shape.Size() of shape %s with dynamic axis %d", s, axis)
		}
		size *= dim
	}
	return size
}

// Memory returns the number of bytes of the tensor in a dense layout.
func (s Shape) Memory() int {
	return int(s.DType.Memory()) * s.Size()
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{
		DType:      s.DType,
		Dimensions: slices.Clone(s.Dimensions),
		Bounds:     slices.Clone(s.Bounds),
	}
}

// WithDType returns a copy of the shape with a different dtype.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// WithDimensions returns a copy of the shape with the given dimensions. Bounds are dropped.
func (s Shape) WithDimensions(dimensions ...int) Shape {
	return Make(s.DType, dimensions...)
}

// Equal compares dtype, dimensions and bounds of dynamic axes.
func (s Shape) Equal(s2 Shape) bool {
	if !s.EqualDimensions(s2) || s.DType != s2.DType {
		return false
	}
	for axis, dim := range s.Dimensions {
		if dim == DimDynamic && s.Bound(axis) != s2.Bound(axis) {
			return false
		}
	}
	return true
}

// EqualDimensions compares only the dimensions of the two shapes.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// String implements fmt.Stringer, e.g. "(Float32)[1 ? 16..64 16]".
func (s Shape) String() string {
	if !s.Ok() {
		return "(invalid)"
	}
	parts := make([]string, len(s.Dimensions))
	for axis, dim := range s.Dimensions {
		if dim == DimDynamic {
			parts[axis] = s.Bound(axis).String()
		} else {
			parts[axis] = fmt.Sprintf("%d", dim)
		}
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}
