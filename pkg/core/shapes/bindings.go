// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"github.com/pkg/errors"
)

// Compatible returns whether the concrete dimensions fit this (possibly dynamic) shape:
// same rank, static axes equal and dynamic axes within their bounds.
func (s Shape) Compatible(dims []int) bool {
	return s.checkCompatible(dims) == nil
}

func (s Shape) checkCompatible(dims []int) error {
	if len(dims) != s.Rank() {
		return errors.Errorf("rank mismatch: shape %s has rank %d, got dimensions %v", s, s.Rank(), dims)
	}
	for axis, dim := range dims {
		if dim <= 0 {
			return errors.Errorf("dimension %d at axis %d must be > 0", dim, axis)
		}
		if s.Dimensions[axis] != DimDynamic {
			if s.Dimensions[axis] != dim {
				return errors.Errorf("axis %d mismatch: shape %s has %d, got %d", axis, s, s.Dimensions[axis], dim)
			}
			continue
		}
		if bound := s.Bound(axis); !bound.Contains(dim) {
			return errors.Errorf("axis %d of shape %s: dimension %d out of bounds %s", axis, s, dim, bound)
		}
	}
	return nil
}

// Resolve returns the static shape with the given concrete dimensions.
// It returns an error if the dimensions are not compatible with s.
func (s Shape) Resolve(dims []int) (Shape, error) {
	if err := s.checkCompatible(dims); err != nil {
		return Invalid(), err
	}
	return Make(s.DType, dims...), nil
}

// Dummy returns a static shape where every dynamic axis takes the given placeholder value
// (clamped into the axis bounds). Static axes keep their dimension; vals is indexed by axis
// and values for static axes are ignored.
//
// Dummy shapes are used to plan kernels for operators whose input shapes are unknown until
// execution.
func (s Shape) Dummy(vals []int) (Shape, error) {
	if len(vals) != s.Rank() {
		return Invalid(), errors.Errorf("Shape.Dummy(%v): want one value per axis of %s", vals, s)
	}
	dims := make([]int, s.Rank())
	for axis, dim := range s.Dimensions {
		if dim != DimDynamic {
			dims[axis] = dim
			continue
		}
		dims[axis] = max(s.Bound(axis).Clamp(vals[axis]), 1)
	}
	return Make(s.DType, dims...), nil
}
