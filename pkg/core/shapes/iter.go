// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"iter"
	"slices"

	"github.com/pkg/errors"
)

// Strides returns the strides for each axis of the shape, assuming a dense row-major layout.
//
// Notice the strides are **not in bytes**, but in indices.
func (s Shape) Strides() (strides []int) {
	rank := s.Rank()
	if rank == 0 {
		return
	}
	strides = make([]int, rank)
	currentStride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = currentStride
		currentStride *= s.Dimensions[axis]
	}
	return
}

// Iter iterates sequentially over all logical indices of a defined shape, in row-major order.
//
// It yields the flat index (counter) and a slice of indices for each axis.
// The yielded indices slice is owned by Iter: don't change it inside the loop.
func (s Shape) Iter() iter.Seq2[int, []int] {
	indices := make([]int, s.Rank())
	return s.IterOn(indices)
}

// IterOn is like Iter, but updates the given indices slice, which must have length equal to the rank.
func (s Shape) IterOn(indices []int) iter.Seq2[int, []int] {
	if len(indices) != s.Rank() {
		panic(errors.Errorf("Shape.IterOn given len(indices) == %d, want it to be equal to the rank %d", len(indices), s.Rank()))
	}
	return func(yield func(int, []int) bool) {
		if !s.IsDefined() {
			return
		}
		rank := s.Rank()
		for i := range indices {
			indices[i] = 0
		}
		if rank == 0 {
			_ = yield(0, indices)
			return
		}

		// Only iterate over the non-trivial axes (dimension > 1), last axis first.
		nonTrivialAxes := make([]int, 0, rank)
		for axis, dim := range s.Dimensions {
			if dim > 1 {
				nonTrivialAxes = append(nonTrivialAxes, axis)
			}
		}
		slices.Reverse(nonTrivialAxes)

		flatIdx := 0
	yielder:
		for {
			if !yield(flatIdx, indices) {
				return
			}
			flatIdx++
			for _, axis := range nonTrivialAxes {
				indices[axis]++
				if indices[axis] < s.Dimensions[axis] {
					continue yielder
				}
				// Carry over to the next axis.
				indices[axis] = 0
			}
			break
		}
	}
}
