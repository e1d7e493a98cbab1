// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"fmt"
	"slices"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	s := Make(dtypes.Float32, 1, 3, 16, 16)
	assert.True(t, s.Ok())
	assert.True(t, s.IsDefined())
	assert.Equal(t, 4, s.Rank())
	assert.Equal(t, 16, s.Dim(-1))
	assert.Equal(t, 768, s.Size())
	assert.Equal(t, 768*4, s.Memory())
	assert.Equal(t, fmt.Sprintf("(%s)[1 3 16 16]", dtypes.Float32), s.String())

	require.Panics(t, func() { _ = Make(dtypes.Float32, 1, 0) })
	require.Panics(t, func() { _ = s.Dim(4) })
	assert.False(t, Invalid().Ok())
	assert.False(t, Invalid().IsDefined())
}

func TestDynamic(t *testing.T) {
	s := MakeDynamic(dtypes.Float32,
		Interval{1, 1}, Interval{3, 3}, Unbounded, Interval{8, 32})
	assert.False(t, s.IsDefined())
	assert.True(t, s.IsDynamic(2))
	assert.False(t, s.IsDynamic(1))
	assert.Equal(t, Interval{8, 32}, s.Bound(3))
	assert.Equal(t, Interval{3, 3}, s.Bound(1))
	assert.Equal(t, fmt.Sprintf("(%s)[1 3 ? 8..32]", dtypes.Float32), s.String())
	require.Panics(t, func() { _ = s.Size() })

	assert.True(t, s.Compatible([]int{1, 3, 100, 16}))
	assert.False(t, s.Compatible([]int{1, 3, 100, 64}))
	assert.False(t, s.Compatible([]int{2, 3, 100, 16}))
	assert.False(t, s.Compatible([]int{1, 3, 100}))

	resolved, err := s.Resolve([]int{1, 3, 7, 9})
	require.NoError(t, err)
	assert.True(t, resolved.Equal(Make(dtypes.Float32, 1, 3, 7, 9)))
	_, err = s.Resolve([]int{1, 3, 7, 33})
	require.Error(t, err)

	s2 := s.Clone()
	s2.Bounds[3] = Interval{8, 16}
	assert.False(t, s.Equal(s2))
	assert.True(t, s.EqualDimensions(s2))
}

func TestDummy(t *testing.T) {
	s := MakeDynamic(dtypes.Float32,
		Interval{1, 1}, Interval{3, 3}, Unbounded, Interval{8, 32})
	dummy, err := s.Dummy([]int{64, 64, 64, 64})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 64, 32}, dummy.Dimensions)
	assert.True(t, dummy.IsDefined())

	dummy, err = s.Dummy([]int{64, 64, 0, 2})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 1, 8}, dummy.Dimensions)

	_, err = s.Dummy([]int{64})
	require.Error(t, err)
}

func TestShape_Strides(t *testing.T) {
	require.Equal(t, []int{12, 4, 1}, Make(dtypes.Float32, 2, 3, 4).Strides())
	require.Equal(t, []int{1}, Make(dtypes.Float32, 5).Strides())
	require.Equal(t, []int{2, 2, 1}, Make(dtypes.Float32, 3, 1, 2).Strides())
}

func TestShape_Iter(t *testing.T) {
	shape := Make(dtypes.Float32, 1, 1, 1)
	var collect [][]int
	for flatIdx, indices := range shape.Iter() {
		require.Equal(t, 0, flatIdx)
		collect = append(collect, slices.Clone(indices))
	}
	require.Equal(t, [][]int{{0, 0, 0}}, collect)

	shape = Make(dtypes.Float32, 3, 1, 2)
	collect = nil
	counter := 0
	for flatIdx, indices := range shape.Iter() {
		require.Equal(t, counter, flatIdx)
		counter++
		collect = append(collect, slices.Clone(indices))
	}
	require.Equal(t, [][]int{
		{0, 0, 0}, {0, 0, 1},
		{1, 0, 0}, {1, 0, 1},
		{2, 0, 0}, {2, 0, 1},
	}, collect)

	// Dynamic shapes yield nothing.
	counter = 0
	for range MakeDynamic(dtypes.Float32, Unbounded).Iter() {
		counter++
	}
	require.Zero(t, counter)
}
