// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapeinference

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lowering/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvolution(t *testing.T) {
	input := shapes.Make(dtypes.Float32, 1, 8, 7, 7)
	testCases := []struct {
		name               string
		weights            []int
		grouped            bool
		strides, dilations []int
		padsBegin, padsEnd []int
		autoPad            AutoPad
		wantDims           []int
		wantBegin, wantEnd []int
	}{
		{"valid-3x3", []int{16, 8, 3, 3}, false, nil, nil, nil, nil, AutoPadExplicit,
			[]int{1, 16, 5, 5}, []int{0, 0}, []int{0, 0}},
		{"explicit-pads", []int{16, 8, 3, 3}, false, []int{2, 2}, nil, []int{1, 1}, []int{1, 1}, AutoPadExplicit,
			[]int{1, 16, 4, 4}, []int{1, 1}, []int{1, 1}},
		{"dilated", []int{16, 8, 3, 3}, false, nil, []int{2, 3}, nil, nil, AutoPadExplicit,
			[]int{1, 16, 3, 1}, []int{0, 0}, []int{0, 0}},
		{"same-upper", []int{4, 8, 4, 4}, false, []int{2, 2}, nil, nil, nil, AutoPadSameUpper,
			[]int{1, 4, 4, 4}, []int{1, 1}, []int{2, 2}},
		{"same-lower", []int{4, 8, 4, 4}, false, []int{2, 2}, nil, nil, nil, AutoPadSameLower,
			[]int{1, 4, 4, 4}, []int{2, 2}, []int{1, 1}},
		{"valid-ignores-pads", []int{4, 8, 3, 3}, false, nil, nil, []int{5, 5}, []int{5, 5}, AutoPadValid,
			[]int{1, 4, 5, 5}, []int{0, 0}, []int{0, 0}},
		{"depthwise", []int{8, 1, 1, 3, 3}, true, nil, nil, []int{1, 1}, []int{1, 1}, AutoPadExplicit,
			[]int{1, 8, 7, 7}, []int{1, 1}, []int{1, 1}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Convolution(input, tc.weights, tc.grouped, tc.strides, tc.dilations, tc.padsBegin, tc.padsEnd, tc.autoPad)
			require.NoError(t, err)
			assert.Equal(t, tc.wantDims, got.Output.Dimensions)
			assert.Equal(t, tc.wantBegin, got.PadsBegin)
			assert.Equal(t, tc.wantEnd, got.PadsEnd)
		})
	}
}

func TestConvolutionDynamic(t *testing.T) {
	input := shapes.MakeDynamic(dtypes.Float32,
		shapes.Unbounded, shapes.Interval{Min: 3, Max: 3}, shapes.Interval{Min: 8, Max: 32}, shapes.Unbounded)
	got, err := Convolution(input, []int{16, 3, 3, 3}, false, nil, nil, []int{1, 1}, []int{1, 1}, AutoPadExplicit)
	require.NoError(t, err)
	assert.False(t, got.Output.IsDefined())
	assert.Equal(t, 16, got.Output.Dim(1))
	assert.Equal(t, shapes.Interval{Min: 8, Max: 32}, got.Output.Bound(2))
	assert.True(t, got.Output.IsDynamic(3))

	got, err = Convolution(input, []int{16, 3, 3, 3}, false, []int{2, 2}, nil, nil, nil, AutoPadSameUpper)
	require.NoError(t, err)
	assert.Equal(t, shapes.Interval{Min: 4, Max: 16}, got.Output.Bound(2))
}

func TestConvolutionErrors(t *testing.T) {
	input := shapes.Make(dtypes.Float32, 1, 8, 7, 7)
	_, err := Convolution(input, []int{16, 4, 3, 3}, false, nil, nil, nil, nil, AutoPadExplicit)
	require.ErrorContains(t, err, "inputChannels")
	_, err = Convolution(input, []int{16, 8, 3}, false, nil, nil, nil, nil, AutoPadExplicit)
	require.Error(t, err)
	_, err = Convolution(input, []int{16, 8, 9, 9}, false, nil, nil, nil, nil, AutoPadExplicit)
	require.ErrorContains(t, err, "too small")
	_, err = Convolution(input, []int{16, 8, 3, 3}, false, []int{1}, nil, nil, nil, AutoPadExplicit)
	require.Error(t, err)
	_, err = Convolution(shapes.Make(dtypes.Float32, 8, 7), []int{16, 8}, false, nil, nil, nil, nil, AutoPadExplicit)
	require.Error(t, err)
	_, err = Convolution(input, []int{16, 8, shapes.DimDynamic, 3}, false, nil, nil, nil, nil, AutoPadExplicit)
	require.ErrorContains(t, err, "static")
}
