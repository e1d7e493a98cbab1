// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseList(t *testing.T) {
	values, err := ParseList(" 1, 3,,224 ", strconv.Atoi)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 224}, values)

	_, err = ParseList("1,x", strconv.Atoi)
	require.Error(t, err)

	values, err = ParseList("", strconv.Atoi)
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, []string{"1", "2"}, Map([]int{1, 2}, strconv.Itoa))
	assert.Equal(t, []int{7, 7, 7}, SliceWithValue(3, 7))
	assert.Equal(t, 24, Product([]int{2, 3, 4}))
	assert.Equal(t, 1, Product[int](nil))
}

func TestFlag(t *testing.T) {
	f := &genericSliceFlagImpl[int]{parserFn: strconv.Atoi}
	require.NoError(t, f.Set("1,2,3"))
	assert.Equal(t, []int{1, 2, 3}, f.parsedSlice)
	assert.Equal(t, "1,2,3", f.String())
	require.Error(t, f.Set("a"))
}
