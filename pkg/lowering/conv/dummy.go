// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"github.com/gomlx/lowering/pkg/core/shapes"
	"github.com/pkg/errors"
)

// dummyBlocks is the number of output positions the enlarged dummy extent of a spatial axis is
// sized for, when the kernel doesn't fit the placeholder.
const dummyBlocks = 16

// DummyInput returns the static shape used to plan a convolution whose input is dynamic.
//
// Dynamic axes take the placeholder value, except the channels that take ic, and spatial axes
// where the effective kernel extent (dilation included) exceeds the placeholder: those are
// enlarged to hold dummyBlocks output positions. Values are clamped into the axis bounds.
// Dilations are zero-based.
func DummyInput(input shapes.Shape, placeholder, ic int, kernel, strides, dilations, paddingL, paddingR []int) (shapes.Shape, error) {
	rank := input.Rank()
	spatialRank := rank - 2
	if spatialRank < 1 || len(kernel) != spatialRank || len(strides) != spatialRank || len(dilations) != spatialRank ||
		len(paddingL) != spatialRank || len(paddingR) != spatialRank {
		return shapes.Invalid(), errors.Errorf("DummyInput: invalid parameters for input %s: kernel=%v, strides=%v, dilations=%v, paddings=%v/%v",
			input, kernel, strides, dilations, paddingL, paddingR)
	}
	vals := make([]int, rank)
	for axis := range vals {
		vals[axis] = placeholder
	}
	vals[1] = ic
	for i := range spatialRank {
		effectiveKernel := kernel[i] + (kernel[i]-1)*dilations[i]
		if effectiveKernel > vals[2+i] {
			vals[2+i] = (dummyBlocks-1)*strides[i] - (paddingL[i] + paddingR[i]) + effectiveKernel
		}
	}
	return input.Dummy(vals)
}

// dummyInput returns the input shape of the node for planning: the input shape itself if static.
func (n *Node) dummyInput() (shapes.Shape, error) {
	if !n.geom.isDynamic {
		return n.cfg.Input, nil
	}
	g := n.geom
	dummy, err := DummyInput(n.cfg.Input, g.dummyDim, g.ic, g.kernel, g.strides, g.dilations, g.paddingL, g.paddingR)
	if err != nil {
		return dummy, errors.Wrapf(ErrConfiguration, "node %q: %v", n.cfg.Name, err)
	}
	return dummy, nil
}
