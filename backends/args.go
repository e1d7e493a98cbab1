// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "fmt"

// ArgID identifies an argument slot of a primitive.
//
// The basic slots (ArgSrc, ArgWeights, ...) can be combined with the attribute flags:
// ArgAttrZeroPoints|ArgSrc is the zero point of the source, ArgAttrPostOpDW|ArgWeights the
// weights of a fused depthwise convolution, and PostOpArg(i, part) the runtime data of the
// i-th post-op.
type ArgID int

const (
	ArgSrc ArgID = iota + 1
	ArgWeights
	ArgBias
	ArgDst
	ArgScratchpad
)

// Parts of a post-op's runtime data, see PostOpArg.
const (
	// ArgPostOpOperand is the operand of a binary post-op, or the scales of a scale-shift post-op.
	ArgPostOpOperand ArgID = iota + 1
	// ArgPostOpShift is the shifts of a scale-shift post-op.
	ArgPostOpShift
	ArgPostOpCropLow
	ArgPostOpCropHigh
	ArgPostOpInputScale
	ArgPostOpInputShift
	ArgPostOpOutputScale
	ArgPostOpOutputShift
)

const (
	argBasicMask ArgID = 0xff

	// ArgAttrZeroPoints flags the zero-point argument of the basic slot it is combined with.
	ArgAttrZeroPoints ArgID = 1 << 12

	// ArgAttrPostOpDW flags the weights/bias of a fused depthwise convolution.
	ArgAttrPostOpDW ArgID = 1 << 13

	argPostOpShift = 14
)

// PostOpArg returns the argument slot of a part of the runtime data of the post-op at index.
func PostOpArg(index int, part ArgID) ArgID {
	return ArgID((index+1)<<argPostOpShift) | part
}

// String implements fmt.Stringer.
func (id ArgID) String() string {
	basicNames := map[ArgID]string{
		ArgSrc: "src", ArgWeights: "weights", ArgBias: "bias", ArgDst: "dst", ArgScratchpad: "scratchpad",
	}
	switch {
	case id>>argPostOpShift > 0:
		return fmt.Sprintf("post_op[%d].%d", int(id>>argPostOpShift)-1, int(id&argBasicMask))
	case id&ArgAttrZeroPoints != 0:
		return "zero_points." + basicNames[id&argBasicMask]
	case id&ArgAttrPostOpDW != 0:
		return "dw." + basicNames[id&argBasicMask]
	}
	if name, found := basicNames[id]; found {
		return name
	}
	return fmt.Sprintf("arg(%d)", int(id))
}
