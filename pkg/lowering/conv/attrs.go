// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"slices"

	"github.com/gomlx/lowering/backends"
	"github.com/gomlx/lowering/pkg/core/memory"
	"github.com/gomlx/lowering/pkg/lowering/postops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ZeroPointType tells how the input zero points vary.
type ZeroPointType int

const (
	ZeroPointNone ZeroPointType = iota
	ZeroPointPerTensor
	ZeroPointPerChannel
)

var zeroPointTypeNames = []string{"none", "per_tensor", "per_channel"}

// String implements fmt.Stringer.
func (t ZeroPointType) String() string {
	if int(t) < 0 || int(t) >= len(zeroPointTypeNames) {
		return "zero_point(?)"
	}
	return zeroPointTypeNames[t]
}

// zeroPoints of the node, in both representations.
type zeroPoints struct {
	inputType ZeroPointType

	// legacyInput is always set when there are input zero points: one value per input channel.
	legacyInput []float32

	// nativeInput is the single per-tensor value used by the native representation. It is only
	// set when the engine has kernels taking it (AMX or VNNI).
	nativeInput []float32

	legacyWeights, legacyCompensation []float32

	// Materialized memories, created when first bound.
	legacyInputMem, nativeInputMem, legacyWeightsMem, legacyCompensationMem *memory.Memory
}

// InitializeInputZeroPoints sets the input zero points, given as unsigned 8 bits values, one per
// input channel (or a single one). It must be called before Plan.
func (n *Node) InitializeInputZeroPoints(values []uint8) error {
	if err := n.checkUnconfigured("InitializeInputZeroPoints"); err != nil {
		return err
	}
	if len(values) != 1 && len(values) != n.geom.ic {
		return errors.Wrapf(ErrConfiguration, "node %q: %d input zero points given for %d input channels",
			n.cfg.Name, len(values), n.geom.ic)
	}
	zp := &n.zeroPoints
	zp.legacyInput = make([]float32, n.geom.ic)
	zp.inputType = ZeroPointPerTensor
	for c := range zp.legacyInput {
		v := values[min(c, len(values)-1)]
		zp.legacyInput[c] = float32(v)
		if v != values[0] {
			zp.inputType = ZeroPointPerChannel
		}
	}
	zp.nativeInput = nil
	caps := n.engine.Capabilities()
	if zp.inputType == ZeroPointPerTensor && (caps.MayUse(backends.ISAAMX) || caps.MayUse(backends.ISAAVX512VNNI)) {
		zp.nativeInput = []float32{float32(values[0])}
	}
	zp.legacyInputMem, zp.nativeInputMem = nil, nil
	klog.V(1).Infof("node %q: input zero points %s (native=%v)", n.cfg.Name, zp.inputType, zp.nativeInput != nil)
	return nil
}

// SetWeightsZeroPoints sets the legacy weights zero points, one per output channel (or a single one).
// It must be called before Plan.
func (n *Node) SetWeightsZeroPoints(values []float32) error {
	if err := n.checkUnconfigured("SetWeightsZeroPoints"); err != nil {
		return err
	}
	if len(values) != 1 && len(values) != n.geom.oc {
		return errors.Wrapf(ErrConfiguration, "node %q: %d weights zero points given for %d output channels",
			n.cfg.Name, len(values), n.geom.oc)
	}
	n.zeroPoints.legacyWeights = slices.Clone(values)
	n.zeroPoints.legacyWeightsMem = nil
	return nil
}

// SetOutputCompensation sets the legacy output compensation, one value per output channel (or a
// single one), added to the accumulator. It must be called before Plan.
func (n *Node) SetOutputCompensation(values []float32) error {
	if err := n.checkUnconfigured("SetOutputCompensation"); err != nil {
		return err
	}
	if len(values) != 1 && len(values) != n.geom.oc {
		return errors.Wrapf(ErrConfiguration, "node %q: %d compensation values given for %d output channels",
			n.cfg.Name, len(values), n.geom.oc)
	}
	n.zeroPoints.legacyCompensation = slices.Clone(values)
	n.zeroPoints.legacyCompensationMem = nil
	return nil
}

// InputZeroPointType returns how the input zero points vary.
func (n *Node) InputZeroPointType() ZeroPointType { return n.zeroPoints.inputType }

// attr returns the zero-point attributes of the representation.
func (zp *zeroPoints) attr(legacy bool) backends.ZeroPoints {
	if legacy {
		return backends.ZeroPoints{
			LegacyInput:              len(zp.legacyInput),
			LegacyWeights:            len(zp.legacyWeights),
			LegacyOutputCompensation: len(zp.legacyCompensation),
		}
	}
	if len(zp.nativeInput) == 0 {
		return backends.ZeroPoints{}
	}
	return backends.ZeroPoints{NativeSrc: true, NativeSrcMask: 0}
}

// bind the zero-point arguments of the representation. Legacy and native input zero points share
// the same slot, so only one of them is ever bound.
func (zp *zeroPoints) bind(args backends.Args, legacy bool) {
	materialize := func(m **memory.Memory, values []float32) *memory.Memory {
		if *m == nil {
			*m = postops.VectorMemory(values)
		}
		return *m
	}
	if !legacy {
		if len(zp.nativeInput) > 0 {
			args[backends.ArgAttrZeroPoints|backends.ArgSrc] = materialize(&zp.nativeInputMem, zp.nativeInput)
		}
		return
	}
	if len(zp.legacyInput) > 0 {
		args[backends.ArgAttrZeroPoints|backends.ArgSrc] = materialize(&zp.legacyInputMem, zp.legacyInput)
	}
	if len(zp.legacyWeights) > 0 {
		args[backends.ArgAttrZeroPoints|backends.ArgWeights] = materialize(&zp.legacyWeightsMem, zp.legacyWeights)
	}
	if len(zp.legacyCompensation) > 0 {
		args[backends.ArgAttrZeroPoints|backends.ArgDst] = materialize(&zp.legacyCompensationMem, zp.legacyCompensation)
	}
}

// SelectRepresentation returns whether the legacy post-ops and the legacy zero points are used
// for the descriptor at slotIndex, given the number of attribute sets enumerated.
//
// With a single attribute set it is always the legacy one. With two, the slot parity selects it:
// the even slots used the legacy set, the odd slots the second one, whose post-ops are legacy
// only for per-tensor zero points on AMX.
func SelectRepresentation(slotIndex, numAttrs int, zpType ZeroPointType, caps backends.Capabilities) (legacyPostOps, legacyZeroPoint bool) {
	attrID := 0
	if numAttrs > 1 {
		attrID = slotIndex % 2
	}
	legacyPostOps = attrID == 0 || (attrID == 1 && zpType == ZeroPointPerTensor && caps.MayUse(backends.ISAAMX))
	legacyZeroPoint = attrID == 0
	return
}

// attributeSets composes the attributes to enumerate the descriptors with: the legacy set, and
// when the engine can use it, a second set with native zero points.
func (n *Node) attributeSets(outputDims []int, mode numericMode) ([]backends.Attr, error) {
	compose := func(legacy bool) (backends.Attr, error) {
		plan, err := postops.Compose(n.fused, postops.Config{
			OutputDims:  outputDims,
			Legacy:      legacy,
			Int8:        mode.int8,
			OutputDType: mode.dst,
			SumDType:    mode.sum,
		})
		if err != nil {
			return backends.Attr{}, errors.WithMessagef(err, "node %q", n.cfg.Name)
		}
		return plan.Attr(), nil
	}

	attr0, err := compose(true)
	if err != nil {
		return nil, err
	}
	attr0.ZeroPoints = n.zeroPoints.attr(true)
	attrs := []backends.Attr{attr0}

	zpType := n.zeroPoints.inputType
	caps := n.engine.Capabilities()
	switch {
	case attr0.Has(backends.PostOpDWConv):
		return attrs, nil
	case zpType == ZeroPointNone && !attr0.Has(backends.PostOpScaleShift) && !attr0.Has(backends.PostOpQuantization):
		return attrs, nil
	case zpType == ZeroPointPerChannel:
		return attrs, nil
	case !caps.BrgConvAvailable():
		return attrs, nil
	}
	attr1, err := compose(zpType == ZeroPointPerTensor && caps.MayUse(backends.ISAAMX))
	if err != nil {
		return nil, err
	}
	attr1.ZeroPoints = n.zeroPoints.attr(false)
	return append(attrs, attr1), nil
}
