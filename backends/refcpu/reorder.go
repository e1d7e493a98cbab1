// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package refcpu

import (
	"github.com/gomlx/lowering/backends"
	"github.com/gomlx/lowering/pkg/core/memdesc"
	"github.com/pkg/errors"
)

// reorderPrimitive copies data between two layouts (and dtypes) of the same logical tensor.
type reorderPrimitive struct {
	backend  *Backend
	src, dst memdesc.Desc
	implType backends.ImplType
}

// Reorder implements backends.Engine.
func (b *Backend) Reorder(src, dst memdesc.Desc) (backends.Primitive, error) {
	if err := b.checkOk(); err != nil {
		return nil, err
	}
	if !src.IsPhysical() || !dst.IsPhysical() {
		return nil, errors.Errorf("refcpu: reorder requires defined descriptors with concrete layouts, got %s -> %s", src, dst)
	}
	if !src.Shape().EqualDimensions(dst.Shape()) {
		return nil, errors.Errorf("refcpu: reorder between different dimensions %s -> %s", src, dst)
	}
	if !b.caps.DTypes[src.DType()] || !b.caps.DTypes[dst.DType()] {
		return nil, errors.Errorf("refcpu: reorder %s -> %s: dtype not supported", src, dst)
	}
	r := &reorderPrimitive{backend: b, src: src, dst: dst, implType: backends.ImplRefAny}
	if b.caps.HasVectorISA() {
		r.implType = backends.ImplJITUni
	}
	return r, nil
}

// Impl implements backends.Primitive.
func (r *reorderPrimitive) Impl() backends.ImplInfo {
	return backends.ImplInfo{Type: r.implType, Src: r.src, Dst: r.dst}
}

// Execute implements backends.Primitive: it reads ArgSrc and writes ArgDst.
func (r *reorderPrimitive) Execute(args backends.Args) error {
	if err := r.backend.checkOk(); err != nil {
		return err
	}
	src, dst := args[backends.ArgSrc], args[backends.ArgDst]
	if !src.IsAllocated() || !dst.IsAllocated() {
		return errors.Errorf("reorder %s -> %s: src and dst must be bound and allocated", r.src, r.dst)
	}
	if !src.Desc().Equal(r.src) || !dst.Desc().Equal(r.dst) {
		return errors.Errorf("reorder %s -> %s: called with memories %s -> %s", r.src, r.dst, src.Desc(), dst.Desc())
	}
	srcData, dstData := src.Data(), dst.Data()
	dtype := r.dst.DType()
	sameDType := r.src.DType() == dtype
	if sameDType && r.src.Tag() == r.dst.Tag() {
		copy(dstData, srcData)
		return nil
	}
	for _, indices := range r.dst.Shape().Iter() {
		v := srcData[r.src.Offset(indices)]
		if !sameDType {
			v = convertValue(dtype, v)
		}
		dstData[r.dst.Offset(indices)] = v
	}
	return nil
}
