// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package notimplemented implements a backends.Engine that offers no implementation: descriptor
// queries find nothing, and compiling or reordering returns ErrNotImplemented.
//
// It can be embedded to create mock engines that only implement some of the methods.
package notimplemented

import (
	"github.com/gomlx/lowering/backends"
	"github.com/gomlx/lowering/pkg/core/memdesc"
	"github.com/pkg/errors"
)

// ErrNotImplemented is returned (wrapped) by every method that can fail.
var ErrNotImplemented = errors.New("not implemented")

// Engine is a dummy engine that can be embedded to create mock engines.
type Engine struct{}

var _ backends.Engine = &Engine{}

// Name returns the short name of the engine.
func (e *Engine) Name() string {
	return "notimplemented"
}

// String returns the same as Name.
func (e *Engine) String() string {
	return e.Name()
}

// Description is a longer description of the Engine.
func (e *Engine) Description() string {
	return "Not Implemented Engine (mock engine for testing)"
}

// Capabilities returns empty capabilities: no vector ISA and no dtypes.
func (e *Engine) Capabilities() backends.Capabilities {
	return backends.Capabilities{}
}

// ConvolutionDesc returns no descriptor if allowEmpty, or ErrNotImplemented.
func (e *Engine) ConvolutionDesc(desc backends.ConvDesc, allowEmpty bool) (*backends.PrimitiveDesc, error) {
	if allowEmpty {
		return nil, nil
	}
	return nil, errors.Wrapf(ErrNotImplemented, "in ConvolutionDesc()")
}

// Compile returns ErrNotImplemented.
func (e *Engine) Compile(pd *backends.PrimitiveDesc) (backends.Primitive, error) {
	return nil, errors.Wrapf(ErrNotImplemented, "in Compile()")
}

// Reorder returns ErrNotImplemented.
func (e *Engine) Reorder(src, dst memdesc.Desc) (backends.Primitive, error) {
	return nil, errors.Wrapf(ErrNotImplemented, "in Reorder(%s -> %s)", src, dst)
}

// Finalize is a no-op.
func (e *Engine) Finalize() {}
