// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"fmt"
	"maps"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lowering/backends"
	"github.com/gomlx/lowering/pkg/core/memdesc"
	"github.com/gomlx/lowering/pkg/core/memory"
	"github.com/gomlx/lowering/pkg/lowering/execcache"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Cache of convolution executors.
type Cache = execcache.Cache[ExecutionKey, *Executor]

// NewCache creates an executor cache, see execcache.New for the options.
func NewCache(options ...execcache.Option) *Cache {
	return execcache.New[ExecutionKey, *Executor](append([]execcache.Option{execcache.WithName("conv")}, options...)...)
}

var (
	muSharedCaches sync.Mutex
	sharedCaches   = make(map[backends.Engine]*Cache)
)

// SharedCache returns the process-wide executor cache of the engine, used by nodes created
// without WithCache.
func SharedCache(engine backends.Engine) *Cache {
	muSharedCaches.Lock()
	defer muSharedCaches.Unlock()
	cache, found := sharedCaches[engine]
	if !found {
		cache = NewCache()
		sharedCaches[engine] = cache
	}
	return cache
}

// reorder converts one argument between the layout of the caller's memory and the one of the primitive.
type reorder struct {
	arg       backends.ArgID
	src, dst  memdesc.Desc
	primitive backends.Primitive

	// prefill copies the previous contents of a destination into the primitive layout, for
	// destinations the primitive accumulates into (sum post-op).
	prefill backends.Primitive
}

// Executor is a compiled convolution for one ExecutionKey, along with the reorders needed to adapt
// the caller's memories to the layouts of the compiled implementation.
//
// Executors are shared (through the cache) by all nodes with equal keys: Execute is safe for
// concurrent use.
type Executor struct {
	id        uuid.UUID
	requested backends.ImplType
	impl      backends.ImplInfo
	fallback  bool
	primitive backends.Primitive

	inputReorders, outputReorders []reorder
}

// weightsDTypeFor returns the weights precision used with the source precision.
func weightsDTypeFor(src dtypes.DType) dtypes.DType {
	if src == dtypes.Uint8 || src == dtypes.Int8 {
		return dtypes.Int8
	}
	return src
}

// NewExecutor builds the executor for the key: it asks the engine for the implementation of
// exactly the key's type, with the weights in the layout preferred by the implementation.
//
// If the engine doesn't offer that implementation for the key's layouts, it falls back to the
// first implementation offered with any source and destination layout: that is logged, and
// reported by Executor.IsFallback.
func NewExecutor(engine backends.Engine, key ExecutionKey) (*Executor, error) {
	algorithm := backends.ConvDirect
	if key.ImplType.Has(backends.ImplWinograd) {
		algorithm = backends.ConvWinograd
	}
	desc := backends.ConvDesc{
		Algorithm: algorithm,
		Src:       key.Src,
		Weights:   memdesc.New(key.Weights.Shape().WithDType(weightsDTypeFor(key.Src.DType())), memdesc.TagAny),
		Bias:      key.Bias,
		Dst:       key.Dst,
		Strides:   key.Stride,
		Dilations: key.Dilation,
		PaddingL:  key.PaddingL,
		PaddingR:  key.PaddingR,
		Attr:      key.Attr,
	}
	pd, err := engine.ConvolutionDesc(desc, true)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating primitive descriptor for %s", key)
	}
	fallback := false
	if pd == nil || !pd.FindImplementation(key.ImplType) {
		fallback = true
		desc.Algorithm = backends.ConvDirect
		desc.Src = key.Src.CloneWithTag(memdesc.TagAny)
		desc.Dst = key.Dst.CloneWithTag(memdesc.TagAny)
		pd, err = engine.ConvolutionDesc(desc, true)
		if err != nil {
			return nil, errors.WithMessagef(err, "creating fallback primitive descriptor for %s", key)
		}
		if pd == nil {
			return nil, errors.Wrapf(ErrConfiguration, "no implementation of the convolution for %s", key)
		}
		klog.Warningf("convolution: implementation %s not available for src=%s, dst=%s, falling back to %s",
			key.ImplType, key.Src, key.Dst, pd.Impl().Type)
	}
	primitive, err := engine.Compile(pd)
	if err != nil {
		return nil, errors.WithMessagef(err, "compiling %s", pd.Impl())
	}

	e := &Executor{
		id:        uuid.New(),
		requested: key.ImplType,
		impl:      primitive.Impl(),
		fallback:  fallback,
		primitive: primitive,
	}
	withSum := key.Attr.Has(backends.PostOpSum)
	addReorder := func(list *[]reorder, arg backends.ArgID, src, dst memdesc.Desc, prefill bool) error {
		if src.Equal(dst) {
			return nil
		}
		r := reorder{arg: arg, src: src, dst: dst}
		if r.primitive, err = engine.Reorder(src, dst); err != nil {
			return errors.WithMessagef(err, "reorder of %s", arg)
		}
		if prefill {
			if r.prefill, err = engine.Reorder(dst, src); err != nil {
				return errors.WithMessagef(err, "reorder of %s", arg)
			}
		}
		*list = append(*list, r)
		return nil
	}
	if err := addReorder(&e.inputReorders, backends.ArgSrc, key.Src, e.impl.Src, false); err != nil {
		return nil, err
	}
	if !key.ConstWeight {
		if err := addReorder(&e.inputReorders, backends.ArgWeights, key.Weights, e.impl.Weights, false); err != nil {
			return nil, err
		}
	}
	if err := addReorder(&e.outputReorders, backends.ArgDst, e.impl.Dst, key.Dst, withSum); err != nil {
		return nil, err
	}
	klog.V(1).Infof("convolution: built executor %s", e)
	return e, nil
}

// ID uniquely identifies the executor, for diagnostics.
func (e *Executor) ID() uuid.UUID { return e.id }

// Impl returns the implementation compiled.
func (e *Executor) Impl() backends.ImplInfo { return e.impl }

// IsFallback returns whether the requested implementation type was not available, and the
// executor uses the engine's first choice instead.
func (e *Executor) IsFallback() bool { return e.fallback }

// Scratchpad returns the number of scratchpad elements the caller must bind.
func (e *Executor) Scratchpad() int { return e.impl.Scratchpad }

// InputReorders returns the arguments converted before the execution.
func (e *Executor) InputReorders() []backends.ArgID {
	ids := make([]backends.ArgID, len(e.inputReorders))
	for i, r := range e.inputReorders {
		ids[i] = r.arg
	}
	return ids
}

// OutputReorders returns the arguments converted after the execution.
func (e *Executor) OutputReorders() []backends.ArgID {
	ids := make([]backends.ArgID, len(e.outputReorders))
	for i, r := range e.outputReorders {
		ids[i] = r.arg
	}
	return ids
}

// String implements fmt.Stringer.
func (e *Executor) String() string {
	s := fmt.Sprintf("%s[%s]", e.impl, e.id)
	if e.fallback {
		s += fmt.Sprintf(" (fallback for %s)", e.requested)
	}
	return s
}

// Execute the convolution. args hold the caller's memories, in the layouts of the key the executor
// was built for. Weights must be in the implementation layout if the key's weights are constant.
func (e *Executor) Execute(args backends.Args) error {
	primitiveArgs := maps.Clone(args)
	for _, r := range e.inputReorders {
		src := args[r.arg]
		if !src.IsAllocated() {
			return errors.Wrapf(ErrResource, "executor %s: argument %s not bound or not allocated", e.id, r.arg)
		}
		converted := memory.New(r.dst)
		if err := r.primitive.Execute(backends.Args{backends.ArgSrc: src, backends.ArgDst: converted}); err != nil {
			return errors.WithMessagef(err, "executor %s: input reorder of %s", e.id, r.arg)
		}
		primitiveArgs[r.arg] = converted
	}
	for _, r := range e.outputReorders {
		dst := args[r.arg]
		if !dst.IsAllocated() {
			return errors.Wrapf(ErrResource, "executor %s: argument %s not bound or not allocated", e.id, r.arg)
		}
		intermediate := memory.New(r.src)
		if r.prefill != nil {
			if err := r.prefill.Execute(backends.Args{backends.ArgSrc: dst, backends.ArgDst: intermediate}); err != nil {
				return errors.WithMessagef(err, "executor %s: reading previous contents of %s", e.id, r.arg)
			}
		}
		primitiveArgs[r.arg] = intermediate
	}
	if err := e.primitive.Execute(primitiveArgs); err != nil {
		return errors.WithMessagef(err, "executor %s", e.id)
	}
	for _, r := range e.outputReorders {
		err := r.primitive.Execute(backends.Args{backends.ArgSrc: primitiveArgs[r.arg], backends.ArgDst: args[r.arg]})
		if err != nil {
			return errors.WithMessagef(err, "executor %s: output reorder of %s", e.id, r.arg)
		}
	}
	return nil
}
