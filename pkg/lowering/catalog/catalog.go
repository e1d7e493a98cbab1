// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package catalog holds the ranking of kernel implementation families used to pick one among the
// implementations a primitive engine offers.
//
// The default ranking can be overridden by user supplied priorities, which come first, followed by
// the remaining default entries.
package catalog

import (
	"slices"
	"strings"

	"github.com/gomlx/lowering/backends"
	"github.com/gomlx/lowering/pkg/support/sets"
	"github.com/gomlx/lowering/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Priorities is an ordered list of implementation types, most preferred first.
type Priorities []backends.ImplType

var defaultPriorities = Priorities{
	backends.ImplUnknown,
	backends.ImplDWACL,
	backends.ImplWinogradACL,
	backends.ImplGEMMACL,
	backends.ImplBrgConvAVX512AMX1x1,
	backends.ImplBrgConvAVX512AMX,
	backends.ImplJITAVX512AMXDW,
	backends.ImplJITAVX512AMX1x1,
	backends.ImplJITAVX512AMX,
	backends.ImplBrgConvAVX5121x1,
	backends.ImplBrgConvAVX512,
	backends.ImplJITUniDW,
	backends.ImplJITUni1x1,
	backends.ImplJITUni,
	backends.ImplJITAVX512DW,
	backends.ImplJITAVX5121x1,
	backends.ImplJITAVX512,
	backends.ImplJITAVX2DW,
	backends.ImplJITAVX21x1,
	backends.ImplJITAVX2,
	backends.ImplJITAVXDW,
	backends.ImplJITAVX1x1,
	backends.ImplJITAVX,
	backends.ImplJITSSE42DW,
	backends.ImplJITSSE421x1,
	backends.ImplJITSSE42,
	backends.ImplGEMMAny,
	backends.ImplGEMMBLAS,
	backends.ImplGEMMAVX512,
	backends.ImplGEMMAVX2,
	backends.ImplGEMMAVX,
	backends.ImplGEMMSSE42,
	backends.ImplJITGEMM,
	backends.ImplRefAny,
	backends.ImplRef,
}

// Default returns a copy of the default ranking.
func Default() Priorities {
	return slices.Clone(defaultPriorities)
}

// New returns the ranking with the user priorities first (in the order given, duplicates removed),
// followed by the default entries not yet listed.
func New(userPriorities ...backends.ImplType) Priorities {
	p := make(Priorities, 0, len(userPriorities)+len(defaultPriorities))
	seen := sets.Make[backends.ImplType](cap(p))
	for _, list := range [][]backends.ImplType{userPriorities, defaultPriorities} {
		for _, implType := range list {
			if seen.InsertNew(implType) {
				p = append(p, implType)
			}
		}
	}
	return p
}

// ParsePriorities parses a comma-separated list of implementation types. Each entry can be prefixed
// by the device, e.g. "cpu:jit_avx2,cpu:ref_any". An empty string returns no priorities.
func ParsePriorities(priorities string) ([]backends.ImplType, error) {
	return xslices.ParseList(priorities, func(entry string) (backends.ImplType, error) {
		if device, name, found := strings.Cut(entry, ":"); found {
			if strings.TrimSpace(device) != "cpu" {
				return backends.ImplUnknown, errors.Errorf("unsupported device %q in priority %q", device, entry)
			}
			entry = name
		}
		return backends.ParseImplType(entry)
	})
}

// Index returns the rank of the implementation type, or -1 if it is not listed.
func (p Priorities) Index(implType backends.ImplType) int {
	return slices.Index(p, implType)
}

// Select returns the index of the candidate with the best ranked implementation type: candidates
// are scanned for each priority in order, so ties are broken by the candidates order.
// It returns -1 if no candidate type is ranked.
func (p Priorities) Select(candidates []backends.ImplType) int {
	for _, implType := range p {
		if idx := slices.Index(candidates, implType); idx >= 0 {
			return idx
		}
	}
	return -1
}

// String implements fmt.Stringer.
func (p Priorities) String() string {
	return strings.Join(xslices.Map(p, backends.ImplType.String), ",")
}
