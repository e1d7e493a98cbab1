// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memdesc

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Tag identifies the physical layout of a tensor in memory.
//
// Activations are logically [N, C, spatial...]; ungrouped weights [O, I, spatial...];
// grouped weights [G, O, I, spatial...].
type Tag int

const (
	// TagUndef is the zero value: no layout.
	TagUndef Tag = iota

	// TagAny lets the primitive choose its preferred layout.
	TagAny

	// TagNCSP is the plain (row-major) layout: channels before spatial axes.
	TagNCSP

	// TagNSPC is the channel-last layout.
	TagNSPC

	// TagNCSP8c blocks the channel axis by 8 (channels padded to a multiple of 8).
	TagNCSP8c

	// TagNCSP16c blocks the channel axis by 16.
	TagNCSP16c

	// TagOIsp8i8o blocks ungrouped weights by 8 on both input and output channels.
	TagOIsp8i8o

	// TagOIsp16i16o blocks ungrouped weights by 16 on both input and output channels.
	TagOIsp16i16o

	// TagGOIsp8i8o is TagOIsp8i8o for grouped weights.
	TagGOIsp8i8o

	// TagGOIsp16i16o is TagOIsp16i16o for grouped weights.
	TagGOIsp16i16o

	// TagGOIsp8g blocks the groups axis by 8, used by depthwise kernels.
	TagGOIsp8g

	// TagGOIsp16g blocks the groups axis by 16.
	TagGOIsp16g
)

var tagNames = map[Tag]string{
	TagUndef:       "undef",
	TagAny:         "any",
	TagNCSP:        "ncsp",
	TagNSPC:        "nspc",
	TagNCSP8c:      "nCsp8c",
	TagNCSP16c:     "nCsp16c",
	TagOIsp8i8o:    "OIsp8i8o",
	TagOIsp16i16o:  "OIsp16i16o",
	TagGOIsp8i8o:   "gOIsp8i8o",
	TagGOIsp16i16o: "gOIsp16i16o",
	TagGOIsp8g:     "Goisp8g",
	TagGOIsp16g:    "Goisp16g",
}

// String implements fmt.Stringer.
func (t Tag) String() string {
	if name, found := tagNames[t]; found {
		return name
	}
	return "Tag(?)"
}

// tagAliases maps the usual per-rank names of the layouts to tags.
var tagAliases = map[string]Tag{
	"ncw": TagNCSP, "nchw": TagNCSP, "ncdhw": TagNCSP, "oiw": TagNCSP, "oihw": TagNCSP, "oidhw": TagNCSP,
	"goiw": TagNCSP, "goihw": TagNCSP, "goidhw": TagNCSP, "x": TagNCSP, "plain": TagNCSP,
	"nwc": TagNSPC, "nhwc": TagNSPC, "ndhwc": TagNSPC,
	"ncw8c": TagNCSP8c, "nchw8c": TagNCSP8c, "ncdhw8c": TagNCSP8c,
	"ncw16c": TagNCSP16c, "nchw16c": TagNCSP16c, "ncdhw16c": TagNCSP16c,
}

// ParseTag parses a layout name: either the canonical name returned by Tag.String or one of the
// usual per-rank names (e.g. "nchw", "nhwc", "nChw16c"). Matching is case-insensitive.
func ParseTag(name string) (Tag, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for tag, tagName := range tagNames {
		if strings.ToLower(tagName) == lower {
			return tag, nil
		}
	}
	if tag, found := tagAliases[lower]; found {
		return tag, nil
	}
	return TagUndef, errors.Errorf("unknown memory layout %q", name)
}

// IsConcrete returns whether the tag describes an actual physical layout (not TagUndef or TagAny).
func (t Tag) IsConcrete() bool {
	return t != TagUndef && t != TagAny
}

// IsWeightsTag returns whether the tag is only meaningful for weights.
func (t Tag) IsWeightsTag() bool {
	return t >= TagOIsp8i8o
}

// BlockSize returns the channel (or group) block size of the layout, or 1 for non-blocked layouts.
func (t Tag) BlockSize() int {
	switch t {
	case TagNCSP8c, TagOIsp8i8o, TagGOIsp8i8o, TagGOIsp8g:
		return 8
	case TagNCSP16c, TagOIsp16i16o, TagGOIsp16i16o, TagGOIsp16g:
		return 16
	default:
		return 1
	}
}

type block struct {
	axis, size int
}

// blocking returns the order of the outer axes (outermost first) and the inner blocks
// (outermost first) of the tag for the given rank.
func (t Tag) blocking(rank int) (order []int, blocks []block) {
	order = make([]int, rank)
	for axis := range order {
		order[axis] = axis
	}
	switch t {
	case TagNCSP:
	case TagNSPC:
		if rank > 2 {
			copy(order[1:], order[2:])
			order[rank-1] = 1
		}
	case TagNCSP8c, TagNCSP16c:
		blocks = []block{{axis: 1, size: t.BlockSize()}}
	case TagOIsp8i8o, TagOIsp16i16o:
		blocks = []block{{axis: 1, size: t.BlockSize()}, {axis: 0, size: t.BlockSize()}}
	case TagGOIsp8i8o, TagGOIsp16i16o:
		blocks = []block{{axis: 2, size: t.BlockSize()}, {axis: 1, size: t.BlockSize()}}
	case TagGOIsp8g, TagGOIsp16g:
		blocks = []block{{axis: 0, size: t.BlockSize()}}
	default:
		exceptions.Panicf("memdesc: layout %s has no physical blocking", t)
	}
	for _, b := range blocks {
		if b.axis >= rank {
			exceptions.Panicf("memdesc: layout %s requires rank > %d, got rank %d", t, b.axis, rank)
		}
	}
	return
}
