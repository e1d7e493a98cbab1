// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default engines, currently only the reference CPU engine.
//
// To use it simply include:
//
//	import _ "github.com/gomlx/lowering/backends/default"
package _default

import (
	_ "github.com/gomlx/lowering/backends/refcpu"
)
