// Copyright 2024 The isoalloc-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package isoalloc implements a security-hardened, general-purpose
// memory allocator intended as a drop-in replacement for a process's
// standard heap.
//
// Its goal is not raw throughput but probabilistic and deterministic
// mitigation of memory-corruption exploitation: use-after-free,
// double-free, linear overflow, type confusion across allocation sites,
// and uninitialized reads. It does this by combining a bitmap-backed
// slab allocator (Zone), a randomized quarantine freelist, inline
// canaries, guard pages, XOR-masked pointers at rest, and a shared
// recently-used-zone cache under one consistent set of bitmap-state
// invariants.
//
// Small allocations (up to 256 KiB) are served from Zones: a
// fixed 8 MiB user region carved into equal-size chunks, tracked by a
// 2-bit-per-chunk bitmap. Larger allocations are served by individually
// mmap'd, canary-bracketed big-zone nodes.
//
// A process is expected to use either the package-level convenience
// functions (Alloc, Calloc, Realloc, Free, ...), which lazily initialize
// a single default Root on first use, or construct an explicit *Allocator
// via New for isolated test/benchmark instances.
//
// See SPEC_FULL.md and DESIGN.md in the module root for the full design
// rationale and the invariants every operation here maintains.
package isoalloc
