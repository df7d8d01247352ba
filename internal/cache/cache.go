// Copyright 2024 KernelFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides the caches used by the kernelfs VFS and drivers.
//
// Design Principles:
// 1. Fine-grained cache management - Invalidate only affected paths, not entire cache
// 2. Single layer ownership - Each cache lives in one layer (no cross-layer signaling)
//
// Currently provides:
// - PathIndex: forward/reverse path cache with prefix invalidation (owned by the VFS)
// - BlockCache: LRU cache of device blocks (owned by each Minix driver)
package cache

import "os"

// Disabled controls whether lookup caching is disabled.
// Set via KERNELFS_CACHE=0 environment variable.
// When true:
// - PathIndex.Lookup() always misses, so every resolution walks the directories
// - BlockCache.Get() always misses and Add() is a no-op
//
// The reverse path map is still maintained, since inode to path resolution
// has no other source.
var Disabled = os.Getenv("KERNELFS_CACHE") == "0"

// Invalidator is implemented by all caches that support full invalidation.
type Invalidator interface {
	// Invalidate clears all entries from the cache.
	Invalidate()
}
