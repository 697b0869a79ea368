// Copyright (c) MeshForge Authors.
// Licensed under the MIT License.

// Package store mirrors session snapshots into Redis through the cache
// manager. Keys are "session:<id>" under the manager prefix, so the full
// key is "meshforge:session:<id>".
package store
