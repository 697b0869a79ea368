// Copyright (c) MeshForge Authors.
// Licensed under the MIT License.

// Package ledger tracks the live generation id and per-step status/timing
// for one session. Pull queries (Steps) compute elapsed time from the clock;
// the push side (Subscribe) is fed by a per-step ticker while a step loads.
package ledger
