// Copyright (c) MeshForge Authors.
// Licensed under the MIT License.

// Package retry provides an exponential backoff retryer used for best-effort
// remote calls such as reconstruction job cancellation.
package retry
