// Copyright (c) MeshForge Authors.
// Licensed under the MIT License.

// Package views synthesizes the fixed front/back/left view set from one to
// three reference images. Results are keyed by view, so completion order
// never matters; Set.Ordered gives the positional order.
package views
