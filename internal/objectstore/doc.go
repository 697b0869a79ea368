// Copyright (c) MeshForge Authors.
// Licensed under the MIT License.

// Package objectstore uploads normalized view images to a MinIO or S3 bucket
// and hands back presigned GET URLs for the reconstruction queue.
package objectstore
