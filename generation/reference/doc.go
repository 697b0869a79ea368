// Copyright (c) MeshForge Authors.
// Licensed under the MIT License.

// Package reference turns a URL into a reference image for a generation.
// Direct image links are downloaded; HTML pages are resolved to their
// preview image (og:image, twitter:image, first <img>). Failures carry the
// REFERENCE_FETCH_FAILED code and never touch session state.
package reference
