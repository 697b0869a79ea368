// Copyright (c) MeshForge Authors.
// Licensed under the MIT License.

/*
包 imaging 负责重建前的图像归一化：解码 PNG/JPEG/GIF/WebP，
将最长边缩放到 MaxDimension（默认 1024，保持宽高比，已在范围内则不缩放），
再以质量 90 编码为 JPEG。

解码失败返回 IMAGE_DECODE_FAILED。NormalizeSet 并发处理整套视图。
*/
package imaging
