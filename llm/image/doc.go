// Copyright (c) MeshForge Authors.
// Licensed under the MIT License.

/*
包 image 提供多模态图像生成客户端，用于根据参考图合成产品的多视角图像。

# 核心类型

  - Provider：图像生成提供者接口（Generate、Name）。
  - GeminiProvider：基于 Gemini generateContent 的实现，发送
    inlineData 参考图与文本提示，要求 responseModalities 为 IMAGE、
    aspectRatio 为 1:1、candidateCount 为 1。
  - GenerateRequest / GenerateResponse / ImageData：请求响应模型，
    ImageData.DataURI 生成内联 data URI。

响应中没有内联图像时 Generate 不报错，返回空的 Images，
由上层将其视为合成失败。
*/
package image
