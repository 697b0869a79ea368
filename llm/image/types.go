package image

import (
	"context"
	"time"
)

// Reference 参考图像（原始字节 + MIME 类型）
type Reference struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"-"`
}

// GenerateRequest 图像生成请求：参考图 + 文本提示
type GenerateRequest struct {
	Prompt      string      `json:"prompt"`
	References  []Reference `json:"-"`
	Model       string      `json:"model,omitempty"`
	AspectRatio string      `json:"aspect_ratio,omitempty"` // 默认 "1:1"
}

// GenerateResponse 图像生成响应
type GenerateResponse struct {
	Provider  string      `json:"provider"`
	Model     string      `json:"model"`
	Images    []ImageData `json:"images"`
	Text      string      `json:"text,omitempty"` // 模型拒绝出图时通常只返回文本
	CreatedAt time.Time   `json:"created_at"`
}

// ImageData 单张生成图像
type ImageData struct {
	MIMEType string `json:"mime_type"`
	B64JSON  string `json:"b64_json"`
}

// DataURI 返回 data:<mime>;base64,<payload> 形式的内联 URI
func (d ImageData) DataURI() string {
	mime := d.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + d.B64JSON
}

// First 返回第一张图像；没有图像时 ok 为 false
func (r *GenerateResponse) First() (ImageData, bool) {
	if r == nil || len(r.Images) == 0 {
		return ImageData{}, false
	}
	return r.Images[0], true
}

// Provider 多模态图像生成提供者
type Provider interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
	Name() string
}
