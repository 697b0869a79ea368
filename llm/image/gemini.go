package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BaSui01/meshforge/internal/tlsutil"
	"github.com/BaSui01/meshforge/types"
	"go.uber.org/zap"
)

const providerName = "gemini-image"

// GeminiProvider 使用 Gemini generateContent 接口生成图像
type GeminiProvider struct {
	cfg    GeminiConfig
	client *http.Client
	logger *zap.Logger
}

// NewGeminiProvider creates a new Gemini image provider.
func NewGeminiProvider(cfg GeminiConfig, logger *zap.Logger) *GeminiProvider {
	def := DefaultGeminiConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GeminiProvider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("component", "gemini_image")),
	}
}

// WithHTTPClient 替换 HTTP 客户端（测试用）
func (p *GeminiProvider) WithHTTPClient(c *http.Client) *GeminiProvider {
	p.client = c
	return p
}

func (p *GeminiProvider) Name() string { return providerName }

type geminiPart struct {
	Text       string        `json:"text,omitempty"`
	InlineData *geminiInline `json:"inlineData,omitempty"`
}

type geminiInline struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type geminiGenConfig struct {
	ResponseModalities []string           `json:"responseModalities"`
	CandidateCount     int                `json:"candidateCount"`
	ImageConfig        *geminiImageConfig `json:"imageConfig,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig geminiGenConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason,omitempty"`
	} `json:"candidates"`
}

// Generate 发送参考图与提示，返回模型生成的内联图像。
// 响应中没有图像时返回空的 Images，由调用方决定如何处理。
func (p *GeminiProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	if req == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "generate request is required")
	}
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	aspect := req.AspectRatio
	if aspect == "" {
		aspect = "1:1"
	}

	parts := make([]geminiPart, 0, len(req.References)+1)
	for _, ref := range req.References {
		parts = append(parts, geminiPart{InlineData: &geminiInline{
			MimeType: ref.MIMEType,
			Data:     base64.StdEncoding.EncodeToString(ref.Data),
		}})
	}
	parts = append(parts, geminiPart{Text: req.Prompt})

	body := geminiRequest{
		Contents: []geminiContent{{Parts: parts, Role: "user"}},
		GenerationConfig: geminiGenConfig{
			ResponseModalities: []string{"IMAGE"},
			CandidateCount:     1,
			ImageConfig:        &geminiImageConfig{AspectRatio: aspect},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		p.cfg.BaseURL, url.PathEscape(model), url.QueryEscape(p.cfg.APIKey))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini image request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, types.Errorf(types.ErrUpstreamError, "gemini image error: status=%d body=%s",
			resp.StatusCode, strings.TrimSpace(string(errBody))).
			WithHTTPStatus(resp.StatusCode).
			WithRetryable(resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500).
			WithProvider(providerName)
	}

	var gResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gResp); err != nil {
		return nil, fmt.Errorf("failed to decode gemini response: %w", err)
	}

	out := &GenerateResponse{Provider: providerName, Model: model, CreatedAt: time.Now()}
	var text []string
	for _, c := range gResp.Candidates {
		for _, part := range c.Content.Parts {
			switch {
			case part.InlineData != nil && part.InlineData.Data != "":
				out.Images = append(out.Images, ImageData{
					MIMEType: part.InlineData.MimeType,
					B64JSON:  part.InlineData.Data,
				})
			case part.Text != "":
				text = append(text, part.Text)
			}
		}
	}
	out.Text = strings.Join(text, "\n")

	p.logger.Debug("gemini image generated",
		zap.String("model", model),
		zap.Int("references", len(req.References)),
		zap.Int("images", len(out.Images)),
		zap.Duration("latency", time.Since(start)))

	return out, nil
}
