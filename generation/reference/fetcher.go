package reference

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BaSui01/meshforge/internal/tlsutil"
	"github.com/BaSui01/meshforge/llm/image"
	"github.com/BaSui01/meshforge/types"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const (
	// DefaultMaxBytes 单个参考图（或页面）的最大字节数
	DefaultMaxBytes int64 = 10 << 20
	// DefaultTimeout 单次下载超时
	DefaultTimeout = 30 * time.Second

	userAgent = "MeshForge/1.0 (+reference-extractor)"
)

// Fetcher downloads reference images, either directly or by resolving the
// preview image of an HTML page.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	logger   *zap.Logger
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithHTTPClient replaces the default TLS-hardened client
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithMaxBytes caps downloads at n bytes
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFetcher creates a Fetcher
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   tlsutil.SecureHTTPClient(DefaultTimeout),
		maxBytes: DefaultMaxBytes,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(zap.String("component", "reference_fetcher"))
	return f
}

// Fetch downloads rawURL. Image responses are returned as-is; HTML pages are
// scanned for og:image, then twitter:image, then the first <img src>, and
// that image is downloaded instead.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (image.Reference, error) {
	u, err := parseHTTPURL(rawURL)
	if err != nil {
		return image.Reference{}, err
	}

	mimeType, body, err := f.get(ctx, u)
	if err != nil {
		return image.Reference{}, err
	}
	if strings.HasPrefix(mimeType, "image/") {
		return image.Reference{MIMEType: mimeType, Data: body}, nil
	}
	if mimeType != "text/html" && mimeType != "application/xhtml+xml" {
		return image.Reference{}, fetchErr("unsupported content type %q", mimeType)
	}

	src, ok := ExtractImageURL(strings.NewReader(string(body)))
	if !ok {
		return image.Reference{}, fetchErr("no image found on page")
	}
	imgURL, err := u.Parse(src)
	if err != nil {
		return image.Reference{}, fetchErr("invalid image url %q", src)
	}
	f.logger.Debug("resolved page image", zap.String("page", u.String()), zap.String("image", imgURL.String()))

	if imgURL.Scheme == "data" {
		return DecodeDataURI(imgURL.String())
	}
	if imgURL.Scheme != "http" && imgURL.Scheme != "https" {
		return image.Reference{}, fetchErr("unsupported image url scheme %q", imgURL.Scheme)
	}

	mimeType, body, err = f.get(ctx, imgURL)
	if err != nil {
		return image.Reference{}, err
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return image.Reference{}, fetchErr("page image has content type %q", mimeType)
	}
	return image.Reference{MIMEType: mimeType, Data: body}, nil
}

// FetchDataURI is Fetch returning a data: URI.
func (f *Fetcher) FetchDataURI(ctx context.Context, rawURL string) (string, error) {
	ref, err := f.Fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}
	return DataURI(ref), nil
}

func (f *Fetcher) get(ctx context.Context, u *url.URL) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", nil, fetchErr("build request: %v", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "image/*,text/html;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", nil, types.NewError(types.ErrReferenceFetchFailed, "failed to fetch reference").
			WithCause(err).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fetchErr("fetch %s: HTTP %d", u.Redacted(), resp.StatusCode).
			WithRetryable(resp.StatusCode >= 500)
	}
	if resp.ContentLength > f.maxBytes {
		return "", nil, fetchErr("reference exceeds %d bytes", f.maxBytes)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return "", nil, types.NewError(types.ErrReferenceFetchFailed, "failed to read reference").WithCause(err)
	}
	if int64(len(body)) > f.maxBytes {
		return "", nil, fetchErr("reference exceeds %d bytes", f.maxBytes)
	}

	mimeType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType, _, _ = mime.ParseMediaType(http.DetectContentType(body))
	}
	return mimeType, body, nil
}

// ExtractImageURL returns the preview image of an HTML document: og:image,
// then twitter:image, then the first <img src>.
func ExtractImageURL(r io.Reader) (string, bool) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", false
	}

	var og, twitter, img string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "meta":
				key := strings.ToLower(attr(n, "property"))
				if key == "" {
					key = strings.ToLower(attr(n, "name"))
				}
				content := strings.TrimSpace(attr(n, "content"))
				switch {
				case content == "":
				case (key == "og:image" || key == "og:image:url") && og == "":
					og = content
				case (key == "twitter:image" || key == "twitter:image:src") && twitter == "":
					twitter = content
				}
			case "img":
				if src := strings.TrimSpace(attr(n, "src")); src != "" && img == "" {
					img = src
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	for _, candidate := range []string{og, twitter, img} {
		if candidate != "" {
			return candidate, true
		}
	}
	return "", false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// DataURI encodes a reference as data:<mime>;base64,<payload>.
func DataURI(ref image.Reference) string {
	return "data:" + ref.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(ref.Data)
}

// DecodeDataURI parses a base64 image data URI into a reference.
func DecodeDataURI(uri string) (image.Reference, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return image.Reference{}, fetchErr("not a data uri")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return image.Reference{}, fetchErr("data uri must be base64 encoded")
	}
	mimeType := strings.TrimSuffix(meta, ";base64")
	if !strings.HasPrefix(mimeType, "image/") {
		return image.Reference{}, fetchErr("data uri is not an image")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return image.Reference{}, fetchErr("invalid base64 payload")
	}
	return image.Reference{MIMEType: mimeType, Data: data}, nil
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, types.Errorf(types.ErrInvalidRequest, "invalid reference url %q", raw).
			WithHTTPStatus(http.StatusBadRequest)
	}
	return u, nil
}

func fetchErr(format string, args ...any) *types.Error {
	return types.NewError(types.ErrReferenceFetchFailed, fmt.Sprintf(format, args...)).
		WithHTTPStatus(http.StatusBadGateway)
}
