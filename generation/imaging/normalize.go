package imaging

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // register GIF decoder
	"image/jpeg"
	_ "image/png" // register PNG decoder
	"math"
	"strings"
	"sync"

	"github.com/BaSui01/meshforge/generation/views"
	"github.com/BaSui01/meshforge/types"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register WebP decoder
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxDimension = 1024
	DefaultQuality      = 90
)

// Options controls normalization output.
type Options struct {
	MaxDimension int
	Quality      int
}

func (o Options) withDefaults() Options {
	if o.MaxDimension <= 0 {
		o.MaxDimension = DefaultMaxDimension
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = DefaultQuality
	}
	return o
}

// Normalized is a re-encoded JPEG ready for upload.
type Normalized struct {
	JPEG   []byte
	Width  int
	Height int
}

// DataURI returns the JPEG as data:image/jpeg;base64,...
func (n Normalized) DataURI() string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(n.JPEG)
}

// Scale returns the target size for w x h so that the longer side is at most
// max, preserving aspect ratio. Images already within bounds are unchanged.
func Scale(w, h, max int) (int, int) {
	if w <= max && h <= max {
		return w, h
	}
	if w >= h {
		nh := int(math.Round(float64(h) * float64(max) / float64(w)))
		return max, clampMin(nh)
	}
	nw := int(math.Round(float64(w) * float64(max) / float64(h)))
	return clampMin(nw), max
}

func clampMin(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

// DecodeDataURI splits a base64 data URI into its payload and MIME type.
func DecodeDataURI(uri string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, "", fmt.Errorf("not a data URI")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("malformed data URI")
	}
	mime, isB64 := strings.CutSuffix(meta, ";base64")
	if !isB64 {
		return nil, "", fmt.Errorf("data URI is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("invalid base64 payload: %w", err)
	}
	return data, mime, nil
}

// Normalize decodes an image data URI, caps its longer side and re-encodes
// it as JPEG. Undecodable sources fail with IMAGE_DECODE_FAILED.
func Normalize(uri string, opts Options) (Normalized, error) {
	opts = opts.withDefaults()

	raw, _, err := DecodeDataURI(uri)
	if err != nil {
		return Normalized{}, decodeError(err)
	}
	return NormalizeBytes(raw, opts)
}

// NormalizeBytes is Normalize for raw encoded image bytes.
func NormalizeBytes(raw []byte, opts Options) (Normalized, error) {
	opts = opts.withDefaults()

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Normalized{}, decodeError(err)
	}

	b := src.Bounds()
	w, h := Scale(b.Dx(), b.Dy(), opts.MaxDimension)

	// JPEG 无透明通道：先铺白底
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: opts.Quality}); err != nil {
		return Normalized{}, fmt.Errorf("jpeg encode: %w", err)
	}
	return Normalized{JPEG: buf.Bytes(), Width: w, Height: h}, nil
}

func decodeError(cause error) error {
	return types.NewError(types.ErrImageDecode, "Failed to load image for normalization").WithCause(cause)
}

// NormalizeSet normalizes every view concurrently. All must succeed.
func NormalizeSet(ctx context.Context, set views.Set, opts Options) (map[views.View]Normalized, error) {
	var mu sync.Mutex
	out := make(map[views.View]Normalized, len(set))

	g, gctx := errgroup.WithContext(ctx)
	for v, img := range set {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := Normalize(img.URL, opts)
			if err != nil {
				return err
			}
			mu.Lock()
			out[v] = n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
