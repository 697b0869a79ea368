package views

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/meshforge/llm/image"
	"github.com/BaSui01/meshforge/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// View identifies one synthesized camera angle.
type View string

const (
	Front View = "front"
	Back  View = "back"
	Left  View = "left"
)

// All is the fixed view set in positional order.
var All = []View{Front, Back, Left}

const promptTemplate = "Generate a single product photo showing the %s of the product in the reference images. " +
	"Exactly one image of the product, centered, on a plain neutral background, square framing. " +
	"No text, labels, logos added, or watermarks."

var viewPhrases = map[View]string{
	Front: "front view",
	Back:  "back view",
	Left:  "left side view",
}

var viewLabels = map[View]string{
	Front: "Front",
	Back:  "Back",
	Left:  "Left",
}

// Prompt returns the fixed generation prompt for the view
func (v View) Prompt() string {
	return fmt.Sprintf(promptTemplate, viewPhrases[v])
}

// Label returns the display label for the view
func (v View) Label() string {
	if l, ok := viewLabels[v]; ok {
		return l
	}
	return string(v)
}

// Image is one generated view: a label plus an inline data URI.
type Image struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Set holds one image per view, keyed by view.
type Set map[View]Image

// Ordered returns the images as front, back, left; missing views are skipped.
func (s Set) Ordered() []Image {
	out := make([]Image, 0, len(All))
	for _, v := range All {
		if img, ok := s[v]; ok {
			out = append(out, img)
		}
	}
	return out
}

// Complete reports whether every view is present
func (s Set) Complete() bool {
	for _, v := range All {
		if _, ok := s[v]; !ok {
			return false
		}
	}
	return true
}

// Synthesizer generates the three views concurrently from reference images.
type Synthesizer struct {
	provider image.Provider
	logger   *zap.Logger
}

// NewSynthesizer creates a synthesizer backed by an image provider
func NewSynthesizer(provider image.Provider, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{
		provider: provider,
		logger:   logger.With(zap.String("component", "view_synthesis")),
	}
}

// Synthesize issues one request per view and waits for all of them.
// Any failed view fails the whole set with SYNTHESIS_FAILED.
func (s *Synthesizer) Synthesize(ctx context.Context, refs []image.Reference) (Set, error) {
	if len(refs) == 0 {
		return nil, types.NewError(types.ErrNoInputImages, "at least one reference image is required")
	}

	start := time.Now()
	var mu sync.Mutex
	set := make(Set, len(All))

	g, gctx := errgroup.WithContext(ctx)
	for _, v := range All {
		g.Go(func() error {
			img, err := s.one(gctx, v, refs)
			if err != nil {
				return err
			}
			mu.Lock()
			set[v] = img
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.Debug("views synthesized",
		zap.Int("references", len(refs)),
		zap.Duration("elapsed", time.Since(start)))
	return set, nil
}

func (s *Synthesizer) one(ctx context.Context, v View, refs []image.Reference) (Image, error) {
	resp, err := s.provider.Generate(ctx, &image.GenerateRequest{
		Prompt:      v.Prompt(),
		References:  refs,
		AspectRatio: "1:1",
	})
	if err != nil {
		s.logger.Warn("view generation failed", zap.String("view", string(v)), zap.Error(err))
		return Image{}, types.Errorf(types.ErrSynthesisFailed, "Failed to generate %s view", v).
			WithCause(err).
			WithProvider(s.provider.Name())
	}
	data, ok := resp.First()
	if !ok {
		s.logger.Warn("view generation returned no image",
			zap.String("view", string(v)),
			zap.String("text", resp.Text))
		return Image{}, types.Errorf(types.ErrSynthesisFailed, "Failed to generate %s view", v).
			WithProvider(s.provider.Name())
	}
	return Image{Label: v.Label(), URL: data.DataURI()}, nil
}
