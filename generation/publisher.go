package generation

import (
	"context"
	"fmt"

	"github.com/BaSui01/meshforge/generation/imaging"
	"github.com/BaSui01/meshforge/generation/views"
	"github.com/BaSui01/meshforge/types"
	"golang.org/x/sync/errgroup"
)

// InlinePublisher hands the queue inline data:image/jpeg URIs.
type InlinePublisher struct{}

// Publish implements Publisher
func (InlinePublisher) Publish(_ context.Context, _ string, _ uint64, imgs map[views.View]imaging.Normalized) (map[views.View]string, error) {
	out := make(map[views.View]string, len(imgs))
	for v, n := range imgs {
		out[v] = n.DataURI()
	}
	return out, nil
}

// ObjectPutter uploads bytes and returns a URL readers can fetch.
type ObjectPutter interface {
	PutImage(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// ObjectPublisher uploads normalized views to object storage and returns
// presigned URLs.
type ObjectPublisher struct {
	store ObjectPutter
}

// NewObjectPublisher creates an ObjectPublisher
func NewObjectPublisher(store ObjectPutter) *ObjectPublisher {
	return &ObjectPublisher{store: store}
}

// ObjectKey is the storage key for one view of one generation
func ObjectKey(sessionID string, generation uint64, v views.View) string {
	return fmt.Sprintf("sessions/%s/%d/%s.jpg", sessionID, generation, v)
}

// Publish implements Publisher
func (p *ObjectPublisher) Publish(ctx context.Context, sessionID string, generation uint64, imgs map[views.View]imaging.Normalized) (map[views.View]string, error) {
	type result struct {
		view views.View
		url  string
	}
	results := make(chan result, len(imgs))

	g, gctx := errgroup.WithContext(ctx)
	for v, n := range imgs {
		g.Go(func() error {
			url, err := p.store.PutImage(gctx, ObjectKey(sessionID, generation, v), n.JPEG, "image/jpeg")
			if err != nil {
				return types.Errorf(types.ErrSubmissionFailed, "failed to upload %s view", v).WithCause(err)
			}
			results <- result{view: v, url: url}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(results)

	out := make(map[views.View]string, len(imgs))
	for r := range results {
		out[r.view] = r.url
	}
	return out, nil
}
