package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/meshforge/generation"
	"github.com/BaSui01/meshforge/generation/views"
	"github.com/BaSui01/meshforge/internal/cache"
	"github.com/BaSui01/meshforge/types"
	"go.uber.org/zap"
)

const cacheType = "session_snapshot"

// Cache is the subset of cache.Manager the store needs.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// HitRecorder receives cache hit/miss counts.
type HitRecorder interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

// RedisStore persists session snapshots so other replicas (or this process
// after a restart) can answer state queries for sessions they do not hold.
type RedisStore struct {
	cache   Cache
	ttl     time.Duration
	hits    HitRecorder
	logger  *zap.Logger
	timeout time.Duration
}

// Option configures a RedisStore
type Option func(*RedisStore)

// WithHitRecorder reports snapshot lookups to r
func WithHitRecorder(r HitRecorder) Option {
	return func(s *RedisStore) { s.hits = r }
}

// WithSaveTimeout bounds each mirror write
func WithSaveTimeout(d time.Duration) Option {
	return func(s *RedisStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewRedisStore creates a snapshot store. ttl 0 uses the cache default.
func NewRedisStore(c Cache, ttl time.Duration, logger *zap.Logger, opts ...Option) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &RedisStore{
		cache:   c,
		ttl:     ttl,
		logger:  logger.With(zap.String("component", "snapshot_store")),
		timeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the cache key (before the manager prefix) for a session
func Key(sessionID string) string {
	return "session:" + sessionID
}

// Save writes the snapshot. Inline data URIs are dropped from Images (the
// labels stay); remote image URLs are kept.
func (s *RedisStore) Save(ctx context.Context, st generation.State) error {
	if st.SessionID == "" {
		return errors.New("snapshot has no session id")
	}
	st.Images = withoutInlineImages(st.Images)
	if err := s.cache.SetJSON(ctx, Key(st.SessionID), st, s.ttl); err != nil {
		return fmt.Errorf("save snapshot %s: %w", st.SessionID, err)
	}
	return nil
}

func withoutInlineImages(images []views.Image) []views.Image {
	if len(images) == 0 {
		return images
	}
	out := make([]views.Image, len(images))
	for i, img := range images {
		if strings.HasPrefix(img.URL, "data:") {
			img.URL = ""
		}
		out[i] = img
	}
	return out
}

// Load reads a snapshot. A missing snapshot is a NOT_FOUND error.
func (s *RedisStore) Load(ctx context.Context, sessionID string) (generation.State, error) {
	var st generation.State
	err := s.cache.GetJSON(ctx, Key(sessionID), &st)
	switch {
	case err == nil:
		s.recordHit(true)
		return st, nil
	case cache.IsCacheMiss(err):
		s.recordHit(false)
		return st, types.Errorf(types.ErrNotFound, "session %s not found", sessionID).WithHTTPStatus(404)
	default:
		return st, fmt.Errorf("load snapshot %s: %w", sessionID, err)
	}
}

// Delete removes a snapshot
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	return s.cache.Delete(ctx, Key(sessionID))
}

func (s *RedisStore) recordHit(hit bool) {
	if s.hits == nil {
		return
	}
	if hit {
		s.hits.RecordCacheHit(cacheType)
	} else {
		s.hits.RecordCacheMiss(cacheType)
	}
}

// Subscriber is satisfied by *generation.Orchestrator.
type Subscriber interface {
	Subscribe() (<-chan generation.State, func())
}

// Mirror saves the session's state whenever it changes significantly (status
// or results, not timer ticks). It returns once the subscription is set up;
// call the returned func to stop mirroring.
func (s *RedisStore) Mirror(src Subscriber) func() {
	ch, unsubscribe := src.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		var last generation.State
		first := true
		for st := range ch {
			if !first && !st.Significant(last) {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			err := s.Save(ctx, st)
			cancel()
			if err != nil {
				s.logger.Warn("snapshot mirror failed", zap.String("session_id", st.SessionID), zap.Error(err))
				continue
			}
			first = false
			last = st
		}
	}()

	return func() {
		unsubscribe()
		<-done
	}
}
