package generation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/meshforge/generation/imaging"
	"github.com/BaSui01/meshforge/generation/views"
	"github.com/BaSui01/meshforge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gaugeMetrics struct {
	nopMetrics
	mu     sync.Mutex
	active []int
}

func (g *gaugeMetrics) SetSessionsActive(n int) {
	g.mu.Lock()
	g.active = append(g.active, n)
	g.mu.Unlock()
}

func newTestRegistry(t *testing.T, max int, m Metrics) *Registry {
	q := newFakeQueue(t)
	factory := func(id string) *Orchestrator {
		return New(id, Deps{Synthesizer: &fakeSynth{t: t}, Reconstructor: q.client()}, Options{}, nil)
	}
	r := NewRegistry(factory, max, m, nil)
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_CreateGetDelete(t *testing.T) {
	m := &gaugeMetrics{}
	r := newTestRegistry(t, 0, m)

	var hooked []string
	r.OnCreate(func(s *Session) { hooked = append(hooked, s.ID) })

	s, err := r.Create()
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, s.ID, s.Orchestrator.SessionID())
	assert.Equal(t, []string{s.ID}, hooked)

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	assert.True(t, r.Delete(s.ID))
	assert.False(t, r.Delete(s.ID))
	_, ok = r.Get(s.ID)
	assert.False(t, ok)
	assert.Equal(t, []int{1, 0}, m.active)
}

func TestRegistry_Capacity(t *testing.T) {
	r := newTestRegistry(t, 2, nil)

	_, err := r.Create()
	require.NoError(t, err)
	_, err = r.Create()
	require.NoError(t, err)

	_, err = r.Create()
	require.Error(t, err)
	assert.Equal(t, types.ErrServiceUnavailable, types.GetErrorCode(err))
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_ListOrdered(t *testing.T) {
	r := newTestRegistry(t, 0, nil)
	var ids []string
	for i := 0; i < 3; i++ {
		s, err := r.Create()
		require.NoError(t, err)
		ids = append(ids, s.ID)
		time.Sleep(time.Millisecond)
	}

	list := r.List()
	require.Len(t, list, 3)
	for i, s := range list {
		assert.Equal(t, ids[i], s.ID)
	}
	assert.True(t, sort.SliceIsSorted(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) }))
}

func TestRegistry_DeleteCancelsRunningSession(t *testing.T) {
	q := newFakeQueue(t)
	synth := &fakeSynth{t: t, block: make(chan struct{})}
	r := NewRegistry(func(id string) *Orchestrator {
		return New(id, Deps{Synthesizer: synth, Reconstructor: q.client()}, Options{}, nil)
	}, 0, nil, nil)
	defer r.Close()

	s, err := r.Create()
	require.NoError(t, err)
	_, ok := s.Orchestrator.Start(context.Background(), testRefs)
	require.True(t, ok)

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(synth.block)
	}()
	assert.True(t, r.Delete(s.ID))
	assert.False(t, s.Orchestrator.Busy())
}

func TestRegistry_CloseRejectsCreate(t *testing.T) {
	r := newTestRegistry(t, 0, nil)
	_, err := r.Create()
	require.NoError(t, err)

	r.Close()
	assert.Zero(t, r.Len())
	_, err = r.Create()
	assert.Equal(t, types.ErrServiceUnavailable, types.GetErrorCode(err))
}

type memPutter struct {
	mu   sync.Mutex
	keys map[string]int
	fail bool
}

func (m *memPutter) PutImage(_ context.Context, key string, data []byte, contentType string) (string, error) {
	if m.fail {
		return "", errors.New("bucket gone")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = map[string]int{}
	}
	m.keys[key] = len(data)
	return "https://objects.example/" + key + "?sig=1", nil
}

func TestObjectPublisher(t *testing.T) {
	n, err := imaging.Normalize(pngURI(t, 8, 8), imaging.Options{})
	require.NoError(t, err)
	imgs := map[views.View]imaging.Normalized{views.Front: n, views.Back: n, views.Left: n}

	store := &memPutter{}
	urls, err := NewObjectPublisher(store).Publish(context.Background(), "abc", 7, imgs)
	require.NoError(t, err)

	assert.Equal(t, "https://objects.example/sessions/abc/7/front.jpg?sig=1", urls[views.Front])
	assert.Len(t, store.keys, 3)
	assert.Contains(t, store.keys, "sessions/abc/7/left.jpg")

	_, err = NewObjectPublisher(&memPutter{fail: true}).Publish(context.Background(), "abc", 7, imgs)
	assert.Equal(t, types.ErrSubmissionFailed, types.GetErrorCode(err))
}

func TestInlinePublisher(t *testing.T) {
	n, err := imaging.Normalize(pngURI(t, 8, 8), imaging.Options{})
	require.NoError(t, err)

	urls, err := InlinePublisher{}.Publish(context.Background(), "s", 1, map[views.View]imaging.Normalized{views.Back: n})
	require.NoError(t, err)
	assert.Equal(t, n.DataURI(), urls[views.Back])
}
