package cache

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aegisshield/entity-correlation/internal/models"
)

type memoryStore struct {
	data map[string][]byte
	ttls map[string]time.Duration
	err  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return v, nil
}

func (m *memoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func TestRunCache(t *testing.T) {
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		store := newMemoryStore()
		c := NewRunCache(store, time.Hour, "ece:", zap.NewNop())

		_, ok, err := c.Get(ctx, "abc")
		require.NoError(t, err)
		assert.False(t, ok)

		run := &models.Run{ID: "run-1", Digest: "abc", Assessments: []models.RiskAssessment{{ClusterID: "C-1", CompositeScore: 70}}}
		require.NoError(t, c.Put(ctx, run))
		assert.Equal(t, time.Hour, store.ttls["ece:run:abc"])

		got, ok, err := c.Get(ctx, "abc")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "run-1", got.ID)
		assert.Equal(t, 70.0, got.Assessments[0].CompositeScore)
	})

	t.Run("CorruptPayload", func(t *testing.T) {
		store := newMemoryStore()
		store.data["run:bad"] = []byte("{")
		c := NewRunCache(store, time.Minute, "", zap.NewNop())

		_, ok, err := c.Get(ctx, "bad")
		assert.False(t, ok)
		assert.Error(t, err)
	})

	t.Run("StoreErrors", func(t *testing.T) {
		store := newMemoryStore()
		store.err = errors.New("i/o timeout")
		c := NewRunCache(store, time.Minute, "", zap.NewNop())

		_, _, err := c.Get(ctx, "abc")
		assert.Error(t, err)
		assert.Error(t, c.Put(ctx, &models.Run{Digest: "abc"}))
	})
}
