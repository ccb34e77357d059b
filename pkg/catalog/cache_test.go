package catalog

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shouni/go-storybook-kit/pkg/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- モック ---

type mockFetcher struct {
	catalog provider.ModelCatalog
	err     error
	calls   atomic.Int32
}

func (m *mockFetcher) ListModels(ctx context.Context) (provider.ModelCatalog, error) {
	m.calls.Add(1)
	if m.err != nil {
		return provider.ModelCatalog{}, m.err
	}
	return m.catalog, nil
}

type mockCreds struct {
	authed map[provider.Provider]bool
}

func (m *mockCreds) IsAuthenticated(p provider.Provider) bool { return m.authed[p] }

func (m *mockCreds) BearerToken(p provider.Provider) (string, bool) { return "token", m.authed[p] }

type memoryStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{files: make(map[string][]byte)}
}

func (s *memoryStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	if !ok {
		return nil, errors.New("file not found: " + path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memoryStore) Write(ctx context.Context, path string, r io.Reader, mimeType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = data
	return nil
}

func newTestCache(t *testing.T, fetchers map[provider.Provider]provider.CatalogFetcher, creds *mockCreds, store *memoryStore) *Cache {
	t.Helper()
	cfg := Config{
		Fetchers:    fetchers,
		Credentials: creds,
		TTL:         time.Minute,
		SnapshotDir: t.TempDir(),
	}
	if store != nil {
		cfg.Reader = store
		cfg.Writer = store
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

// --- テスト ---

func TestRefreshModels(t *testing.T) {
	ctx := context.Background()
	catalog := provider.ModelCatalog{
		TextModelIDs:   []string{"model-a"},
		TextModelNames: []string{"Model A"},
	}

	t.Run("TTL内の再取得はキャッシュから返るのだ", func(t *testing.T) {
		fetcher := &mockFetcher{catalog: catalog}
		c := newTestCache(t, map[provider.Provider]provider.CatalogFetcher{
			provider.ProviderTogether: fetcher,
		}, &mockCreds{}, nil)

		first, err := c.RefreshModels(ctx, provider.ProviderTogether, false)
		require.NoError(t, err)
		second, err := c.RefreshModels(ctx, provider.ProviderTogether, false)
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, int32(1), fetcher.calls.Load(), "2回目はキャッシュヒットすべきです")
	})

	t.Run("force指定で必ず再取得するのだ", func(t *testing.T) {
		fetcher := &mockFetcher{catalog: catalog}
		c := newTestCache(t, map[provider.Provider]provider.CatalogFetcher{
			provider.ProviderTogether: fetcher,
		}, &mockCreds{}, nil)

		_, err := c.RefreshModels(ctx, provider.ProviderTogether, false)
		require.NoError(t, err)
		_, err = c.RefreshModels(ctx, provider.ProviderTogether, true)
		require.NoError(t, err)

		assert.Equal(t, int32(2), fetcher.calls.Load())
	})

	t.Run("未対応プロバイダーはエラーになるのだ", func(t *testing.T) {
		c := newTestCache(t, map[provider.Provider]provider.CatalogFetcher{
			provider.ProviderTogether: &mockFetcher{catalog: catalog},
		}, &mockCreds{}, nil)

		_, err := c.RefreshModels(ctx, provider.ProviderHuggingFace, false)
		assert.Error(t, err)
	})
}

func TestSnapshotFallback(t *testing.T) {
	ctx := context.Background()
	catalog := provider.ModelCatalog{TextModelIDs: []string{"model-a"}}

	t.Run("取得成功時にスナップショットが保存されるのだ", func(t *testing.T) {
		store := newMemoryStore()
		c := newTestCache(t, map[provider.Provider]provider.CatalogFetcher{
			provider.ProviderTogether: &mockFetcher{catalog: catalog},
		}, &mockCreds{}, store)

		_, err := c.RefreshModels(ctx, provider.ProviderTogether, false)
		require.NoError(t, err)

		store.mu.Lock()
		defer store.mu.Unlock()
		assert.Len(t, store.files, 1)
	})

	t.Run("リモート失敗時はスナップショットに縮退するのだ", func(t *testing.T) {
		store := newMemoryStore()
		okFetcher := &mockFetcher{catalog: catalog}
		c := newTestCache(t, map[provider.Provider]provider.CatalogFetcher{
			provider.ProviderTogether: okFetcher,
		}, &mockCreds{}, store)

		_, err := c.RefreshModels(ctx, provider.ProviderTogether, false)
		require.NoError(t, err)

		// 同じストアを参照する新しいキャッシュで、リモートを故障させる
		c2 := newTestCache(t, map[provider.Provider]provider.CatalogFetcher{
			provider.ProviderTogether: &mockFetcher{err: errors.New("remote down")},
		}, &mockCreds{}, store)
		c2.snapshotDir = c.snapshotDir

		got, err := c2.RefreshModels(ctx, provider.ProviderTogether, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"model-a"}, got.TextModelIDs)
	})

	t.Run("リモートもスナップショットも無い場合はエラーなのだ", func(t *testing.T) {
		c := newTestCache(t, map[provider.Provider]provider.CatalogFetcher{
			provider.ProviderTogether: &mockFetcher{err: errors.New("remote down")},
		}, &mockCreds{}, newMemoryStore())

		_, err := c.RefreshModels(ctx, provider.ProviderTogether, false)
		assert.Error(t, err)
	})
}

func TestStaticFallbackMerge(t *testing.T) {
	ctx := context.Background()

	t.Run("OpenRouterの画像モデルには静的リストが常にマージされるのだ", func(t *testing.T) {
		fetcher := &mockFetcher{catalog: provider.ModelCatalog{
			TextModelIDs:  []string{"some/text-model"},
			ImageModelIDs: []string{"black-forest-labs/flux.1-schnell"},
		}}
		c := newTestCache(t, map[provider.Provider]provider.CatalogFetcher{
			provider.ProviderOpenRouter: fetcher,
		}, &mockCreds{}, nil)

		got, err := c.RefreshModels(ctx, provider.ProviderOpenRouter, false)
		require.NoError(t, err)

		assert.Contains(t, got.ImageModelIDs, "google/gemini-2.5-flash-image")
		assert.Contains(t, got.ImageModelIDs, "stabilityai/stable-diffusion-3.5-large")
		// リモート由来と重複するIDは二重登録されない
		count := 0
		for _, id := range got.ImageModelIDs {
			if id == "black-forest-labs/flux.1-schnell" {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})

	t.Run("他プロバイダーにはマージされないのだ", func(t *testing.T) {
		c := newTestCache(t, map[provider.Provider]provider.CatalogFetcher{
			provider.ProviderTogether: &mockFetcher{catalog: provider.ModelCatalog{}},
		}, &mockCreds{}, nil)

		got, err := c.RefreshModels(ctx, provider.ProviderTogether, false)
		require.NoError(t, err)
		assert.Empty(t, got.ImageModelIDs)
	})
}

func TestRefreshAllAuthenticated(t *testing.T) {
	ctx := context.Background()

	t.Run("失敗はプロバイダーごとに独立して記録されるのだ", func(t *testing.T) {
		okFetcher := &mockFetcher{catalog: provider.ModelCatalog{TextModelIDs: []string{"m"}}}
		badFetcher := &mockFetcher{err: errors.New("remote down")}
		c := newTestCache(t, map[provider.Provider]provider.CatalogFetcher{
			provider.ProviderOpenRouter: okFetcher,
			provider.ProviderTogether:   badFetcher,
		}, &mockCreds{authed: map[provider.Provider]bool{
			provider.ProviderOpenRouter: true,
			provider.ProviderTogether:   true,
		}}, nil)

		failures := c.RefreshAllAuthenticated(ctx)

		assert.Len(t, failures, 1)
		assert.Contains(t, failures, provider.ProviderTogether)
		assert.Equal(t, int32(1), okFetcher.calls.Load())
	})

	t.Run("未認証プロバイダーはスキップされるのだ", func(t *testing.T) {
		fetcher := &mockFetcher{catalog: provider.ModelCatalog{}}
		c := newTestCache(t, map[provider.Provider]provider.CatalogFetcher{
			provider.ProviderOpenRouter: fetcher,
		}, &mockCreds{authed: map[provider.Provider]bool{}}, nil)

		failures := c.RefreshAllAuthenticated(ctx)

		assert.Empty(t, failures)
		assert.Equal(t, int32(0), fetcher.calls.Load())
	})
}
