// Package catalog は、クラウド各社のモデルカタログを TTL キャッシュと
// 永続スナップショット越しに提供します。
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shouni/go-storybook-kit/pkg/provider"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shouni/go-remote-io/pkg/remoteio"
	"github.com/shouni/go-utils/urlpath"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL はリモートカタログを再取得せずに使い回す期間です。
	DefaultTTL = 10 * time.Minute
	// cleanupInterval は go-cache の期限切れエントリ掃除の間隔です。
	cleanupInterval = 15 * time.Minute
	// snapshotKeyPrefix は永続スナップショットのキー接頭辞です。
	snapshotKeyPrefix = "model_catalog_"
)

// openRouterFallbackImageModels は OpenRouter の画像モデルカテゴリに対する
// 厳選済みの静的フォールバックです。リモート取得の成否に関わらず常にマージされます。
// リモートカタログが画像モデルを列挙しないことがあるための製品判断であり、バグではないのだ。
var openRouterFallbackImageModels = provider.ModelCatalog{
	ImageModelIDs: []string{
		"google/gemini-2.5-flash-image",
		"black-forest-labs/flux.1-schnell",
		"stabilityai/stable-diffusion-3.5-large",
	},
	ImageModelNames: []string{
		"Gemini 2.5 Flash Image",
		"FLUX.1 Schnell",
		"Stable Diffusion 3.5 Large",
	},
}

// Cache はプロバイダーごとのモデルカタログの TTL キャッシュです。
// コールドスタート用に取得結果を永続スナップショットとしても保存します。
type Cache struct {
	fetchers map[provider.Provider]provider.CatalogFetcher
	creds    provider.CredentialStore
	memory   *gocache.Cache
	ttl      time.Duration
	group    singleflight.Group

	reader      remoteio.InputReader
	writer      remoteio.OutputWriter
	snapshotDir string
}

// Config は Cache の初期化パラメータです。
type Config struct {
	Fetchers    map[provider.Provider]provider.CatalogFetcher
	Credentials provider.CredentialStore
	TTL         time.Duration
	Reader      remoteio.InputReader  // スナップショット読み込み（nil でスナップショット無効）
	Writer      remoteio.OutputWriter // スナップショット書き込み（nil でスナップショット無効）
	SnapshotDir string
}

// New は Cache を初期化します。
func New(cfg Config) (*Cache, error) {
	if len(cfg.Fetchers) == 0 {
		return nil, fmt.Errorf("fetchers は必須です")
	}
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("credentials は必須です")
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}

	return &Cache{
		fetchers:    cfg.Fetchers,
		creds:       cfg.Credentials,
		memory:      gocache.New(ttl, cleanupInterval),
		ttl:         ttl,
		reader:      cfg.Reader,
		writer:      cfg.Writer,
		snapshotDir: cfg.SnapshotDir,
	}, nil
}

// RefreshModels は指定プロバイダーのカタログを返します。
// キャッシュが新しければ再取得をスキップしますが、force 指定で必ず取得し直します。
// リモート取得に失敗した場合は永続スナップショットに縮退します。
func (c *Cache) RefreshModels(ctx context.Context, p provider.Provider, force bool) (provider.ModelCatalog, error) {
	if !force {
		if cached, ok := c.memory.Get(string(p)); ok {
			if catalog, ok := cached.(provider.ModelCatalog); ok {
				return catalog, nil
			}
		}
	}

	val, err, _ := c.group.Do(string(p), func() (interface{}, error) {
		return c.fetchAndStore(ctx, p)
	})
	if err != nil {
		return provider.ModelCatalog{}, err
	}

	catalog, ok := val.(provider.ModelCatalog)
	if !ok {
		return provider.ModelCatalog{}, fmt.Errorf("unexpected return type from singleflight: %T", val)
	}
	return catalog, nil
}

func (c *Cache) fetchAndStore(ctx context.Context, p provider.Provider) (provider.ModelCatalog, error) {
	fetcher, ok := c.fetchers[p]
	if !ok {
		return provider.ModelCatalog{}, fmt.Errorf("プロバイダー '%s' のカタログ取得は未対応です", p)
	}

	catalog, err := fetcher.ListModels(ctx)
	if err != nil {
		slog.Warn("リモートカタログの取得に失敗したためスナップショットに縮退するのだ", "provider", p, "error", err)
		snapshot, snapErr := c.loadSnapshot(ctx, p)
		if snapErr != nil {
			return provider.ModelCatalog{}, fmt.Errorf("カタログ取得に失敗しました（スナップショットもありません）: %w", err)
		}
		catalog = snapshot
	} else {
		c.storeSnapshot(ctx, p, catalog)
	}

	catalog = mergeStaticFallback(p, catalog)
	c.memory.Set(string(p), catalog, c.ttl)
	return catalog, nil
}

// RefreshAllAuthenticated は資格情報を持つ全クラウドプロバイダーのカタログを並列更新するのだ。
// 失敗はプロバイダーごとに独立して記録され、他のプロバイダーの更新を妨げないのだ。
func (c *Cache) RefreshAllAuthenticated(ctx context.Context) map[provider.Provider]error {
	failures := make(map[provider.Provider]error)
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	for _, p := range provider.CloudProviders {
		if !c.creds.IsAuthenticated(p) {
			continue
		}
		p := p

		eg.Go(func() error {
			if _, err := c.RefreshModels(egCtx, p, true); err != nil {
				mu.Lock()
				failures[p] = err
				mu.Unlock()
			}
			return nil // 失敗は failures に記録済み。伝播させない
		})
	}
	_ = eg.Wait()

	return failures
}

// mergeStaticFallback は静的フォールバックを重複なしでマージします。
func mergeStaticFallback(p provider.Provider, catalog provider.ModelCatalog) provider.ModelCatalog {
	if p != provider.ProviderOpenRouter {
		return catalog
	}

	existing := make(map[string]struct{}, len(catalog.ImageModelIDs))
	for _, id := range catalog.ImageModelIDs {
		existing[id] = struct{}{}
	}
	for i, id := range openRouterFallbackImageModels.ImageModelIDs {
		if _, ok := existing[id]; ok {
			continue
		}
		catalog.ImageModelIDs = append(catalog.ImageModelIDs, id)
		catalog.ImageModelNames = append(catalog.ImageModelNames, openRouterFallbackImageModels.ImageModelNames[i])
	}
	return catalog
}

// --- スナップショット永続化 ---

func (c *Cache) snapshotPath(p provider.Provider) (string, error) {
	return urlpath.ResolvePath(c.snapshotDir, snapshotKeyPrefix+string(p)+".json")
}

func (c *Cache) storeSnapshot(ctx context.Context, p provider.Provider, catalog provider.ModelCatalog) {
	if c.writer == nil {
		return
	}
	path, err := c.snapshotPath(p)
	if err != nil {
		return
	}

	data, err := json.Marshal(catalog)
	if err != nil {
		return
	}
	if err := c.writer.Write(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		// スナップショットは最適化なので失敗しても運転を止めない
		slog.Debug("カタログスナップショットの保存に失敗したのだ", "provider", p, "error", err)
	}
}

func (c *Cache) loadSnapshot(ctx context.Context, p provider.Provider) (provider.ModelCatalog, error) {
	if c.reader == nil {
		return provider.ModelCatalog{}, fmt.Errorf("スナップショットは無効です")
	}
	path, err := c.snapshotPath(p)
	if err != nil {
		return provider.ModelCatalog{}, err
	}

	rc, err := c.reader.Open(ctx, path)
	if err != nil {
		return provider.ModelCatalog{}, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return provider.ModelCatalog{}, err
	}

	var catalog provider.ModelCatalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return provider.ModelCatalog{}, fmt.Errorf("スナップショットのデコードに失敗しました: %w", err)
	}
	return catalog, nil
}
