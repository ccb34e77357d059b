package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/shouni/go-storybook-kit/internal/builder"
	"github.com/shouni/go-storybook-kit/internal/config"
	"github.com/shouni/go-storybook-kit/pkg/asset"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/orchestrator"
	"github.com/shouni/go-storybook-kit/pkg/provider"

	"github.com/shouni/go-ai-client/v2/pkg/ai/gemini"
	"github.com/shouni/go-http-kit/pkg/httpkit"
	"github.com/shouni/go-remote-io/pkg/gcsfactory"
)

// Execute は、概念文から絵本一冊（本文＋挿絵）を生成して保存するのだ。
func Execute(ctx context.Context, cfg *config.Config) error {
	appCtx, err := setupAppContext(ctx, cfg)
	if err != nil {
		return err
	}

	orc, logger, err := builder.BuildOrchestrator(appCtx, orchestrator.PersistenceHooks{})
	if err != nil {
		return fmt.Errorf("オーケストレーターの構築に失敗したのだ: %w", err)
	}
	defer logger.Close()

	// 進捗ストリームをログに流す。チャネルは終端状態で閉じられるが、
	// キャンセル時は idle のまま開き続けるため ctx でも抜けるのだ
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-orc.Events():
				if !ok {
					return
				}
				switch {
				case ev.Message != "":
					slog.Info(ev.Message, "phase", string(ev.Kind))
				case ev.PartialText != "":
					slog.Debug("本文を受信中なのだ...", "chars", len(ev.PartialText))
				default:
					slog.Info("フェーズが進んだのだ", "state", ev.String())
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	result, err := orc.Run(ctx, cfg.Options.Concept)
	<-done
	if err != nil {
		return fmt.Errorf("絵本の生成に失敗したのだ: %w", err)
	}

	if err := saveResult(ctx, appCtx, result); err != nil {
		return err
	}

	slog.Info("絵本が完成したのだ！",
		"title", result.Book.Title,
		"pages", len(result.Book.Pages),
		"images", len(result.Images),
		"provider", string(result.Provider),
		"duration", result.Duration.String())
	return nil
}

// ExecuteIllustrateOnly は、既存の絵本 JSON を読み込み挿絵だけを作り直すのだ。
func ExecuteIllustrateOnly(ctx context.Context, cfg *config.Config) error {
	appCtx, err := setupAppContext(ctx, cfg)
	if err != nil {
		return err
	}

	book, err := loadBook(ctx, appCtx, cfg.Options.BookFile)
	if err != nil {
		return err
	}

	orc, logger, err := builder.BuildOrchestrator(appCtx, orchestrator.PersistenceHooks{})
	if err != nil {
		return fmt.Errorf("オーケストレーターの構築に失敗したのだ: %w", err)
	}
	defer logger.Close()

	slog.Info("挿絵の再生成を開始するのだ", "title", book.Title, "pages", len(book.Pages))

	images := make(domain.ImageMap)
	for index := 0; index <= len(book.Pages); index++ {
		img, err := orc.RegeneratePage(ctx, book, index)
		if err != nil {
			slog.Warn("挿絵の生成に失敗したページを飛ばすのだ", "index", index, "error", err)
			continue
		}
		images[index] = img
	}
	if len(images) == 0 {
		return fmt.Errorf("挿絵を1枚も生成できなかったのだ")
	}

	if err := saveImages(ctx, appCtx, images); err != nil {
		return err
	}
	slog.Info("挿絵の再生成が完了したのだ！", "images", len(images))
	return nil
}

// ExecuteModels は、認証済みプロバイダーのモデルカタログを更新して表示するのだ。
func ExecuteModels(ctx context.Context, cfg *config.Config, force bool) error {
	appCtx, err := setupAppContext(ctx, cfg)
	if err != nil {
		return err
	}

	cache, err := builder.BuildModelCache(appCtx)
	if err != nil {
		return err
	}

	failures := cache.RefreshAllAuthenticated(ctx)
	for p, ferr := range failures {
		slog.Warn("カタログ更新に失敗したプロバイダーがあるのだ", "provider", string(p), "error", ferr)
	}

	for _, p := range availableProviders(cfg) {
		catalogData, err := cache.RefreshModels(ctx, p, force)
		if err != nil {
			continue
		}
		slog.Info("利用可能なモデルなのだ",
			"provider", string(p),
			"text_models", len(catalogData.TextModelIDs),
			"image_models", len(catalogData.ImageModelIDs))
		for i, id := range catalogData.TextModelIDs {
			fmt.Printf("%s\ttext\t%s\t%s\n", p, id, nameAt(catalogData.TextModelNames, i))
		}
		for i, id := range catalogData.ImageModelIDs {
			fmt.Printf("%s\timage\t%s\t%s\n", p, id, nameAt(catalogData.ImageModelNames, i))
		}
	}
	return nil
}

// setupAppContext は、提供された設定と共有コンポーネントを使用して、アプリケーションコンテキストを初期化して返すのだ。
func setupAppContext(ctx context.Context, cfg *config.Config) (*builder.AppContext, error) {
	timeout := cfg.Options.HTTPTimeout
	if timeout == 0 {
		timeout = config.DefaultHTTPTimeout
	}
	httpClient := httpkit.New(timeout)

	gcsFactory, err := gcsfactory.NewGCSClientFactory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client factory: %w", err)
	}
	reader, err := gcsFactory.NewInputReader()
	if err != nil {
		return nil, err
	}
	writer, err := gcsFactory.NewOutputWriter()
	if err != nil {
		return nil, err
	}

	// Gemini は APIキーがあるときだけ初期化する。クラウド/ローカル運用では無くてもよいのだ
	var aiClient gemini.GenerativeModel
	if cfg.GeminiAPIKey != "" {
		aiClient, err = builder.InitializeAIClient(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create ai client: %w", err)
		}
	}

	appCtx := builder.NewAppContext(cfg, httpClient, aiClient, reader, writer)
	return &appCtx, nil
}

func loadBook(ctx context.Context, appCtx *builder.AppContext, path string) (domain.StoryBook, error) {
	rc, err := appCtx.Reader.Open(ctx, path)
	if err != nil {
		return domain.StoryBook{}, fmt.Errorf("絵本ファイル '%s' の読み込みに失敗しました: %w", path, err)
	}
	defer rc.Close()

	var book domain.StoryBook
	if err := json.NewDecoder(rc).Decode(&book); err != nil {
		return domain.StoryBook{}, fmt.Errorf("絵本ファイル '%s' のデコードに失敗しました: %w", path, err)
	}
	if err := book.Validate(); err != nil {
		return domain.StoryBook{}, fmt.Errorf("絵本ファイルの内容が不正です: %w", err)
	}
	return book, nil
}

// saveResult は絵本 JSON と挿絵一式を出力先に保存するのだ。
func saveResult(ctx context.Context, appCtx *builder.AppContext, result *orchestrator.RunResult) error {
	outputDir := appCtx.Options.OutputDir
	if outputDir == "" {
		outputDir = config.DefaultOutputDir
	}

	bookPath, err := asset.ResolveOutputPath(outputDir, asset.DefaultBookJSON)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(result.Book, "", "  ")
	if err != nil {
		return fmt.Errorf("絵本のエンコードに失敗しました: %w", err)
	}
	if err := appCtx.Writer.Write(ctx, bookPath, bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("絵本の保存に失敗したのだ: %w", err)
	}
	slog.Info("絵本本体を保存したのだ", "path", bookPath)

	return saveImages(ctx, appCtx, result.Images)
}

func saveImages(ctx context.Context, appCtx *builder.AppContext, images domain.ImageMap) error {
	outputDir := appCtx.Options.OutputDir
	if outputDir == "" {
		outputDir = config.DefaultOutputDir
	}
	imageDir, err := asset.ResolveOutputPath(outputDir, asset.DefaultImageDir)
	if err != nil {
		return err
	}

	for index, img := range images {
		path, err := asset.ImagePathFor(imageDir, index)
		if err != nil {
			return err
		}
		if err := appCtx.Writer.Write(ctx, path, bytes.NewReader(img.Data), img.MimeType); err != nil {
			return fmt.Errorf("挿絵 %d の保存に失敗したのだ: %w", index, err)
		}
	}
	return nil
}

// availableProviders はトークンが設定されているクラウドプロバイダーだけを返すのだ。
func availableProviders(cfg *config.Config) []provider.Provider {
	var out []provider.Provider
	if cfg.OpenRouterAPIKey != "" {
		out = append(out, provider.ProviderOpenRouter)
	}
	if cfg.TogetherAPIKey != "" {
		out = append(out, provider.ProviderTogether)
	}
	if cfg.HuggingFaceToken != "" {
		out = append(out, provider.ProviderHuggingFace)
	}
	return out
}

func nameAt(names []string, i int) string {
	if i < len(names) {
		return names[i]
	}
	return ""
}
