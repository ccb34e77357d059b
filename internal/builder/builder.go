package builder

import (
	"context"
	"fmt"
	"time"

	"github.com/shouni/go-storybook-kit/internal/config"
	"github.com/shouni/go-storybook-kit/pkg/analysis"
	"github.com/shouni/go-storybook-kit/pkg/catalog"
	"github.com/shouni/go-storybook-kit/pkg/characters"
	"github.com/shouni/go-storybook-kit/pkg/diag"
	"github.com/shouni/go-storybook-kit/pkg/orchestrator"
	"github.com/shouni/go-storybook-kit/pkg/prompts"
	"github.com/shouni/go-storybook-kit/pkg/provider"
	"github.com/shouni/go-storybook-kit/pkg/safety"

	"github.com/patrickmn/go-cache"
	"github.com/shouni/gemini-image-kit/pkg/generator"
	"github.com/shouni/go-ai-client/v2/pkg/ai/gemini"
	"google.golang.org/genai"
)

// InitializeAIClient は gemini クライアントを初期化します。
func InitializeAIClient(ctx context.Context, apiKey string) (gemini.GenerativeModel, error) {
	const defaultGeminiTemperature = float32(0.2)
	clientConfig := gemini.Config{
		APIKey:      apiKey,
		Temperature: genai.Ptr(defaultGeminiTemperature),
	}
	aiClient, err := gemini.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("AIクライアントの初期化に失敗しました: %w", err)
	}
	return aiClient, nil
}

// InitializeImageGenerator は Gemini 画像生成コアを初期化します。
func InitializeImageGenerator(appCtx *AppContext) (generator.ImageGenerator, error) {
	imgCache := cache.New(30*time.Minute, 1*time.Hour)
	cacheTTL := 1 * time.Hour

	core, err := generator.NewGeminiImageCore(
		appCtx.httpClient,
		imgCache,
		cacheTTL,
	)
	if err != nil {
		return nil, fmt.Errorf("GeminiImageCoreの初期化に失敗したのだ: %w", err)
	}

	imgGen, err := generator.NewGeminiGenerator(
		core,
		appCtx.aiClient,
		appCtx.Config.GeminiImageModel,
	)
	if err != nil {
		return nil, fmt.Errorf("GeminiGeneratorの初期化に失敗したのだ: %w", err)
	}

	return imgGen, nil
}

// BuildProviders は設定済みの資格情報から利用可能なアダプター群を構築するのだ。
// Gemini は APIキーがあるときだけ、クラウド各社はトークンがあるときだけ登録されるのだ。
// ローカルランタイムは資格情報なしで常に利用できるのだよ。
func BuildProviders(appCtx *AppContext, pb prompts.Builder) (map[provider.Provider]provider.TextProvider, map[provider.Provider]provider.ImageProvider, error) {
	texts := make(map[provider.Provider]provider.TextProvider)
	images := make(map[provider.Provider]provider.ImageProvider)

	timeout := appCtx.Options.HTTPTimeout
	if timeout == 0 {
		timeout = config.DefaultHTTPTimeout
	}

	if appCtx.aiClient != nil {
		gp, err := provider.NewGeminiProvider(appCtx.aiClient, appCtx.Config.GeminiModel, pb)
		if err != nil {
			return nil, nil, err
		}
		texts[provider.ProviderGemini] = gp

		imgGen, err := InitializeImageGenerator(appCtx)
		if err != nil {
			return nil, nil, err
		}
		gip, err := provider.NewGeminiImageProvider(imgGen, appCtx.Options.Style)
		if err != nil {
			return nil, nil, err
		}
		images[provider.ProviderGemini] = gip
	}

	local, err := provider.NewLocalRuntimeClient(appCtx.Config.LocalBaseURL, "", timeout)
	if err != nil {
		return nil, nil, err
	}
	texts[provider.ProviderLocal] = local

	if key := appCtx.Config.OpenRouterAPIKey; key != "" {
		c, err := provider.NewOpenRouterClient(key, "", "", timeout)
		if err != nil {
			return nil, nil, err
		}
		texts[provider.ProviderOpenRouter] = c
		images[provider.ProviderOpenRouter] = c
	}
	if key := appCtx.Config.TogetherAPIKey; key != "" {
		c, err := provider.NewTogetherClient(key, "", "", timeout)
		if err != nil {
			return nil, nil, err
		}
		texts[provider.ProviderTogether] = c
		images[provider.ProviderTogether] = c
	}
	if key := appCtx.Config.HuggingFaceToken; key != "" {
		c, err := provider.NewHuggingFaceClient(key, "", "", timeout)
		if err != nil {
			return nil, nil, err
		}
		texts[provider.ProviderHuggingFace] = c
		images[provider.ProviderHuggingFace] = c
	}

	if len(images) == 0 {
		return nil, nil, fmt.Errorf("挿絵を生成できるプロバイダーがありません。GEMINI_API_KEY かクラウドのトークンを設定してほしいのだ")
	}
	return texts, images, nil
}

// BuildOrchestrator は生成パイプライン全体を組み立てます。
// 返される diag.Logger は呼び出し側が Close してください。
func BuildOrchestrator(appCtx *AppContext, hooks orchestrator.PersistenceHooks) (*orchestrator.Orchestrator, *diag.Logger, error) {
	pb, err := prompts.NewPromptBuilder()
	if err != nil {
		return nil, nil, err
	}

	texts, images, err := BuildProviders(appCtx, pb)
	if err != nil {
		return nil, nil, err
	}

	// 構造化補完とプロンプト書き換えは Gemini を優先し、無ければローカルに頼る
	var completer provider.StructuredCompleter
	var rewriter safety.PromptRewriter
	if gp, ok := texts[provider.ProviderGemini].(*provider.GeminiProvider); ok {
		completer = gp
		rewriter = gp
	} else if lc, ok := texts[provider.ProviderLocal].(*provider.OpenAICompatClient); ok {
		completer = lc
	}

	engine, err := analysis.NewEngine(completer, pb)
	if err != nil {
		return nil, nil, err
	}
	validator, err := characters.NewValidator(completer, pb)
	if err != nil {
		return nil, nil, err
	}

	logger, err := diag.NewLogger(appCtx.Config.DiagnosticsPath)
	if err != nil {
		return nil, nil, err
	}

	orc, err := orchestrator.New(orchestrator.Config{
		TextProviders:  texts,
		ImageProviders: images,
		Policy:         safety.NewPolicy(rewriter),
		Analyzer:       engine,
		Validator:      validator,
		PromptBuilder:  pb,
		Diagnostics:    logger,
		Hooks:          hooks,
		Run:            runConfigFromOptions(appCtx.Options),
	})
	if err != nil {
		logger.Close()
		return nil, nil, err
	}
	return orc, logger, nil
}

func runConfigFromOptions(opts config.GenerateOptions) orchestrator.RunConfig {
	pageCount := opts.PageCount
	if pageCount <= 0 {
		pageCount = config.DefaultPageCount
	}
	return orchestrator.RunConfig{
		Provider:        provider.Provider(opts.Provider),
		FallbackEnabled: opts.FallbackEnabled,
		PageCount:       pageCount,
		Style:           opts.Style,
		Format:          opts.Format,
		TextModel:       opts.TextModel,
		ImageModel:      opts.ImageModel,
	}
}

// BuildModelCache はモデルカタログの TTL キャッシュを構築します。
func BuildModelCache(appCtx *AppContext) (*catalog.Cache, error) {
	timeout := appCtx.Options.HTTPTimeout
	if timeout == 0 {
		timeout = config.DefaultHTTPTimeout
	}

	creds := provider.NewEnvCredentialStore()
	fetchers := make(map[provider.Provider]provider.CatalogFetcher)

	if token, ok := creds.BearerToken(provider.ProviderOpenRouter); ok {
		c, err := provider.NewOpenRouterClient(token, "", "", timeout)
		if err != nil {
			return nil, err
		}
		fetchers[provider.ProviderOpenRouter] = c
	}
	if token, ok := creds.BearerToken(provider.ProviderTogether); ok {
		c, err := provider.NewTogetherClient(token, "", "", timeout)
		if err != nil {
			return nil, err
		}
		fetchers[provider.ProviderTogether] = c
	}
	if token, ok := creds.BearerToken(provider.ProviderHuggingFace); ok {
		c, err := provider.NewHuggingFaceClient(token, "", "", timeout)
		if err != nil {
			return nil, err
		}
		fetchers[provider.ProviderHuggingFace] = c
	}

	if len(fetchers) == 0 {
		return nil, fmt.Errorf("モデルカタログを取得できるプロバイダーがありません。クラウドのトークンを設定してほしいのだ")
	}

	return catalog.New(catalog.Config{
		Fetchers:    fetchers,
		Credentials: creds,
		Reader:      appCtx.Reader,
		Writer:      appCtx.Writer,
		SnapshotDir: appCtx.Config.SnapshotDir,
	})
}
