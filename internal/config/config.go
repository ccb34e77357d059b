package config

import (
	"time"

	"github.com/shouni/go-storybook-kit/pkg/provider"

	"github.com/shouni/go-utils/envutil"
)

// デフォルト値の定義なのだ
const (
	DefaultModel           = "gemini-3-flash-preview"
	DefaultImageModel      = "gemini-3-pro-image-preview"
	DefaultHTTPTimeout     = 30 * time.Second
	DefaultPageCount       = 4
	DefaultFormat          = "3:4"
	DefaultStyle           = "Soft watercolor children's picture book style, warm colors, gentle light, storybook illustration"
	DefaultOutputDir       = "output"
	DefaultDiagnosticsFile = "output/diagnostics.jsonl"
	DefaultSnapshotDir     = "output/models"
)

// Config はアプリケーション全体の環境設定（APIキーやクラウド設定）を保持する構造体なのだ。
type Config struct {
	GeminiAPIKey     string
	OpenRouterAPIKey string
	TogetherAPIKey   string
	HuggingFaceToken string
	GeminiModel      string
	GeminiImageModel string
	LocalBaseURL     string
	DiagnosticsPath  string
	SnapshotDir      string

	Options GenerateOptions
}

// LoadConfig は環境変数から設定を読み込み、構造体を返すのだ！
func LoadConfig() *Config {
	return &Config{
		GeminiAPIKey:     envutil.GetEnv(provider.EnvGeminiAPIKey, ""),
		OpenRouterAPIKey: envutil.GetEnv(provider.EnvOpenRouterAPIKey, ""),
		TogetherAPIKey:   envutil.GetEnv(provider.EnvTogetherAPIKey, ""),
		HuggingFaceToken: envutil.GetEnv(provider.EnvHuggingFaceAPIKey, ""),
		GeminiModel:      envutil.GetEnv("GEMINI_MODEL", DefaultModel),
		GeminiImageModel: envutil.GetEnv("IMAGE_GEMINI_MODEL", DefaultImageModel),
		LocalBaseURL:     envutil.GetEnv("LOCAL_RUNTIME_URL", provider.DefaultLocalURL),
		DiagnosticsPath:  envutil.GetEnv("DIAGNOSTICS_PATH", DefaultDiagnosticsFile),
		SnapshotDir:      envutil.GetEnv("MODEL_SNAPSHOT_DIR", DefaultSnapshotDir),
	}
}

// GenerateOptions は CLI フラグから渡される実行時のパラメータなのだ。
type GenerateOptions struct {
	// 生成対象
	Concept   string // --concept
	PageCount int    // --pages
	BookFile  string // --book-file: illustrate コマンドが読む既存の絵本JSON

	// 出力設定
	OutputDir string // --output-dir（ローカル or gs://...）

	// プロバイダー・AI挙動設定
	Provider        string // --provider
	FallbackEnabled bool   // --fallback
	TextModel       string // --model
	ImageModel      string // --image-model
	Style           string // --style
	Format          string // --format

	// 実行制御
	HTTPTimeout time.Duration // --http-timeout
}
