// Package provider は、テキスト生成・画像生成の各バックエンド
// （Gemini、ローカルランタイム、OpenAI互換クラウドAPI群）を
// 統一インターフェースの背後に隠すアダプター層です。
package provider

import (
	"context"

	"github.com/shouni/go-storybook-kit/pkg/domain"
)

// Provider はバックエンドの識別子です。
type Provider string

const (
	// ProviderGemini は既定のプロバイダーです（デバイス内蔵モデル相当の役割）。
	ProviderGemini Provider = "gemini"
	// ProviderLocal はローカルで動作する OpenAI 互換ランタイム（MLX系サーバー等）です。
	ProviderLocal Provider = "local"
	// ProviderOpenRouter は OpenRouter のクラウドAPIです。
	ProviderOpenRouter Provider = "openrouter"
	// ProviderTogether は Together AI のクラウドAPIです。
	ProviderTogether Provider = "together"
	// ProviderHuggingFace は Hugging Face の推論ルーターです。
	ProviderHuggingFace Provider = "huggingface"
)

// CloudProviders は独自のモデルカタログと Bearer 認証を持つプロバイダー群です。
var CloudProviders = []Provider{ProviderOpenRouter, ProviderTogether, ProviderHuggingFace}

// StoryRequest は物語テキスト生成1回分の要求です。
// Prompt は呼び出し側（オーケストレーター）がテンプレートから構築済みの完成形を渡します。
type StoryRequest struct {
	Concept   string
	PageCount int
	Prompt    string
	Model     string
}

// ProgressFunc はテキスト生成の途中経過を受け取るコールバックなのだ。
// partial には累積テキストのスナップショットが渡されるのだ。
type ProgressFunc func(partial string)

// TextProvider は物語テキスト生成の契約です。
// ctx のキャンセルでストリーム途中でも中断できる必要があります。
type TextProvider interface {
	// GenerateStory は構造化された StoryBook を生成します。progress は nil を許容します。
	GenerateStory(ctx context.Context, req StoryRequest, progress ProgressFunc) (domain.StoryBook, error)
	// Name はこのアダプターのプロバイダー識別子を返します。
	Name() Provider
}

// ImageRequest は挿絵1枚分の生成要求です。
type ImageRequest struct {
	Prompt       string
	Style        string
	Format       string // アスペクト比（例 "1:1", "3:4"）
	VariantIndex int    // 変種エスカレーションの現在位置
	PageIndex    int    // 0 = 表紙
	Analysis     domain.PromptAnalysis
	Model        string
}

// ImageProvider は挿絵生成の契約です。
// 失敗はリトライ可否とガードレール拒絶を区別できる *ProviderError で返します。
type ImageProvider interface {
	GenerateImage(ctx context.Context, req ImageRequest) (domain.Image, error)
	Name() Provider
}

// StructuredCompleter は「スキーマを渡して型付きの結果を得る」汎用の構造化補完の契約です。
// JSON モードや function-calling を持つ任意の LLM API で実装できます。
// 失敗は guardrail / malformed / unavailable に分類された *ProviderError で返します。
type StructuredCompleter interface {
	// Complete は prompt を実行し、応答 JSON を out にデコードします。
	Complete(ctx context.Context, prompt string, out any) error
}

// ModelCatalog はクラウドプロバイダーのモデル一覧です。
type ModelCatalog struct {
	TextModelIDs    []string `json:"textModelIDs"`
	TextModelNames  []string `json:"textModelNames"`
	ImageModelIDs   []string `json:"imageModelIDs"`
	ImageModelNames []string `json:"imageModelNames"`
}

// CatalogFetcher はリモートのモデルカタログ取得の契約なのだ。
// クラウドアダプターだけが実装するのだ。
type CatalogFetcher interface {
	ListModels(ctx context.Context) (ModelCatalog, error)
}

// CredentialStore はプロバイダー資格情報の読み取り専用の契約です。
// 本体は資格情報の保存を一切管理しません（外部コラボレーターの責務）。
type CredentialStore interface {
	IsAuthenticated(p Provider) bool
	BearerToken(p Provider) (string, bool)
}
