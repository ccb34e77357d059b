package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/prompts"

	"github.com/shouni/go-ai-client/v2/pkg/ai/gemini"
)

// GeminiProvider は Gemini API を使うテキスト生成・構造化補完アダプターです。
// 既定プロバイダーとして、デバイス内蔵モデル相当の役割を担います。
type GeminiProvider struct {
	aiClient gemini.GenerativeModel
	model    string
	builder  prompts.Builder
}

// NewGeminiProvider は GeminiProvider を初期化します。
func NewGeminiProvider(aiClient gemini.GenerativeModel, model string, builder prompts.Builder) (*GeminiProvider, error) {
	if aiClient == nil {
		return nil, fmt.Errorf("aiClient は必須です")
	}
	if model == "" {
		return nil, fmt.Errorf("model は必須です")
	}
	if builder == nil {
		return nil, fmt.Errorf("builder は必須です")
	}
	return &GeminiProvider{aiClient: aiClient, model: model, builder: builder}, nil
}

// Name はプロバイダー識別子を返します。
func (g *GeminiProvider) Name() Provider {
	return ProviderGemini
}

// GenerateStory は物語テキストを生成して StoryBook にパースします。
// Gemini クライアントはストリーミング面を持たないため、progress には
// 応答全文のスナップショットを一度だけ通知するのだ。
func (g *GeminiProvider) GenerateStory(ctx context.Context, req StoryRequest, progress ProgressFunc) (domain.StoryBook, error) {
	model := req.Model
	if model == "" {
		model = g.model
	}

	resp, err := g.aiClient.GenerateContent(ctx, req.Prompt, model)
	if err != nil {
		return domain.StoryBook{}, classifyGeminiError(err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return domain.StoryBook{}, NewGuardrailError(ProviderGemini, fmt.Errorf("モデルが空の応答を返しました"))
	}

	if progress != nil {
		progress(resp.Text)
	}

	return ParseStoryResponse(ProviderGemini, resp.Text, req.PageCount)
}

// Complete は構造化補完を実行し、応答 JSON を out にデコードします。
func (g *GeminiProvider) Complete(ctx context.Context, prompt string, out any) error {
	resp, err := g.aiClient.GenerateContent(ctx, prompt, g.model)
	if err != nil {
		return classifyGeminiError(err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return NewGuardrailError(ProviderGemini, fmt.Errorf("モデルが空の応答を返しました"))
	}
	return DecodeStructured(ProviderGemini, resp.Text, out)
}

// RewritePrompt は safety.PromptRewriter の実装で、挿絵プロンプトを穏やかな表現に書き換えます。
// 指示文は他のモードと同じくテンプレートから組み立てます。
func (g *GeminiProvider) RewritePrompt(ctx context.Context, prompt string) (string, error) {
	instruction, err := g.builder.Build(prompts.ModeSafetyRewrite, prompts.TemplateData{InputText: prompt})
	if err != nil {
		return "", fmt.Errorf("書き換え指示の組み立てに失敗しました: %w", err)
	}
	resp, err := g.aiClient.GenerateContent(ctx, instruction, g.model)
	if err != nil {
		return "", classifyGeminiError(err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// classifyGeminiError は Gemini クライアントのエラーを ProviderError に分類します。
// SDK のエラー型は安定していないため、メッセージのキーワードで判定します。
func classifyGeminiError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "safety") || strings.Contains(msg, "blocked") || strings.Contains(msg, "prohibited"):
		return NewGuardrailError(ProviderGemini, err)
	case strings.Contains(msg, "api key") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "permission"):
		return NewAuthError(ProviderGemini, err)
	case strings.Contains(msg, "quota") || strings.Contains(msg, "resource exhausted") || strings.Contains(msg, "unavailable"):
		return NewTransportError(ProviderGemini, err)
	default:
		return NewTransportError(ProviderGemini, err)
	}
}
