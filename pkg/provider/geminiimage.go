package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/shouni/go-storybook-kit/pkg/domain"

	imagedom "github.com/shouni/gemini-image-kit/pkg/domain"
	imagekit "github.com/shouni/gemini-image-kit/pkg/generator"
)

// 子ども向け絵本で常に避けたい要素のネガティブプロンプトなのだ。
const storybookNegativePrompt = "text, letters, words, watermark, signature, scary imagery, dark shadows, distorted anatomy, low quality"

// GeminiImageProvider は gemini-image-kit の ImageGenerator を
// 絵本の挿絵生成アダプターとして包みます。
type GeminiImageProvider struct {
	imgGen imagekit.ImageGenerator
	style  string
}

// NewGeminiImageProvider は GeminiImageProvider を初期化します。
func NewGeminiImageProvider(imgGen imagekit.ImageGenerator, style string) (*GeminiImageProvider, error) {
	if imgGen == nil {
		return nil, fmt.Errorf("imgGen は必須です")
	}
	return &GeminiImageProvider{imgGen: imgGen, style: style}, nil
}

// Name はプロバイダー識別子を返します。
func (g *GeminiImageProvider) Name() Provider {
	return ProviderGemini
}

// GenerateImage は挿絵1枚を生成します。
// スタイル指定はリクエスト側が優先され、なければアダプターの既定値を使います。
func (g *GeminiImageProvider) GenerateImage(ctx context.Context, req ImageRequest) (domain.Image, error) {
	style := req.Style
	if style == "" {
		style = g.style
	}

	prompt := req.Prompt
	if style != "" {
		prompt = prompt + ", " + style
	}

	aspectRatio := req.Format
	if aspectRatio == "" {
		aspectRatio = "3:4"
	}

	resp, err := g.imgGen.GenerateMangaPanel(ctx, imagedom.ImageGenerationRequest{
		Prompt:         prompt,
		NegativePrompt: storybookNegativePrompt,
		AspectRatio:    aspectRatio,
	})
	if err != nil {
		return domain.Image{}, classifyImageKitError(err)
	}
	if resp == nil || len(resp.Data) == 0 {
		return domain.Image{}, NewGuardrailError(ProviderGemini, fmt.Errorf("画像データが返されませんでした"))
	}

	return domain.Image{Data: resp.Data, MimeType: resp.MimeType}, nil
}

// classifyImageKitError は gemini-image-kit のエラーを ProviderError に分類します。
func classifyImageKitError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "safety") || strings.Contains(msg, "blocked") || strings.Contains(msg, "no image data"):
		return NewGuardrailError(ProviderGemini, err)
	case strings.Contains(msg, "api key") || strings.Contains(msg, "unauthorized"):
		return NewAuthError(ProviderGemini, err)
	default:
		return NewTransportError(ProviderGemini, err)
	}
}
