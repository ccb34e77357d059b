package provider

import "time"

// クラウド各社・ローカルランタイムのエンドポイントと既定モデルです。
const (
	OpenRouterBaseURL  = "https://openrouter.ai/api/v1"
	TogetherBaseURL    = "https://api.together.xyz/v1"
	HuggingFaceBaseURL = "https://router.huggingface.co/v1"
	DefaultLocalURL    = "http://localhost:8080/v1"

	DefaultOpenRouterTextModel  = "google/gemini-2.5-flash"
	DefaultTogetherTextModel    = "meta-llama/Llama-3.3-70B-Instruct-Turbo"
	DefaultHuggingFaceTextModel = "meta-llama/Llama-3.3-70B-Instruct"
	DefaultLocalTextModel       = "mlx-community/Llama-3.2-3B-Instruct-4bit"

	DefaultTogetherImageModel = "black-forest-labs/FLUX.1-schnell"
)

// NewOpenRouterClient は OpenRouter 向けのクライアントを生成します。
func NewOpenRouterClient(token, textModel, imageModel string, timeout time.Duration) (*OpenAICompatClient, error) {
	if textModel == "" {
		textModel = DefaultOpenRouterTextModel
	}
	return NewOpenAICompatClient(OpenAICompatConfig{
		Provider:   ProviderOpenRouter,
		BaseURL:    OpenRouterBaseURL,
		Token:      token,
		TextModel:  textModel,
		ImageModel: imageModel,
		Timeout:    timeout,
	})
}

// NewTogetherClient は Together AI 向けのクライアントを生成します。
func NewTogetherClient(token, textModel, imageModel string, timeout time.Duration) (*OpenAICompatClient, error) {
	if textModel == "" {
		textModel = DefaultTogetherTextModel
	}
	if imageModel == "" {
		imageModel = DefaultTogetherImageModel
	}
	return NewOpenAICompatClient(OpenAICompatConfig{
		Provider:   ProviderTogether,
		BaseURL:    TogetherBaseURL,
		Token:      token,
		TextModel:  textModel,
		ImageModel: imageModel,
		Timeout:    timeout,
	})
}

// NewHuggingFaceClient は Hugging Face 推論ルーター向けのクライアントを生成します。
func NewHuggingFaceClient(token, textModel, imageModel string, timeout time.Duration) (*OpenAICompatClient, error) {
	if textModel == "" {
		textModel = DefaultHuggingFaceTextModel
	}
	return NewOpenAICompatClient(OpenAICompatConfig{
		Provider:   ProviderHuggingFace,
		BaseURL:    HuggingFaceBaseURL,
		Token:      token,
		TextModel:  textModel,
		ImageModel: imageModel,
		Timeout:    timeout,
	})
}

// NewLocalRuntimeClient はローカルで動く OpenAI 互換ランタイム（MLX系サーバー等）向けの
// クライアントを生成するのだ。認証トークンは不要なのだ。
func NewLocalRuntimeClient(baseURL, textModel string, timeout time.Duration) (*OpenAICompatClient, error) {
	if baseURL == "" {
		baseURL = DefaultLocalURL
	}
	if textModel == "" {
		textModel = DefaultLocalTextModel
	}
	return NewOpenAICompatClient(OpenAICompatConfig{
		Provider:  ProviderLocal,
		BaseURL:   baseURL,
		TextModel: textModel,
		Timeout:   timeout,
	})
}
