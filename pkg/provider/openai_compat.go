package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shouni/go-storybook-kit/pkg/domain"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultRequestTimeout = 120 * time.Second
	maxTransientRetries   = 2
)

// OpenAICompatClient は OpenAI 互換 API（OpenRouter / Together / Hugging Face ルーター /
// ローカルランタイム）への統一アダプターです。TextProvider, ImageProvider,
// CatalogFetcher を実装します。
// Bearer 認証付きの JSON POST と SSE ストリーミングが必要なため、
// ここだけは net/http を直接使います。
type OpenAICompatClient struct {
	provider   Provider
	baseURL    string
	token      string
	httpClient *http.Client
	textModel  string
	imageModel string
}

// OpenAICompatConfig は OpenAICompatClient の初期化パラメータです。
type OpenAICompatConfig struct {
	Provider   Provider
	BaseURL    string // 例: "https://openrouter.ai/api/v1"
	Token      string // ローカルランタイムでは空を許容
	TextModel  string
	ImageModel string
	Timeout    time.Duration
}

// NewOpenAICompatClient は OpenAI 互換クライアントを初期化します。
func NewOpenAICompatClient(cfg OpenAICompatConfig) (*OpenAICompatClient, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("provider は必須です")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("baseURL は必須です")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}

	return &OpenAICompatClient{
		provider:   cfg.Provider,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		textModel:  cfg.TextModel,
		imageModel: cfg.ImageModel,
	}, nil
}

// Name はプロバイダー識別子を返します。
func (c *OpenAICompatClient) Name() Provider {
	return c.provider
}

// --- テキスト生成 ---

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// GenerateStory は chat/completions をストリーミングで呼び、途中経過を progress に通知します。
// ctx のキャンセルでストリーム途中でも中断されます。
func (c *OpenAICompatClient) GenerateStory(ctx context.Context, req StoryRequest, progress ProgressFunc) (domain.StoryBook, error) {
	model := req.Model
	if model == "" {
		model = c.textModel
	}

	raw, err := c.streamChat(ctx, model, req.Prompt, progress)
	if err != nil {
		return domain.StoryBook{}, err
	}
	return ParseStoryResponse(c.provider, raw, req.PageCount)
}

// Complete は構造化補完（非ストリーミング）を実行します。
func (c *OpenAICompatClient) Complete(ctx context.Context, prompt string, out any) error {
	body, err := json.Marshal(chatRequest{
		Model:    c.textModel,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return NewMalformedError(c.provider, err)
	}

	respBody, err := c.postWithRetry(ctx, "/chat/completions", body)
	if err != nil {
		return err
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return NewMalformedError(c.provider, err)
	}
	if len(parsed.Choices) == 0 {
		return NewGuardrailError(c.provider, fmt.Errorf("応答に choices が含まれていません"))
	}
	return DecodeStructured(c.provider, parsed.Choices[0].Message.Content, out)
}

// streamChat は SSE ストリームを読み、累積テキストを progress に通知しながら全文を返します。
func (c *OpenAICompatClient) streamChat(ctx context.Context, model, prompt string, progress ProgressFunc) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		Stream:   true,
	})
	if err != nil {
		return "", NewMalformedError(c.provider, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", NewTransportError(c.provider, err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", NewTransportError(c.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", c.classifyStatus(resp.StatusCode, payload)
	}

	var sb strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue // 途中の不正チャンクは読み飛ばす
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if progress != nil {
			progress(sb.String())
		}
	}
	if err := scanner.Err(); err != nil {
		// キャンセルはそのまま呼び出し元に返す
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", NewTransportError(c.provider, err)
	}

	if sb.Len() == 0 {
		return "", NewGuardrailError(c.provider, fmt.Errorf("ストリームが空のまま終了しました"))
	}
	return sb.String(), nil
}

// --- 画像生成 ---

type imageGenRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size,omitempty"`
}

type imageGenResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		URL     string `json:"url"`
	} `json:"data"`
}

// GenerateImage は images/generations を呼び、base64 画像をデコードして返します。
func (c *OpenAICompatClient) GenerateImage(ctx context.Context, req ImageRequest) (domain.Image, error) {
	model := req.Model
	if model == "" {
		model = c.imageModel
	}
	if model == "" {
		return domain.Image{}, NewUnavailableError(c.provider, fmt.Errorf("画像モデルが設定されていません"))
	}

	prompt := req.Prompt
	if req.Style != "" {
		prompt = prompt + ", " + req.Style
	}

	body, err := json.Marshal(imageGenRequest{Model: model, Prompt: prompt, N: 1, Size: sizeForFormat(req.Format)})
	if err != nil {
		return domain.Image{}, NewMalformedError(c.provider, err)
	}

	respBody, err := c.postWithRetry(ctx, "/images/generations", body)
	if err != nil {
		return domain.Image{}, err
	}

	var parsed imageGenResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return domain.Image{}, NewMalformedError(c.provider, err)
	}
	if len(parsed.Data) == 0 || parsed.Data[0].B64JSON == "" {
		return domain.Image{}, NewGuardrailError(c.provider, fmt.Errorf("応答に画像データが含まれていません"))
	}

	data, err := base64.StdEncoding.DecodeString(parsed.Data[0].B64JSON)
	if err != nil {
		return domain.Image{}, NewMalformedError(c.provider, err)
	}
	return domain.Image{Data: data, MimeType: http.DetectContentType(data)}, nil
}

// sizeForFormat はアスペクト比指定をAPIのピクセルサイズに対応づけます。
func sizeForFormat(format string) string {
	switch format {
	case "3:4":
		return "768x1024"
	case "16:9":
		return "1344x768"
	default:
		return "1024x1024"
	}
}

// --- モデルカタログ ---

type modelListResponse struct {
	Data []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"data"`
}

// imageModelKeywords はモデルIDから画像モデルを見分けるためのキーワードです。
var imageModelKeywords = []string{"flux", "stable-diffusion", "sdxl", "dall-e", "image", "imagen"}

// ListModels はプロバイダーのモデルカタログを取得し、テキスト系と画像系に振り分けます。
func (c *OpenAICompatClient) ListModels(ctx context.Context) (ModelCatalog, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return ModelCatalog{}, NewTransportError(c.provider, err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ModelCatalog{}, NewTransportError(c.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return ModelCatalog{}, c.classifyStatus(resp.StatusCode, payload)
	}

	var parsed modelListResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ModelCatalog{}, NewMalformedError(c.provider, err)
	}

	var catalog ModelCatalog
	for _, m := range parsed.Data {
		name := m.Name
		if name == "" {
			name = m.ID
		}
		if isImageModelID(m.ID) {
			catalog.ImageModelIDs = append(catalog.ImageModelIDs, m.ID)
			catalog.ImageModelNames = append(catalog.ImageModelNames, name)
		} else {
			catalog.TextModelIDs = append(catalog.TextModelIDs, m.ID)
			catalog.TextModelNames = append(catalog.TextModelNames, name)
		}
	}
	return catalog, nil
}

func isImageModelID(id string) bool {
	lower := strings.ToLower(id)
	for _, kw := range imageModelKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// --- 共通 HTTP 処理 ---

func (c *OpenAICompatClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// postWithRetry は一時的な失敗（5xx・通信エラー）だけを指数バックオフで再試行します。
// 認証エラーやガードレール拒絶は即座に分類して返し、再試行しません。
func (c *OpenAICompatClient) postWithRetry(ctx context.Context, path string, body []byte) ([]byte, error) {
	var result []byte

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(NewTransportError(c.provider, err))
		}
		c.setHeaders(httpReq)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return NewTransportError(c.provider, err) // 再試行対象
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return NewTransportError(c.provider, err)
		}

		if resp.StatusCode != http.StatusOK {
			classified := c.classifyStatus(resp.StatusCode, payload)
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				slog.Debug("一時的な失敗のため再試行するのだ", "provider", c.provider, "status", resp.StatusCode)
				return classified // 再試行対象
			}
			return backoff.Permanent(classified)
		}

		result = payload
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxTransientRetries), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, err
	}
	return result, nil
}

// classifyStatus は HTTP ステータスと本文からエラーを分類します。
func (c *OpenAICompatClient) classifyStatus(status int, body []byte) error {
	msg := strings.ToLower(string(body))
	err := fmt.Errorf("HTTP %d: %s", status, domain.PromptPreview(string(body), 200))

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewAuthError(c.provider, err)
	case status == http.StatusBadRequest &&
		(strings.Contains(msg, "content policy") || strings.Contains(msg, "safety") || strings.Contains(msg, "moderation")):
		return NewGuardrailError(c.provider, err)
	case status == http.StatusNotFound:
		return NewUnavailableError(c.provider, err)
	case status >= 500 || status == http.StatusTooManyRequests:
		return NewTransportError(c.provider, err)
	default:
		return NewTransportError(c.provider, err)
	}
}
