package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*OpenAICompatClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewOpenAICompatClient(OpenAICompatConfig{
		Provider:   ProviderOpenRouter,
		BaseURL:    srv.URL,
		Token:      "test-token",
		TextModel:  "test/text-model",
		ImageModel: "test/image-model",
	})
	require.NoError(t, err)
	return c, srv
}

func TestOpenAICompatClient_GenerateStory(t *testing.T) {
	storyJSON := `{"title":"The Lost Hat","pages":[{"page":1,"body":"a","illustration_prompt":"p1"},{"page":2,"body":"b","illustration_prompt":"p2"}]}`

	t.Run("SSEストリームから全文を組み立ててパースするのだ", func(t *testing.T) {
		var gotAuth string
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			require.Equal(t, "/chat/completions", r.URL.Path)

			w.Header().Set("Content-Type", "text/event-stream")
			// 2チャンクに分けて配信
			half := len(storyJSON) / 2
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", storyJSON[:half])
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", storyJSON[half:])
			fmt.Fprint(w, "data: [DONE]\n\n")
		})
		c, _ := newTestClient(t, handler)

		var progressCalls int
		book, err := c.GenerateStory(context.Background(), StoryRequest{Concept: "c", PageCount: 2, Prompt: "prompt"}, func(partial string) {
			progressCalls++
		})

		require.NoError(t, err)
		assert.Equal(t, "Bearer test-token", gotAuth)
		assert.Equal(t, "The Lost Hat", book.Title)
		require.Len(t, book.Pages, 2)
		assert.Equal(t, 2, progressCalls, "チャンクごとに進捗が通知されるのだ")
	})

	t.Run("401は認証エラーに分類されるのだ", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
		c, _ := newTestClient(t, handler)

		_, err := c.GenerateStory(context.Background(), StoryRequest{Prompt: "p", PageCount: 1}, nil)
		require.Error(t, err)
		assert.Equal(t, ErrKindAuth, KindOf(err))
		assert.True(t, IsRetryable(err), "認証エラーはフォールバックで続行可能なのだ")
	})

	t.Run("空ストリームはガードレール拒絶として扱うのだ", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "data: [DONE]\n\n")
		})
		c, _ := newTestClient(t, handler)

		_, err := c.GenerateStory(context.Background(), StoryRequest{Prompt: "p", PageCount: 1}, nil)
		require.Error(t, err)
		assert.True(t, IsGuardrail(err))
		assert.False(t, IsRetryable(err))
	})
}

func TestOpenAICompatClient_GenerateImage(t *testing.T) {
	t.Run("b64画像をデコードして返すのだ", func(t *testing.T) {
		pngHeader := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/images/generations", r.URL.Path)
			fmt.Fprintf(w, `{"data":[{"b64_json":%q}]}`, base64.StdEncoding.EncodeToString(pngHeader))
		})
		c, _ := newTestClient(t, handler)

		img, err := c.GenerateImage(context.Background(), ImageRequest{Prompt: "a fox", Format: "3:4"})
		require.NoError(t, err)
		assert.Equal(t, pngHeader, img.Data)
	})

	t.Run("コンテンツポリシー拒絶はガードレールに分類されるのだ", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"rejected by content policy"}}`)
		})
		c, _ := newTestClient(t, handler)

		_, err := c.GenerateImage(context.Background(), ImageRequest{Prompt: "p"})
		require.Error(t, err)
		assert.True(t, IsGuardrail(err))
	})

	t.Run("5xxは再試行してから transport エラーを返すのだ", func(t *testing.T) {
		var calls int
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusInternalServerError)
		})
		c, _ := newTestClient(t, handler)

		_, err := c.GenerateImage(context.Background(), ImageRequest{Prompt: "p"})
		require.Error(t, err)
		assert.Equal(t, ErrKindTransport, KindOf(err))
		assert.Equal(t, 1+maxTransientRetries, calls, "初回+再試行回数だけ呼ばれるのだ")
	})

	t.Run("画像モデル未設定は unavailable になるのだ", func(t *testing.T) {
		c, err := NewOpenAICompatClient(OpenAICompatConfig{
			Provider:  ProviderOpenRouter,
			BaseURL:   "http://localhost:0",
			TextModel: "t",
		})
		require.NoError(t, err)

		_, err = c.GenerateImage(context.Background(), ImageRequest{Prompt: "p"})
		assert.Equal(t, ErrKindUnavailable, KindOf(err))
	})
}

func TestOpenAICompatClient_ListModels(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models", r.URL.Path)
		fmt.Fprint(w, `{"data":[
			{"id":"meta-llama/llama-3-70b","name":"Llama 3 70B"},
			{"id":"black-forest-labs/flux.1-schnell","name":"FLUX.1 Schnell"},
			{"id":"stabilityai/stable-diffusion-xl"}
		]}`)
	})
	c, _ := newTestClient(t, handler)

	catalog, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"meta-llama/llama-3-70b"}, catalog.TextModelIDs)
	assert.Equal(t, []string{"black-forest-labs/flux.1-schnell", "stabilityai/stable-diffusion-xl"}, catalog.ImageModelIDs)
	// name が無いモデルは ID で補完される
	assert.Equal(t, "stabilityai/stable-diffusion-xl", catalog.ImageModelNames[1])
}

func TestOpenAICompatClient_Complete(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"`+"```json\\n{\\\"mood\\\":\\\"calm\\\"}\\n```"+`"}}]}`)
	})
	c, _ := newTestClient(t, handler)

	var out struct {
		Mood string `json:"mood"`
	}
	err := c.Complete(context.Background(), "analyze", &out)
	require.NoError(t, err)
	assert.Equal(t, "calm", out.Mood, "コードフェンス付きの応答もパースできるのだ")
}
