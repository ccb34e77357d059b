package provider

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStoryResponse(t *testing.T) {
	t.Run("コードフェンス付きJSONをパースして番号を振り直すのだ", func(t *testing.T) {
		raw := "```json\n{\"title\":\"t\",\"pages\":[{\"page\":7,\"body\":\"a\"},{\"page\":7,\"body\":\"b\"}]}\n```"

		book, err := ParseStoryResponse(ProviderGemini, raw, 2)
		require.NoError(t, err)
		assert.Equal(t, 1, book.Pages[0].Number)
		assert.Equal(t, 2, book.Pages[1].Number)
		assert.NoError(t, book.Validate())
	})

	t.Run("要求ページ数を超えた分は切り捨てられるのだ", func(t *testing.T) {
		raw := `{"title":"t","pages":[{"page":1},{"page":2},{"page":3}]}`

		book, err := ParseStoryResponse(ProviderGemini, raw, 2)
		require.NoError(t, err)
		assert.Len(t, book.Pages, 2)
	})

	t.Run("要求より少ないページしか返らない応答は malformed で弾くのだ", func(t *testing.T) {
		raw := `{"title":"t","pages":[{"page":1,"body":"a"},{"page":2,"body":"b"},{"page":3,"body":"c"}]}`

		_, err := ParseStoryResponse(ProviderGemini, raw, 4)
		require.Error(t, err)
		assert.Equal(t, ErrKindMalformed, KindOf(err))
		// 再試行可能なので別プロバイダーへのフォールバック対象になる
		assert.True(t, IsRetryable(err))
	})

	t.Run("不正なJSONは malformed に分類されるのだ", func(t *testing.T) {
		_, err := ParseStoryResponse(ProviderTogether, "not json at all", 2)
		require.Error(t, err)

		var pe *ProviderError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, ErrKindMalformed, pe.Kind)
		assert.Equal(t, ProviderTogether, pe.Provider)
	})

	t.Run("ページ0件は malformed になるのだ", func(t *testing.T) {
		_, err := ParseStoryResponse(ProviderGemini, `{"title":"t","pages":[]}`, 2)
		require.Error(t, err)
		assert.Equal(t, ErrKindMalformed, KindOf(err))
	})
}

func TestProviderError_Classification(t *testing.T) {
	transport := NewTransportError(ProviderOpenRouter, errors.New("timeout"))
	guardrail := NewGuardrailError(ProviderGemini, errors.New("blocked"))

	assert.True(t, IsRetryable(transport))
	assert.False(t, IsRetryable(guardrail))
	assert.True(t, IsGuardrail(guardrail))
	assert.False(t, IsGuardrail(transport))

	// ラップされていても分類が取れること
	wrapped := errors.Join(errors.New("outer"), guardrail)
	assert.True(t, IsGuardrail(wrapped))

	// 分類不能なエラーは安全側に倒して再試行可能
	assert.True(t, IsRetryable(errors.New("unknown")))
	assert.Equal(t, ErrKindTransport, KindOf(errors.New("unknown")))
}
