package orchestrator

import (
	"testing"

	"github.com/shouni/go-storybook-kit/pkg/domain"

	"github.com/stretchr/testify/assert"
)

func TestBuildVariantPrompt(t *testing.T) {
	a := domain.PromptAnalysis{
		Characters: []domain.ParsedCharacter{
			{Name: "Momo", Species: "rabbit", Appearance: "white fur"},
		},
		SceneSetting: "a sunny meadow",
		MainAction:   "hopping over a stream",
		Mood:         "joyful",
	}
	base := "Momo the rabbit (white fur) hopping over a stream in a sunny meadow"

	t.Run("変種0は元プロンプトをそのまま使うのだ", func(t *testing.T) {
		assert.Equal(t, base, buildVariantPrompt(base, a, 0))
	})

	t.Run("変種1は種族アンカーに単純化されるのだ", func(t *testing.T) {
		got := buildVariantPrompt(base, a, 1)
		assert.Contains(t, got, "rabbit")
		assert.NotContains(t, got, "Momo", "固有名詞は落とされるべきです")
	})

	t.Run("変種2はキャラクターを落とし情景だけになるのだ", func(t *testing.T) {
		got := buildVariantPrompt(base, a, 2)
		assert.Contains(t, got, "a sunny meadow")
		assert.NotContains(t, got, "rabbit")
	})

	t.Run("変種4以降は汎用セーフプロンプトなのだ", func(t *testing.T) {
		assert.Equal(t, genericSafePrompt, buildVariantPrompt(base, a, 4))
		assert.Equal(t, genericSafePrompt, buildVariantPrompt(base, a, 5))
	})

	t.Run("各段は前段より情報が減るのだ", func(t *testing.T) {
		prev := buildVariantPrompt(base, a, 0)
		for v := 1; v <= 4; v++ {
			cur := buildVariantPrompt(base, a, v)
			assert.NotEqual(t, prev, cur, "変種 %d は前段と同じ入力を繰り返してはいけません", v)
			prev = cur
		}
	})

	t.Run("分析が空でも必ず何か返すのだ", func(t *testing.T) {
		empty := domain.EmptyAnalysis()
		for v := 0; v <= 5; v++ {
			assert.NotEmpty(t, buildVariantPrompt(base, empty, v))
		}
	})
}
