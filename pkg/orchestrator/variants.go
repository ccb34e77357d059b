package orchestrator

import (
	"fmt"
	"strings"

	"github.com/shouni/go-storybook-kit/pkg/domain"
)

// 変種エスカレーションの既定値。導出根拠のない製品チューニング値のため、
// ハードコードせず RunConfig で上書きできるようにしてあります。
const (
	DefaultMaxVariantIndex = 5
	DefaultAttemptBudget   = 3
)

// genericSafePrompt は最後の砦となる汎用プロンプトです。
// 救済パスと変種チェーンの終端で、内容に依存せず必ず通る絵を狙うのだ。
const genericSafePrompt = "A gentle, colorful children's picture book illustration, soft shapes, warm light, cheerful and friendly mood."

// buildVariantPrompt は変種インデックスに応じた挿絵プロンプトを組み立てます。
// チェーンは「種族アンカー付き → 情景のみ → 汎用セーフ」の順に単純化していきます。
// 同じ失敗プロンプトを繰り返さないことが目的であり、各段は前段より必ず情報が少なくなります。
func buildVariantPrompt(base string, a domain.PromptAnalysis, variant int) string {
	switch {
	case variant <= 0:
		// 完全版。エンリッチ済みプロンプトをそのまま使う
		return base
	case variant == 1:
		return speciesAnchoredPrompt(base, a)
	case variant == 2 || variant == 3:
		return sceneOnlyPrompt(a, variant)
	default:
		return genericSafePrompt
	}
}

// speciesAnchoredPrompt はキャラクターを種族名だけに置き換えた変種です。
// 固有名詞や細かい外見描写が拒絶の原因になっている場合にこれで通ることがあります。
func speciesAnchoredPrompt(base string, a domain.PromptAnalysis) string {
	species := a.SpeciesList()
	if len(species) == 0 || a.MainAction == "" {
		// 分析が縮退している場合は元プロンプトの短縮で代用する
		return domain.PromptPreview(base, 120)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "A friendly %s", strings.Join(species, " and a friendly "))
	fmt.Fprintf(&sb, " %s", a.MainAction)
	if a.SceneSetting != "" {
		fmt.Fprintf(&sb, " in %s", a.SceneSetting)
	}
	sb.WriteString(", children's picture book style.")
	return sb.String()
}

// sceneOnlyPrompt はキャラクターを落とし情景だけを描かせる変種です。
// variant 3 はさらに情景説明を mood だけに絞ります。
func sceneOnlyPrompt(a domain.PromptAnalysis, variant int) string {
	if a.IsEmpty() {
		return genericSafePrompt
	}

	var parts []string
	if a.SceneSetting != "" && variant == 2 {
		parts = append(parts, "A peaceful scene of "+a.SceneSetting)
	}
	if a.Mood != "" {
		parts = append(parts, a.Mood+" mood")
	}
	if len(parts) == 0 {
		return genericSafePrompt
	}
	return strings.Join(parts, ", ") + ", children's picture book illustration, no characters."
}
