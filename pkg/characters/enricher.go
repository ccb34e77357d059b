package characters

import (
	"fmt"
	"strings"

	"github.com/shouni/go-storybook-kit/pkg/domain"
)

// EnrichPrompts は全ページの挿絵プロンプトに一貫したキャラクター記述を注入します。
// 同じ入力に対して常に同じ結果を返す決定論的な変換で、この段階で LLM は呼びません。
// ページのプロンプトに種族記述がすでに含まれている場合は二重注入を避けるのだ。
func EnrichPrompts(book domain.StoryBook, analyses map[int]domain.PromptAnalysis, parsed []domain.ParsedCharacter) domain.StoryBook {
	if len(parsed) == 0 {
		return book
	}

	featuring := buildFeaturingPhrase(parsed)
	if featuring == "" {
		return book
	}

	pages := make([]domain.StoryPage, len(book.Pages))
	copy(pages, book.Pages)

	for i := range pages {
		prompt := pages[i].IllustrationPrompt
		if prompt == "" {
			continue
		}
		if hasInlineDescriptors(prompt, parsed) {
			continue
		}
		// 分析でそのページに登場しないと判明しているキャラクターも含めて注入する。
		// ページ単位の出し分けより、全ページでの視覚的一貫性を優先する製品判断である。
		pages[i].IllustrationPrompt = featuring + " " + prompt
	}

	return book.WithPages(pages)
}

// buildFeaturingPhrase は "Featuring: Momo the rabbit (white fur), ..." 形式の接頭辞を組み立てます。
func buildFeaturingPhrase(parsed []domain.ParsedCharacter) string {
	var phrases []string
	for _, c := range parsed {
		if phrase := c.DescriptorPhrase(); phrase != "" {
			phrases = append(phrases, phrase)
		}
	}
	if len(phrases) == 0 {
		return ""
	}
	return fmt.Sprintf("Featuring: %s.", strings.Join(phrases, ", "))
}

// hasInlineDescriptors はプロンプト内に既に種族記述が現れているかを判定します（重複注入の回避）。
func hasInlineDescriptors(prompt string, parsed []domain.ParsedCharacter) bool {
	lower := strings.ToLower(prompt)
	for _, c := range parsed {
		if c.Species == "" {
			continue
		}
		nameAndSpecies := strings.ToLower(c.Name) + " the " + c.Species
		if strings.Contains(lower, nameAndSpecies) {
			return true
		}
	}
	return false
}
