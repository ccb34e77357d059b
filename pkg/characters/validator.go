// Package characters は、絵本のキャラクター説明の修復・構造化パースと、
// 全ページの挿絵プロンプトへの一貫したキャラクター記述の注入を担当します。
// どの工程も LLM が使えないときはヒューリスティックに縮退し、
// 生成パイプライン全体を止めることはありません。
package characters

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/prompts"
	"github.com/shouni/go-storybook-kit/pkg/provider"
)

// descriptionLineRegex は "Name - species, appearance" 形式の行に一致します。
var descriptionLineRegex = regexp.MustCompile(`(?m)^\s*\p{Lu}[\p{L}\d ']*\s*[-–:]\s*\S`)

// speciesWords はヒューリスティック抽出で種族として認識する語です。
var speciesWords = []string{
	"fox", "rabbit", "bunny", "bear", "cat", "dog", "puppy", "kitten", "mouse",
	"bird", "owl", "duck", "frog", "turtle", "squirrel", "hedgehog", "deer",
	"lion", "tiger", "elephant", "penguin", "dragon", "girl", "boy", "child",
}

// Validator はキャラクター説明の妥当性検証と修復を担当します。
type Validator struct {
	completer     provider.StructuredCompleter
	promptBuilder prompts.Builder
}

// NewValidator は Validator を初期化します。completer は nil を許容します。
func NewValidator(completer provider.StructuredCompleter, pb prompts.Builder) (*Validator, error) {
	if pb == nil {
		return nil, fmt.Errorf("promptBuilder は必須です")
	}
	return &Validator{completer: completer, promptBuilder: pb}, nil
}

// EnsureDescriptions は説明文が使えるかをヒューリスティックに検査し、
// 不十分な場合は挿絵プロンプトから LLM で導出します。
// LLM も失敗したときはプロンプト中の種族語から抽出します。
// どの経路でも必ず空でない説明文を返すのだ。
func (v *Validator) EnsureDescriptions(ctx context.Context, descriptions string, pages []domain.StoryPage, title string) string {
	if isAdequate(descriptions) {
		return strings.TrimSpace(descriptions)
	}

	if v.completer != nil {
		if repaired := v.repairWithLLM(ctx, pages, title); repaired != "" {
			return repaired
		}
	}

	return heuristicDescriptions(pages)
}

// isAdequate は説明文が空でなく、"Name - species, appearance" 構造を少なくとも1行含むかを返します。
func isAdequate(descriptions string) bool {
	if strings.TrimSpace(descriptions) == "" {
		return false
	}
	return descriptionLineRegex.MatchString(descriptions)
}

// repairWithLLM は挿絵プロンプト一覧から説明文を導出します。失敗時は空文字を返します。
func (v *Validator) repairWithLLM(ctx context.Context, pages []domain.StoryPage, title string) string {
	var lines []string
	for _, p := range pages {
		if p.IllustrationPrompt != "" {
			lines = append(lines, p.IllustrationPrompt)
		}
	}
	if len(lines) == 0 {
		return ""
	}

	content, err := v.promptBuilder.Build(prompts.ModeCharacterRepair, prompts.TemplateData{
		Title:   title,
		Prompts: strings.Join(lines, "\n"),
	})
	if err != nil {
		return ""
	}

	// 修復結果はプレーンテキストの行リストなので、文字列フィールド1つの器で受ける
	var out struct {
		Text string `json:"text"`
	}
	if err := v.completer.Complete(ctx, content+"\n\nReturn ONLY valid JSON: {\"text\": \"the description lines joined with \\n\"}", &out); err != nil {
		slog.Debug("キャラクター説明の修復に失敗したためヒューリスティックに縮退するのだ", "error", err)
		return ""
	}

	repaired := strings.TrimSpace(out.Text)
	if !isAdequate(repaired) {
		return ""
	}
	return repaired
}

// heuristicDescriptions は挿絵プロンプト中の「大文字始まりの名前 + 種族語」の並びから
// 最低限の説明文を組み立てます。何も見つからなくても空にはしません。
func heuristicDescriptions(pages []domain.StoryPage) string {
	type found struct {
		name    string
		species string
	}
	var ordered []found
	seen := make(map[string]struct{})

	nameRegex := regexp.MustCompile(`\b(\p{Lu}[\p{Ll}]+)\b`)
	for _, p := range pages {
		prompt := p.IllustrationPrompt
		lower := strings.ToLower(prompt)
		for _, sp := range speciesWords {
			if !strings.Contains(lower, sp) {
				continue
			}
			name := ""
			if m := nameRegex.FindStringSubmatch(prompt); m != nil && strings.ToLower(m[1]) != sp {
				name = m[1]
			}
			key := name + "/" + sp
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			ordered = append(ordered, found{name: name, species: sp})
		}
	}

	if len(ordered) == 0 {
		return "The main character - a friendly animal, warm and expressive"
	}

	var sb strings.Builder
	for i, f := range ordered {
		if i > 0 {
			sb.WriteString("\n")
		}
		name := f.name
		if name == "" {
			name = "The " + f.species
		}
		sb.WriteString(fmt.Sprintf("%s - %s, friendly and expressive", name, f.species))
	}
	return sb.String()
}
