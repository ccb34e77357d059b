package characters

import (
	"context"
	"log/slog"
	"strings"

	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/prompts"
)

// literalSeparators は LLM パース失敗時のフォールバックで試す区切り文字です。
// 先頭から順に評価され、最初に一致したものが使われます。
var literalSeparators = []string{" - ", " – ", ": "}

// ParseDescriptions は説明文を構造化された ParsedCharacter のリストに変換します。
// まず LLM による構造化パースを試み、失敗したら区切り文字による分割に縮退するのだ。
func (v *Validator) ParseDescriptions(ctx context.Context, text string) []domain.ParsedCharacter {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if v.completer != nil {
		content, err := v.promptBuilder.Build(prompts.ModeCharacterParse, prompts.TemplateData{InputText: text})
		if err == nil {
			var out struct {
				Characters []domain.ParsedCharacter `json:"characters"`
			}
			if err := v.completer.Complete(ctx, content, &out); err == nil && len(out.Characters) > 0 {
				return normalizeParsed(out.Characters)
			} else if err != nil {
				slog.Debug("LLMパースに失敗したため区切り文字分割に縮退するのだ", "error", err)
			}
		}
	}

	return fallbackParse(text)
}

// fallbackParse は " - " などのリテラル区切りで1行1キャラクターとして分割します。
func fallbackParse(text string) []domain.ParsedCharacter {
	var result []domain.ParsedCharacter
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var name, rest string
		for _, sep := range literalSeparators {
			if before, after, found := strings.Cut(line, sep); found {
				name, rest = strings.TrimSpace(before), strings.TrimSpace(after)
				break
			}
		}
		if name == "" {
			continue
		}

		// rest は "species, appearance..." 形式を期待する
		species, appearance := "", rest
		if before, after, found := strings.Cut(rest, ","); found {
			species = strings.ToLower(strings.TrimSpace(before))
			appearance = strings.TrimSpace(after)
		} else {
			species = strings.ToLower(strings.TrimSpace(rest))
			appearance = ""
		}

		result = append(result, domain.ParsedCharacter{
			Name:       name,
			Species:    species,
			Appearance: appearance,
		})
	}
	return result
}

func normalizeParsed(chars []domain.ParsedCharacter) []domain.ParsedCharacter {
	result := make([]domain.ParsedCharacter, 0, len(chars))
	for _, c := range chars {
		c.Name = strings.TrimSpace(c.Name)
		c.Species = strings.ToLower(strings.TrimSpace(c.Species))
		c.Appearance = strings.TrimSpace(c.Appearance)
		if c.Name == "" && c.Species == "" {
			continue
		}
		result = append(result, c)
	}
	return result
}
