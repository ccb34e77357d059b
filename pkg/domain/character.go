package domain

import (
	"fmt"
	"sort"
	"strings"
)

// CharacterAnalysis はプロンプト分析で抽出された登場キャラクター1体の情報を保持します。
type CharacterAnalysis struct {
	Name            string `json:"name,omitempty"`
	Species         string `json:"species"`          // 小文字正規化した種族・品種
	Appearance      string `json:"appearance"`       // 外見の要約
	InjectionPhrase string `json:"injection_phrase"` // プロンプトに注入する自然文（省略可）
}

// ParsedCharacter はキャラクター説明文から構造化された1キャラクター分の定義です。
// 生成実行のたびに導出され、単体では永続化されません。
type ParsedCharacter struct {
	Name       string `json:"name"`
	Species    string `json:"species"`
	Appearance string `json:"appearance"`
}

// PromptAnalysis は挿絵プロンプト1件を構造化した分析結果です。
// 初回の画像生成が失敗した際に、より良いフォールバック変種を組み立てるためだけに使います。
type PromptAnalysis struct {
	Characters   []CharacterAnalysis `json:"characters"`
	SceneSetting string              `json:"scene_setting"`
	MainAction   string              `json:"main_action"`
	Mood         string              `json:"mood"`
}

// EmptyAnalysis は分析が利用できないときの縮退値を返します。
// 呼び出し側は分析を任意の補強情報として扱うため、エラーの代わりにこれを使うのだ。
func EmptyAnalysis() PromptAnalysis {
	return PromptAnalysis{}
}

// IsEmpty は分析結果に利用可能な情報が何もないかどうかを返します。
func (a PromptAnalysis) IsEmpty() bool {
	return len(a.Characters) == 0 && a.SceneSetting == "" && a.MainAction == "" && a.Mood == ""
}

// Normalize は種族を小文字化し、空のキャラクターを取り除いた正規化済みの分析を返します。
func (a PromptAnalysis) Normalize() PromptAnalysis {
	chars := make([]CharacterAnalysis, 0, len(a.Characters))
	for _, c := range a.Characters {
		c.Species = strings.ToLower(strings.TrimSpace(c.Species))
		c.Appearance = strings.TrimSpace(c.Appearance)
		if c.Species == "" && c.Appearance == "" && c.Name == "" {
			continue
		}
		chars = append(chars, c)
	}
	a.Characters = chars
	a.SceneSetting = strings.TrimSpace(a.SceneSetting)
	a.MainAction = strings.TrimSpace(a.MainAction)
	a.Mood = strings.TrimSpace(a.Mood)
	return a
}

// SpeciesList は分析に含まれる種族名を重複なしの昇順で返すのだ。
func (a PromptAnalysis) SpeciesList() []string {
	seen := make(map[string]struct{})
	for _, c := range a.Characters {
		if c.Species != "" {
			seen[c.Species] = struct{}{}
		}
	}
	list := make([]string, 0, len(seen))
	for s := range seen {
		list = append(list, s)
	}
	sort.Strings(list)
	return list
}

// String はキャラクターの情報を文字列で返すのだ。
func (c ParsedCharacter) String() string {
	if c.Species == "" {
		return c.Name
	}
	return fmt.Sprintf("%s (%s)", c.Name, c.Species)
}

// DescriptorPhrase は挿絵プロンプトへの注入に使う1キャラクター分の記述句を返します。
// 例: "Momo the rabbit (white fur, pink ribbon)"
func (c ParsedCharacter) DescriptorPhrase() string {
	var sb strings.Builder
	sb.WriteString(c.Name)
	if c.Species != "" {
		sb.WriteString(" the ")
		sb.WriteString(c.Species)
	}
	if c.Appearance != "" {
		sb.WriteString(" (")
		sb.WriteString(c.Appearance)
		sb.WriteString(")")
	}
	return sb.String()
}
