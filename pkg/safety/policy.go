// Package safety は、ユーザーが入力した物語のコンセプトと挿絵プロンプトを
// 子ども向けとして安全な形に検証・無害化するためのポリシーを提供します。
// 変換は純粋関数として実装されており、エラーを投げることはありません。
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

const (
	// DefaultPromptLimit は挿絵プロンプトの標準的な最大文字数です。
	DefaultPromptLimit = 180
	// ExtendedPromptLimit はキャラクター説明の接頭辞を付ける余地を残した拡張上限です。
	ExtendedPromptLimit = 300
)

// blockedCategory はブロック対象カテゴリ1件分の正規表現と理由文のペアです。
// 順序付きリストとして評価され、最初に一致したカテゴリの理由が採用されます。
type blockedCategory struct {
	pattern *regexp.Regexp
	reason  string
}

// カテゴリは互いに独立しており、先頭から順に評価されます。
var blockedCategories = []blockedCategory{
	{
		pattern: regexp.MustCompile(`(?i)\b(gun|knife|sword|weapon|kill|murder|shoot|stab|blood|war|bomb|violence|fight)\b`),
		reason:  "Please keep story concepts gentle and avoid violence or weapon themes for kids.",
	},
	{
		pattern: regexp.MustCompile(`(?i)\b(sex|sexual|nude|naked|erotic)\b`),
		reason:  "Please keep story concepts appropriate for young children.",
	},
	{
		pattern: regexp.MustCompile(`(?i)\b(drug|drugs|alcohol|beer|cigarette|smoking|drunk)\b`),
		reason:  "Please avoid substance-related themes in stories for kids.",
	},
	{
		pattern: regexp.MustCompile(`(?i)\b(hate|racist|suicide|self[- ]harm)\b`),
		reason:  "Please choose a kind and positive theme for the story.",
	},
}

// euphemism は挿絵プロンプト中の不穏な語を子ども向けの言い換えに置換するペアです。
// 置換結果は再適用しても変化しない語だけを使います（冪等性の維持）。
type euphemism struct {
	pattern     *regexp.Regexp
	replacement string
}

// 置換は定義順に適用されます。
var euphemisms = []euphemism{
	{regexp.MustCompile(`(?i)\b(gun|knife|sword|weapon|bomb)\b`), "toy prop"},
	{regexp.MustCompile(`(?i)\b(kill|killing|murder|fight|fighting|attack|attacking)\b`), "playful challenge"},
	{regexp.MustCompile(`(?i)\b(blood|bloody)\b`), "confetti"},
	{regexp.MustCompile(`(?i)\b(shoot|shooting|stab|stabbing)\b`), "gentle game"},
	{regexp.MustCompile(`(?i)\b(dead|death|die|dying)\b`), "taking a nap"},
	{regexp.MustCompile(`(?i)\b(scary|terrifying|horror)\b`), "slightly mysterious"},
	{regexp.MustCompile(`(?i)\bwar\b`), "parade"},
}

// strippedChars はコンセプトから除去する記号です。プロンプト注入対策を兼ねます。
var strippedChars = strings.NewReplacer(
	"<", "",
	">", "",
	"`", "",
	`"`, "",
	"'", "",
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// ConceptVerdict は ValidateConcept の判定結果です。
// Allowed のときだけ Sanitized が有効で、Blocked のときは Reason が埋まります。
type ConceptVerdict struct {
	Allowed   bool
	Sanitized string
	Reason    string
}

// PromptRewriter は LLM によるプロンプト書き換えの契約なのだ。
// 実装は provider パッケージ側が提供し、失敗時は素直にエラーを返せばよいのだ。
type PromptRewriter interface {
	RewritePrompt(ctx context.Context, prompt string) (string, error)
}

// Policy はコンセプト検証とプロンプト無害化のポリシー本体です。
// rewriter は省略可能（nil）で、その場合は常に同期的な置換のみを行います。
type Policy struct {
	rewriter PromptRewriter
}

// NewPolicy は Policy を初期化します。rewriter は nil を許容します。
func NewPolicy(rewriter PromptRewriter) *Policy {
	return &Policy{rewriter: rewriter}
}

// ValidateConcept はユーザー入力のコンセプトを正規化し、ブロック対象カテゴリと照合します。
// 正規化後に空となった入力は常にブロックされます。
func (p *Policy) ValidateConcept(raw string, maxLength int) ConceptVerdict {
	normalized := whitespaceRegex.ReplaceAllString(strings.TrimSpace(raw), " ")
	normalized = strippedChars.Replace(normalized)
	normalized = strings.TrimSpace(normalized)

	if normalized == "" {
		return ConceptVerdict{Allowed: false, Reason: "Please enter a story concept."}
	}

	for _, cat := range blockedCategories {
		if cat.pattern.MatchString(normalized) {
			return ConceptVerdict{Allowed: false, Reason: cat.reason}
		}
	}

	if maxLength > 0 {
		normalized = truncateRunes(normalized, maxLength)
	}
	return ConceptVerdict{Allowed: true, Sanitized: normalized}
}

// SafeIllustrationPrompt は順序付きの言い換えリストを適用し、上限文字数に切り詰めます。
// extended が true の場合はキャラクター説明の接頭辞用に上限を 300 に広げるのだ。
func (p *Policy) SafeIllustrationPrompt(prompt string, extended bool) string {
	replaced := applyEuphemisms(prompt)
	limit := DefaultPromptLimit
	if extended {
		limit = ExtendedPromptLimit
	}
	return truncateRunes(strings.TrimSpace(replaced), limit)
}

// SafeIllustrationPromptContext は LLM による書き換えを試みる非同期版です。
// 不穏な語が検出されなければ何もせず早期リターンし、書き換えが失敗・空振りした
// 場合は必ず同期版にフォールバックします。エラーが呼び出し元へ伝播することはありません。
func (p *Policy) SafeIllustrationPromptContext(ctx context.Context, prompt string, extended bool) string {
	if !containsUnsafeTerms(prompt) {
		limit := DefaultPromptLimit
		if extended {
			limit = ExtendedPromptLimit
		}
		return truncateRunes(strings.TrimSpace(prompt), limit)
	}

	if p.rewriter != nil {
		rewritten, err := p.rewriter.RewritePrompt(ctx, prompt)
		if err == nil {
			rewritten = strings.TrimSpace(rewritten)
			if rewritten != "" && !containsUnsafeTerms(rewritten) {
				limit := DefaultPromptLimit
				if extended {
					limit = ExtendedPromptLimit
				}
				return truncateRunes(rewritten, limit)
			}
		} else {
			slog.Debug("LLMによるプロンプト書き換えに失敗したため置換にフォールバックするのだ", "error", err)
		}
	}

	return p.SafeIllustrationPrompt(prompt, extended)
}

// SafeCoverPrompt は表紙用の決定論的なテンプレート文字列を返します。LLM は呼びません。
func (p *Policy) SafeCoverPrompt(title, concept string) string {
	safeConcept := p.SafeIllustrationPrompt(concept, false)
	return fmt.Sprintf(
		"A warm, inviting children's picture book cover illustration for %q. %s. Soft colors, friendly characters, gentle storybook art style.",
		strings.TrimSpace(title), safeConcept,
	)
}

// containsUnsafeTerms はブロック対象・言い換え対象の語が含まれるかを判定します。
func containsUnsafeTerms(s string) bool {
	for _, cat := range blockedCategories {
		if cat.pattern.MatchString(s) {
			return true
		}
	}
	for _, e := range euphemisms {
		if e.pattern.MatchString(s) {
			return true
		}
	}
	return false
}

func applyEuphemisms(s string) string {
	for _, e := range euphemisms {
		s = e.pattern.ReplaceAllString(s, e.replacement)
	}
	return s
}

// truncateRunes はマルチバイト文字を壊さないよう rune 単位で切り詰めます。
func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
