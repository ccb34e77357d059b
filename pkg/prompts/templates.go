package prompts

import (
	_ "embed"
)

const (
	// ModeStory は絵本本文の一括生成モードです。
	ModeStory = "story"
	// ModeAnalysis は挿絵プロンプトの構造化分析モードです。
	ModeAnalysis = "analysis"
	// ModeCharacterRepair はキャラクター説明の修復モードです。
	ModeCharacterRepair = "character_repair"
	// ModeCharacterParse はキャラクター説明の構造化パースモードです。
	ModeCharacterParse = "character_parse"
	// ModeSafetyRewrite は挿絵プロンプトの安全な書き換えモードです。
	ModeSafetyRewrite = "safety_rewrite"
)

// TemplateData は各プロンプトテンプレートに渡すデータ構造です。
// モードによって使用するフィールドが異なります。
type TemplateData struct {
	Concept   string // story: 物語のコンセプト
	PageCount int    // story: ページ数
	Title     string // character_repair: 絵本のタイトル
	InputText string // analysis / character_parse / safety_rewrite: 対象テキスト
	Prompts   string // character_repair: 改行区切りの挿絵プロンプト一覧
}

var (
	//go:embed story.md
	StoryPrompt string
	//go:embed analysis.md
	AnalysisPrompt string
	//go:embed character_repair.md
	CharacterRepairPrompt string
	//go:embed character_parse.md
	CharacterParsePrompt string
	//go:embed safety_rewrite.md
	SafetyRewritePrompt string
)

// allTemplates はモードとテンプレート文字列を紐づけるマップなのだ。
var allTemplates = map[string]string{
	ModeStory:           StoryPrompt,
	ModeAnalysis:        AnalysisPrompt,
	ModeCharacterRepair: CharacterRepairPrompt,
	ModeCharacterParse:  CharacterParsePrompt,
	ModeSafetyRewrite:   SafetyRewritePrompt,
}
