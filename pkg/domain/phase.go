package domain

import "fmt"

// PhaseKind は生成パイプラインの状態機械の各状態を表します。
// UI とリトライ制御の両方がこの単一の状態を信頼します。
type PhaseKind string

const (
	PhaseIdle             PhaseKind = "idle"
	PhaseGeneratingText   PhaseKind = "generating_text"
	PhaseGeneratingImages PhaseKind = "generating_images"
	PhaseComplete         PhaseKind = "complete"
	PhaseFailed           PhaseKind = "failed"
)

// PhaseEvent は状態遷移1回分のスナップショットなのだ。
// generating_text では PartialText、generating_images では Completed/Total が埋まるのだ。
type PhaseEvent struct {
	Kind        PhaseKind
	PartialText string // テキスト生成中の途中経過スナップショット
	Completed   int    // 生成済み挿絵数
	Total       int    // 挿絵の総数（表紙込み）
	Message     string // フォールバック遷移などの進捗メッセージ（UI 契約）
	Reason      string // failed のときの理由
}

// IsTerminal は complete / failed の終端状態かどうかを返します。
// idle はキャンセル後の着地点でもありますが、終端ではなく再実行可能な初期状態です。
func (e PhaseEvent) IsTerminal() bool {
	return e.Kind == PhaseComplete || e.Kind == PhaseFailed
}

// String はログ出力用の短い表現を返すのだ。
func (e PhaseEvent) String() string {
	switch e.Kind {
	case PhaseGeneratingImages:
		return fmt.Sprintf("%s (%d/%d)", e.Kind, e.Completed, e.Total)
	case PhaseFailed:
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	default:
		return string(e.Kind)
	}
}
