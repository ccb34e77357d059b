// Package diag は、生成試行の診断イベントを JSONL 形式で追記記録します。
// 診断の失敗が生成本体を止めることは決してありません。
package diag

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/provider"
)

// イベント種別。
const (
	EventAttemptFailed         = "attempt_failed"
	EventAttemptSucceeded      = "attempt_succeeded"
	EventGenerationFailedFinal = "generation_failed_final"
	EventSessionSummary        = "session_summary"
)

const (
	// maxLogSizeBytes を超えたら世代交代します。
	maxLogSizeBytes = 2_000_000
	// previousSuffix は一世代前のログの拡張子です。
	previousSuffix = ".previous.jsonl"
	// promptPreviewLen はプロンプト全文を記録しないための上限です。
	promptPreviewLen = 500
)

// Event は 1 行の診断レコードです。
type Event struct {
	Timestamp     string  `json:"timestamp"`
	Kind          string  `json:"kind"`
	Provider      string  `json:"provider,omitempty"`
	PromptPreview string  `json:"prompt_preview,omitempty"`
	PromptLength  int     `json:"prompt_length,omitempty"`
	PageIndex     *int    `json:"page_index,omitempty"`
	VariantIndex  *int    `json:"variant_index,omitempty"`
	AttemptIndex  *int    `json:"attempt_index,omitempty"`
	Retryable     *bool   `json:"retryable,omitempty"`
	ErrorType     string  `json:"error_type,omitempty"`
	ErrorDetail   string  `json:"error_detail,omitempty"`
	DurationSec   float64 `json:"duration_seconds,omitempty"`

	// 分解メタデータ（セッション要約でのみ使用）
	TotalPages    *int `json:"total_pages,omitempty"`
	FailedPages   *int `json:"failed_pages,omitempty"`
	TotalAttempts *int `json:"total_attempts,omitempty"`
}

// Logger はスレッドセーフな JSONL 追記ロガーです。
type Logger struct {
	mu   sync.Mutex
	path string
	file *os.File
	size int64
	now  func() time.Time
}

// NewLogger は path に追記する Logger を開きます。
// path が空の場合は何も記録しない無効なロガーを返します。
func NewLogger(path string) (*Logger, error) {
	l := &Logger{path: path, now: time.Now}
	if path == "" {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("診断ログディレクトリの作成に失敗しました: %w", err)
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Logger) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("診断ログのオープンに失敗しました: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("診断ログの状態取得に失敗しました: %w", err)
	}
	l.file = f
	l.size = info.Size()
	return nil
}

// Log はイベントを 1 行追記します。I/O の失敗は警告ログに流すだけで握りつぶすのだ。
func (l *Logger) Log(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}

	if ev.Timestamp == "" {
		ev.Timestamp = l.now().UTC().Format(time.RFC3339)
	}

	line, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("診断イベントのエンコードに失敗したのだ", "kind", ev.Kind, "error", err)
		return
	}
	line = append(line, '\n')

	if l.size+int64(len(line)) > maxLogSizeBytes {
		l.rotateLocked()
	}

	n, err := l.file.Write(line)
	if err != nil {
		slog.Warn("診断イベントの書き込みに失敗したのだ", "kind", ev.Kind, "error", err)
		return
	}
	l.size += int64(n)
}

// rotateLocked は現在のログを一世代ファイルに退避します。二世代以上は保持しません。
func (l *Logger) rotateLocked() {
	l.file.Close()
	prev := rotatedPath(l.path)
	if err := os.Rename(l.path, prev); err != nil {
		slog.Warn("診断ログの世代交代に失敗したのだ", "error", err)
	}
	if err := l.open(); err != nil {
		slog.Warn("診断ログの再オープンに失敗したのだ", "error", err)
		l.file = nil
	}
}

func rotatedPath(path string) string {
	ext := filepath.Ext(path)
	return path[:len(path)-len(ext)] + previousSuffix
}

// Close はログファイルを閉じます。
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// --- イベント組み立てヘルパー ---

// AttemptFailed は失敗した 1 試行を記録します。
func (l *Logger) AttemptFailed(p provider.Provider, prompt string, pageIndex, variantIndex, attemptIndex int, attemptErr error, duration time.Duration) {
	retryable := provider.IsRetryable(attemptErr)
	l.Log(Event{
		Kind:          EventAttemptFailed,
		Provider:      string(p),
		PromptPreview: domain.PromptPreview(prompt, promptPreviewLen),
		PromptLength:  len(prompt),
		PageIndex:     intPtr(pageIndex),
		VariantIndex:  intPtr(variantIndex),
		AttemptIndex:  intPtr(attemptIndex),
		Retryable:     &retryable,
		ErrorType:     string(provider.KindOf(attemptErr)),
		ErrorDetail:   attemptErr.Error(),
		DurationSec:   duration.Seconds(),
	})
}

// AttemptSucceeded は成功した試行を記録します。
func (l *Logger) AttemptSucceeded(p provider.Provider, prompt string, pageIndex, variantIndex, attemptIndex int, duration time.Duration) {
	l.Log(Event{
		Kind:          EventAttemptSucceeded,
		Provider:      string(p),
		PromptPreview: domain.PromptPreview(prompt, promptPreviewLen),
		PromptLength:  len(prompt),
		PageIndex:     intPtr(pageIndex),
		VariantIndex:  intPtr(variantIndex),
		AttemptIndex:  intPtr(attemptIndex),
		DurationSec:   duration.Seconds(),
	})
}

// GenerationFailedFinal は全リトライを使い切った最終失敗を記録します。
func (l *Logger) GenerationFailedFinal(p provider.Provider, prompt string, pageIndex int, finalErr error) {
	retryable := provider.IsRetryable(finalErr)
	l.Log(Event{
		Kind:          EventGenerationFailedFinal,
		Provider:      string(p),
		PromptPreview: domain.PromptPreview(prompt, promptPreviewLen),
		PromptLength:  len(prompt),
		PageIndex:     intPtr(pageIndex),
		Retryable:     &retryable,
		ErrorType:     string(provider.KindOf(finalErr)),
		ErrorDetail:   finalErr.Error(),
	})
}

// SessionSummary は 1 回の生成セッションの要約を記録します。
func (l *Logger) SessionSummary(p provider.Provider, totalPages, failedPages, totalAttempts int, duration time.Duration) {
	l.Log(Event{
		Kind:          EventSessionSummary,
		Provider:      string(p),
		TotalPages:    intPtr(totalPages),
		FailedPages:   intPtr(failedPages),
		TotalAttempts: intPtr(totalAttempts),
		DurationSec:   duration.Seconds(),
	})
}

func intPtr(v int) *int { return &v }
