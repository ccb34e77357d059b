// Package analysis は、挿絵プロンプトの自由文を構造化された
// {キャラクター・シーン・アクション・ムード} に変換します。
// 分析は失敗した画像生成のフォールバック変種を組み立てるためだけの補強情報であり、
// LLM が使えないときは空の分析に縮退します（エラーで主経路を止めることはありません）。
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/prompts"
	"github.com/shouni/go-storybook-kit/pkg/provider"

	"golang.org/x/sync/errgroup"
)

// Engine は挿絵プロンプトの構造化分析エンジンです。
type Engine struct {
	completer     provider.StructuredCompleter
	promptBuilder prompts.Builder
}

// NewEngine は Engine を初期化します。completer は nil を許容し、その場合は常に空分析を返します。
func NewEngine(completer provider.StructuredCompleter, pb prompts.Builder) (*Engine, error) {
	if pb == nil {
		return nil, fmt.Errorf("promptBuilder は必須です")
	}
	return &Engine{completer: completer, promptBuilder: pb}, nil
}

// AnalyzeSingle はプロンプト1件を分析します。いかなる失敗でも空分析に縮退し、エラーは返しません。
func (e *Engine) AnalyzeSingle(ctx context.Context, prompt string) domain.PromptAnalysis {
	if e.completer == nil || prompt == "" {
		return domain.EmptyAnalysis()
	}

	content, err := e.promptBuilder.Build(prompts.ModeAnalysis, prompts.TemplateData{InputText: prompt})
	if err != nil {
		slog.Debug("分析プロンプトの構築に失敗したため空分析に縮退するのだ", "error", err)
		return domain.EmptyAnalysis()
	}

	var result domain.PromptAnalysis
	if err := e.completer.Complete(ctx, content, &result); err != nil {
		slog.Debug("プロンプト分析に失敗したため空分析に縮退するのだ", "error", err)
		return domain.EmptyAnalysis()
	}
	return result.Normalize()
}

// AnalyzePrompts は複数プロンプトを並列で分析するのだ。
// 各ページの失敗は独立しており、失敗したページは空分析として埋まるのだ
// （部分失敗が呼び出し元に伝播することはないのだ）。
func (e *Engine) AnalyzePrompts(ctx context.Context, promptsByIndex map[int]string) map[int]domain.PromptAnalysis {
	results := make(map[int]domain.PromptAnalysis, len(promptsByIndex))
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	for index, prompt := range promptsByIndex {
		index, prompt := index, prompt

		eg.Go(func() error {
			a := e.AnalyzeSingle(egCtx, prompt)
			mu.Lock()
			results[index] = a
			mu.Unlock()
			return nil // 失敗は AnalyzeSingle 内で吸収済み
		})
	}

	// AnalyzeSingle はエラーを返さないため Wait のエラーは起き得ない
	_ = eg.Wait()

	// 呼ばれなかった・キャンセルされたインデックスも空分析で埋める
	for index := range promptsByIndex {
		if _, ok := results[index]; !ok {
			results[index] = domain.EmptyAnalysis()
		}
	}
	return results
}
