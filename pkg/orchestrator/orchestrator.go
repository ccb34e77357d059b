// Package orchestrator は、安全性検証からテキスト生成・キャラクター整備・
// 挿絵生成までの絵本生成パイプライン全体を駆動する中枢です。
// 1回の生成タスクの間、作成中の StoryBook と画像マップはこのパッケージが
// 排他的に所有し、完了時に不変スナップショットとして呼び出し側へ引き渡します。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shouni/go-storybook-kit/pkg/analysis"
	"github.com/shouni/go-storybook-kit/pkg/characters"
	"github.com/shouni/go-storybook-kit/pkg/diag"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/prompts"
	"github.com/shouni/go-storybook-kit/pkg/provider"
	"github.com/shouni/go-storybook-kit/pkg/safety"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// DefaultImageWorkers は挿絵生成の同時実行上限です。
	DefaultImageWorkers = 2
	// defaultImageInterval は挿絵 API 呼び出しのレート制限間隔です。
	defaultImageInterval = 500 * time.Millisecond
	// eventBufferSize を超えた進捗イベントは破棄されます（進捗は助言的情報です）。
	eventBufferSize = 64
)

// RunConfig は 1 回の生成タスクの明示的な設定値です。
// 実行途中で設定を読み直すことはありません。変更は次の Run から有効になります。
type RunConfig struct {
	Provider        provider.Provider // テキスト生成のルーティング先（空なら既定経路）
	FallbackEnabled bool              // 失敗時に既定経路へ迂回するか
	PageCount       int
	Style           string
	Format          string // アスペクト比（例 "3:4"）
	TextModel       string
	ImageModel      string
	MaxVariantIndex int           // 変種チェーンの上限（0 なら既定値）
	AttemptBudget   int           // 1ページあたりの試行回数上限（0 なら既定値）
	ImageWorkers    int           // 挿絵ワーカー数（0 なら既定値）
	ImageInterval   time.Duration // レート制限間隔（0 なら既定値）
}

func (c RunConfig) withDefaults() RunConfig {
	if c.MaxVariantIndex == 0 {
		c.MaxVariantIndex = DefaultMaxVariantIndex
	}
	if c.AttemptBudget == 0 {
		c.AttemptBudget = DefaultAttemptBudget
	}
	if c.ImageWorkers == 0 {
		c.ImageWorkers = DefaultImageWorkers
	}
	if c.ImageInterval == 0 {
		c.ImageInterval = defaultImageInterval
	}
	return c
}

// PersistenceHooks は外部の永続化コラボレーターへの通知コールバックです。
// nil のフィールドは単に呼ばれません。
type PersistenceHooks struct {
	OnTextEdited       func(book domain.StoryBook)
	OnImageRegenerated func(index int, img domain.Image)
}

// RunResult は完了した生成タスクの不変スナップショットです。
type RunResult struct {
	Book     domain.StoryBook
	Images   domain.ImageMap
	Provider provider.Provider // 実際にテキストを生成したプロバイダー
	Style    string
	Format   string
	Duration time.Duration
}

// Config は Orchestrator の構築パラメータです。
type Config struct {
	TextProviders  map[provider.Provider]provider.TextProvider
	ImageProviders map[provider.Provider]provider.ImageProvider
	Policy         *safety.Policy
	Analyzer       *analysis.Engine
	Validator      *characters.Validator
	PromptBuilder  prompts.Builder
	Diagnostics    *diag.Logger
	Hooks          PersistenceHooks
	Run            RunConfig
}

// Orchestrator は生成パイプラインの状態機械です。
// idle → generating_text → generating_images → complete | failed と遷移し、
// キャンセル時は failed ではなく idle に戻ります。
type Orchestrator struct {
	cfg       RunConfig
	texts     map[provider.Provider]provider.TextProvider
	images    map[provider.Provider]provider.ImageProvider
	policy    *safety.Policy
	analyzer  *analysis.Engine
	validator *characters.Validator
	builder   prompts.Builder
	diag      *diag.Logger
	hooks     PersistenceHooks
	limiter   *rate.Limiter

	events    chan domain.PhaseEvent
	closeOnce sync.Once

	mu            sync.Mutex
	phase         domain.PhaseKind
	retryCounters map[int]int // ページインデックス → 次回開始変種。調整ゴルーチンのみが更新する
	lastConcept   string
	lastAnalyses  map[int]domain.PromptAnalysis
}

// New は Orchestrator を初期化します。
func New(cfg Config) (*Orchestrator, error) {
	if len(cfg.TextProviders) == 0 {
		return nil, fmt.Errorf("textProviders は必須です")
	}
	if len(cfg.ImageProviders) == 0 {
		return nil, fmt.Errorf("imageProviders は必須です")
	}
	if cfg.Policy == nil {
		return nil, fmt.Errorf("policy は必須です")
	}
	if cfg.Analyzer == nil {
		return nil, fmt.Errorf("analyzer は必須です")
	}
	if cfg.Validator == nil {
		return nil, fmt.Errorf("validator は必須です")
	}
	if cfg.PromptBuilder == nil {
		return nil, fmt.Errorf("promptBuilder は必須です")
	}
	if cfg.Diagnostics == nil {
		return nil, fmt.Errorf("diagnostics は必須です")
	}
	if cfg.Run.PageCount <= 0 {
		return nil, fmt.Errorf("pageCount は 1 以上が必要です")
	}

	runCfg := cfg.Run.withDefaults()
	return &Orchestrator{
		cfg:           runCfg,
		texts:         cfg.TextProviders,
		images:        cfg.ImageProviders,
		policy:        cfg.Policy,
		analyzer:      cfg.Analyzer,
		validator:     cfg.Validator,
		builder:       cfg.PromptBuilder,
		diag:          cfg.Diagnostics,
		hooks:         cfg.Hooks,
		limiter:       rate.NewLimiter(rate.Every(runCfg.ImageInterval), runCfg.ImageWorkers),
		events:        make(chan domain.PhaseEvent, eventBufferSize),
		phase:         domain.PhaseIdle,
		retryCounters: make(map[int]int),
	}, nil
}

// Events は状態遷移と進捗のストリームを返します。complete / failed の終端状態で
// 閉じられます。キャンセルで idle に戻った場合は開いたまま残り、再実行のイベントを
// 同じストリームに流し続けます。バッファが一杯の場合、途中経過イベントは破棄されます。
func (o *Orchestrator) Events() <-chan domain.PhaseEvent {
	return o.events
}

// Phase は現在の状態を返します。
func (o *Orchestrator) Phase() domain.PhaseKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// RetrySnapshot はページごとのリトライカウンターの読み取り専用コピーを返すのだ。
func (o *Orchestrator) RetrySnapshot() map[int]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	snapshot := make(map[int]int, len(o.retryCounters))
	for k, v := range o.retryCounters {
		snapshot[k] = v
	}
	return snapshot
}

func (o *Orchestrator) emit(ev domain.PhaseEvent) {
	o.mu.Lock()
	o.phase = ev.Kind
	o.mu.Unlock()

	select {
	case o.events <- ev:
	default:
		slog.Debug("進捗イベントのバッファが一杯のため破棄したのだ", "event", ev.String())
	}
}

func (o *Orchestrator) closeEvents() {
	o.closeOnce.Do(func() { close(o.events) })
}

// Run は概念文から絵本一冊を生成します。
// 検証エラー・フォールバック枯渇・ガードレール拒絶のみが error として返り、
// それ以外の失敗（挿絵の欠落や分析の縮退）は結果に吸収されます。
// キャンセルで idle に戻った後は同じインスタンスでそのまま再実行できます。
// イベントストリームを閉じるのは complete / failed に到達したときだけです。
func (o *Orchestrator) Run(ctx context.Context, concept string) (*RunResult, error) {
	o.mu.Lock()
	if o.phase == domain.PhaseComplete || o.phase == domain.PhaseFailed {
		phase := o.phase
		o.mu.Unlock()
		return nil, fmt.Errorf("終端状態 %s からは再実行できません", phase)
	}
	// リトライカウンターは実行スコープ。再実行時は前回の変種履歴を持ち越さない
	o.retryCounters = make(map[int]int)
	o.mu.Unlock()

	start := time.Now()

	verdict := o.policy.ValidateConcept(concept, safety.DefaultPromptLimit)
	if !verdict.Allowed {
		// ブロックされた概念ではいかなるプロバイダーも呼ばない
		o.emit(domain.PhaseEvent{Kind: domain.PhaseFailed, Reason: verdict.Reason})
		o.closeEvents()
		return nil, fmt.Errorf("概念が安全性ポリシーでブロックされました: %s", verdict.Reason)
	}

	o.mu.Lock()
	o.lastConcept = verdict.Sanitized
	o.mu.Unlock()

	o.emit(domain.PhaseEvent{Kind: domain.PhaseGeneratingText})
	book, usedProvider, err := o.generateText(ctx, verdict.Sanitized)
	if err != nil {
		if ctx.Err() != nil {
			o.emit(domain.PhaseEvent{Kind: domain.PhaseIdle, Message: "生成をキャンセルしました"})
			return nil, ctx.Err()
		}
		o.emit(domain.PhaseEvent{Kind: domain.PhaseFailed, Reason: err.Error()})
		o.closeEvents()
		return nil, err
	}

	book, analyses := o.prepareIllustrations(ctx, book)

	total := len(book.Pages) + 1
	o.emit(domain.PhaseEvent{Kind: domain.PhaseGeneratingImages, Total: total})
	images, attempts := o.generateImages(ctx, book, analyses, verdict.Sanitized)
	if ctx.Err() != nil {
		o.emit(domain.PhaseEvent{Kind: domain.PhaseIdle, Message: "生成をキャンセルしました"})
		return nil, ctx.Err()
	}

	o.diag.SessionSummary(usedProvider, len(book.Pages), len(images.MissingIndices(len(book.Pages))), attempts, time.Since(start))
	o.emit(domain.PhaseEvent{Kind: domain.PhaseComplete, Completed: len(images), Total: total})
	o.closeEvents()

	o.mu.Lock()
	o.lastAnalyses = analyses
	o.mu.Unlock()

	return &RunResult{
		Book:     book,
		Images:   images,
		Provider: usedProvider,
		Style:    o.cfg.Style,
		Format:   o.cfg.Format,
		Duration: time.Since(start),
	}, nil
}

// --- テキストパイプライン ---

func (o *Orchestrator) generateText(ctx context.Context, concept string) (domain.StoryBook, provider.Provider, error) {
	prompt, err := o.builder.Build(prompts.ModeStory, prompts.TemplateData{
		Concept:   concept,
		PageCount: o.cfg.PageCount,
	})
	if err != nil {
		return domain.StoryBook{}, "", err
	}

	req := provider.StoryRequest{
		Concept:   concept,
		PageCount: o.cfg.PageCount,
		Prompt:    prompt,
		Model:     o.cfg.TextModel,
	}
	progress := func(partial string) {
		o.emit(domain.PhaseEvent{Kind: domain.PhaseGeneratingText, PartialText: partial})
	}

	primary := o.cfg.Provider
	if primary == "" || primary == provider.ProviderGemini {
		return o.defaultTextPath(ctx, req, progress)
	}

	tp, ok := o.texts[primary]
	if !ok {
		if !o.cfg.FallbackEnabled {
			return domain.StoryBook{}, "", fmt.Errorf("テキストプロバイダー '%s' は未登録です", primary)
		}
		o.emit(domain.PhaseEvent{Kind: domain.PhaseGeneratingText,
			Message: fmt.Sprintf("プロバイダー '%s' が利用できないため既定経路に切り替えます", primary)})
		return o.defaultTextPath(ctx, req, progress)
	}

	book, err := tp.GenerateStory(ctx, req, progress)
	if err == nil {
		return book, primary, nil
	}
	// ガードレール拒絶を別経路で再試行して迂回することはしない
	if !o.cfg.FallbackEnabled || provider.IsGuardrail(err) || ctx.Err() != nil {
		return domain.StoryBook{}, primary, err
	}

	slog.Warn("テキスト生成に失敗したため既定経路へフォールバックするのだ", "provider", primary, "error", err)
	o.emit(domain.PhaseEvent{Kind: domain.PhaseGeneratingText,
		Message: fmt.Sprintf("プロバイダー '%s' が失敗したため既定経路に切り替えます", primary)})
	return o.defaultTextPath(ctx, req, progress)
}

// defaultTextPath は既定経路です。リモートルーティングされる大型モデルを先に試し、
// 失敗したらオンデバイス相当のローカルランタイムに落とします。
func (o *Orchestrator) defaultTextPath(ctx context.Context, req provider.StoryRequest, progress provider.ProgressFunc) (domain.StoryBook, provider.Provider, error) {
	var errs []error

	if tp, ok := o.texts[provider.ProviderGemini]; ok {
		book, err := tp.GenerateStory(ctx, req, progress)
		if err == nil {
			return book, provider.ProviderGemini, nil
		}
		if provider.IsGuardrail(err) || ctx.Err() != nil {
			return domain.StoryBook{}, provider.ProviderGemini, err
		}
		errs = append(errs, err)
		o.emit(domain.PhaseEvent{Kind: domain.PhaseGeneratingText,
			Message: "既定モデルが失敗したためローカルモデルに切り替えます"})
	}

	if tp, ok := o.texts[provider.ProviderLocal]; ok {
		book, err := tp.GenerateStory(ctx, req, progress)
		if err == nil {
			return book, provider.ProviderLocal, nil
		}
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return domain.StoryBook{}, "", fmt.Errorf("利用可能なテキストプロバイダーがありません")
	}
	return domain.StoryBook{}, "", fmt.Errorf("全てのテキストプロバイダーが失敗しました: %w", errors.Join(errs...))
}

// prepareIllustrations はキャラクター記述の修復・解析・プロンプトのエンリッチを行います。
// 各段は内部フォールバックを持ち、ここでパイプラインが中断することはありません。
func (o *Orchestrator) prepareIllustrations(ctx context.Context, book domain.StoryBook) (domain.StoryBook, map[int]domain.PromptAnalysis) {
	descriptions := o.validator.EnsureDescriptions(ctx, book.CharacterDescriptions, book.Pages, book.Title)
	book = book.WithCharacterDescriptions(descriptions)

	parsed := o.validator.ParseDescriptions(ctx, descriptions)

	promptsByIndex := make(map[int]string, len(book.Pages))
	for i, page := range book.Pages {
		promptsByIndex[i] = page.IllustrationPrompt
	}
	analyses := o.analyzer.AnalyzePrompts(ctx, promptsByIndex)

	return characters.EnrichPrompts(book, analyses, parsed), analyses
}

// --- 挿絵パイプライン ---

type imageResult struct {
	index       int
	image       domain.Image
	lastVariant int
	attempts    int
	err         error
}

// generateImages は表紙（インデックス0）と全ページの挿絵を生成します。
// ワーカーは結果をチャネルで調整ゴルーチンに返すだけで、画像マップと
// リトライカウンターの更新はこのゴルーチンでのみ行います。
func (o *Orchestrator) generateImages(ctx context.Context, book domain.StoryBook, analyses map[int]domain.PromptAnalysis, concept string) (domain.ImageMap, int) {
	ip := o.imageProvider()
	total := len(book.Pages) + 1
	results := make(chan imageResult, total)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(o.cfg.ImageWorkers)

	go func() {
		for index := 0; index < total; index++ {
			index := index // ループ変数をゴルーチンに束縛する
			eg.Go(func() error {
				res := o.generateOneImage(egCtx, ip, book, analyses, concept, index, 0)
				select {
				case results <- res:
				case <-egCtx.Done():
				}
				return nil
			})
		}
		_ = eg.Wait()
		close(results)
	}()

	images := make(domain.ImageMap)
	completed := 0
	totalAttempts := 0
	for res := range results {
		totalAttempts += res.attempts
		o.mu.Lock()
		o.retryCounters[res.index] = min(res.lastVariant+1, o.cfg.MaxVariantIndex)
		o.mu.Unlock()

		if res.err != nil {
			continue
		}
		images[res.index] = res.image
		completed++
		o.emit(domain.PhaseEvent{Kind: domain.PhaseGeneratingImages, Completed: completed, Total: total})
	}

	if ctx.Err() == nil {
		totalAttempts += o.rescuePass(ctx, ip, book, analyses, concept, images, &completed, total)
	}

	return images, totalAttempts
}

// rescuePass は本パスで埋まらなかったページを最も安全な変種で一度だけ救済します。
// 表紙が欠けた絵本は成立しないため、表紙を最優先で処理します。
func (o *Orchestrator) rescuePass(ctx context.Context, ip provider.ImageProvider, book domain.StoryBook, analyses map[int]domain.PromptAnalysis, concept string, images domain.ImageMap, completed *int, total int) int {
	missing := images.MissingIndices(len(book.Pages))
	if len(missing) == 0 {
		return 0
	}

	attempts := 0
	for _, index := range missing {
		if ctx.Err() != nil {
			break
		}
		res := o.generateOneImage(ctx, ip, book, analyses, concept, index, o.cfg.MaxVariantIndex)
		attempts += res.attempts
		if res.err != nil {
			continue
		}
		images[index] = res.image
		*completed++
		o.emit(domain.PhaseEvent{Kind: domain.PhaseGeneratingImages, Completed: *completed, Total: total})
	}
	return attempts
}

// generateOneImage は 1 インデックス分の挿絵を変種エスカレーション付きで生成します。
// 失敗しても同じプロンプトは二度投げません。変種を進めることで必ず入力が変わります。
func (o *Orchestrator) generateOneImage(ctx context.Context, ip provider.ImageProvider, book domain.StoryBook, analyses map[int]domain.PromptAnalysis, concept string, index, startVariant int) imageResult {
	var basePrompt string
	var pageAnalysis domain.PromptAnalysis
	if index == domain.CoverIndex {
		basePrompt = o.policy.SafeCoverPrompt(book.Title, concept)
		pageAnalysis = domain.EmptyAnalysis()
	} else {
		basePrompt = book.Pages[index-1].IllustrationPrompt
		pageAnalysis = analyses[index-1]
	}

	variant := startVariant
	attempts := 0
	var lastErr error

	for attempt := 0; attempt < o.cfg.AttemptBudget && variant <= o.cfg.MaxVariantIndex; attempt++ {
		if err := o.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		// 変種0はキャラクター記述の接頭辞を含む長いプロンプトなので拡張上限を使う。
		// エスカレーション後の変種は短い再構成文のため標準上限で足りる
		extended := variant == 0
		prompt := o.policy.SafeIllustrationPromptContext(ctx, buildVariantPrompt(basePrompt, pageAnalysis, variant), extended)
		attemptStart := time.Now()
		img, err := ip.GenerateImage(ctx, provider.ImageRequest{
			Prompt:       prompt,
			Style:        o.cfg.Style,
			Format:       o.cfg.Format,
			VariantIndex: variant,
			PageIndex:    index,
			Analysis:     pageAnalysis,
			Model:        o.cfg.ImageModel,
		})
		attempts++

		if err == nil {
			if ctx.Err() != nil {
				// キャンセル確認後は成功診断を書かない
				return imageResult{index: index, lastVariant: variant, attempts: attempts, err: ctx.Err()}
			}
			o.diag.AttemptSucceeded(ip.Name(), prompt, index, variant, attempt, time.Since(attemptStart))
			return imageResult{index: index, image: img, lastVariant: variant, attempts: attempts}
		}

		o.diag.AttemptFailed(ip.Name(), prompt, index, variant, attempt, err, time.Since(attemptStart))
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if !provider.IsRetryable(err) && !provider.IsGuardrail(err) {
			// unavailable 等はプロンプトを変えても通らない
			break
		}
		variant++
	}

	if lastErr != nil && ctx.Err() == nil {
		o.diag.GenerationFailedFinal(ip.Name(), basePrompt, index, lastErr)
	}
	return imageResult{index: index, lastVariant: variant, attempts: attempts, err: lastErr}
}

// imageProvider は設定されたプロバイダーの画像アダプターを選びます。
// 未登録なら既定の Gemini、それも無ければ登録済みの任意の1つに落ちます。
func (o *Orchestrator) imageProvider() provider.ImageProvider {
	if ip, ok := o.images[o.cfg.Provider]; ok {
		return ip
	}
	if ip, ok := o.images[provider.ProviderGemini]; ok {
		return ip
	}
	for _, ip := range o.images {
		return ip
	}
	return nil // New で1つ以上を保証済み。到達しない
}

// --- 単一ページ操作 ---

// RegeneratePage は指定インデックスの挿絵だけを生成し直します。
// 変種エスカレーションは実行スコープのリトライカウンターの続きから始まるため、
// 既知の失敗プロンプトを繰り返しません。
func (o *Orchestrator) RegeneratePage(ctx context.Context, book domain.StoryBook, index int) (domain.Image, error) {
	if index < 0 || index > len(book.Pages) {
		return domain.Image{}, fmt.Errorf("インデックス %d は範囲外です（0〜%d）", index, len(book.Pages))
	}

	o.mu.Lock()
	startVariant := o.retryCounters[index]
	concept := o.lastConcept
	analyses := o.lastAnalyses
	o.mu.Unlock()

	res := o.generateOneImage(ctx, o.imageProvider(), book, analyses, concept, index, startVariant)

	o.mu.Lock()
	o.retryCounters[index] = min(res.lastVariant+1, o.cfg.MaxVariantIndex)
	o.mu.Unlock()

	if res.err != nil {
		return domain.Image{}, res.err
	}
	if o.hooks.OnImageRegenerated != nil {
		o.hooks.OnImageRegenerated(index, res.image)
	}
	return res.image, nil
}

// ApplyTextEdit は編集済みの本文を検証し、永続化コラボレーターに通知します。
func (o *Orchestrator) ApplyTextEdit(book domain.StoryBook) error {
	if err := book.Validate(); err != nil {
		return fmt.Errorf("編集後の検証に失敗しました: %w", err)
	}
	if o.hooks.OnTextEdited != nil {
		o.hooks.OnTextEdited(book)
	}
	return nil
}
