package cmd

import (
	"fmt"
	"os"

	"github.com/shouni/go-storybook-kit/internal/config"
	"github.com/shouni/go-storybook-kit/pkg/provider"

	clibase "github.com/shouni/go-cli-base"
	"github.com/spf13/cobra"
)

var opts config.GenerateOptions

// addAppFlags は、アプリケーション全般に適用されるグローバルフラグを定義するのだ。
func addAppFlags(rootCmd *cobra.Command) {
	// --- 生成対象 ---
	rootCmd.PersistentFlags().StringVarP(&opts.Concept, "concept", "c", "", "絵本にしたい物語の概念文なのだ（例: 'A fox who loses his hat'）。")
	rootCmd.PersistentFlags().IntVarP(&opts.PageCount, "pages", "p", config.DefaultPageCount, "生成するページ数なのだ。")

	// --- 生成結果の出力設定 ---
	rootCmd.PersistentFlags().StringVarP(&opts.OutputDir, "output-dir", "o", config.DefaultOutputDir, "保存ディレクトリ（ローカル or gs://...）なのだ。")

	// --- プロバイダー・AIモデル設定 ---
	rootCmd.PersistentFlags().StringVar(&opts.Provider, "provider", string(provider.ProviderGemini), "テキスト生成プロバイダー（gemini / local / openrouter / together / huggingface）なのだ。")
	rootCmd.PersistentFlags().BoolVar(&opts.FallbackEnabled, "fallback", true, "プロバイダー失敗時に既定経路へ迂回するかなのだ。")
	rootCmd.PersistentFlags().StringVar(&opts.TextModel, "model", "", "使用するテキスト生成モデル名なのだ（空ならプロバイダーの既定値）。")
	rootCmd.PersistentFlags().StringVar(&opts.ImageModel, "image-model", "", "使用する画像生成モデル名なのだ（空ならプロバイダーの既定値）。")
	rootCmd.PersistentFlags().StringVar(&opts.Style, "style", config.DefaultStyle, "挿絵の画風指定なのだ。")
	rootCmd.PersistentFlags().StringVar(&opts.Format, "format", config.DefaultFormat, "挿絵のアスペクト比なのだ。")
	rootCmd.PersistentFlags().DurationVar(&opts.HTTPTimeout, "http-timeout", config.DefaultHTTPTimeout, "Webリクエストのタイムアウトなのだ。")

	illustrateCmd.Flags().StringVarP(&opts.BookFile, "book-file", "f", "", "挿絵を作り直す既存の絵本JSONのパスなのだ。")
}

// preRunAppE は、コマンド実行前に環境変数などの必須チェックを行うのだ。
func preRunAppE(cmd *cobra.Command, args []string) error {
	// models コマンドはクラウドのトークンだけで動くのでチェック対象外なのだ
	if cmd.Name() == "models" {
		return nil
	}

	// 既定の Gemini 経路で動かすなら APIキーの存在チェックは欠かせないのだ！
	if opts.Provider == string(provider.ProviderGemini) && os.Getenv(provider.EnvGeminiAPIKey) == "" {
		return fmt.Errorf("エラー: 環境変数 %s が設定されていません。Gemini APIの利用には必須なのだ", provider.EnvGeminiAPIKey)
	}
	return nil
}

// Execute は、アプリケーションのメインエントリポイントなのだ。
// main.go から呼び出されて、cobra のコマンドライン解析を開始するのだよ。
func Execute() {
	clibase.Execute(
		"storybook-go",
		addAppFlags,
		preRunAppE,
		generateCmd,
		illustrateCmd,
		modelsCmd,
	)
}
