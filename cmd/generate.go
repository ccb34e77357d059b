package cmd

import (
	"fmt"
	"log/slog"

	"github.com/shouni/go-storybook-kit/internal/config"
	"github.com/shouni/go-storybook-kit/internal/pipeline"

	"github.com/spf13/cobra"
)

// generateCmd は、AIによる絵本本文と挿絵の生成を実行するのだ。
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "AIに絵本（本文＋挿絵）を生成させますなのだ。",
	Long: `概念文から物語本文・キャラクター記述・挿絵プロンプトを生成し、
表紙と各ページの挿絵まで一気に作るのだ。
出力は絵本JSONと画像ファイル一式になるのだよ。`,
	RunE: generateCommand,
}

func generateCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// 1. 必須チェック
	if opts.Concept == "" {
		return fmt.Errorf("物語の概念文（--concept）を指定してほしいのだ")
	}

	// 2. 環境変数等から基本設定をロードするのだ
	cfg := config.LoadConfig()
	cfg.Options = opts

	slog.Info("絵本生成パイプラインを起動するのだ！",
		"provider", opts.Provider,
		"pages", opts.PageCount,
		"output", opts.OutputDir)

	if err := pipeline.Execute(ctx, cfg); err != nil {
		return fmt.Errorf("パイプライン実行中にエラーが発生したのだ: %w", err)
	}

	slog.Info("すべての生成工程が完了したのだ！")
	return nil
}
