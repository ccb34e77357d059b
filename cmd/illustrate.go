package cmd

import (
	"fmt"

	"github.com/shouni/go-storybook-kit/internal/config"
	"github.com/shouni/go-storybook-kit/internal/pipeline"

	"github.com/spf13/cobra"
)

// illustrateCmd は、既存の絵本JSONを基に挿絵だけを作り直すのだ。
var illustrateCmd = &cobra.Command{
	Use:   "illustrate",
	Short: "既存の絵本JSONから挿絵だけを再生成しますなのだ。",
	Long: `generate で出力した絵本JSONを読み込み、本文はそのままに
表紙と各ページの挿絵を作り直すのだ。画風やモデルを変えて試すのに便利なのだよ。`,
	RunE: illustrateCommand,
}

func illustrateCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if opts.BookFile == "" {
		return fmt.Errorf("絵本JSON（--book-file）を指定してほしいのだ")
	}

	cfg := config.LoadConfig()
	cfg.Options = opts

	if err := pipeline.ExecuteIllustrateOnly(ctx, cfg); err != nil {
		return fmt.Errorf("挿絵の再生成中にエラーが発生したのだ: %w", err)
	}
	return nil
}
