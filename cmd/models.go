package cmd

import (
	"fmt"

	"github.com/shouni/go-storybook-kit/internal/config"
	"github.com/shouni/go-storybook-kit/internal/pipeline"

	"github.com/spf13/cobra"
)

var modelsForce bool

// modelsCmd は、認証済みクラウドプロバイダーのモデルカタログを表示するのだ。
var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "利用可能なモデルの一覧を表示しますなのだ。",
	Long: `トークンが設定されているクラウドプロバイダーからモデルカタログを取得し、
テキスト生成用と画像生成用に分けて一覧表示するのだ。
結果は10分間キャッシュされるのだよ。`,
	RunE: modelsCommand,
}

func init() {
	modelsCmd.Flags().BoolVar(&modelsForce, "force", false, "キャッシュを無視して必ず再取得するのだ。")
}

func modelsCommand(cmd *cobra.Command, args []string) error {
	cfg := config.LoadConfig()
	cfg.Options = opts

	if err := pipeline.ExecuteModels(cmd.Context(), cfg, modelsForce); err != nil {
		return fmt.Errorf("モデル一覧の取得中にエラーが発生したのだ: %w", err)
	}
	return nil
}
