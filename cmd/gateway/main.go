// セッションゲートウェイのエントリポイント。
// ページ遷移ごとにセッションを検証し、ルート種別に応じたシェルを描画する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/sessiongate/internal/config"
	"github.com/nao1215/sessiongate/internal/gateway"
	"github.com/nao1215/sessiongate/pkg/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	port       string
)

var rootCmd = &cobra.Command{
	Use:          "gateway",
	Short:        "Session gateway for the dashboard pages",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if port != "" {
			cfg.Port = port
		}

		logger, err := logging.New(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		server, err := gateway.NewServer(ctx, cfg, logger)
		if err != nil {
			logger.Error("ゲートウェイの初期化に失敗しました", zap.Error(err))
			return err
		}
		return server.Run(ctx)
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	rootCmd.Flags().StringVar(&port, "port", "", "listen port (overrides config and PORT)")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
