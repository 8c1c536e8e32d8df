// 開発用認証局のエントリポイント。
// 開発用トークンの発行、トークン検証、プロフィール取得、決済トークンの検証を担当する。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/sessiongate/internal/authority"
	"github.com/nao1215/sessiongate/internal/config"
	"github.com/nao1215/sessiongate/pkg/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	port       string
)

var rootCmd = &cobra.Command{
	Use:          "authority",
	Short:        "Development auth authority for the session gateway",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if port != "" {
			cfg.Authority.Port = port
		}

		logger, err := logging.New(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		server, err := authority.NewServer(ctx, cfg.Authority, logger)
		if err != nil {
			logger.Error("認証局の初期化に失敗しました", zap.Error(err))
			return err
		}
		logger.Info("認証局を起動します", zap.String("port", cfg.Authority.Port))
		return server.Run(ctx)
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	rootCmd.Flags().StringVar(&port, "port", "", "listen port (overrides config and AUTHORITY_PORT)")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
