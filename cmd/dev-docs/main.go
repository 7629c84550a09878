package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/jinford/dev-docs/cmd/dev-docs/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "dev-docs",
		Usage: "リポジトリのアーキテクチャドキュメントを自動生成するパイプライン",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "リポジトリを投入してドキュメントを生成する",
				Flags: append(commands.TargetFlags(),
					&cli.IntFlag{
						Name:  "priority",
						Usage: "優先度（0-255、大きいほど先に実行）",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "ジョブ全体のタイムアウト（例: 30m）",
					},
					&cli.IntFlag{
						Name:  "max-retries",
						Usage: "最大リトライ回数",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "ドキュメントを書き込むがコミットしない",
					},
					&cli.BoolFlag{
						Name:  "watch",
						Usage: "実行中のジョブの進捗を表示する",
					},
					&cli.BoolFlag{
						Name:  "git-progress",
						Usage: "clone/fetch/push の進捗を標準エラーに表示する",
					},
				),
				Action: commands.RunAction,
			},
			{
				Name:  "schedule",
				Usage: "Cron スケジュールに従ってリポジトリを定期的に投入する",
				Flags: append(commands.TargetFlags(),
					&cli.StringFlag{
						Name:     "cron",
						Usage:    "Cron形式のスケジュール（例: \"0 3 * * *\"）",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "run-now",
						Usage: "起動直後に1回投入する",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "ドキュメントを書き込むがコミットしない",
					},
				),
				Action: commands.ScheduleAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
