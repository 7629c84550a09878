package commands

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/jinford/dev-docs/internal/core/pipeline"
	"github.com/jinford/dev-docs/internal/platform/config"
	"github.com/jinford/dev-docs/internal/platform/container"
	"github.com/jinford/dev-docs/internal/platform/logger"
)

// AppContext はコマンド実行に必要な共通コンテキストを保持する
type AppContext struct {
	Config    *config.Config
	Container *container.ServiceContainer
}

// NewAppContext は設定ファイルを読み込み、コンポーネントを組み立てて AppContext を作成する
func NewAppContext(ctx context.Context, envFile string, opts ...container.ContainerOption) (*AppContext, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	appLogger := logger.New(cfg.LoggerConfig())

	opts = append([]container.ContainerOption{container.WithContainerLogger(appLogger)}, opts...)
	cont, err := container.NewContainer(ctx, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("コンテナの初期化に失敗: %w", err)
	}

	return &AppContext{
		Config:    cfg,
		Container: cont,
	}, nil
}

// Controller はパイプラインの Controller を返す
func (ac *AppContext) Controller() *pipeline.Controller {
	return ac.Container.Controller
}

// Close は実行中のジョブを猶予期間付きで停止し、リソースを解放する
func (ac *AppContext) Close() {
	if ac.Container == nil {
		return
	}
	if err := ac.Container.Close(); err != nil {
		ac.Logger().Warn("シャットダウン時にジョブを強制終了しました", "error", err)
	}
}

// Logger はAppContextのロガーを返す
func (ac *AppContext) Logger() *slog.Logger {
	return ac.Container.Logger()
}

// TargetFlags は対象リポジトリを指定する共通フラグを返す
func TargetFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "env",
			Usage: "環境変数ファイルパス",
			Value: ".env",
		},
		&cli.StringSliceFlag{
			Name:  "url",
			Usage: "GitリポジトリURL（複数指定可）",
		},
		&cli.StringFlag{
			Name:  "file",
			Usage: "1行に1リポジトリを記載したファイル（\"URL [ref]\" 形式）",
		},
		&cli.StringFlag{
			Name:  "ref",
			Usage: "ブランチ名（未指定時は GIT_DEFAULT_BRANCH）",
		},
	}
}

// targetsFromCommand は --url と --file から対象リポジトリを集める
func targetsFromCommand(cmd *cli.Command) ([]pipeline.RepositoryRef, error) {
	ref := cmd.String("ref")

	var targets []pipeline.RepositoryRef
	for _, url := range cmd.StringSlice("url") {
		targets = append(targets, pipeline.RepositoryRef{URL: url, Ref: ref})
	}

	if file := cmd.String("file"); file != "" {
		fromFile, err := readTargetsFile(file, ref)
		if err != nil {
			return nil, err
		}
		targets = append(targets, fromFile...)
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("--url または --file で対象リポジトリを指定してください")
	}
	return targets, nil
}

// readTargetsFile は "URL [ref]" 形式のファイルを読み込む（空行と # で始まる行は無視）
func readTargetsFile(path, defaultRef string) ([]pipeline.RepositoryRef, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("対象ファイルを開けません: %w", err)
	}
	defer f.Close()

	var targets []pipeline.RepositoryRef
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		switch len(fields) {
		case 1:
			targets = append(targets, pipeline.RepositoryRef{URL: fields[0], Ref: defaultRef})
		case 2:
			targets = append(targets, pipeline.RepositoryRef{URL: fields[0], Ref: fields[1]})
		default:
			return nil, fmt.Errorf("%s:%d: \"URL [ref]\" 形式で記載してください", path, lineNo)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("対象ファイルの読み込みに失敗: %w", err)
	}
	return targets, nil
}

// jobConfigFromCommand は設定値をフラグで上書きしたジョブ設定を返す
func jobConfigFromCommand(cmd *cli.Command, base pipeline.JobConfig) (pipeline.JobConfig, error) {
	cfg := base

	if cmd.IsSet("priority") {
		priority := cmd.Int("priority")
		if priority < 0 || priority > 255 {
			return cfg, fmt.Errorf("--priority は 0-255 で指定してください: %d", priority)
		}
		cfg.Priority = uint8(priority)
	}
	if cmd.IsSet("timeout") {
		cfg.Timeout = cmd.Duration("timeout")
	}
	if cmd.IsSet("max-retries") {
		retries := cmd.Int("max-retries")
		if retries < 0 {
			return cfg, fmt.Errorf("--max-retries は 0 以上で指定してください: %d", retries)
		}
		cfg.MaxRetries = uint(retries)
	}
	cfg.DryRun = cmd.Bool("dry-run")

	return cfg, nil
}
