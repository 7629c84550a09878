package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jinford/dev-docs/internal/core/docgen"
	"github.com/jinford/dev-docs/internal/core/pipeline"
	"github.com/jinford/dev-docs/internal/infra/git"
	"github.com/jinford/dev-docs/internal/infra/git/filter"
	"github.com/jinford/dev-docs/internal/infra/openai"
	"github.com/jinford/dev-docs/internal/infra/postgres"
	"github.com/jinford/dev-docs/internal/platform/config"
	"github.com/jinford/dev-docs/internal/platform/database"
)

// Source はリポジトリの同期と書き戻しの両方を担う（*git.Provider が満たす）
type Source interface {
	docgen.SourceSyncer
	docgen.RepositoryWriter
}

// ServiceContainer は設定から組み立てたコンポーネントを保持する
type ServiceContainer struct {
	Controller *pipeline.Controller
	Executor   *docgen.Executor

	logger *slog.Logger
	pool   *pgxpool.Pool
	grace  time.Duration
}

type containerOptions struct {
	logger       *slog.Logger
	source       Source
	llmClient    docgen.LLMClient
	tokenCounter docgen.TokenCounter
	recorder     pipeline.JobRecorder
	observers    []pipeline.JobRecorder
	gitProgress  io.Writer
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerSource はリポジトリの同期・書き戻し先を差し替える
func WithContainerSource(source Source) ContainerOption {
	return func(opts *containerOptions) {
		opts.source = source
	}
}

// WithContainerLLMClient は LLM クライアントを差し替える（サーキットブレーカーは付与しない）
func WithContainerLLMClient(client docgen.LLMClient) ContainerOption {
	return func(opts *containerOptions) {
		opts.llmClient = client
	}
}

// WithContainerTokenCounter は TokenCounter を差し替える
func WithContainerTokenCounter(counter docgen.TokenCounter) ContainerOption {
	return func(opts *containerOptions) {
		opts.tokenCounter = counter
	}
}

// WithContainerRecorder はジョブの記録先を差し替える（DB_ENABLED より優先）
func WithContainerRecorder(recorder pipeline.JobRecorder) ContainerOption {
	return func(opts *containerOptions) {
		opts.recorder = recorder
	}
}

// WithContainerGitProgress は clone/fetch/push の進捗出力先を設定する（GIT_PROGRESS より優先）
func WithContainerGitProgress(w io.Writer) ContainerOption {
	return func(opts *containerOptions) {
		opts.gitProgress = w
	}
}

// WithContainerObserver は記録先とは別に終端ジョブを受け取る JobRecorder を追加する
func WithContainerObserver(observer pipeline.JobRecorder) ContainerOption {
	return func(opts *containerOptions) {
		opts.observers = append(opts.observers, observer)
	}
}

// NewContainer は設定からコンテナを生成する
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	options := containerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	// Source (Git)
	source := options.source
	if source == nil {
		var gitOpts []git.ClientOption
		switch {
		case options.gitProgress != nil:
			gitOpts = append(gitOpts, git.WithProgress(options.gitProgress))
		case cfg.Git.Progress:
			gitOpts = append(gitOpts, git.WithProgress(os.Stderr))
		}
		gitClient := git.NewClient(cfg.Git.SSHKeyPath, cfg.Git.SSHPassword, gitOpts...)
		source = git.NewProvider(gitClient, cfg.Git.CloneDir, cfg.Git.DefaultBranch, git.Signature{
			Name:  cfg.Git.AuthorName,
			Email: cfg.Git.AuthorEmail,
		})
	}

	// LLMClient (OpenAI + circuit breaker)
	llmClient := options.llmClient
	if llmClient == nil {
		openaiClient, err := openai.NewClient(
			cfg.OpenAI.APIKey,
			openai.WithModel(cfg.OpenAI.LLMModel),
			openai.WithTimeout(cfg.OpenAI.Timeout),
		)
		if err != nil {
			return nil, fmt.Errorf("OpenAI LLMクライアント初期化に失敗しました: %w", err)
		}
		llmClient = openai.NewBreakerClient(openaiClient, openai.BreakerConfig{
			Name:        "openai-" + cfg.OpenAI.LLMModel,
			MaxFailures: uint32(max(cfg.Breaker.MaxFailures, 0)),
			OpenTimeout: cfg.Breaker.OpenTimeout,
			Logger:      options.logger,
		})
	}

	// TokenCounter (tiktoken)
	tokenCounter := options.tokenCounter
	if tokenCounter == nil {
		counter, err := openai.NewTokenCounter()
		if err != nil {
			options.logger.Warn("tiktoken を利用できないため文字数でトークン数を推定します", "error", err)
		} else {
			tokenCounter = counter
		}
	}

	// Recorder (PostgreSQL)
	recorder := options.recorder
	var pool *pgxpool.Pool
	if recorder == nil && cfg.Database.Enabled {
		var err error
		pool, err = database.Connect(ctx, database.ConnectionParams{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
		}

		if _, err := database.Transact(ctx, pool, func(tx pgx.Tx) (struct{}, error) {
			return struct{}{}, postgres.NewJobRecorder(tx).EnsureSchema(ctx)
		}); err != nil {
			pool.Close()
			return nil, fmt.Errorf("スキーマの作成に失敗しました: %w", err)
		}
		recorder = postgres.NewJobRecorder(pool)
	}

	// Executor
	outputDir := cfg.Docs.OutputSubdir
	documentPath := path.Join(outputDir, docgen.DefaultDocumentName)
	analyzer := docgen.NewAnalyzer(func(repoPath string) (docgen.IgnoreMatcher, error) {
		f, err := filter.NewIgnoreFilter(repoPath, documentPath)
		if err != nil {
			return nil, err
		}
		return f, nil
	})

	executor := docgen.NewExecutor(
		source,
		source,
		analyzer,
		docgen.NewPromptBuilder(tokenCounter, cfg.OpenAI.MaxPromptTokens),
		llmClient,
		docgen.Config{
			OutputDir:    outputDir,
			DocumentName: docgen.DefaultDocumentName,
			Push:         cfg.Git.Push,
			Temperature:  cfg.OpenAI.Temperature,
			MaxTokens:    cfg.OpenAI.MaxTokens,
		},
		docgen.WithLogger(options.logger),
	)

	// Controller
	controllerOpts := append(cfg.PipelineOptions(), pipeline.WithLogger(options.logger))
	if recorder != nil {
		controllerOpts = append(controllerOpts, pipeline.WithRecorder(recorder))
	}
	for _, observer := range options.observers {
		controllerOpts = append(controllerOpts, pipeline.WithRecorder(observer))
	}

	return &ServiceContainer{
		Controller: pipeline.NewController(executor, controllerOpts...),
		Executor:   executor,
		logger:     options.logger,
		pool:       pool,
		grace:      cfg.Pipeline.ShutdownGrace,
	}, nil
}

// Close は Controller を猶予期間付きで停止し、内部リソースを解放する
func (c *ServiceContainer) Close() error {
	if c == nil {
		return nil
	}

	var err error
	if c.Controller != nil {
		err = c.Controller.Shutdown(c.grace)
	}
	if c.pool != nil {
		c.pool.Close()
	}
	return err
}

// Logger はロガーを返す
func (c *ServiceContainer) Logger() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}
