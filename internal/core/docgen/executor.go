package docgen

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/jinford/dev-docs/internal/core/pipeline"
)

// 各ステップの開始時点の進捗
const (
	progressSync     = 0
	progressAnalyze  = 10
	progressGenerate = 30
	progressWrite    = 60
	progressCommit   = 80
)

// Config はドキュメント生成の設定
type Config struct {
	OutputDir    string
	DocumentName string
	Push         bool
	Temperature  float64
	MaxTokens    int
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		OutputDir:    DefaultOutputDir,
		DocumentName: DefaultDocumentName,
		Temperature:  0.2,
		MaxTokens:    4096,
	}
}

// baseline はロールバック先となるジョブ開始前の状態
// generation はこのジョブが最後に作業ツリーを使ったときのロックの世代
type baseline struct {
	repoPath   string
	lockPath   string
	commit     string
	pushed     bool
	generation uint64
}

type executorOptions struct {
	logger *slog.Logger
	now    func() time.Time
}

// ExecutorOption は Executor のオプション
type ExecutorOption func(*executorOptions)

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(opts *executorOptions) {
		opts.logger = logger
	}
}

// Executor はリポジトリ1件分の ARCHITECTURE.md を生成する pipeline.Executor 実装
//
// 1回の ExecuteStep で 同期 → 解析 → 生成 → 書き込み → コミット/push を行う。
// 同期は clone-or-pull、ドキュメントは上書き、変更がなければコミットしないため、
// リトライで再実行されても結果は変わらない。
// 同じ作業ツリーを使うジョブ（ref が異なっても URL が同じもの）は作業ツリー単位のロックで直列化される。
type Executor struct {
	syncer   SourceSyncer
	repo     RepositoryWriter
	analyzer *Analyzer
	prompts  *PromptBuilder
	llm      LLMClient
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	locks *workspaceLocks

	mu        sync.Mutex
	baselines map[pipeline.JobID]*baseline
}

// NewExecutor は新しい Executor を作成する
func NewExecutor(
	syncer SourceSyncer,
	repo RepositoryWriter,
	analyzer *Analyzer,
	prompts *PromptBuilder,
	llm LLMClient,
	config Config,
	opts ...ExecutorOption,
) *Executor {
	options := executorOptions{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}

	defaults := DefaultConfig()
	if config.OutputDir == "" {
		config.OutputDir = defaults.OutputDir
	}
	if config.DocumentName == "" {
		config.DocumentName = defaults.DocumentName
	}

	return &Executor{
		syncer:    syncer,
		repo:      repo,
		analyzer:  analyzer,
		prompts:   prompts,
		llm:       llm,
		config:    config,
		logger:    options.logger,
		now:       options.now,
		locks:     newWorkspaceLocks(),
		baselines: make(map[pipeline.JobID]*baseline),
	}
}

// ExecuteStep はドキュメント生成の全ステップを実行する
func (e *Executor) ExecuteStep(ctx context.Context, job pipeline.PipelineJob, progress pipeline.ProgressReporter) (pipeline.StepOutcome, error) {
	progress.Report(progressSync, "sync repository")
	lockPath, err := e.syncer.WorkspacePath(job.Target)
	if err != nil {
		return pipeline.StepOutcome{}, err
	}
	lock, err := e.locks.acquire(ctx, lockPath)
	if err != nil {
		return pipeline.StepOutcome{}, err
	}
	defer lock.release()
	lock.generation++
	e.touchBaseline(job.ID, lock.generation)

	ws, err := e.syncer.Sync(ctx, job.Target)
	if err != nil {
		return pipeline.StepOutcome{}, err
	}
	e.rememberBaseline(job.ID, ws, lockPath, lock.generation)

	if err := ctx.Err(); err != nil {
		return pipeline.StepOutcome{}, err
	}

	progress.Report(progressAnalyze, "analyze repository")
	structure, err := e.analyzer.Analyze(ctx, ws.Path)
	if err != nil {
		return pipeline.StepOutcome{}, err
	}

	progress.Report(progressGenerate, "generate documentation")
	prompt := e.prompts.Build(job.Target, structure)
	resp, err := e.llm.GenerateCompletion(ctx, CompletionRequest{
		Prompt:      prompt,
		Temperature: e.config.Temperature,
		MaxTokens:   e.config.MaxTokens,
	})
	if err != nil {
		return pipeline.StepOutcome{}, err
	}

	progress.Report(progressWrite, "write documents")
	relPath := path.Join(e.config.OutputDir, e.config.DocumentName)
	doc, err := newDocument(relPath, job.Target, ws, resp, e.now())
	if err != nil {
		return pipeline.StepOutcome{}, err
	}
	if err := writeDocument(ws, doc); err != nil {
		return pipeline.StepOutcome{}, err
	}

	outcome := pipeline.StepOutcome{Documents: []string{doc.Path}}

	if job.Config.DryRun {
		e.logger.Info("dry run: skipped commit",
			"jobID", job.ID,
			"document", doc.Path,
			"files", len(structure.Files),
		)
		e.forgetBaseline(job.ID)
		return outcome, nil
	}

	if err := ctx.Err(); err != nil {
		return pipeline.StepOutcome{}, err
	}

	progress.Report(progressCommit, "commit changes")
	message := fmt.Sprintf("docs: update %s\n\nGenerated by dev-docs from %s", doc.Path, ws.HeadCommit)
	commit, committed, err := e.repo.CommitFiles(ctx, ws, outcome.Documents, message)
	if err != nil {
		return pipeline.StepOutcome{}, err
	}
	outcome.CommitHash = commit

	if committed && e.config.Push {
		if err := e.repo.Push(ctx, ws); err != nil {
			return pipeline.StepOutcome{}, err
		}
		outcome.Pushed = true
		e.markPushed(job.ID)
	}

	e.logger.Info("documentation generated",
		"jobID", job.ID,
		"target", job.Target.String(),
		"commit", commit,
		"committed", committed,
		"pushed", outcome.Pushed,
		"tokens", resp.TokensUsed,
	)

	e.forgetBaseline(job.ID)
	return outcome, nil
}

// Rollback は作業ツリーをジョブ開始前の HEAD に戻す
// push 済みのコミットはリモートから取り消せないため、ローカルのみ戻して警告する
// 失敗後に別のジョブが同じ作業ツリーを使った場合は、そのジョブの結果を残すため何もしない
func (e *Executor) Rollback(ctx context.Context, job pipeline.PipelineJob) error {
	e.mu.Lock()
	b, ok := e.baselines[job.ID]
	delete(e.baselines, job.ID)
	e.mu.Unlock()

	if !ok {
		e.logger.Info("nothing to roll back: repository was never synced", "jobID", job.ID)
		return nil
	}

	lock, err := e.locks.acquire(ctx, b.lockPath)
	if err != nil {
		return fmt.Errorf("failed to lock %s for rollback: %w", b.lockPath, err)
	}
	defer lock.release()

	if lock.generation != b.generation {
		e.logger.Info("skipped rollback: workspace was used by another job after this one",
			"jobID", job.ID,
			"workspace", b.lockPath,
		)
		return nil
	}

	if b.pushed {
		e.logger.Warn("generated commit was already pushed and cannot be revoked remotely",
			"jobID", job.ID,
			"target", job.Target.String(),
		)
	}

	if err := e.repo.ResetHard(ctx, b.repoPath, b.commit); err != nil {
		return fmt.Errorf("failed to reset %s to %s: %w", b.repoPath, b.commit, err)
	}

	e.logger.Info("working tree restored", "jobID", job.ID, "commit", b.commit)
	return nil
}

// rememberBaseline は最初の同期時の HEAD を記録する（リトライ時は世代のみ更新する）
func (e *Executor) rememberBaseline(id pipeline.JobID, ws Workspace, lockPath string, generation uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if b, ok := e.baselines[id]; ok {
		b.generation = generation
		return
	}
	e.baselines[id] = &baseline{
		repoPath:   ws.Path,
		lockPath:   lockPath,
		commit:     ws.HeadCommit,
		generation: generation,
	}
}

// touchBaseline は記録済みのジョブが作業ツリーのロックを再取得したときに世代を更新する
func (e *Executor) touchBaseline(id pipeline.JobID, generation uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if b, ok := e.baselines[id]; ok {
		b.generation = generation
	}
}

func (e *Executor) markPushed(id pipeline.JobID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if b, ok := e.baselines[id]; ok {
		b.pushed = true
	}
}

func (e *Executor) forgetBaseline(id pipeline.JobID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.baselines, id)
}

var _ pipeline.Executor = (*Executor)(nil)
