package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/samber/mo"
	"github.com/urfave/cli/v3"

	"github.com/jinford/dev-docs/internal/core/pipeline"
	"github.com/jinford/dev-docs/internal/platform/container"
)

const watchInterval = time.Second

// RunAction は対象リポジトリを投入し、全ジョブの終了を待つコマンドのアクション
func RunAction(ctx context.Context, cmd *cli.Command) error {
	targets, err := targetsFromCommand(cmd)
	if err != nil {
		return err
	}

	outcomes := NewOutcomeCollector()
	opts := []container.ContainerOption{container.WithContainerObserver(outcomes)}
	if cmd.Bool("git-progress") {
		opts = append(opts, container.WithContainerGitProgress(os.Stderr))
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"), opts...)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	jobCfg, err := jobConfigFromCommand(cmd, appCtx.Config.JobConfig())
	if err != nil {
		return err
	}

	controller := appCtx.Controller()
	logger := appCtx.Logger()

	results := controller.SubmitBatch(targets, mo.Some(jobCfg))
	ids := make([]pipeline.JobID, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			logger.Error("ジョブの投入に失敗しました", "target", r.Target.String(), "error", r.Err)
			continue
		}
		logger.Info("ジョブを投入しました", "jobID", r.JobID, "target", r.Target.String())
		ids = append(ids, r.JobID)
	}

	var watcher *ProgressWatcher
	if cmd.Bool("watch") {
		watcher = NewProgressWatcher(controller, ids, watchInterval, os.Stdout)
		go watcher.Run(ctx)
	}

	if err := controller.AwaitAll(ctx); err != nil {
		// シグナルによる中断。Close で猶予期間付きのシャットダウンを行う
		logger.Warn("中断されました。実行中のジョブを停止します", "error", err)
		return err
	}
	if watcher != nil {
		watcher.Poll()
	}

	return summarize(os.Stdout, controller, outcomes, results)
}

// OutcomeCollector は終端ジョブの最終状態を記録する pipeline.JobRecorder
// 履歴の上限を超えて追い出されたジョブの結果も集計できる
type OutcomeCollector struct {
	mu      sync.Mutex
	details map[pipeline.JobID]pipeline.JobStatusDetail
}

// NewOutcomeCollector は新しい OutcomeCollector を作成する
func NewOutcomeCollector() *OutcomeCollector {
	return &OutcomeCollector{details: make(map[pipeline.JobID]pipeline.JobStatusDetail)}
}

// Record は終端状態を保存する
func (c *OutcomeCollector) Record(_ context.Context, record pipeline.JobRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.details[record.Job.ID] = record.Detail
	return nil
}

// Status は記録済みの終端状態を返す
func (c *OutcomeCollector) Status(id pipeline.JobID) mo.Option[pipeline.JobStatusDetail] {
	if c == nil {
		return mo.None[pipeline.JobStatusDetail]()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.details[id]
	if !ok {
		return mo.None[pipeline.JobStatusDetail]()
	}
	return mo.Some(d)
}

// summarySource は集計に使う Controller の機能（*pipeline.Controller が満たす）
type summarySource interface {
	statusSource
	Stats() pipeline.SchedulerStats
}

// summarize は各ジョブの最終状態を表示し、失敗があればエラーを返す
// 状態を確認できないジョブは失敗として数える
func summarize(out io.Writer, controller summarySource, outcomes *OutcomeCollector, results []pipeline.BatchResult) error {
	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(out, "%s: %v\n", r.Target.String(), r.Err)
			continue
		}

		detail, ok := outcomes.Status(r.JobID).Get()
		if !ok {
			detail, ok = controller.Status(r.JobID).Get()
		}
		if !ok {
			failed++
			fmt.Fprintf(out, "%s: %s (status unavailable)\n", r.Target.String(), r.JobID)
			continue
		}
		if detail.Status != pipeline.StatusSucceeded {
			failed++
		}
		fmt.Fprintf(out, "%s: %s\n", r.Target.String(), detail.String())
	}

	fmt.Fprintln(out, controller.Stats().String())

	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d/%d jobs did not succeed", failed, len(results)), 1)
	}
	return nil
}

var _ pipeline.JobRecorder = (*OutcomeCollector)(nil)
