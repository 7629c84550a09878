package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/samber/mo"

	"github.com/jinford/dev-docs/internal/core/pipeline"
)

// ErrPreviousBatchRunning は前回投入したジョブがまだ終わっていない場合のエラー
var ErrPreviousBatchRunning = errors.New("previous batch is still running")

// Submitter はジョブの投入と状態取得を行う（*pipeline.Controller が満たす）
type Submitter interface {
	SubmitBatch(targets []pipeline.RepositoryRef, cfg mo.Option[pipeline.JobConfig]) []pipeline.BatchResult
	Status(id pipeline.JobID) mo.Option[pipeline.JobStatusDetail]
}

// Config は定期投入の設定
type Config struct {
	CronSchedule string // Cron形式のスケジュール（例: "0 3 * * *" = 毎日3:00）
	Targets      []pipeline.RepositoryRef
	JobConfig    mo.Option[pipeline.JobConfig]
}

// PeriodicSubmitter は対象リポジトリ群をスケジュールに従って投入する
type PeriodicSubmitter struct {
	config    Config
	submitter Submitter
	cron      *cron.Cron
	logger    *slog.Logger

	mu      sync.Mutex
	pending []pipeline.JobID
}

// NewPeriodicSubmitter は新しい PeriodicSubmitter を作成する
func NewPeriodicSubmitter(config Config, submitter Submitter, logger *slog.Logger) *PeriodicSubmitter {
	if logger == nil {
		logger = slog.Default()
	}

	return &PeriodicSubmitter{
		config:    config,
		submitter: submitter,
		cron:      cron.New(),
		logger:    logger,
	}
}

// Start はスケジューラーを起動する
func (p *PeriodicSubmitter) Start() error {
	_, err := p.cron.AddFunc(p.config.CronSchedule, func() {
		if _, err := p.RunOnce(context.Background()); err != nil {
			if errors.Is(err, ErrPreviousBatchRunning) {
				p.logger.Warn("skipped scheduled batch", "reason", err.Error())
				return
			}
			p.logger.Error("scheduled batch failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register cron schedule %q: %w", p.config.CronSchedule, err)
	}

	p.cron.Start()
	p.logger.Info("periodic submitter started",
		"schedule", p.config.CronSchedule,
		"targets", len(p.config.Targets),
	)
	return nil
}

// Stop はスケジューラーを停止し、実行中の投入が終わるまで待つ
func (p *PeriodicSubmitter) Stop() {
	<-p.cron.Stop().Done()
	p.logger.Info("periodic submitter stopped")
}

// RunOnce は対象リポジトリ群を1回投入する（手動実行可能）
// 前回投入したジョブが終端状態になっていない場合は投入しない
func (p *PeriodicSubmitter) RunOnce(ctx context.Context) ([]pipeline.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if running := p.runningLocked(); running > 0 {
		return nil, fmt.Errorf("%w: %d jobs not finished", ErrPreviousBatchRunning, running)
	}

	results := p.submitter.SubmitBatch(p.config.Targets, p.config.JobConfig)

	p.pending = p.pending[:0]
	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
			p.logger.Error("failed to submit job", "target", r.Target.String(), "error", r.Err)
			continue
		}
		p.pending = append(p.pending, r.JobID)
	}

	p.logger.Info("batch submitted",
		"submitted", len(p.pending),
		"failed", failed,
	)
	return results, nil
}

// runningLocked は前回投入分のうち終端状態でないジョブの数を返す
// 履歴から追い出されて参照できないジョブは終了済みとみなす
func (p *PeriodicSubmitter) runningLocked() int {
	var running int
	for _, id := range p.pending {
		detail, ok := p.submitter.Status(id).Get()
		if ok && !detail.Status.IsTerminal() {
			running++
		}
	}
	return running
}

var _ Submitter = (*pipeline.Controller)(nil)
