package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/mo"
)

const (
	// DefaultShutdownGrace はシャットダウン時の猶予期間のデフォルト値
	DefaultShutdownGrace = 30 * time.Second
	// DefaultRollbackTimeout はロールバック1回あたりのタイムアウト
	DefaultRollbackTimeout = 2 * time.Minute

	recordTimeout = 10 * time.Second
)

type controllerOptions struct {
	logger          *slog.Logger
	retryConfig     RetryConfig
	schedulerConfig SchedulerConfig
	recorders       []JobRecorder
	rollbackTimeout time.Duration
	shutdownGrace   time.Duration
	now             func() time.Time
}

// Option は Controller 構築時のオプション
type Option func(*controllerOptions)

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) Option {
	return func(opts *controllerOptions) {
		opts.logger = logger
	}
}

// WithRetryConfig はバックオフ設定を上書きする
func WithRetryConfig(config RetryConfig) Option {
	return func(opts *controllerOptions) {
		opts.retryConfig = config
	}
}

// WithSchedulerConfig はスケジューラー設定を上書きする
func WithSchedulerConfig(config SchedulerConfig) Option {
	return func(opts *controllerOptions) {
		opts.schedulerConfig = config
	}
}

// WithRecorder は終端ジョブの記録先を追加する（複数指定した場合は指定順に全て呼ばれる）
func WithRecorder(recorder JobRecorder) Option {
	return func(opts *controllerOptions) {
		if recorder != nil {
			opts.recorders = append(opts.recorders, recorder)
		}
	}
}

// WithRollbackTimeout はロールバックのタイムアウトを設定する
func WithRollbackTimeout(timeout time.Duration) Option {
	return func(opts *controllerOptions) {
		if timeout > 0 {
			opts.rollbackTimeout = timeout
		}
	}
}

// WithShutdownGrace は Shutdown(0) のときに使う猶予期間を設定する
func WithShutdownGrace(grace time.Duration) Option {
	return func(opts *controllerOptions) {
		if grace > 0 {
			opts.shutdownGrace = grace
		}
	}
}

// BatchResult は SubmitBatch の1件分の結果
type BatchResult struct {
	Target RepositoryRef
	JobID  JobID
	Err    error
}

// Controller はジョブの投入・実行・状態照会を提供するオーケストレーター
// 状態はすべてインスタンスが保持するため、複数の Controller を独立に動かせる
type Controller struct {
	executor  Executor
	scheduler *Scheduler
	tracker   *Tracker
	retry     *RetryManager
	recorders []JobRecorder
	logger    *slog.Logger
	now       func() time.Time

	rollbackTimeout time.Duration
	shutdownGrace   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewController は新しい Controller を作成する
func NewController(executor Executor, opts ...Option) *Controller {
	options := controllerOptions{
		logger:          slog.Default(),
		retryConfig:     DefaultRetryConfig(),
		schedulerConfig: DefaultSchedulerConfig(),
		rollbackTimeout: DefaultRollbackTimeout,
		shutdownGrace:   DefaultShutdownGrace,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	scheduler := NewScheduler(options.schedulerConfig)
	scheduler.now = options.now
	tracker := NewTracker()
	tracker.now = options.now

	return &Controller{
		executor:        executor,
		scheduler:       scheduler,
		tracker:         tracker,
		retry:           NewRetryManager(options.retryConfig),
		recorders:       options.recorders,
		logger:          options.logger,
		now:             options.now,
		rollbackTimeout: options.rollbackTimeout,
		shutdownGrace:   options.shutdownGrace,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Submit はジョブを投入し、実行を待たずに JobID を返す
// 失敗するのはキューが満杯（ErrQueueFull）またはシャットダウン済み（ErrControllerClosed）の場合のみ
func (c *Controller) Submit(target RepositoryRef, cfg mo.Option[JobConfig]) (JobID, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return "", ErrControllerClosed
	}

	job := c.newJob(target, cfg)
	if err := c.scheduler.Enqueue(job); err != nil {
		return "", err
	}
	c.start(job)
	return job.ID, nil
}

// SubmitBatch は複数のジョブを独立に投入する（一部のみ成功してもよい）
// バッチ全体をキューに積んでから実行枠を割り当てるため、バッチ内の priority 順が守られる
func (c *Controller) SubmitBatch(targets []RepositoryRef, cfg mo.Option[JobConfig]) []BatchResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make([]BatchResult, len(targets))
	if c.closed {
		for i, target := range targets {
			results[i] = BatchResult{Target: target, Err: ErrControllerClosed}
		}
		return results
	}

	jobs := make([]PipelineJob, len(targets))
	for i, target := range targets {
		jobs[i] = c.newJob(target, cfg)
	}

	errs := c.scheduler.EnqueueBatch(jobs)
	for i, job := range jobs {
		if errs[i] != nil {
			results[i] = BatchResult{Target: job.Target, Err: errs[i]}
			continue
		}
		c.start(job)
		results[i] = BatchResult{Target: job.Target, JobID: job.ID}
	}
	return results
}

func (c *Controller) newJob(target RepositoryRef, cfg mo.Option[JobConfig]) PipelineJob {
	return PipelineJob{
		ID:        NewJobID(),
		Target:    target,
		Config:    cfg.OrElse(DefaultJobConfig()).normalize(),
		Status:    StatusQueued,
		CreatedAt: c.now(),
	}
}

// start は投入済みジョブの実行タスクを起動する（c.mu の読み取りロック下で呼ぶ）
func (c *Controller) start(job PipelineJob) {
	c.wg.Add(1)
	go c.run(job)

	c.logger.Debug("job submitted",
		"jobID", job.ID,
		"target", job.Target.String(),
		"priority", job.Config.Priority,
	)
}

// Status はジョブのステータスを返す
// 終端ジョブは履歴に確定したステータスを返すため、何度呼んでも同じ値になる
func (c *Controller) Status(id JobID) mo.Option[JobStatusDetail] {
	if entry, ok := c.scheduler.Completed(id).Get(); ok {
		return mo.Some(entry.Detail)
	}

	job, ok := c.scheduler.Job(id).Get()
	if !ok {
		return mo.None[JobStatusDetail]()
	}
	if job.Status.IsTerminal() {
		// 照会の間に終端状態へ遷移した
		if entry, ok := c.scheduler.Completed(id).Get(); ok {
			return mo.Some(entry.Detail)
		}
	}

	if detail, ok := c.tracker.Snapshot(id, job.Status); ok {
		return mo.Some(detail)
	}
	return mo.Some(JobStatusDetail{JobID: id, Status: job.Status})
}

// Job はジョブのコピーを返す
func (c *Controller) Job(id JobID) mo.Option[PipelineJob] {
	return c.scheduler.Job(id)
}

// Stats は集計値を返す
func (c *Controller) Stats() SchedulerStats {
	return c.scheduler.Stats()
}

// History は終端ジョブを古い順に返す
func (c *Controller) History() []CompletedJob {
	return c.scheduler.History()
}

// AwaitAll は投入済みの全ジョブが終端状態になるまで待機する
func (c *Controller) AwaitAll(ctx context.Context) error {
	return c.scheduler.AwaitIdle(ctx)
}

// Shutdown は新規投入を停止し、実行中のジョブにキャンセルを通知する
// grace 以内に終了しなかったジョブは Cancelled として強制的に記録し ErrShutdownTimeout を返す
func (c *Controller) Shutdown(grace time.Duration) error {
	if grace <= 0 {
		grace = c.shutdownGrace
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	active := len(c.scheduler.ActiveIDs())
	c.logger.Info("shutting down pipeline controller", "activeJobs", active, "grace", grace)
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		c.logger.Info("pipeline controller stopped")
		return nil
	case <-timer.C:
	}

	abandoned := 0
	for _, id := range c.scheduler.ActiveIDs() {
		if c.abandon(id, grace) {
			abandoned++
		}
	}

	c.logger.Warn("jobs abandoned after shutdown grace period", "count", abandoned, "grace", grace)
	return fmt.Errorf("%w: %d jobs abandoned after %s", ErrShutdownTimeout, abandoned, grace)
}

// abandon は猶予期間内に終了しなかったジョブを Cancelled として記録する
func (c *Controller) abandon(id JobID, grace time.Duration) bool {
	cause := fmt.Errorf("job did not stop within shutdown grace period %s", grace)

	detail, ok := c.tracker.Snapshot(id, StatusCancelled)
	if !ok {
		detail = JobStatusDetail{JobID: id, Status: StatusCancelled}
	}
	if detail.LastError.IsAbsent() {
		detail.LastError = mo.Some(cause.Error())
	}

	if !c.scheduler.RecordTerminal(id, StatusCancelled, detail) {
		return false
	}
	c.tracker.Forget(id)

	if job, ok := c.scheduler.Job(id).Get(); ok {
		c.record(JobRecord{Job: job, Detail: detail, Abandoned: true})
	}
	return true
}

// run は1ジョブ分の実行タスク
func (c *Controller) run(job PipelineJob) {
	defer c.wg.Done()

	slot, err := c.scheduler.Acquire(c.ctx, job.ID)
	if err != nil {
		// 実行枠を得る前にシャットダウンされた
		c.finish(job, execution{status: StatusCancelled, err: fmt.Errorf("cancelled before start: %w", err)})
		return
	}
	defer slot.Release()

	if err := c.ctx.Err(); err != nil {
		c.finish(job, execution{status: StatusCancelled, err: fmt.Errorf("cancelled before start: %w", err)})
		return
	}

	startedAt := c.now()
	if !c.scheduler.MarkRunning(job.ID, startedAt) {
		return
	}
	job.Status = StatusRunning
	job.StartedAt = &startedAt
	c.tracker.Start(job.ID, startedAt)

	c.logger.Info("job started",
		"jobID", job.ID,
		"target", job.Target.String(),
		"timeout", job.Config.Timeout,
		"maxRetries", job.Config.MaxRetries,
	)

	result := c.execute(job)
	if !result.finished {
		c.finish(job, result)
	}
}

// execution は実行ループの結果
type execution struct {
	status    JobStatus
	outcome   StepOutcome
	attempts  uint
	err       error
	abandoned bool // Executor の呼び出しが戻る前に終端状態を確定した
	finished  bool // finish 済み
}

// execute はタイムアウト付きのリトライループを実行する
// タイムアウトはバックオフ待機を含むループ全体に適用される
func (c *Controller) execute(job PipelineJob) execution {
	jobCtx, cancel := context.WithTimeout(c.ctx, job.Config.Timeout)
	defer cancel()

	totalAttempts := TotalAttempts(job.Config)
	var lastErr error
	var attempts uint
	var pending <-chan struct{}

	for attempt := uint(0); attempt < totalAttempts; attempt++ {
		attempts++

		outcome, running, err := c.invoke(jobCtx, job)
		if err == nil {
			c.tracker.UpdateProgress(job.ID, 100, "completed")
			return execution{status: StatusSucceeded, outcome: outcome, attempts: attempts}
		}
		lastErr = err
		pending = running

		if jobCtx.Err() != nil {
			break
		}

		if c.retry.Classify(err) == DecisionFatal {
			c.logger.Warn("job failed with non-retryable error",
				"jobID", job.ID,
				"attempt", attempt,
				"error", err,
			)
			break
		}
		if attempt+1 >= totalAttempts {
			c.logger.Warn("job exhausted retries",
				"jobID", job.ID,
				"attempts", attempts,
				"error", err,
			)
			break
		}

		c.tracker.RecordRetry(job.ID, err, attempt+1)
		delay := c.retry.BackoffDelay(attempt)
		c.logger.Warn("job attempt failed, retrying",
			"jobID", job.ID,
			"attempt", attempt,
			"backoff", delay,
			"error", err,
		)

		if err := sleepContext(jobCtx, delay); err != nil {
			break
		}
	}

	return c.fail(jobCtx, job, attempts, lastErr, pending)
}

// fail は失敗パスを処理する（ロールバックはここでのみ1回だけ実行される）
// pending が nil でない場合は Executor の呼び出しがまだ戻っていないため、
// 終端状態を先に確定し、呼び出しが戻ってからロールバックする
func (c *Controller) fail(jobCtx context.Context, job PipelineJob, attempts uint, lastErr error, pending <-chan struct{}) execution {
	status := StatusFailed
	switch {
	case c.ctx.Err() != nil:
		status = StatusCancelled
		lastErr = interruption("cancelled by shutdown", lastErr)
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		status = StatusTimedOut
		lastErr = interruption(fmt.Sprintf("timed out after %s", job.Config.Timeout), lastErr)
	}

	c.tracker.RecordError(job.ID, lastErr)
	result := execution{status: status, attempts: attempts, err: lastErr}

	if pending == nil {
		c.rollback(jobCtx, job, lastErr)
		return result
	}

	result.abandoned = true
	c.finish(job, result)
	result.finished = true

	c.awaitStep(job, pending)
	c.rollback(jobCtx, job, lastErr)
	return result
}

// awaitStep は待たずに戻った Executor の呼び出しが終了するまで rollbackTimeout を上限に待機する
func (c *Controller) awaitStep(job PipelineJob, pending <-chan struct{}) {
	timer := time.NewTimer(c.rollbackTimeout)
	defer timer.Stop()

	select {
	case <-pending:
	case <-timer.C:
		c.logger.Warn("executor did not return before rollback",
			"jobID", job.ID,
			"waited", c.rollbackTimeout,
		)
	}
}

// interruption はキャンセル・タイムアウト時のエラーに直前の実行エラーを添える
func interruption(reason string, lastErr error) error {
	if lastErr == nil || errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
		return errors.New(reason)
	}
	return fmt.Errorf("%s (last error: %w)", reason, lastErr)
}

// invoke は Executor を呼び出す
// ctx が終了した時点で呼び出しの完了を待たずに戻り、呼び出しの終了時に close されるチャネルを返す
func (c *Controller) invoke(ctx context.Context, job PipelineJob) (StepOutcome, <-chan struct{}, error) {
	type result struct {
		outcome StepOutcome
		err     error
	}

	done := make(chan result, 1)
	returned := make(chan struct{})
	reporter := trackerReporter{tracker: c.tracker, id: job.ID}

	go func() {
		defer close(returned)
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: Fatal(KindInternal, "execute step", fmt.Errorf("panic: %v", r))}
			}
		}()
		outcome, err := c.executor.ExecuteStep(ctx, job, reporter)
		done <- result{outcome: outcome, err: err}
	}()

	select {
	case r := <-done:
		return r.outcome, nil, r.err
	case <-ctx.Done():
		return StepOutcome{}, returned, ctx.Err()
	}
}

// rollback は補償処理をベストエフォートで実行する
// エラーはログに記録するのみで、ジョブの last_error は上書きしない
func (c *Controller) rollback(jobCtx context.Context, job PipelineJob, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(jobCtx), c.rollbackTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- c.executor.Rollback(ctx, job)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if err != nil {
		c.logger.Error("rollback failed",
			"jobID", job.ID,
			"error", err,
			"cause", cause,
		)
		return
	}
	c.logger.Info("rollback completed", "jobID", job.ID, "cause", cause)
}

// finish は終端状態を記録する
func (c *Controller) finish(job PipelineJob, result execution) {
	detail, ok := c.tracker.Snapshot(job.ID, result.status)
	if !ok {
		detail = JobStatusDetail{JobID: job.ID, Status: result.status}
		if result.err != nil {
			detail.LastError = mo.Some(result.err.Error())
		}
	}

	if !c.scheduler.RecordTerminal(job.ID, result.status, detail) {
		// シャットダウンにより既に強制終了済み
		c.tracker.Forget(job.ID)
		return
	}
	c.tracker.Forget(job.ID)

	attrs := []any{
		"jobID", job.ID,
		"status", result.status,
		"attempts", result.attempts,
		"retries", detail.RetryCount,
	}
	if result.err != nil {
		attrs = append(attrs, "error", result.err)
	}
	if result.status == StatusSucceeded {
		c.logger.Info("job finished", attrs...)
	} else {
		c.logger.Warn("job finished", attrs...)
	}

	record := JobRecord{
		Job:       job,
		Detail:    detail,
		Outcome:   result.outcome,
		Attempts:  result.attempts,
		Abandoned: result.abandoned,
	}
	if final, ok := c.scheduler.Job(job.ID).Get(); ok {
		record.Job = final
	}
	if record.Job.StartedAt != nil && record.Job.CompletedAt != nil {
		record.Duration = record.Job.CompletedAt.Sub(*record.Job.StartedAt)
	}
	c.record(record)
}

// record は監査レコードを書き込む（失敗はログのみ）
func (c *Controller) record(record JobRecord) {
	if len(c.recorders) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	for _, recorder := range c.recorders {
		if err := recorder.Record(ctx, record); err != nil {
			c.logger.Warn("failed to record job", "jobID", record.Job.ID, "error", err)
		}
	}
}
