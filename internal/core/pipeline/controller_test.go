package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubExecutor はテスト用の Executor
type stubExecutor struct {
	ExecuteStepFunc func(ctx context.Context, job PipelineJob, progress ProgressReporter) (StepOutcome, error)
	RollbackFunc    func(ctx context.Context, job PipelineJob) error

	executeCalls  atomic.Int32
	rollbackCalls atomic.Int32

	mu          sync.Mutex
	rollbackIDs []JobID
}

func (s *stubExecutor) ExecuteStep(ctx context.Context, job PipelineJob, progress ProgressReporter) (StepOutcome, error) {
	s.executeCalls.Add(1)
	if s.ExecuteStepFunc != nil {
		return s.ExecuteStepFunc(ctx, job, progress)
	}
	return StepOutcome{}, nil
}

func (s *stubExecutor) Rollback(ctx context.Context, job PipelineJob) error {
	s.rollbackCalls.Add(1)
	s.mu.Lock()
	s.rollbackIDs = append(s.rollbackIDs, job.ID)
	s.mu.Unlock()
	if s.RollbackFunc != nil {
		return s.RollbackFunc(ctx, job)
	}
	return nil
}

// stubRecorder はテスト用の JobRecorder
type stubRecorder struct {
	mu      sync.Mutex
	records []JobRecord
	err     error
}

func (r *stubRecorder) Record(_ context.Context, record JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return r.err
}

func (r *stubRecorder) all() []JobRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]JobRecord(nil), r.records...)
}

func newTestController(executor Executor, opts ...Option) *Controller {
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetryConfig(RetryConfig{
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2.0,
			JitterFraction: 0.2,
		}),
		WithRollbackTimeout(time.Second),
	}
	return NewController(executor, append(base, opts...)...)
}

func awaitAll(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.AwaitAll(ctx))
}

func jobConfig(maxRetries uint, timeout time.Duration) mo.Option[JobConfig] {
	return mo.Some(JobConfig{MaxRetries: maxRetries, Timeout: timeout})
}

func repo(name string) RepositoryRef {
	return RepositoryRef{URL: "https://example.com/" + name + ".git", Ref: "main"}
}

func TestController_Success(t *testing.T) {
	executor := &stubExecutor{
		ExecuteStepFunc: func(_ context.Context, _ PipelineJob, progress ProgressReporter) (StepOutcome, error) {
			progress.Report(10, "sync repository")
			progress.Report(60, "generate documentation")
			return StepOutcome{Documents: []string{"docs/ARCHITECTURE.md"}, CommitHash: "abc123"}, nil
		},
	}
	recorder := &stubRecorder{}
	c := newTestController(executor, WithRecorder(recorder))
	defer c.Shutdown(time.Second)

	id, err := c.Submit(repo("ok"), mo.None[JobConfig]())
	require.NoError(t, err)
	awaitAll(t, c)

	detail := c.Status(id).MustGet()
	assert.Equal(t, StatusSucceeded, detail.Status)
	assert.Equal(t, 100.0, detail.Progress)
	assert.Equal(t, uint(0), detail.RetryCount)
	assert.True(t, detail.LastError.IsAbsent())
	assert.True(t, detail.EstimatedCompletion.IsAbsent())
	assert.Equal(t, int32(0), executor.rollbackCalls.Load())

	job := c.Job(id).MustGet()
	assert.Equal(t, DefaultJobTimeout, job.Config.Timeout)
	assert.Equal(t, DefaultMaxRetries, job.Config.MaxRetries)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)

	records := recorder.all()
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].Job.ID)
	assert.Equal(t, "abc123", records[0].Outcome.CommitHash)
	assert.Equal(t, uint(1), records[0].Attempts)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.TotalJobs)
	assert.Equal(t, uint64(1), stats.Succeeded)
	assert.Equal(t, int64(0), stats.Running)
}

func TestController_RetryExhaustion(t *testing.T) {
	for _, maxRetries := range []uint{0, 1, 3} {
		t.Run(fmt.Sprintf("max_retries=%d", maxRetries), func(t *testing.T) {
			executor := &stubExecutor{
				ExecuteStepFunc: func(context.Context, PipelineJob, ProgressReporter) (StepOutcome, error) {
					return StepOutcome{}, Transient("generate", errors.New("service busy"))
				},
			}
			c := newTestController(executor)
			defer c.Shutdown(time.Second)

			id, err := c.Submit(repo("flaky"), jobConfig(maxRetries, time.Minute))
			require.NoError(t, err)
			awaitAll(t, c)

			detail := c.Status(id).MustGet()
			assert.Equal(t, StatusFailed, detail.Status)
			assert.Equal(t, maxRetries, detail.RetryCount)
			assert.Contains(t, detail.LastError.MustGet(), "service busy")
			assert.Equal(t, int32(maxRetries+1), executor.executeCalls.Load())
			assert.Equal(t, int32(1), executor.rollbackCalls.Load())
		})
	}
}

func TestController_FlakySuccess(t *testing.T) {
	var calls atomic.Int32
	executor := &stubExecutor{
		ExecuteStepFunc: func(context.Context, PipelineJob, ProgressReporter) (StepOutcome, error) {
			if calls.Add(1) == 1 {
				return StepOutcome{}, Transient("sync", errors.New("connection reset"))
			}
			return StepOutcome{}, nil
		},
	}
	c := newTestController(executor)
	defer c.Shutdown(time.Second)

	id, err := c.Submit(repo("flaky"), jobConfig(1, time.Minute))
	require.NoError(t, err)
	awaitAll(t, c)

	detail := c.Status(id).MustGet()
	assert.Equal(t, StatusSucceeded, detail.Status)
	assert.Equal(t, uint(1), detail.RetryCount)
	assert.Equal(t, int32(2), executor.executeCalls.Load())
	assert.Equal(t, int32(0), executor.rollbackCalls.Load())
}

func TestController_FatalShortCircuit(t *testing.T) {
	executor := &stubExecutor{
		ExecuteStepFunc: func(context.Context, PipelineJob, ProgressReporter) (StepOutcome, error) {
			return StepOutcome{}, Fatal(KindPermission, "push", errors.New("permission denied"))
		},
	}
	c := newTestController(executor)
	defer c.Shutdown(time.Second)

	id, err := c.Submit(repo("denied"), jobConfig(3, time.Minute))
	require.NoError(t, err)
	awaitAll(t, c)

	detail := c.Status(id).MustGet()
	assert.Equal(t, StatusFailed, detail.Status)
	assert.Equal(t, uint(0), detail.RetryCount)
	assert.Contains(t, detail.LastError.MustGet(), "permission denied")
	assert.Equal(t, int32(1), executor.executeCalls.Load())
	assert.Equal(t, int32(1), executor.rollbackCalls.Load())
}

func TestController_TimeoutEnforcement(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	executor := &stubExecutor{
		// コンテキストを無視して戻らない
		ExecuteStepFunc: func(context.Context, PipelineJob, ProgressReporter) (StepOutcome, error) {
			<-release
			return StepOutcome{}, nil
		},
	}
	recorder := &stubRecorder{}
	c := newTestController(executor, WithRecorder(recorder), WithRollbackTimeout(50*time.Millisecond))
	defer c.Shutdown(time.Second)

	const timeout = 100 * time.Millisecond
	start := time.Now()
	id, err := c.Submit(repo("hang"), jobConfig(3, timeout))
	require.NoError(t, err)
	awaitAll(t, c)
	elapsed := time.Since(start)

	detail := c.Status(id).MustGet()
	assert.Equal(t, StatusTimedOut, detail.Status)
	assert.Contains(t, detail.LastError.MustGet(), "timed out")
	assert.Less(t, elapsed, timeout+time.Second)
	assert.Equal(t, int32(1), executor.executeCalls.Load())
	assert.Equal(t, uint64(1), c.Stats().TimedOut)

	// 戻らない呼び出しは rollbackTimeout だけ待ってからロールバックする
	require.Eventually(t, func() bool {
		return executor.rollbackCalls.Load() == 1
	}, time.Second, time.Millisecond)

	records := recorder.all()
	require.Len(t, records, 1)
	assert.True(t, records[0].Abandoned)
}

func TestController_RollbackWaitsForAbandonedStep(t *testing.T) {
	var mu sync.Mutex
	var events []string
	appendEvent := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	executor := &stubExecutor{
		// タイムアウト後もしばらく処理を続けてから戻る
		ExecuteStepFunc: func(context.Context, PipelineJob, ProgressReporter) (StepOutcome, error) {
			time.Sleep(150 * time.Millisecond)
			appendEvent("step returned")
			return StepOutcome{}, nil
		},
		RollbackFunc: func(context.Context, PipelineJob) error {
			appendEvent("rollback")
			return nil
		},
	}
	c := newTestController(executor, WithRollbackTimeout(5*time.Second))
	defer c.Shutdown(time.Second)

	id, err := c.Submit(repo("late-return"), jobConfig(0, 30*time.Millisecond))
	require.NoError(t, err)
	awaitAll(t, c)

	// 終端状態は呼び出しの終了を待たずに確定する
	assert.Equal(t, StatusTimedOut, c.Status(id).MustGet().Status)

	require.Eventually(t, func() bool {
		return executor.rollbackCalls.Load() == 1
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"step returned", "rollback"}, events)
}

func TestController_TimeoutDuringBackoff(t *testing.T) {
	executor := &stubExecutor{
		ExecuteStepFunc: func(context.Context, PipelineJob, ProgressReporter) (StepOutcome, error) {
			return StepOutcome{}, Transient("generate", errors.New("busy"))
		},
	}
	c := newTestController(executor, WithRetryConfig(RetryConfig{
		InitialBackoff: time.Minute,
		MaxBackoff:     time.Minute,
		Multiplier:     2.0,
	}))
	defer c.Shutdown(time.Second)

	id, err := c.Submit(repo("slow-retry"), jobConfig(3, 50*time.Millisecond))
	require.NoError(t, err)
	awaitAll(t, c)

	detail := c.Status(id).MustGet()
	assert.Equal(t, StatusTimedOut, detail.Status)
	// タイムアウトの原因として直前のエラーが残る
	assert.Contains(t, detail.LastError.MustGet(), "busy")
	assert.Equal(t, uint(1), detail.RetryCount)
	assert.Equal(t, int32(1), executor.executeCalls.Load())
	assert.Equal(t, int32(1), executor.rollbackCalls.Load())
}

func TestController_RollbackErrorDoesNotOverwriteLastError(t *testing.T) {
	executor := &stubExecutor{
		ExecuteStepFunc: func(context.Context, PipelineJob, ProgressReporter) (StepOutcome, error) {
			return StepOutcome{}, Fatal(KindValidation, "generate", errors.New("empty repository"))
		},
		RollbackFunc: func(context.Context, PipelineJob) error {
			return errors.New("reset failed")
		},
	}
	c := newTestController(executor)
	defer c.Shutdown(time.Second)

	id, err := c.Submit(repo("empty"), jobConfig(3, time.Minute))
	require.NoError(t, err)
	awaitAll(t, c)

	detail := c.Status(id).MustGet()
	assert.Equal(t, StatusFailed, detail.Status)
	assert.Contains(t, detail.LastError.MustGet(), "empty repository")
	assert.NotContains(t, detail.LastError.MustGet(), "reset failed")
}

func TestController_PanicRecovery(t *testing.T) {
	executor := &stubExecutor{
		ExecuteStepFunc: func(context.Context, PipelineJob, ProgressReporter) (StepOutcome, error) {
			panic("boom")
		},
	}
	c := newTestController(executor)
	defer c.Shutdown(time.Second)

	id, err := c.Submit(repo("panic"), jobConfig(3, time.Minute))
	require.NoError(t, err)
	awaitAll(t, c)

	detail := c.Status(id).MustGet()
	assert.Equal(t, StatusFailed, detail.Status)
	assert.Contains(t, detail.LastError.MustGet(), "panic: boom")
	assert.Equal(t, int32(1), executor.executeCalls.Load())
}

func TestController_BoundedConcurrency(t *testing.T) {
	const maxConcurrent = 3
	var current, peak atomic.Int32

	executor := &stubExecutor{
		ExecuteStepFunc: func(context.Context, PipelineJob, ProgressReporter) (StepOutcome, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return StepOutcome{}, nil
		},
	}
	c := newTestController(executor, WithSchedulerConfig(SchedulerConfig{
		MaxConcurrentJobs: maxConcurrent,
		MaxQueueSize:      100,
		HistoryLimit:      100,
	}))
	defer c.Shutdown(time.Second)

	stop := make(chan struct{})
	var sampled sync.WaitGroup
	sampled.Add(1)
	go func() {
		defer sampled.Done()
		for {
			select {
			case <-stop:
				return
			default:
				assert.LessOrEqual(t, c.Stats().Running, int64(maxConcurrent))
				time.Sleep(time.Millisecond)
			}
		}
	}()

	for i := 0; i < 30; i++ {
		_, err := c.Submit(repo(fmt.Sprintf("repo-%d", i)), mo.None[JobConfig]())
		require.NoError(t, err)
	}
	awaitAll(t, c)
	close(stop)
	sampled.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(maxConcurrent))
	assert.Equal(t, uint64(30), c.Stats().Succeeded)
}

func TestController_PriorityOrdering(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	var mu sync.Mutex
	var order []string

	executor := &stubExecutor{
		ExecuteStepFunc: func(_ context.Context, job PipelineJob, _ ProgressReporter) (StepOutcome, error) {
			mu.Lock()
			order = append(order, job.Target.URL)
			mu.Unlock()

			if job.Target.URL == repo("blocker").URL {
				close(started)
				<-release
			}
			return StepOutcome{}, nil
		},
	}
	c := newTestController(executor, WithSchedulerConfig(SchedulerConfig{
		MaxConcurrentJobs: 1,
		MaxQueueSize:      10,
		HistoryLimit:      10,
	}))
	defer c.Shutdown(time.Second)

	_, err := c.Submit(repo("blocker"), mo.None[JobConfig]())
	require.NoError(t, err)
	<-started

	for _, p := range []struct {
		name     string
		priority uint8
	}{{"low-first", 1}, {"high", 5}, {"low-second", 1}} {
		_, err := c.Submit(repo(p.name), mo.Some(JobConfig{Priority: p.priority, MaxRetries: 0}))
		require.NoError(t, err)
	}

	close(release)
	awaitAll(t, c)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		repo("blocker").URL,
		repo("high").URL,
		repo("low-first").URL,
		repo("low-second").URL,
	}, order)
}

func TestController_HistoryBound(t *testing.T) {
	const limit = 10
	c := newTestController(&stubExecutor{}, WithSchedulerConfig(SchedulerConfig{
		MaxConcurrentJobs: 1,
		MaxQueueSize:      100,
		HistoryLimit:      limit,
	}))
	defer c.Shutdown(time.Second)

	var ids []JobID
	for i := 0; i < limit+5; i++ {
		id, err := c.Submit(repo(fmt.Sprintf("repo-%d", i)), mo.None[JobConfig]())
		require.NoError(t, err)
		ids = append(ids, id)
		awaitAll(t, c)
	}

	history := c.History()
	require.Len(t, history, limit)
	for _, id := range ids[:5] {
		assert.True(t, c.Status(id).IsAbsent())
	}
	for i, entry := range history {
		assert.Equal(t, ids[i+5], entry.Job.ID)
	}
}

func TestController_IdempotentStatusReads(t *testing.T) {
	executor := &stubExecutor{
		ExecuteStepFunc: func(_ context.Context, _ PipelineJob, progress ProgressReporter) (StepOutcome, error) {
			progress.Report(40, "analyze repository")
			return StepOutcome{}, Transient("generate", errors.New("busy"))
		},
	}
	c := newTestController(executor)
	defer c.Shutdown(time.Second)

	id, err := c.Submit(repo("status"), jobConfig(1, time.Minute))
	require.NoError(t, err)
	awaitAll(t, c)

	first, err := json.Marshal(c.Status(id).MustGet())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		time.Sleep(2 * time.Millisecond)
		next, err := json.Marshal(c.Status(id).MustGet())
		require.NoError(t, err)
		assert.Equal(t, string(first), string(next))
	}
}

func TestController_QueueFull(t *testing.T) {
	release := make(chan struct{})
	executor := &stubExecutor{
		ExecuteStepFunc: func(context.Context, PipelineJob, ProgressReporter) (StepOutcome, error) {
			<-release
			return StepOutcome{}, nil
		},
	}
	c := newTestController(executor, WithSchedulerConfig(SchedulerConfig{
		MaxConcurrentJobs: 1,
		MaxQueueSize:      2,
		HistoryLimit:      10,
	}))

	for i := 0; i < 3; i++ {
		_, err := c.Submit(repo(fmt.Sprintf("repo-%d", i)), mo.None[JobConfig]())
		require.NoError(t, err)
	}

	_, err := c.Submit(repo("overflow"), mo.None[JobConfig]())
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
	awaitAll(t, c)
	assert.Equal(t, uint64(3), c.Stats().Succeeded)
	require.NoError(t, c.Shutdown(time.Second))
}

func TestController_SubmitBatch(t *testing.T) {
	release := make(chan struct{})
	executor := &stubExecutor{
		ExecuteStepFunc: func(context.Context, PipelineJob, ProgressReporter) (StepOutcome, error) {
			<-release
			return StepOutcome{}, nil
		},
	}
	c := newTestController(executor, WithSchedulerConfig(SchedulerConfig{
		MaxConcurrentJobs: 1,
		MaxQueueSize:      1,
		HistoryLimit:      10,
	}))

	results := c.SubmitBatch([]RepositoryRef{repo("a"), repo("b"), repo("c")}, mo.None[JobConfig]())
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.NotEmpty(t, results[0].JobID)
	assert.NoError(t, results[1].Err)
	assert.ErrorIs(t, results[2].Err, ErrQueueFull)
	assert.Empty(t, results[2].JobID)

	close(release)
	awaitAll(t, c)
	require.NoError(t, c.Shutdown(time.Second))
}

func TestController_GracefulShutdown(t *testing.T) {
	var running sync.WaitGroup
	running.Add(3)

	executor := &stubExecutor{
		ExecuteStepFunc: func(ctx context.Context, _ PipelineJob, progress ProgressReporter) (StepOutcome, error) {
			progress.Report(30, "analyze repository")
			running.Done()
			<-ctx.Done()
			return StepOutcome{}, ctx.Err()
		},
	}
	c := newTestController(executor, WithSchedulerConfig(SchedulerConfig{
		MaxConcurrentJobs: 3,
		MaxQueueSize:      10,
		HistoryLimit:      10,
	}))

	var ids []JobID
	for i := 0; i < 3; i++ {
		id, err := c.Submit(repo(fmt.Sprintf("repo-%d", i)), mo.None[JobConfig]())
		require.NoError(t, err)
		ids = append(ids, id)
	}
	running.Wait()

	start := time.Now()
	require.NoError(t, c.Shutdown(5*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second)

	for _, id := range ids {
		detail := c.Status(id).MustGet()
		assert.Equal(t, StatusCancelled, detail.Status)
		assert.True(t, detail.Status.IsTerminal())
	}
	assert.Equal(t, int32(3), executor.rollbackCalls.Load())

	_, err := c.Submit(repo("late"), mo.None[JobConfig]())
	assert.ErrorIs(t, err, ErrControllerClosed)
}

func TestController_ShutdownCancelsQueuedJobs(t *testing.T) {
	executor := &stubExecutor{
		ExecuteStepFunc: func(ctx context.Context, _ PipelineJob, _ ProgressReporter) (StepOutcome, error) {
			<-ctx.Done()
			return StepOutcome{}, ctx.Err()
		},
	}
	c := newTestController(executor, WithSchedulerConfig(SchedulerConfig{
		MaxConcurrentJobs: 1,
		MaxQueueSize:      10,
		HistoryLimit:      10,
	}))

	var ids []JobID
	for i := 0; i < 3; i++ {
		id, err := c.Submit(repo(fmt.Sprintf("repo-%d", i)), mo.None[JobConfig]())
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.NoError(t, c.Shutdown(5*time.Second))

	for _, id := range ids {
		assert.Equal(t, StatusCancelled, c.Status(id).MustGet().Status)
	}
	// 実行されたジョブのみロールバックされる
	assert.LessOrEqual(t, executor.rollbackCalls.Load(), int32(1))
	assert.Equal(t, uint64(3), c.Stats().Cancelled)
	assert.Equal(t, int64(0), c.Stats().Queued)
}

func TestController_ShutdownAbandonsStuckJobs(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	executor := &stubExecutor{
		// キャンセルに従わない
		ExecuteStepFunc: func(context.Context, PipelineJob, ProgressReporter) (StepOutcome, error) {
			<-release
			return StepOutcome{}, nil
		},
		RollbackFunc: func(context.Context, PipelineJob) error {
			<-release
			return nil
		},
	}
	recorder := &stubRecorder{}
	c := newTestController(executor, WithRecorder(recorder), WithRollbackTimeout(time.Minute))

	id, err := c.Submit(repo("stuck"), mo.None[JobConfig]())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.Status(id).MustGet().Status == StatusRunning
	}, time.Second, time.Millisecond)

	err = c.Shutdown(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrShutdownTimeout)

	detail := c.Status(id).MustGet()
	assert.Equal(t, StatusCancelled, detail.Status)
	assert.True(t, detail.LastError.IsPresent())

	records := recorder.all()
	require.Len(t, records, 1)
	assert.True(t, records[0].Abandoned)
}

func TestController_StatusUnknownJob(t *testing.T) {
	c := newTestController(&stubExecutor{})
	defer c.Shutdown(time.Second)

	assert.True(t, c.Status("missing").IsAbsent())
	assert.True(t, c.Job("missing").IsAbsent())
}
