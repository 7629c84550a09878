package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/mo"
)

const (
	// DefaultMaxConcurrentJobs は同時実行ジョブ数のデフォルト値
	DefaultMaxConcurrentJobs = 4
	// DefaultMaxQueueSize は待機キューのデフォルト上限
	DefaultMaxQueueSize = 1000
	// DefaultHistoryLimit は保持する終端ジョブ数のデフォルト値
	DefaultHistoryLimit = 100
)

// SchedulerConfig はスケジューラーの設定
type SchedulerConfig struct {
	MaxConcurrentJobs int
	MaxQueueSize      int
	HistoryLimit      int
}

// DefaultSchedulerConfig はデフォルトのスケジューラー設定を返す
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrentJobs: DefaultMaxConcurrentJobs,
		MaxQueueSize:      DefaultMaxQueueSize,
		HistoryLimit:      DefaultHistoryLimit,
	}
}

// Slot は実行枠を表す。Release は何度呼んでもよい
type Slot struct {
	scheduler *Scheduler
	id        JobID
}

// Release は実行枠を解放する
func (s *Slot) Release() {
	s.scheduler.mu.Lock()
	defer s.scheduler.mu.Unlock()

	s.scheduler.releaseLocked(s.id)
}

// Scheduler は受付制御と状態管理を行う（ジョブ自体は実行しない）
//
// 実行枠はキューの順序（priority 降順、投入順）でのみ割り当てられるため、
// 後から投入された高優先度ジョブが待機中の低優先度ジョブを追い越すことはあっても、
// 同一優先度内で順序が入れ替わることはない。
type Scheduler struct {
	config SchedulerConfig
	now    func() time.Time

	mu      sync.RWMutex
	jobs    map[JobID]*PipelineJob // 非終端ジョブ
	items   map[JobID]*queueItem   // 待機中または割り当て済みで未取得のジョブ
	holders map[JobID]struct{}     // 実行枠を保持しているジョブ
	queue   jobQueue
	free    int
	seq     uint64
	history *history
	idle    chan struct{} // 非終端ジョブが 0 になると close される

	total     atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	timedOut  atomic.Uint64
	cancelled atomic.Uint64
	running   atomic.Int64
	queued    atomic.Int64
	execNanos atomic.Int64
	execCount atomic.Int64
}

// NewScheduler は新しい Scheduler を作成する
func NewScheduler(config SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config.MaxConcurrentJobs <= 0 {
		config.MaxConcurrentJobs = defaults.MaxConcurrentJobs
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = defaults.MaxQueueSize
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = defaults.HistoryLimit
	}

	return &Scheduler{
		config:  config,
		now:     time.Now,
		jobs:    make(map[JobID]*PipelineJob),
		items:   make(map[JobID]*queueItem),
		holders: make(map[JobID]struct{}),
		free:    config.MaxConcurrentJobs,
		history: newHistory(config.HistoryLimit),
	}
}

// Config は使用中の設定を返す
func (s *Scheduler) Config() SchedulerConfig {
	return s.config
}

// Enqueue はジョブを待機キューに追加する
// キューが上限に達している場合は ErrQueueFull を返す
func (s *Scheduler) Enqueue(job PipelineJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enqueueLocked(job); err != nil {
		return err
	}
	s.grantLocked()
	return nil
}

// EnqueueBatch は複数のジョブをまとめて待機キューに追加する
// 全件を追加してから実行枠を割り当てるため、バッチ内でも priority の順序が守られる
// 戻り値は jobs と同じ順序のエラー（成功した要素は nil）
func (s *Scheduler) EnqueueBatch(jobs []PipelineJob) []error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errs := make([]error, len(jobs))
	for i, job := range jobs {
		errs[i] = s.enqueueLocked(job)
	}
	s.grantLocked()
	return errs
}

// enqueueLocked はジョブを登録してキューに積む（実行枠の割り当ては行わない）
// 空き実行枠ですぐに割り当てられる分は待機数に数えない
func (s *Scheduler) enqueueLocked(job PipelineJob) error {
	if _, exists := s.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}
	if _, exists := s.history.get(job.ID); exists {
		return ErrDuplicateJob
	}
	if s.queue.Len() >= s.config.MaxQueueSize+s.free {
		return ErrQueueFull
	}

	job.Status = StatusQueued
	job.StartedAt = nil
	job.CompletedAt = nil

	if len(s.jobs) == 0 {
		s.idle = make(chan struct{})
	}
	s.jobs[job.ID] = &job

	s.seq++
	item := &queueItem{
		id:       job.ID,
		priority: job.Config.Priority,
		seq:      s.seq,
		ready:    make(chan struct{}),
	}
	s.items[job.ID] = item
	s.queue.push(item)

	s.total.Add(1)
	s.queued.Add(1)
	return nil
}

// grantLocked は空き実行枠をキューの先頭から順に割り当てる
func (s *Scheduler) grantLocked() {
	for s.free > 0 && s.queue.Len() > 0 {
		item := s.queue.pop()
		s.free--
		s.holders[item.id] = struct{}{}
		s.queued.Add(-1)
		close(item.ready)
	}
}

// releaseLocked は実行枠を解放する（保持していない場合は何もしない）
func (s *Scheduler) releaseLocked(id JobID) {
	if _, ok := s.holders[id]; !ok {
		return
	}
	delete(s.holders, id)
	s.free++
	s.grantLocked()
}

// Acquire は実行枠が割り当てられるまで待機する
// ctx が先に終了した場合はキューから外し ctx のエラーを返す
func (s *Scheduler) Acquire(ctx context.Context, id JobID) (*Slot, error) {
	s.mu.RLock()
	item, ok := s.items[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrJobNotFound
	}

	select {
	case <-item.ready:
		s.mu.Lock()
		delete(s.items, id)
		s.mu.Unlock()
		return &Slot{scheduler: s, id: id}, nil

	case <-ctx.Done():
		s.mu.Lock()
		defer s.mu.Unlock()

		delete(s.items, id)
		if s.queue.remove(item) {
			s.queued.Add(-1)
		} else {
			// 待機終了と同時に割り当てられていた場合は返却する
			s.releaseLocked(id)
		}
		return nil, ctx.Err()
	}
}

// MarkRunning はジョブを Running に遷移させる
func (s *Scheduler) MarkRunning(id JobID, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || !job.Status.CanTransitionTo(StatusRunning) {
		return false
	}

	job.Status = StatusRunning
	startedAt := now
	job.StartedAt = &startedAt
	s.running.Add(1)
	return true
}

// RecordTerminal はジョブを終端状態にして履歴へ移し、実行枠を解放する
// 既に終端状態の場合や遷移が許可されない場合は何もせず false を返す
func (s *Scheduler) RecordTerminal(id JobID, status JobStatus, detail JobStatusDetail) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || !status.IsTerminal() || !job.Status.CanTransitionTo(status) {
		return false
	}

	wasRunning := job.Status == StatusRunning
	completedAt := s.now()
	job.Status = status
	job.CompletedAt = &completedAt

	if item, waiting := s.items[id]; waiting {
		delete(s.items, id)
		if s.queue.remove(item) {
			s.queued.Add(-1)
		}
	}
	s.releaseLocked(id)
	delete(s.jobs, id)

	detail.JobID = id
	detail.Status = status
	s.history.push(CompletedJob{Job: *job, Detail: detail})

	if wasRunning {
		s.running.Add(-1)
		if job.StartedAt != nil {
			s.execNanos.Add(int64(completedAt.Sub(*job.StartedAt)))
			s.execCount.Add(1)
		}
	}

	switch status {
	case StatusSucceeded:
		s.succeeded.Add(1)
	case StatusFailed:
		s.failed.Add(1)
	case StatusTimedOut:
		s.timedOut.Add(1)
	case StatusCancelled:
		s.cancelled.Add(1)
	}

	if len(s.jobs) == 0 && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
	return true
}

// Job はジョブのコピーを返す（非終端・履歴の両方を検索する）
func (s *Scheduler) Job(id JobID) mo.Option[PipelineJob] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if job, ok := s.jobs[id]; ok {
		return mo.Some(job.clone())
	}
	if entry, ok := s.history.get(id); ok {
		return mo.Some(entry.Job.clone())
	}
	return mo.None[PipelineJob]()
}

// Completed は履歴に記録された確定済みステータスを返す
func (s *Scheduler) Completed(id JobID) mo.Option[CompletedJob] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.history.get(id)
	if !ok {
		return mo.None[CompletedJob]()
	}
	entry.Job = entry.Job.clone()
	return mo.Some(entry)
}

// History は履歴を古い順に返す
func (s *Scheduler) History() []CompletedJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history.list()
	for i := range entries {
		entries[i].Job = entries[i].Job.clone()
	}
	return entries
}

// ActiveIDs は非終端ジョブの ID を返す
func (s *Scheduler) ActiveIDs() []JobID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]JobID, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}

// AwaitIdle は全ジョブが終端状態になるまで待機する
func (s *Scheduler) AwaitIdle(ctx context.Context) error {
	s.mu.RLock()
	idle := s.idle
	s.mu.RUnlock()

	if idle == nil {
		return nil
	}

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats は集計値のスナップショットを返す（ジョブテーブルはロックしない）
func (s *Scheduler) Stats() SchedulerStats {
	stats := SchedulerStats{
		TotalJobs: s.total.Load(),
		Succeeded: s.succeeded.Load(),
		Failed:    s.failed.Load(),
		TimedOut:  s.timedOut.Load(),
		Cancelled: s.cancelled.Load(),
		Running:   s.running.Load(),
		Queued:    s.queued.Load(),
	}
	if count := s.execCount.Load(); count > 0 {
		stats.AverageExecutionTime = time.Duration(s.execNanos.Load() / count)
	}
	return stats
}

// clone はタイムスタンプのポインタを含めて複製する
func (j PipelineJob) clone() PipelineJob {
	if j.StartedAt != nil {
		t := *j.StartedAt
		j.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		j.CompletedAt = &t
	}
	return j
}
