package pipeline

import (
	"sync"
	"time"

	"github.com/samber/mo"
)

// trackerEntry は実行中ジョブ1件分の可変状態
// エントリごとにロックを持つため、ジョブ間で更新がブロックし合うことはない
type trackerEntry struct {
	mu          sync.Mutex
	startedAt   time.Time
	progress    float64
	currentStep string
	retryCount  uint
	lastError   string
}

// Tracker はジョブごとの実行状態（進捗・ステップ・リトライ回数・ETA）を管理する
type Tracker struct {
	mu      sync.RWMutex
	entries map[JobID]*trackerEntry
	now     func() time.Time
}

// NewTracker は新しい Tracker を作成する
func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[JobID]*trackerEntry),
		now:     time.Now,
	}
}

// Start はジョブの追跡を開始する（既に追跡中の場合は何もしない）
func (t *Tracker) Start(id JobID, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[id]; ok {
		return
	}
	t.entries[id] = &trackerEntry{startedAt: now}
}

// entry は id に対応するエントリを返す
func (t *Tracker) entry(id JobID) (*trackerEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[id]
	return e, ok
}

// UpdateProgress は進捗とステップ名を更新する
// 進捗が減少する更新は無視し false を返す（進捗は単調非減少）
func (t *Tracker) UpdateProgress(id JobID, percent float64, step string) bool {
	e, ok := t.entry(id)
	if !ok {
		return false
	}

	percent = clampPercent(percent)

	e.mu.Lock()
	defer e.mu.Unlock()

	if percent < e.progress {
		return false
	}

	e.progress = percent
	if step != "" {
		e.currentStep = step
	}
	return true
}

// RecordRetry はリトライ回数と直近のエラーを記録する
// attempt は何回目のリトライか（1始まり）を表し、リトライ回数は減少しない
func (t *Tracker) RecordRetry(id JobID, err error, attempt uint) {
	e, ok := t.entry(id)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if attempt > e.retryCount {
		e.retryCount = attempt
	}
	if err != nil {
		e.lastError = err.Error()
	}
}

// RecordError はリトライ回数を増やさずに直近のエラーを記録する
func (t *Tracker) RecordError(id JobID, err error) {
	if err == nil {
		return
	}

	e, ok := t.entry(id)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastError = err.Error()
}

// ETA は完了予定時刻を線形に推定する（保証ではなく近似値）
// progress > 0 の場合 start + elapsed / (progress/100)、それ以外は None
func (t *Tracker) ETA(id JobID, now time.Time) mo.Option[time.Time] {
	e, ok := t.entry(id)
	if !ok {
		return mo.None[time.Time]()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.etaLocked(now)
}

// etaLocked はロック取得済みの状態で ETA を計算する
func (e *trackerEntry) etaLocked(now time.Time) mo.Option[time.Time] {
	if e.progress <= 0 {
		return mo.None[time.Time]()
	}

	elapsed := now.Sub(e.startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	totalEstimated := time.Duration(float64(elapsed) / (e.progress / 100))

	return mo.Some(e.startedAt.Add(totalEstimated))
}

// Snapshot はある時点の一貫したステータスを返す
// エントリのロック内で全フィールドを読み取るため、並行更新による不整合な値は返さない
func (t *Tracker) Snapshot(id JobID, status JobStatus) (JobStatusDetail, bool) {
	e, ok := t.entry(id)
	if !ok {
		return JobStatusDetail{}, false
	}

	now := t.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	detail := JobStatusDetail{
		JobID:               id,
		Status:              status,
		Progress:            e.progress,
		CurrentStep:         optionalString(e.currentStep),
		EstimatedCompletion: e.etaLocked(now),
		RetryCount:          e.retryCount,
		LastError:           optionalString(e.lastError),
	}
	if status.IsTerminal() {
		detail.EstimatedCompletion = mo.None[time.Time]()
	}

	return detail, true
}

// Forget はジョブの追跡を終了する
func (t *Tracker) Forget(id JobID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.entries, id)
}

// Len は追跡中のジョブ数を返す
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.entries)
}

func clampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func optionalString(s string) mo.Option[string] {
	if s == "" {
		return mo.None[string]()
	}
	return mo.Some(s)
}
