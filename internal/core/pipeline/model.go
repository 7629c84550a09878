package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

const (
	// DefaultJobTimeout はジョブ全体（全リトライを含む）のデフォルトタイムアウト
	DefaultJobTimeout = 3600 * time.Second

	// DefaultMaxRetries はデフォルトの最大リトライ回数
	DefaultMaxRetries uint = 3
)

// JobID はジョブの識別子（UUIDv7 のため生成時刻順にソート可能）
type JobID string

// NewJobID は新しい JobID を生成する
func NewJobID() JobID {
	id, err := uuid.NewV7()
	if err != nil {
		// 乱数源の読み取りに失敗した場合のみ到達する
		return JobID(uuid.NewString())
	}
	return JobID(id.String())
}

// String は文字列表現を返す
func (id JobID) String() string {
	return string(id)
}

// JobConfig はジョブ単位の実行設定を表す（作成後は不変）
type JobConfig struct {
	Timeout    time.Duration `json:"timeout"`
	MaxRetries uint          `json:"maxRetries"`
	Priority   uint8         `json:"priority"` // 大きいほど先に実行される
	DryRun     bool          `json:"dryRun"`
}

// DefaultJobConfig はデフォルトのジョブ設定を返す
func DefaultJobConfig() JobConfig {
	return JobConfig{
		Timeout:    DefaultJobTimeout,
		MaxRetries: DefaultMaxRetries,
	}
}

// normalize はゼロ値のタイムアウトをデフォルト値に置き換える
func (c JobConfig) normalize() JobConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultJobTimeout
	}
	return c
}

// JobStatus はジョブの状態を表す
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusTimedOut  JobStatus = "timed_out"
	StatusCancelled JobStatus = "cancelled"
)

// IsTerminal は終端状態かどうかを判定する
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo は next への遷移が許可されているかを判定する
// Queued → Running → 終端状態 の一方向のみ。
// 一度も実行されずにシャットダウンされたジョブのみ Queued → Cancelled を許可する。
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// RepositoryRef は処理対象のリポジトリを表す
type RepositoryRef struct {
	URL string `json:"url"`
	Ref string `json:"ref,omitempty"` // ブランチ名またはタグ名（空の場合はデフォルトブランチ）
}

// String は "url@ref" 形式の文字列を返す
func (r RepositoryRef) String() string {
	if r.Ref == "" {
		return r.URL
	}
	return r.URL + "@" + r.Ref
}

// PipelineJob は1リポジトリ分のドキュメント生成ジョブを表す
type PipelineJob struct {
	ID          JobID         `json:"id"`
	Target      RepositoryRef `json:"target"`
	Config      JobConfig     `json:"config"`
	Status      JobStatus     `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

// JobStatusDetail はトラッカーとジョブから算出されるステータスの射影
type JobStatusDetail struct {
	JobID               JobID                `json:"jobID"`
	Status              JobStatus            `json:"status"`
	Progress            float64              `json:"progress"`
	CurrentStep         mo.Option[string]    `json:"currentStep"`
	EstimatedCompletion mo.Option[time.Time] `json:"estimatedCompletion"`
	RetryCount          uint                 `json:"retryCount"`
	LastError           mo.Option[string]    `json:"lastError"`
}

// String は CLI 表示用の文字列を返す
func (d JobStatusDetail) String() string {
	s := fmt.Sprintf("%s %-9s %5.1f%%", d.JobID, d.Status, d.Progress)
	if step, ok := d.CurrentStep.Get(); ok {
		s += " step=" + step
	}
	if d.RetryCount > 0 {
		s += fmt.Sprintf(" retries=%d", d.RetryCount)
	}
	if eta, ok := d.EstimatedCompletion.Get(); ok && !d.Status.IsTerminal() {
		s += " eta=" + eta.Format(time.TimeOnly)
	}
	if msg, ok := d.LastError.Get(); ok {
		s += " error=" + msg
	}
	return s
}

// SchedulerStats はスケジューラーの集計値（アトミックカウンタから算出、正本ではない）
type SchedulerStats struct {
	TotalJobs            uint64        `json:"totalJobs"`
	Succeeded            uint64        `json:"succeeded"`
	Failed               uint64        `json:"failed"`
	TimedOut             uint64        `json:"timedOut"`
	Cancelled            uint64        `json:"cancelled"`
	Running              int64         `json:"running"`
	Queued               int64         `json:"queued"`
	AverageExecutionTime time.Duration `json:"averageExecutionTime"`
}

// String は統計情報を文字列表現で返す
func (s SchedulerStats) String() string {
	return fmt.Sprintf(
		"Jobs: total=%d, succeeded=%d, failed=%d, timed_out=%d, cancelled=%d, running=%d, queued=%d, avg=%s",
		s.TotalJobs,
		s.Succeeded,
		s.Failed,
		s.TimedOut,
		s.Cancelled,
		s.Running,
		s.Queued,
		s.AverageExecutionTime.Round(time.Millisecond),
	)
}

// StepOutcome は Executor の1回の実行が成功した結果
type StepOutcome struct {
	Documents  []string `json:"documents"`            // 生成したドキュメントのパス
	CommitHash string   `json:"commitHash,omitempty"` // 作成したコミット（ドライラン時は空）
	Pushed     bool     `json:"pushed"`
}
