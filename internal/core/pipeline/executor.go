package pipeline

import (
	"context"
	"time"
)

// Executor はジョブ1件分の実処理（解析・生成・コミット）を行う外部コンポーネント
//
// ExecuteStep はリトライのたびに呼ばれるため、再実行しても安全でなければならない。
// どちらのメソッドも ctx のキャンセルに協調的に従うこと。
type Executor interface {
	ExecuteStep(ctx context.Context, job PipelineJob, progress ProgressReporter) (StepOutcome, error)
	Rollback(ctx context.Context, job PipelineJob) error
}

// ProgressReporter は実行中の進捗を通知する
type ProgressReporter interface {
	Report(percent float64, step string)
}

// ProgressFunc は関数を ProgressReporter として扱うためのアダプター
type ProgressFunc func(percent float64, step string)

// Report は ProgressReporter を実装する
func (f ProgressFunc) Report(percent float64, step string) {
	f(percent, step)
}

// JobRecord は終端状態に到達したジョブの監査レコード
type JobRecord struct {
	Job       PipelineJob
	Detail    JobStatusDetail
	Outcome   StepOutcome // 成功時のみ値を持つ
	Attempts  uint
	Duration  time.Duration
	Abandoned bool // Executor の完了を待たずに終端状態を確定した（タイムアウト・シャットダウン）
}

// JobRecorder は終端ジョブを外部に記録する（失敗してもジョブの結果には影響しない）
type JobRecorder interface {
	Record(ctx context.Context, record JobRecord) error
}

// trackerReporter は Executor からの進捗通知を Tracker に反映する
type trackerReporter struct {
	tracker *Tracker
	id      JobID
}

func (r trackerReporter) Report(percent float64, step string) {
	r.tracker.UpdateProgress(r.id, percent, step)
}
