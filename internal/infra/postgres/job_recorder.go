package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jinford/dev-docs/internal/core/pipeline"
)

// schemaSQL は監査ログのテーブル定義（追記のみで、読み戻してジョブを復元することはない）
const schemaSQL = `
CREATE TABLE IF NOT EXISTS pipeline_job_history (
    id            BIGSERIAL PRIMARY KEY,
    job_id        UUID        NOT NULL,
    repository    TEXT        NOT NULL,
    ref           TEXT        NOT NULL DEFAULT '',
    status        TEXT        NOT NULL,
    priority      SMALLINT    NOT NULL,
    dry_run       BOOLEAN     NOT NULL,
    attempts      INTEGER     NOT NULL,
    retry_count   INTEGER     NOT NULL,
    last_error    TEXT,
    commit_hash   TEXT,
    pushed        BOOLEAN     NOT NULL DEFAULT FALSE,
    documents     JSONB       NOT NULL DEFAULT '[]',
    abandoned     BOOLEAN     NOT NULL DEFAULT FALSE,
    duration_ms   BIGINT      NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL,
    started_at    TIMESTAMPTZ,
    completed_at  TIMESTAMPTZ,
    recorded_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_pipeline_job_history_job_id ON pipeline_job_history (job_id);
CREATE INDEX IF NOT EXISTS idx_pipeline_job_history_repository ON pipeline_job_history (repository, completed_at DESC);
`

const insertJobSQL = `
INSERT INTO pipeline_job_history (
    job_id, repository, ref, status, priority, dry_run, attempts, retry_count,
    last_error, commit_hash, pushed, documents, abandoned, duration_ms,
    created_at, started_at, completed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

// DBTX は *pgxpool.Pool / pgx.Tx が満たす実行インターフェース
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// JobRecorder は終端ジョブを PostgreSQL に記録する pipeline.JobRecorder 実装
type JobRecorder struct {
	db DBTX
}

// NewJobRecorder は新しい JobRecorder を作成する
func NewJobRecorder(db DBTX) *JobRecorder {
	return &JobRecorder{db: db}
}

// EnsureSchema はテーブルが存在しない場合に作成する
func (r *JobRecorder) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create pipeline_job_history: %w", err)
	}
	return nil
}

// Record は終端ジョブを1行追記する
func (r *JobRecorder) Record(ctx context.Context, record pipeline.JobRecord) error {
	jobID, err := JobIDToPgtype(record.Job.ID)
	if err != nil {
		return err
	}

	job := record.Job
	_, err = r.db.Exec(ctx, insertJobSQL,
		jobID,
		job.Target.URL,
		job.Target.Ref,
		string(record.Detail.Status),
		int16(job.Config.Priority),
		job.Config.DryRun,
		int32(record.Attempts),
		int32(record.Detail.RetryCount),
		OptionToPgtext(record.Detail.LastError),
		StringToNullableText(record.Outcome.CommitHash),
		record.Outcome.Pushed,
		JSONBFromStringSlice(record.Outcome.Documents),
		record.Abandoned,
		record.Duration.Milliseconds(),
		TimeToPgtype(job.CreatedAt),
		TimePtrToPgtype(job.StartedAt),
		TimePtrToPgtype(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record job %s: %w", job.ID, err)
	}
	return nil
}

var _ pipeline.JobRecorder = (*JobRecorder)(nil)
