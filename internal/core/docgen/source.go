package docgen

import (
	"context"

	"github.com/jinford/dev-docs/internal/core/pipeline"
)

// SourceSyncer は対象リポジトリをローカルに同期する（clone または pull）
// WorkspacePath は同期せずに作業ツリーのパスを返す。同じパスを返すジョブは同時に実行されない
type SourceSyncer interface {
	WorkspacePath(target pipeline.RepositoryRef) (string, error)
	Sync(ctx context.Context, target pipeline.RepositoryRef) (Workspace, error)
}

// RepositoryWriter は生成物のコミット・push と巻き戻しを行う
type RepositoryWriter interface {
	CommitFiles(ctx context.Context, ws Workspace, paths []string, message string) (commit string, committed bool, err error)
	Push(ctx context.Context, ws Workspace) error
	ResetHard(ctx context.Context, repoPath, commit string) error
}

// IgnoreMatcher はパスを解析対象から除外するか判定する
type IgnoreMatcher interface {
	ShouldIgnore(path string) bool
}

// IgnoreMatcherFactory はリポジトリごとに IgnoreMatcher を作成する
type IgnoreMatcherFactory func(repoPath string) (IgnoreMatcher, error)
