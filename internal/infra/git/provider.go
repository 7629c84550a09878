package git

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/jinford/dev-docs/internal/core/docgen"
	"github.com/jinford/dev-docs/internal/core/pipeline"
)

// Provider は Git リポジトリ用の docgen.SourceSyncer / docgen.RepositoryWriter 実装
type Provider struct {
	client          *Client
	gitCloneBaseDir string
	defaultBranch   string
	author          Signature
}

// NewProvider は新しい Git Provider を作成する
func NewProvider(client *Client, gitCloneBaseDir, defaultBranch string, author Signature) *Provider {
	return &Provider{
		client:          client,
		gitCloneBaseDir: gitCloneBaseDir,
		defaultBranch:   defaultBranch,
		author:          author,
	}
}

// LocalPath は URL に対応するクローン先のパスを返す
// 例: git@github.com:user/repo.git -> <base>/github.com/user/repo
func (p *Provider) LocalPath(gitURL string) (string, error) {
	dirName, err := p.client.URLToDirectoryName(gitURL)
	if err != nil {
		return "", pipeline.Fatal(pipeline.KindValidation, "resolve clone directory", err)
	}
	return filepath.Join(p.gitCloneBaseDir, dirName), nil
}

// WorkspacePath は対象リポジトリの作業ツリーのパスを返す（ref に関係なく URL ごとに1つ）
func (p *Provider) WorkspacePath(target pipeline.RepositoryRef) (string, error) {
	return p.LocalPath(target.URL)
}

// Sync はリポジトリを clone または pull し、作業ツリーの情報を返す
func (p *Provider) Sync(ctx context.Context, target pipeline.RepositoryRef) (docgen.Workspace, error) {
	ref := target.Ref
	if ref == "" {
		ref = p.defaultBranch
	}

	repoPath, err := p.LocalPath(target.URL)
	if err != nil {
		return docgen.Workspace{}, err
	}

	if err := p.client.CloneOrPull(ctx, target.URL, repoPath, ref); err != nil {
		return docgen.Workspace{}, err
	}

	hash, branch, err := p.client.Head(repoPath)
	if err != nil {
		return docgen.Workspace{}, err
	}
	if branch == "" {
		branch = ref
	}

	return docgen.Workspace{
		Path:       repoPath,
		HeadCommit: hash,
		Branch:     branch,
	}, nil
}

// CommitFiles は生成したドキュメントを設定された作成者でコミットする
func (p *Provider) CommitFiles(_ context.Context, ws docgen.Workspace, paths []string, message string) (string, bool, error) {
	result, err := p.client.CommitFiles(ws.Path, paths, message, p.author)
	if err != nil {
		return "", false, err
	}
	return result.Hash, result.Committed, nil
}

// Push は作業ブランチを origin に push する
func (p *Provider) Push(ctx context.Context, ws docgen.Workspace) error {
	if ws.Branch == "" {
		return pipeline.Fatal(pipeline.KindValidation, "push", fmt.Errorf("detached HEAD at %s", ws.HeadCommit))
	}
	return p.client.Push(ctx, ws.Path, ws.Branch)
}

// ResetHard は作業ツリーを指定コミットに戻す
func (p *Provider) ResetHard(ctx context.Context, repoPath, commit string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.client.ResetHard(repoPath, commit)
}

var (
	_ docgen.SourceSyncer     = (*Provider)(nil)
	_ docgen.RepositoryWriter = (*Provider)(nil)
)
