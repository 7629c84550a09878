package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	giturls "github.com/whilp/git-urls"

	"github.com/jinford/dev-docs/internal/core/pipeline"
)

// Client は Git リポジトリ操作を提供する
type Client struct {
	sshKeyPath  string
	sshPassword string
	progress    io.Writer
}

// ClientOption は Client 構築時のオプション
type ClientOption func(*Client)

// WithProgress は clone/fetch/push の進捗出力先を設定する
func WithProgress(w io.Writer) ClientOption {
	return func(c *Client) {
		c.progress = w
	}
}

// NewClient は新しい Client を作成する
func NewClient(sshKeyPath, sshPassword string, opts ...ClientOption) *Client {
	c := &Client{
		sshKeyPath:  sshKeyPath,
		sshPassword: sshPassword,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Signature はコミットの作成者を表す
type Signature struct {
	Name  string
	Email string
}

// CommitResult はコミット結果を表す
type CommitResult struct {
	Hash      string
	Committed bool // 変更がなくコミットしなかった場合は false
}

// URLToDirectoryName は Git URL をディレクトリ名に変換する
// 例: git@github.com:user/repo.git -> github.com/user/repo
func (c *Client) URLToDirectoryName(gitURL string) (string, error) {
	u, err := giturls.Parse(gitURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse git URL: %w", err)
	}

	hostname := u.Hostname()
	if hostname == "" {
		hostname = u.Host
	}

	path := strings.TrimPrefix(u.Path, "/")
	path = strings.TrimSuffix(path, ".git")
	if path == "" || strings.Contains(path, "..") {
		return "", fmt.Errorf("invalid repository path in URL: %s", gitURL)
	}

	return filepath.Join(hostname, path), nil
}

// Clone は Git リポジトリをクローンする（ref が空の場合はデフォルトブランチ）
func (c *Client) Clone(ctx context.Context, url, destDir, ref string) error {
	auth, err := c.getSSHAuth()
	if err != nil {
		return classify("setup ssh auth", err)
	}

	opts := &git.CloneOptions{
		URL:      url,
		Auth:     auth,
		Progress: c.progress,
	}
	// 作業ツリーは ref をまたいで共有するため、全ブランチを取得する
	if ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(ref)
	}

	if _, err := git.PlainCloneContext(ctx, destDir, false, opts); err != nil {
		// 中途半端なクローンを残さない
		_ = os.RemoveAll(destDir)
		return classify("clone repository", err)
	}

	return nil
}

// Pull は origin を fetch し、ローカルブランチを origin の ref に強制的に合わせる
// 以前のジョブが残した未コミットの変更は破棄される
func (c *Client) Pull(ctx context.Context, repoPath, ref string) error {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return classify("open repository", err)
	}

	if ref == "" {
		head, err := repo.Head()
		if err != nil {
			return classify("resolve HEAD", err)
		}
		ref = head.Name().Short()
	}

	auth, err := c.getSSHAuth()
	if err != nil {
		return classify("setup ssh auth", err)
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		Auth:       auth,
		Progress:   c.progress,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return classify("fetch", err)
	}

	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", ref), true)
	if err != nil {
		return classify("resolve remote ref "+ref, err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return classify("get worktree", err)
	}

	branch := plumbing.NewBranchReferenceName(ref)
	err = worktree.Checkout(&git.CheckoutOptions{Branch: branch, Force: true})
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		err = worktree.Checkout(&git.CheckoutOptions{
			Branch: branch,
			Hash:   remoteRef.Hash(),
			Create: true,
			Force:  true,
		})
	}
	if err != nil {
		return classify("checkout "+ref, err)
	}

	if err := worktree.Reset(&git.ResetOptions{Commit: remoteRef.Hash(), Mode: git.HardReset}); err != nil {
		return classify("reset to origin/"+ref, err)
	}

	return nil
}

// CloneOrPull はリポジトリが存在しない場合はクローン、存在する場合は pull する
func (c *Client) CloneOrPull(ctx context.Context, url, destDir, ref string) error {
	gitDir := filepath.Join(destDir, ".git")
	if _, err := os.Stat(gitDir); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
			return fmt.Errorf("failed to create clone directory: %w", err)
		}
		return c.Clone(ctx, url, destDir, ref)
	}

	return c.Pull(ctx, destDir, ref)
}

// Head は HEAD のコミットハッシュとブランチ名を返す
func (c *Client) Head(repoPath string) (hash string, branch string, err error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", "", classify("open repository", err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", "", classify("resolve HEAD", err)
	}

	if head.Name().IsBranch() {
		branch = head.Name().Short()
	}
	return head.Hash().String(), branch, nil
}

// ResetHard は作業ツリーを指定コミットに戻し、未追跡ファイルを削除する
func (c *Client) ResetHard(repoPath, commitHash string) error {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return classify("open repository", err)
	}

	hash, err := c.resolveRef(repo, commitHash)
	if err != nil {
		return classify("resolve "+commitHash, err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return classify("get worktree", err)
	}

	if err := worktree.Reset(&git.ResetOptions{Commit: hash, Mode: git.HardReset}); err != nil {
		return classify("reset", err)
	}

	if err := worktree.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return classify("clean", err)
	}

	return nil
}

// CommitFiles は指定ファイルをステージしてコミットする
// ステージ後に変更がない場合はコミットせず現在の HEAD を返す
func (c *Client) CommitFiles(repoPath string, paths []string, message string, author Signature) (CommitResult, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return CommitResult{}, classify("open repository", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitResult{}, classify("get worktree", err)
	}

	for _, path := range paths {
		if _, err := worktree.Add(filepath.ToSlash(path)); err != nil {
			return CommitResult{}, classify("stage "+path, err)
		}
	}

	status, err := worktree.Status()
	if err != nil {
		return CommitResult{}, classify("status", err)
	}

	changed := false
	for _, path := range paths {
		if s := status.File(filepath.ToSlash(path)); s.Staging != git.Unmodified && s.Staging != git.Untracked {
			changed = true
			break
		}
	}
	if !changed {
		head, err := repo.Head()
		if err != nil {
			return CommitResult{}, classify("resolve HEAD", err)
		}
		return CommitResult{Hash: head.Hash().String()}, nil
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author.Name,
			Email: author.Email,
			When:  time.Now(),
		},
	})
	if err != nil {
		return CommitResult{}, classify("commit", err)
	}

	return CommitResult{Hash: hash.String(), Committed: true}, nil
}

// Push はローカルブランチを origin の同名ブランチへ push する
func (c *Client) Push(ctx context.Context, repoPath, branch string) error {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return classify("open repository", err)
	}

	auth, err := c.getSSHAuth()
	if err != nil {
		return classify("setup ssh auth", err)
	}

	refName := plumbing.NewBranchReferenceName(branch)
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		Auth:       auth,
		Progress:   c.progress,
		RefSpecs:   []config.RefSpec{config.RefSpec(fmt.Sprintf("%s:%s", refName, refName))},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return classify("push", err)
	}

	return nil
}

// getSSHAuth は SSH 鍵が設定されている場合のみ認証情報を返す
func (c *Client) getSSHAuth() (transport.AuthMethod, error) {
	if c.sshKeyPath == "" {
		return nil, nil
	}

	if _, err := os.Stat(c.sshKeyPath); os.IsNotExist(err) {
		return nil, nil
	}

	auth, err := ssh.NewPublicKeysFromFile("git", c.sshKeyPath, c.sshPassword)
	if err != nil {
		return nil, pipeline.Fatal(pipeline.KindConfiguration, "load ssh key", err)
	}

	return auth, nil
}

func (c *Client) resolveRef(repo *git.Repository, ref string) (plumbing.Hash, error) {
	branchRef, err := repo.Reference(plumbing.NewBranchReferenceName(ref), true)
	if err == nil {
		return branchRef.Hash(), nil
	}

	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", ref), true)
	if err == nil {
		return remoteRef.Hash(), nil
	}

	tagRef, err := repo.Reference(plumbing.NewTagReferenceName(ref), true)
	if err == nil {
		return tagRef.Hash(), nil
	}

	if ref == "HEAD" {
		headRef, err := repo.Head()
		if err == nil {
			return headRef.Hash(), nil
		}
	}

	hash := plumbing.NewHash(ref)
	if !hash.IsZero() {
		_, err := repo.CommitObject(hash)
		if err == nil {
			return hash, nil
		}
	}

	return plumbing.ZeroHash, fmt.Errorf("failed to resolve ref %s: %w", ref, plumbing.ErrReferenceNotFound)
}
