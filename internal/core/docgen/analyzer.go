package docgen

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-enry/go-enry/v2"

	"github.com/jinford/dev-docs/internal/core/pipeline"
)

const (
	// detectionSampleSize は言語判定に使う先頭バイト数
	detectionSampleSize = 8 * 1024
	// defaultMaxFileSize を超えるファイルは解析しない
	defaultMaxFileSize = 1 << 20
	// defaultKeyFileBytes は重要ファイルの抜粋の最大バイト数
	defaultKeyFileBytes = 4 * 1024
	// maxDirectoryDepth はディレクトリ一覧に含める深さ
	maxDirectoryDepth = 3
)

// keyFileNames はプロンプトに抜粋を含めるファイル（ルート直下のみ）
var keyFileNames = []string{
	"README.md",
	"README",
	"README.rst",
	"go.mod",
	"package.json",
	"Cargo.toml",
	"pyproject.toml",
	"requirements.txt",
	"pom.xml",
	"build.gradle",
	"Makefile",
	"Dockerfile",
	"docker-compose.yml",
	"compose.yaml",
}

// Analyzer はリポジトリのファイル構成を解析する
type Analyzer struct {
	newMatcher   IgnoreMatcherFactory
	maxFileSize  int64
	keyFileBytes int
}

// AnalyzerOption は Analyzer のオプション
type AnalyzerOption func(*Analyzer)

// WithMaxFileSize は解析するファイルサイズの上限を設定する
func WithMaxFileSize(size int64) AnalyzerOption {
	return func(a *Analyzer) {
		if size > 0 {
			a.maxFileSize = size
		}
	}
}

// WithKeyFileBytes は重要ファイルの抜粋サイズを設定する
func WithKeyFileBytes(n int) AnalyzerOption {
	return func(a *Analyzer) {
		if n > 0 {
			a.keyFileBytes = n
		}
	}
}

// NewAnalyzer は新しい Analyzer を作成する（newMatcher が nil の場合は除外なし）
func NewAnalyzer(newMatcher IgnoreMatcherFactory, opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		newMatcher:   newMatcher,
		maxFileSize:  defaultMaxFileSize,
		keyFileBytes: defaultKeyFileBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze は repoPath 配下を走査して構造を返す
// 解析対象のファイルが1件もない場合はリトライ不可のエラーを返す
func (a *Analyzer) Analyze(ctx context.Context, repoPath string) (*RepoStructure, error) {
	var matcher IgnoreMatcher
	if a.newMatcher != nil {
		m, err := a.newMatcher(repoPath)
		if err != nil {
			return nil, pipeline.Fatal(pipeline.KindConfiguration, "load ignore rules", err)
		}
		matcher = m
	}

	structure := &RepoStructure{
		Languages: make(map[string]*LanguageStat),
	}

	err := filepath.WalkDir(repoPath, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(repoPath, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if d.Name() == ".git" || enry.IsVendor(rel+"/") || (matcher != nil && matcher.ShouldIgnore(rel)) {
				return filepath.SkipDir
			}
			if strings.Count(rel, "/") < maxDirectoryDepth {
				structure.Directories = append(structure.Directories, rel)
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}
		if enry.IsVendor(rel) || (matcher != nil && matcher.ShouldIgnore(rel)) {
			structure.SkippedFiles++
			return nil
		}

		entry, keep, err := a.inspect(path, rel)
		if err != nil {
			// 読めないファイルは解析対象外とする
			structure.SkippedFiles++
			return nil
		}
		if !keep {
			structure.SkippedFiles++
			return nil
		}

		structure.Files = append(structure.Files, entry)
		stat, ok := structure.Languages[entry.Language]
		if !ok {
			stat = &LanguageStat{Language: entry.Language}
			structure.Languages[entry.Language] = stat
		}
		stat.Files++
		stat.Bytes += entry.Size
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to walk repository: %w", err)
	}

	if len(structure.Files) == 0 {
		return nil, pipeline.Fatal(pipeline.KindValidation, "analyze repository", ErrEmptyRepository)
	}

	structure.KeyFiles = a.readKeyFiles(repoPath, structure.Files)
	return structure, nil
}

// inspect はファイルの言語を判定する。バイナリ・自動生成ファイルは除外する
func (a *Analyzer) inspect(path, rel string) (FileEntry, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileEntry{}, false, err
	}
	if info.Size() > a.maxFileSize {
		return FileEntry{}, false, nil
	}

	sample, err := readHead(path, detectionSampleSize)
	if err != nil {
		return FileEntry{}, false, err
	}
	if enry.IsBinary(sample) || enry.IsGenerated(rel, sample) {
		return FileEntry{}, false, nil
	}

	language := enry.GetLanguage(filepath.Base(rel), sample)
	if language == "" {
		language = "Other"
	}

	return FileEntry{
		Path:     rel,
		Language: language,
		Size:     info.Size(),
		IsTest:   enry.IsTest(rel),
	}, true, nil
}

// readKeyFiles はルート直下の重要ファイルの先頭を読み込む
func (a *Analyzer) readKeyFiles(repoPath string, files []FileEntry) []KeyFile {
	var keyFiles []KeyFile
	for _, name := range keyFileNames {
		found := slices.ContainsFunc(files, func(f FileEntry) bool { return f.Path == name })
		if !found {
			continue
		}

		content, err := readHead(filepath.Join(repoPath, name), a.keyFileBytes+1)
		if err != nil {
			continue
		}

		truncated := len(content) > a.keyFileBytes
		if truncated {
			content = content[:a.keyFileBytes]
		}
		keyFiles = append(keyFiles, KeyFile{
			Path:      name,
			Content:   string(content),
			Truncated: truncated,
		})
	}
	return keyFiles
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:read], nil
}
