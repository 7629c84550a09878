package filter

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// ignoreFiles はリポジトリルートから読み込む除外設定ファイル
var ignoreFiles = []string{".gitignore", ".devdocsignore"}

// IgnoreFilter は .gitignore と .devdocsignore のパターンでパスを除外する
type IgnoreFilter struct {
	patterns *gitignore.GitIgnore
}

// NewIgnoreFilter は repoPath 配下の除外設定とデフォルトパターンから IgnoreFilter を作成する
// extra には生成物の出力先など、呼び出し側で追加したいパターンを渡す
func NewIgnoreFilter(repoPath string, extra ...string) (*IgnoreFilter, error) {
	var patterns []string

	for _, name := range ignoreFiles {
		lines, err := readIgnoreFile(filepath.Join(repoPath, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		patterns = append(patterns, lines...)
	}

	patterns = append(patterns, defaultIgnorePatterns...)
	patterns = append(patterns, extra...)

	return &IgnoreFilter{
		patterns: gitignore.CompileIgnoreLines(patterns...),
	}, nil
}

// ShouldIgnore はパスが除外対象かどうかを判定する
func (f *IgnoreFilter) ShouldIgnore(path string) bool {
	if f == nil || f.patterns == nil {
		return false
	}
	return f.patterns.MatchesPath(filepath.ToSlash(path))
}

// readIgnoreFile は空行とコメント行を除いたパターンを返す（ファイルがなければ空）
func readIgnoreFile(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var patterns []string
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return patterns, nil
}

// defaultIgnorePatterns はドキュメント生成の入力にならないファイル群
var defaultIgnorePatterns = []string{
	".git",
	"node_modules",
	"vendor",
	"dist",
	"build",
	"target",
	"out",
	"bin",
	"obj",
	".next",
	".nuxt",

	".vscode",
	".idea",
	".DS_Store",
	"*.swp",
	"*~",

	"*.log",
	"logs",
	"*.tmp",
	"tmp",

	// 機密情報はプロンプトに載せない
	".env",
	".env.*",
	"*.pem",
	"*.key",
	"*.crt",
	"*.p12",

	"*.exe",
	"*.dll",
	"*.so",
	"*.dylib",
	"*.jar",
	"*.zip",
	"*.tar",
	"*.gz",

	"*.png",
	"*.jpg",
	"*.jpeg",
	"*.gif",
	"*.ico",
	"*.svg",
	"*.mp4",
	"*.mp3",
	"*.ttf",
	"*.woff",
	"*.woff2",

	"*.db",
	"*.sqlite",
	"*.sqlite3",

	"coverage",
	".cache",
	"__pycache__",
	"*.pyc",
}
