package docgen

import (
	"cmp"
	"slices"
	"time"
)

// Workspace は同期済みのローカルリポジトリを表す
type Workspace struct {
	Path       string // ローカルのクローン先
	HeadCommit string // 同期直後の HEAD
	Branch     string
}

// FileEntry は解析対象のファイル
type FileEntry struct {
	Path     string
	Language string
	Size     int64
	IsTest   bool
}

// KeyFile はプロンプトに抜粋を含める重要ファイル（README, go.mod など）
type KeyFile struct {
	Path      string
	Content   string
	Truncated bool
}

// LanguageStat は言語ごとの集計
type LanguageStat struct {
	Language string
	Files    int
	Bytes    int64
}

// RepoStructure はリポジトリの構造解析結果
type RepoStructure struct {
	Directories  []string
	Files        []FileEntry
	KeyFiles     []KeyFile
	Languages    map[string]*LanguageStat
	SkippedFiles int
}

// TopLanguages はファイルサイズの大きい順に言語を返す
func (s *RepoStructure) TopLanguages(limit int) []LanguageStat {
	stats := make([]LanguageStat, 0, len(s.Languages))
	for _, stat := range s.Languages {
		stats = append(stats, *stat)
	}
	slices.SortFunc(stats, func(a, b LanguageStat) int {
		if c := cmp.Compare(b.Bytes, a.Bytes); c != 0 {
			return c
		}
		return cmp.Compare(a.Language, b.Language)
	})
	if limit > 0 && len(stats) > limit {
		stats = stats[:limit]
	}
	return stats
}

// TestFileCount はテストファイル数を返す
func (s *RepoStructure) TestFileCount() int {
	n := 0
	for _, f := range s.Files {
		if f.IsTest {
			n++
		}
	}
	return n
}

// Document は生成したドキュメント
type Document struct {
	Path        string // リポジトリルートからの相対パス
	Content     string
	SourceHead  string
	Model       string
	GeneratedAt time.Time
}
