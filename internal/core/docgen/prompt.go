package docgen

import (
	"fmt"
	"strings"

	"github.com/jinford/dev-docs/internal/core/pipeline"
)

const (
	// DefaultMaxPromptTokens はプロンプト全体のトークン数の上限
	DefaultMaxPromptTokens = 12000

	maxListedLanguages   = 10
	maxListedDirectories = 80
)

// PromptBuilder はリポジトリ構造からアーキテクチャ文書生成用のプロンプトを構築する
type PromptBuilder struct {
	counter   TokenCounter
	maxTokens int
}

// NewPromptBuilder は新しい PromptBuilder を作成する
// counter が nil の場合は文字数から概算する
func NewPromptBuilder(counter TokenCounter, maxTokens int) *PromptBuilder {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxPromptTokens
	}
	return &PromptBuilder{counter: counter, maxTokens: maxTokens}
}

// Build はトークン上限に収まるようにプロンプトを構築する
// 上限を超える場合は重要ファイルの抜粋を後ろから削り、それでも超える場合はディレクトリ一覧を短くする
func (b *PromptBuilder) Build(target pipeline.RepositoryRef, structure *RepoStructure) string {
	keyFiles := structure.KeyFiles
	directories := structure.Directories
	if len(directories) > maxListedDirectories {
		directories = directories[:maxListedDirectories]
	}

	prompt := renderPrompt(target, structure, directories, keyFiles)
	for b.countTokens(prompt) > b.maxTokens && len(keyFiles) > 0 {
		keyFiles = keyFiles[:len(keyFiles)-1]
		prompt = renderPrompt(target, structure, directories, keyFiles)
	}
	for b.countTokens(prompt) > b.maxTokens && len(directories) > 0 {
		directories = directories[:len(directories)/2]
		prompt = renderPrompt(target, structure, directories, keyFiles)
	}

	return prompt
}

func (b *PromptBuilder) countTokens(text string) int {
	if b.counter == nil {
		return len([]rune(text)) / 3
	}
	return b.counter.CountTokens(text)
}

func renderPrompt(target pipeline.RepositoryRef, structure *RepoStructure, directories []string, keyFiles []KeyFile) string {
	var sb strings.Builder

	sb.WriteString("# タスク: リポジトリのアーキテクチャ文書の生成\n\n")
	sb.WriteString(fmt.Sprintf("## 対象リポジトリ\n%s\n\n", target.String()))

	sb.WriteString("## 統計\n\n")
	sb.WriteString(fmt.Sprintf("- ファイル数: %d（うちテスト %d）\n", len(structure.Files), structure.TestFileCount()))
	sb.WriteString(fmt.Sprintf("- 除外したファイル数: %d\n\n", structure.SkippedFiles))

	sb.WriteString("## 言語構成\n\n")
	for _, stat := range structure.TopLanguages(maxListedLanguages) {
		sb.WriteString(fmt.Sprintf("- %s: %d files, %d bytes\n", stat.Language, stat.Files, stat.Bytes))
	}
	sb.WriteString("\n")

	if len(directories) > 0 {
		sb.WriteString("## ディレクトリ構成\n\n```\n")
		for _, dir := range directories {
			depth := strings.Count(dir, "/")
			name := dir[strings.LastIndex(dir, "/")+1:]
			sb.WriteString(strings.Repeat("  ", depth))
			sb.WriteString(name)
			sb.WriteString("/\n")
		}
		sb.WriteString("```\n\n")
	}

	if len(keyFiles) > 0 {
		sb.WriteString("## 主要ファイル\n\n")
		for _, kf := range keyFiles {
			sb.WriteString(fmt.Sprintf("### %s\n", kf.Path))
			if kf.Truncated {
				sb.WriteString("（先頭のみ抜粋）\n")
			}
			sb.WriteString("```\n")
			sb.WriteString(kf.Content)
			sb.WriteString("\n```\n\n")
		}
	}

	sb.WriteString("## 指示\n\n")
	sb.WriteString("上記の情報を基に、以下の形式でMarkdownドキュメントを生成してください：\n\n")
	sb.WriteString(`1. **概要**: リポジトリの目的と提供する機能
2. **技術スタック**: 言語、フレームワーク、主要な依存関係
3. **構成要素**: 主要なディレクトリ・モジュールとその責務
4. **処理の流れ**: エントリーポイントから主要な処理までの流れ
5. **図解**: 可能であればMermaid図を含める

`)

	sb.WriteString("## 注意事項\n\n")
	sb.WriteString("- Markdown形式で出力してください\n")
	sb.WriteString("- 情報がない項目は推測せず、その旨を記載してください\n")
	sb.WriteString("- 見出しは ## から始めてください（# は使用しないでください）\n\n")

	sb.WriteString("## 出力\n\n")
	sb.WriteString("Markdownドキュメント:\n")

	return sb.String()
}
