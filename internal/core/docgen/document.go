package docgen

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jinford/dev-docs/internal/core/pipeline"
)

const (
	// DefaultOutputDir は生成したドキュメントの出力先（リポジトリルートからの相対パス）
	DefaultOutputDir = "docs"
	// DefaultDocumentName は生成するドキュメントのファイル名
	DefaultDocumentName = "ARCHITECTURE.md"
)

// newDocument は LLM の応答に来歴ヘッダーを付けてドキュメントを作成する
func newDocument(relPath string, target pipeline.RepositoryRef, ws Workspace, resp CompletionResponse, now time.Time) (Document, error) {
	body := strings.TrimSpace(resp.Content)
	body = strings.TrimPrefix(body, "```markdown")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)
	if body == "" {
		return Document{}, pipeline.Fatal(pipeline.KindValidation, "generate documentation", ErrEmptyGeneration)
	}

	var sb strings.Builder
	sb.WriteString("<!--\n")
	sb.WriteString("  このファイルは dev-docs により自動生成されました。手動での編集は次回の生成で上書きされます。\n")
	sb.WriteString(fmt.Sprintf("  source: %s\n", target.String()))
	sb.WriteString(fmt.Sprintf("  commit: %s\n", ws.HeadCommit))
	sb.WriteString(fmt.Sprintf("  model: %s\n", resp.Model))
	sb.WriteString(fmt.Sprintf("  generated_at: %s\n", now.UTC().Format(time.RFC3339)))
	sb.WriteString("-->\n\n")
	sb.WriteString("# Architecture\n\n")
	sb.WriteString(body)
	sb.WriteString("\n")

	return Document{
		Path:        relPath,
		Content:     sb.String(),
		SourceHead:  ws.HeadCommit,
		Model:       resp.Model,
		GeneratedAt: now,
	}, nil
}

// writeDocument はドキュメントを作業ツリーに書き込む（既存のファイルは上書きする）
func writeDocument(ws Workspace, doc Document) error {
	fullPath := filepath.Join(ws.Path, filepath.FromSlash(doc.Path))

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(fullPath, []byte(doc.Content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", doc.Path, err)
	}
	return nil
}
