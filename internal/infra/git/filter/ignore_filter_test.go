package filter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIgnoreFilter_ShouldIgnore(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, ".gitignore"), []byte("# build output\n*.out\n\ngenerated/\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, ".devdocsignore"), []byte("testdata\n"), 0o644))

	f, err := NewIgnoreFilter(repo, "docs/ARCHITECTURE.md")
	require.NoError(t, err)

	tests := []struct {
		name     string
		path     string
		expected bool
	}{
		{name: "gitignore のパターン", path: "app.out", expected: true},
		{name: "gitignore のディレクトリ", path: "generated/api.go", expected: true},
		{name: "devdocsignore のパターン", path: "testdata/input.json", expected: true},
		{name: "デフォルトパターン", path: "node_modules/react/index.js", expected: true},
		{name: "機密情報", path: "config/.env", expected: true},
		{name: "追加パターン", path: "docs/ARCHITECTURE.md", expected: true},
		{name: "通常のソースファイル", path: "internal/app/app.go", expected: false},
		{name: "他のドキュメント", path: "docs/guide.md", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, f.ShouldIgnore(tt.path))
		})
	}
}

func TestIgnoreFilter_NoIgnoreFiles(t *testing.T) {
	f, err := NewIgnoreFilter(t.TempDir())
	require.NoError(t, err)

	assert.False(t, f.ShouldIgnore("main.go"))
	assert.True(t, f.ShouldIgnore("logo.png"))
}

func TestIgnoreFilter_Nil(t *testing.T) {
	var f *IgnoreFilter
	assert.False(t, f.ShouldIgnore("main.go"))
}
