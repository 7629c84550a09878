package docgen

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/dev-docs/internal/core/pipeline"
)

// prefixMatcher は指定したプレフィックスのパスを除外する
type prefixMatcher []string

func (m prefixMatcher) ShouldIgnore(path string) bool {
	for _, p := range m {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func TestAnalyzer_Analyze(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"README.md":                "# Sample\n\nA sample service.\n",
		"go.mod":                   "module example.com/sample\n\ngo 1.24\n",
		"main.go":                  "package main\n\nfunc main() {}\n",
		"internal/app/app.go":      "package app\n\nfunc Run() error { return nil }\n",
		"internal/app/app_test.go": "package app\n\nimport \"testing\"\n\nfunc TestRun(t *testing.T) {}\n",
		"vendor/lib/lib.go":        "package lib\n",
		"tmp/cache.go":             "package tmp\n",
		"image.bin":                "\x00\x01\x02\x03\x00\x00\x00binary",
	})

	analyzer := NewAnalyzer(func(string) (IgnoreMatcher, error) {
		return prefixMatcher{"tmp"}, nil
	})

	structure, err := analyzer.Analyze(context.Background(), root)
	require.NoError(t, err)

	var paths []string
	for _, f := range structure.Files {
		paths = append(paths, f.Path)
	}
	assert.ElementsMatch(t, []string{
		"README.md",
		"go.mod",
		"main.go",
		"internal/app/app.go",
		"internal/app/app_test.go",
	}, paths)

	assert.Contains(t, structure.Directories, "internal")
	assert.Contains(t, structure.Directories, "internal/app")
	assert.NotContains(t, structure.Directories, "tmp")

	goStat, ok := structure.Languages["Go"]
	require.True(t, ok)
	assert.Equal(t, 3, goStat.Files)
	assert.Equal(t, 1, structure.TestFileCount())

	var keyPaths []string
	for _, kf := range structure.KeyFiles {
		keyPaths = append(keyPaths, kf.Path)
	}
	assert.Equal(t, []string{"README.md", "go.mod"}, keyPaths)
	assert.Contains(t, structure.KeyFiles[0].Content, "A sample service.")
}

func TestAnalyzer_KeyFileTruncation(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"README.md": strings.Repeat("x", 100),
		"main.go":   "package main\n",
	})

	analyzer := NewAnalyzer(nil, WithKeyFileBytes(10))
	structure, err := analyzer.Analyze(context.Background(), root)
	require.NoError(t, err)

	require.Len(t, structure.KeyFiles, 1)
	assert.True(t, structure.KeyFiles[0].Truncated)
	assert.Len(t, structure.KeyFiles[0].Content, 10)
}

func TestAnalyzer_EmptyRepository(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"vendor/only.go": "package only\n",
	})

	analyzer := NewAnalyzer(nil)
	_, err := analyzer.Analyze(context.Background(), root)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyRepository)

	var execErr *pipeline.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, pipeline.KindValidation, execErr.Kind)
}

func TestAnalyzer_IgnoreRulesError(t *testing.T) {
	analyzer := NewAnalyzer(func(string) (IgnoreMatcher, error) {
		return nil, errors.New("broken ignore file")
	})

	_, err := analyzer.Analyze(context.Background(), t.TempDir())
	var execErr *pipeline.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, pipeline.KindConfiguration, execErr.Kind)
}

func TestAnalyzer_ContextCancelled(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"main.go": "package main\n"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewAnalyzer(nil).Analyze(ctx, root)
	assert.ErrorIs(t, err, context.Canceled)
}
