package docgen

import "errors"

var (
	// ErrEmptyRepository は解析対象のファイルが1件もない場合のエラー
	ErrEmptyRepository = errors.New("repository has no analyzable files")

	// ErrEmptyGeneration はLLMが空の応答を返した場合のエラー
	ErrEmptyGeneration = errors.New("llm returned empty document")
)
