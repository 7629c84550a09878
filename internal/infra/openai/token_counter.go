package openai

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding はトークン数の計算に使うエンコーディング
const DefaultEncoding = "cl100k_base"

// TokenCounter は tiktoken でトークン数をカウントする docgen.TokenCounter 実装
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter は新しい TokenCounter を作成する
func NewTokenCounter() (*TokenCounter, error) {
	encoding, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding: %w", err)
	}

	return &TokenCounter{
		encoding: encoding,
	}, nil
}

// CountTokens はテキストのトークン数をカウントする
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.encoding == nil {
		return EstimateTokens(text)
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// EstimateTokens はエンコーディングなしで文字数からトークン数を推定する（3文字で1トークン）
func EstimateTokens(text string) int {
	return (len([]rune(text)) + 2) / 3
}
