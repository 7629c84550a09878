package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/jinford/dev-docs/internal/core/docgen"
	"github.com/jinford/dev-docs/internal/core/pipeline"
)

const (
	// DefaultBreakerMaxFailures は連続失敗何回でサーキットを開くか
	DefaultBreakerMaxFailures = 5

	// DefaultBreakerOpenTimeout はサーキットが開いてから半開状態になるまでの時間
	DefaultBreakerOpenTimeout = 30 * time.Second
)

// BreakerConfig はサーキットブレーカーの設定
type BreakerConfig struct {
	Name        string
	MaxFailures uint32
	OpenTimeout time.Duration
	Logger      *slog.Logger
}

// BreakerClient は LLMClient をサーキットブレーカーで包む
//
// 一時的エラーが連続するとサーキットを開き、以降の呼び出しは API に到達せず
// pipeline.ErrServiceUnavailable を返す。リトライ判定は RetryManager に委ねる。
type BreakerClient struct {
	next    docgen.LLMClient
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerClient は新しい BreakerClient を作成する
func NewBreakerClient(next docgen.LLMClient, cfg BreakerConfig) *BreakerClient {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = DefaultBreakerMaxFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultBreakerOpenTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxFailures := cfg.MaxFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return !isTransientFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("llm circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &BreakerClient{
		next:    next,
		breaker: breaker,
	}
}

// GenerateCompletion はサーキットが閉じている場合のみ下位のクライアントを呼び出す
func (b *BreakerClient) GenerateCompletion(ctx context.Context, req docgen.CompletionRequest) (docgen.CompletionResponse, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.next.GenerateCompletion(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return docgen.CompletionResponse{}, fmt.Errorf("%w: circuit %s: %v", pipeline.ErrServiceUnavailable, b.breaker.Name(), err)
		}
		return docgen.CompletionResponse{}, err
	}

	return result.(docgen.CompletionResponse), nil
}

// State は現在のサーキットの状態を返す
func (b *BreakerClient) State() gobreaker.State {
	return b.breaker.State()
}

// isTransientFailure は API 側の障害とみなす失敗か判定する
// 入力の誤りやキャンセルではサーキットを開かない
func isTransientFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var execErr *pipeline.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind == pipeline.KindTransient
	}
	return true
}

var _ docgen.LLMClient = (*BreakerClient)(nil)
