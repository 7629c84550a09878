package pipeline

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"os"
	"syscall"
	"time"
)

// RetryConfig はバックオフの設定
type RetryConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFraction float64 // 0.2 の場合、遅延は最大 20% 延長される
}

// DefaultRetryConfig はデフォルトのバックオフ設定を返す
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

// Decision はエラー分類の結果
type Decision int

const (
	// DecisionRetryable はリトライ可能
	DecisionRetryable Decision = iota
	// DecisionFatal はリトライ不可
	DecisionFatal
)

// String は分類結果の文字列表現を返す
func (d Decision) String() string {
	if d == DecisionRetryable {
		return "retryable"
	}
	return "fatal"
}

// RetryManager はリトライ判定とバックオフ計算を行う（設定以外の状態を持たない）
type RetryManager struct {
	config RetryConfig
	jitter func() float64 // [0, 1) の乱数
}

// NewRetryManager は新しい RetryManager を作成する
func NewRetryManager(config RetryConfig) *RetryManager {
	defaults := DefaultRetryConfig()
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.Multiplier < 1 {
		config.Multiplier = defaults.Multiplier
	}
	if config.JitterFraction < 0 {
		config.JitterFraction = 0
	}

	return &RetryManager{
		config: config,
		jitter: rand.Float64,
	}
}

// Config は使用中の設定を返す
func (m *RetryManager) Config() RetryConfig {
	return m.config
}

// Classify はエラーがリトライ可能かどうかを判定する
// Executor が分類済みのエラーを返した場合はその分類を優先する。
// 分類できないエラーはリトライ可能として扱い、回数は MaxRetries で制限される。
func (m *RetryManager) Classify(err error) Decision {
	if err == nil {
		return DecisionFatal
	}

	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		if execErr.Kind == KindTransient {
			return DecisionRetryable
		}
		return DecisionFatal
	}

	switch {
	case errors.Is(err, ErrServiceUnavailable):
		return DecisionRetryable
	case errors.Is(err, context.Canceled):
		return DecisionFatal
	case errors.Is(err, os.ErrPermission), errors.Is(err, os.ErrNotExist):
		return DecisionFatal
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return DecisionRetryable
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return DecisionRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return DecisionRetryable
	}

	return DecisionRetryable
}

// BackoffDelay は attempt 回目（0始まり）の失敗後に待機する時間を返す
// min(initial * multiplier^attempt, max) * (1 + U(0, jitter))
func (m *RetryManager) BackoffDelay(attempt uint) time.Duration {
	delay := float64(m.config.InitialBackoff) * math.Pow(m.config.Multiplier, float64(attempt))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(m.config.MaxBackoff) {
		delay = float64(m.config.MaxBackoff)
	}

	delay *= 1 + m.jitter()*m.config.JitterFraction

	return time.Duration(delay)
}

// TotalAttempts はジョブの総試行回数（初回 + リトライ回数）を返す
func TotalAttempts(config JobConfig) uint {
	return config.MaxRetries + 1
}

// sleepContext は d だけ待機する。ctx が先に終了した場合はそのエラーを返す
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
