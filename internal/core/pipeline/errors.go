package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull はキューが上限に達している場合のエラー（バックプレッシャー、リトライ対象ではない）
	ErrQueueFull = errors.New("job queue is full")

	// ErrControllerClosed はシャットダウン後に投入された場合のエラー
	ErrControllerClosed = errors.New("pipeline controller is shut down")

	// ErrJobNotFound はジョブが存在しない場合のエラー
	ErrJobNotFound = errors.New("job not found")

	// ErrServiceUnavailable は外部サービスが一時的に利用できない場合のエラー
	ErrServiceUnavailable = errors.New("service temporarily unavailable")

	// ErrDuplicateJob は同じ JobID が既に登録されている場合のエラー
	ErrDuplicateJob = errors.New("duplicate job id")

	// ErrShutdownTimeout は猶予期間内に終了しなかったジョブが残った場合のエラー
	ErrShutdownTimeout = errors.New("shutdown grace period elapsed")
)

// ErrorKind は実行エラーの種類を表す
type ErrorKind string

const (
	// KindTransient は一時的なエラー（リトライ対象）
	KindTransient ErrorKind = "transient"
	// KindConfiguration は設定エラー
	KindConfiguration ErrorKind = "configuration"
	// KindValidation は入力・出力の検証エラー
	KindValidation ErrorKind = "validation"
	// KindPermission は権限エラー
	KindPermission ErrorKind = "permission"
	// KindNotFound は対象が存在しないエラー
	KindNotFound ErrorKind = "not_found"
	// KindInternal は Executor 内部の異常（panic など）
	KindInternal ErrorKind = "internal"
)

// ExecutionError は Executor が返す分類済みのエラー
type ExecutionError struct {
	Kind ErrorKind
	Op   string // 失敗した処理（例: "sync repository"）
	Err  error
}

// Error は error インターフェースを実装する
func (e *ExecutionError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap は内包するエラーを返す
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Transient はリトライ対象のエラーを作成する
func Transient(op string, err error) error {
	return &ExecutionError{Kind: KindTransient, Op: op, Err: err}
}

// Fatal はリトライ対象外のエラーを作成する
func Fatal(kind ErrorKind, op string, err error) error {
	return &ExecutionError{Kind: kind, Op: op, Err: err}
}
