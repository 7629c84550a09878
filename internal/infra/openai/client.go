package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/jinford/dev-docs/internal/core/docgen"
	"github.com/jinford/dev-docs/internal/core/pipeline"
)

const (
	// DefaultModel はデフォルトで使用するOpenAIモデル
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout はAPI呼び出し1回あたりのデフォルトタイムアウト
	DefaultTimeout = 120 * time.Second
)

var (
	// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set: please set OPENAI_API_KEY environment variable")

	// ErrNoChoices は応答に候補が含まれない場合のエラー
	ErrNoChoices = errors.New("no completion choices returned")
)

type clientOptions struct {
	model          string
	timeout        time.Duration
	requestOptions []option.RequestOption
}

// ClientOption は Client のオプション
type ClientOption func(*clientOptions)

// WithModel はモデル名を上書きする
func WithModel(model string) ClientOption {
	return func(o *clientOptions) {
		if model != "" {
			o.model = model
		}
	}
}

// WithTimeout はAPI呼び出し1回あたりのタイムアウトを設定する
func WithTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithBaseURL は API のエンドポイントを差し替える（互換 API やテスト用）
func WithBaseURL(baseURL string) ClientOption {
	return func(o *clientOptions) {
		o.requestOptions = append(o.requestOptions, option.WithBaseURL(baseURL))
	}
}

// Client は OpenAI API を使用した docgen.LLMClient 実装
//
// リトライはパイプラインの RetryManager が担うため、SDK 内部のリトライは無効にしている。
type Client struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// NewClient は新しい Client を作成する
func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, pipeline.Fatal(pipeline.KindConfiguration, "create openai client", ErrAPIKeyNotSet)
	}

	options := clientOptions{
		model:   DefaultModel,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&options)
	}

	requestOptions := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, options.requestOptions...)

	return &Client{
		client:  openai.NewClient(requestOptions...),
		model:   options.model,
		timeout: options.timeout,
	}, nil
}

// ModelName はモデル名を返す
func (c *Client) ModelName() string {
	return c.model
}

// GenerateCompletion は OpenAI API を1回呼び出してテキストを生成する
func (c *Client) GenerateCompletion(ctx context.Context, req docgen.CompletionRequest) (docgen.CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return docgen.CompletionResponse{}, classifyAPIError(err)
	}

	if len(completion.Choices) == 0 {
		return docgen.CompletionResponse{}, pipeline.Transient("chat completion", ErrNoChoices)
	}

	return docgen.CompletionResponse{
		Content:    completion.Choices[0].Message.Content,
		TokensUsed: int(completion.Usage.TotalTokens),
		Model:      string(completion.Model),
	}, nil
}

// classifyAPIError は API エラーをステータスコードで分類する
// 429 と 5xx は一時的、認証エラーと残りの 4xx はリトライしても解決しない
func classifyAPIError(err error) error {
	const op = "chat completion"

	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.Canceled) {
			return err
		}
		// タイムアウトや接続エラー
		return pipeline.Transient(op, err)
	}

	switch code := apiErr.StatusCode; {
	case code == http.StatusTooManyRequests, code >= http.StatusInternalServerError:
		return pipeline.Transient(op, err)
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return pipeline.Fatal(pipeline.KindPermission, op, err)
	case code == http.StatusNotFound:
		return pipeline.Fatal(pipeline.KindNotFound, op, fmt.Errorf("model not available: %w", err))
	default:
		return pipeline.Fatal(pipeline.KindValidation, op, err)
	}
}

var _ docgen.LLMClient = (*Client)(nil)
