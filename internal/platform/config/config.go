package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/jinford/dev-docs/internal/core/pipeline"
	"github.com/jinford/dev-docs/internal/platform/logger"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	Pipeline PipelineConfig
	Retry    RetryConfig
	OpenAI   OpenAIConfig
	Breaker  BreakerConfig
	Git      GitConfig
	Docs     DocsConfig
	Database DatabaseConfig
	Log      LogConfig
}

// PipelineConfig はジョブ実行の設定
type PipelineConfig struct {
	MaxConcurrentJobs int
	MaxQueueSize      int
	HistoryLimit      int
	ShutdownGrace     time.Duration
	JobTimeout        time.Duration
	MaxRetries        int
	RollbackTimeout   time.Duration
}

// RetryConfig はリトライ時のバックオフ設定
type RetryConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
}

// OpenAIConfig はドキュメント生成に使う LLM の設定
type OpenAIConfig struct {
	APIKey          string
	LLMModel        string
	MaxPromptTokens int
	Temperature     float64
	MaxTokens       int
	Timeout         time.Duration
}

// BreakerConfig は LLM 呼び出しのサーキットブレーカー設定
type BreakerConfig struct {
	MaxFailures int
	OpenTimeout time.Duration
}

// GitConfig はGit操作設定
type GitConfig struct {
	CloneDir      string
	SSHKeyPath    string
	SSHPassword   string // SSH秘密鍵のパスワード（パスフレーズ）
	DefaultBranch string
	AuthorName    string
	AuthorEmail   string
	Push          bool
	Progress      bool // clone/fetch/push の進捗を標準エラーに出力する
}

// DocsConfig は生成ドキュメントの出力設定
type DocsConfig struct {
	OutputSubdir string // リポジトリルートからの相対パス
}

// DatabaseConfig はジョブ監査ログ用のデータベース接続設定
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string
	Format string
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Pipeline: PipelineConfig{
			MaxConcurrentJobs: getEnvAsInt("PIPELINE_MAX_CONCURRENT_JOBS", pipeline.DefaultMaxConcurrentJobs),
			MaxQueueSize:      getEnvAsInt("PIPELINE_MAX_QUEUE_SIZE", pipeline.DefaultMaxQueueSize),
			HistoryLimit:      getEnvAsInt("PIPELINE_HISTORY_LIMIT", pipeline.DefaultHistoryLimit),
			ShutdownGrace:     getEnvAsDuration("PIPELINE_SHUTDOWN_GRACE", pipeline.DefaultShutdownGrace),
			JobTimeout:        getEnvAsDuration("PIPELINE_JOB_TIMEOUT", pipeline.DefaultJobTimeout),
			MaxRetries:        getEnvAsInt("PIPELINE_MAX_RETRIES", int(pipeline.DefaultMaxRetries)),
			RollbackTimeout:   getEnvAsDuration("PIPELINE_ROLLBACK_TIMEOUT", pipeline.DefaultRollbackTimeout),
		},
		Retry: RetryConfig{
			InitialBackoff: getEnvAsDuration("RETRY_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     getEnvAsDuration("RETRY_MAX_BACKOFF", 60*time.Second),
			Multiplier:     getEnvAsFloat("RETRY_MULTIPLIER", 2.0),
			Jitter:         getEnvAsFloat("RETRY_JITTER", 0.2),
		},
		OpenAI: OpenAIConfig{
			APIKey:          getEnv("OPENAI_API_KEY", ""),
			LLMModel:        getEnv("OPENAI_LLM_MODEL", "gpt-4o-mini"),
			MaxPromptTokens: getEnvAsInt("OPENAI_MAX_PROMPT_TOKENS", 12000),
			Temperature:     getEnvAsFloat("OPENAI_TEMPERATURE", 0.2),
			MaxTokens:       getEnvAsInt("OPENAI_MAX_TOKENS", 4096),
			Timeout:         getEnvAsDuration("OPENAI_TIMEOUT", 120*time.Second),
		},
		Breaker: BreakerConfig{
			MaxFailures: getEnvAsInt("LLM_BREAKER_MAX_FAILURES", 5),
			OpenTimeout: getEnvAsDuration("LLM_BREAKER_OPEN_TIMEOUT", 30*time.Second),
		},
		Git: GitConfig{
			CloneDir:      getEnv("GIT_CLONE_DIR", "/var/lib/dev-docs/repos"),
			SSHKeyPath:    getEnv("GIT_SSH_KEY_PATH", "/etc/dev-docs/ssh/id_rsa"),
			SSHPassword:   getEnv("GIT_SSH_PASSWORD", ""),
			DefaultBranch: getEnv("GIT_DEFAULT_BRANCH", "main"),
			AuthorName:    getEnv("GIT_AUTHOR_NAME", "dev-docs"),
			AuthorEmail:   getEnv("GIT_AUTHOR_EMAIL", "dev-docs@localhost"),
			Push:          getEnvAsBool("GIT_PUSH", false),
			Progress:      getEnvAsBool("GIT_PROGRESS", false),
		},
		Docs: DocsConfig{
			OutputSubdir: getEnv("DOCS_OUTPUT_SUBDIR", "docs"),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvAsBool("DB_ENABLED", false),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "devdocs"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "devdocs"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Pipeline.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("PIPELINE_MAX_CONCURRENT_JOBS must be positive: %d", c.Pipeline.MaxConcurrentJobs)
	}
	if c.Pipeline.MaxQueueSize <= 0 {
		return fmt.Errorf("PIPELINE_MAX_QUEUE_SIZE must be positive: %d", c.Pipeline.MaxQueueSize)
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("PIPELINE_MAX_RETRIES must not be negative: %d", c.Pipeline.MaxRetries)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("RETRY_MULTIPLIER must be >= 1: %v", c.Retry.Multiplier)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("RETRY_JITTER must be within [0, 1]: %v", c.Retry.Jitter)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// PipelineOptions は Controller 構築時のオプションを返す
func (c *Config) PipelineOptions() []pipeline.Option {
	return []pipeline.Option{
		pipeline.WithSchedulerConfig(pipeline.SchedulerConfig{
			MaxConcurrentJobs: c.Pipeline.MaxConcurrentJobs,
			MaxQueueSize:      c.Pipeline.MaxQueueSize,
			HistoryLimit:      c.Pipeline.HistoryLimit,
		}),
		pipeline.WithRetryConfig(pipeline.RetryConfig{
			InitialBackoff: c.Retry.InitialBackoff,
			MaxBackoff:     c.Retry.MaxBackoff,
			Multiplier:     c.Retry.Multiplier,
			JitterFraction: c.Retry.Jitter,
		}),
		pipeline.WithRollbackTimeout(c.Pipeline.RollbackTimeout),
		pipeline.WithShutdownGrace(c.Pipeline.ShutdownGrace),
	}
}

// JobConfig は CLI で上書きされなかった場合のジョブ設定を返す
func (c *Config) JobConfig() pipeline.JobConfig {
	return pipeline.JobConfig{
		Timeout:    c.Pipeline.JobTimeout,
		MaxRetries: uint(c.Pipeline.MaxRetries),
	}
}

// LoggerConfig はロガーの設定を返す（Level は Load で検証済み）
func (c *Config) LoggerConfig() logger.Config {
	level, _ := logger.ParseLevel(c.Log.Level)
	return logger.Config{
		Level:  level,
		Format: c.Log.Format,
	}
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します（"30s" 形式、または秒数）
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	if seconds, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
