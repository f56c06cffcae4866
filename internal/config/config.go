package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Sentiment backends understood by the sentiment service.
const (
	BackendHuggingFace = "huggingface"
	BackendLLM         = "llm"
	BackendLexicon     = "lexicon"
)

// Config aggregates every setting of the chat server.
type Config struct {
	Server    ServerConfig
	Chat      ChatConfig
	Sentiment SentimentConfig
	AI        AIConfig
	Log       LogConfig
}

// ServerConfig describes the listeners.
type ServerConfig struct {
	TCPAddr         string
	HTTPAddr        string
	ShutdownTimeout time.Duration
}

// ChatConfig bounds what a single peer may consume.
type ChatConfig struct {
	MaxLineBytes  int
	SendBuffer    int
	RatePerSecond float64
	RateBurst     int
	MaxClients    int
	MaxPerIP      int
	AcceptRate    float64
	IdleTimeout   time.Duration
	WriteTimeout  time.Duration
	AckSender     bool
}

// SentimentConfig selects and tunes the inference backend.
type SentimentConfig struct {
	Backend         string
	Endpoint        string
	Model           string
	APIToken        string
	Timeout         time.Duration
	MaxInputChars   int
	RetryAttempts   int
	RetryBackoff    time.Duration
	LoadingBackoff  time.Duration
	BreakerFailures int
	BreakerOpen     time.Duration
	Fallback        bool
}

// AIConfig describes the Ark chat model used by the llm backend.
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	MaxTokens   *int
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string
	Format string
}

type envSpec struct {
	TCPAddr         string        `env:"TCP_ADDR" default:"127.0.0.1:8888"`
	HTTPAddr        string        `env:"HTTP_ADDR"`
	Port            string        `env:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`

	MaxLineBytes  int           `env:"CHAT_MAX_LINE_BYTES" default:"4096"`
	SendBuffer    int           `env:"CHAT_SEND_BUFFER" default:"64"`
	RatePerSecond float64       `env:"CHAT_RATE_PER_SECOND" default:"5"`
	RateBurst     int           `env:"CHAT_RATE_BURST" default:"10"`
	MaxClients    int           `env:"CHAT_MAX_CLIENTS" default:"1000"`
	MaxPerIP      int           `env:"CHAT_MAX_PER_IP" default:"20"`
	AcceptRate    float64       `env:"CHAT_ACCEPT_RATE" default:"20"`
	IdleTimeout   time.Duration `env:"CHAT_IDLE_TIMEOUT" default:"10m"`
	WriteTimeout  time.Duration `env:"CHAT_WRITE_TIMEOUT" default:"10s"`
	AckSender     bool          `env:"CHAT_ACK_SENDER" default:"true"`

	SentimentBackend         string        `env:"SENTIMENT_BACKEND" default:"huggingface"`
	SentimentEndpoint        string        `env:"SENTIMENT_ENDPOINT" default:"https://api-inference.huggingface.co/models"`
	SentimentModel           string        `env:"SENTIMENT_MODEL" default:"distilbert-base-uncased-finetuned-sst-2-english"`
	SentimentAPIToken        string        `env:"SENTIMENT_API_TOKEN"`
	SentimentTimeout         time.Duration `env:"SENTIMENT_TIMEOUT" default:"10s"`
	SentimentMaxInputChars   int           `env:"SENTIMENT_MAX_INPUT_CHARS" default:"2000"`
	SentimentRetryAttempts   int           `env:"SENTIMENT_RETRY_ATTEMPTS" default:"3"`
	SentimentRetryBackoff    time.Duration `env:"SENTIMENT_RETRY_BACKOFF" default:"250ms"`
	SentimentLoadingBackoff  time.Duration `env:"SENTIMENT_LOADING_BACKOFF" default:"2s"`
	SentimentBreakerFailures int           `env:"SENTIMENT_BREAKER_FAILURES" default:"5"`
	SentimentBreakerOpen     time.Duration `env:"SENTIMENT_BREAKER_OPEN" default:"30s"`
	SentimentFallback        bool          `env:"SENTIMENT_FALLBACK" default:"false"`

	ArkAPIKey    string `env:"ARK_API_KEY"`
	ArkAccessKey string `env:"ARK_ACCESS_KEY"`
	ArkSecretKey string `env:"ARK_SECRET_KEY"`
	ArkModel     string `env:"ARK_MODEL"`
	ArkBaseURL   string `env:"ARK_BASE_URL" default:"https://ark.cn-beijing.volces.com/api/v3"`
	ArkRegion    string `env:"ARK_REGION" default:"cn-beijing"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	var spec envSpec
	if err := env.Load(&spec, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	httpAddr := spec.HTTPAddr
	if strings.TrimSpace(httpAddr) == "" {
		httpAddr = spec.Port
	}
	addr, err := normalizeAddr("HTTP_ADDR", httpAddr)
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig(spec)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			TCPAddr:         strings.TrimSpace(spec.TCPAddr),
			HTTPAddr:        addr,
			ShutdownTimeout: spec.ShutdownTimeout,
		},
		Chat: ChatConfig{
			MaxLineBytes:  spec.MaxLineBytes,
			SendBuffer:    spec.SendBuffer,
			RatePerSecond: spec.RatePerSecond,
			RateBurst:     spec.RateBurst,
			MaxClients:    spec.MaxClients,
			MaxPerIP:      spec.MaxPerIP,
			AcceptRate:    spec.AcceptRate,
			IdleTimeout:   spec.IdleTimeout,
			WriteTimeout:  spec.WriteTimeout,
			AckSender:     spec.AckSender,
		},
		Sentiment: SentimentConfig{
			Backend:         strings.ToLower(strings.TrimSpace(spec.SentimentBackend)),
			Endpoint:        strings.TrimRight(strings.TrimSpace(spec.SentimentEndpoint), "/"),
			Model:           strings.TrimSpace(spec.SentimentModel),
			APIToken:        strings.TrimSpace(spec.SentimentAPIToken),
			Timeout:         spec.SentimentTimeout,
			MaxInputChars:   spec.SentimentMaxInputChars,
			RetryAttempts:   spec.SentimentRetryAttempts,
			RetryBackoff:    spec.SentimentRetryBackoff,
			LoadingBackoff:  spec.SentimentLoadingBackoff,
			BreakerFailures: spec.SentimentBreakerFailures,
			BreakerOpen:     spec.SentimentBreakerOpen,
			Fallback:        spec.SentimentFallback,
		},
		AI: ai,
		Log: LogConfig{
			Level:  spec.LogLevel,
			Format: spec.LogFormat,
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalizeAddr accepts "8080", ":8080" or "127.0.0.1:8080".
func normalizeAddr(key, raw string) (string, error) {
	port := strings.TrimSpace(raw)
	if port == "" {
		port = "8080"
	}
	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid %s value: %q", key, raw)
	}
	if strings.Contains(port, ":") {
		return port, nil
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return ":" + port, nil
}

func (c *Config) validate() error {
	if c.Server.TCPAddr == "" {
		return errors.New("TCP_ADDR must not be empty")
	}

	positive := []struct {
		key   string
		value int
	}{
		{"CHAT_MAX_LINE_BYTES", c.Chat.MaxLineBytes},
		{"CHAT_SEND_BUFFER", c.Chat.SendBuffer},
		{"CHAT_RATE_BURST", c.Chat.RateBurst},
		{"CHAT_MAX_CLIENTS", c.Chat.MaxClients},
		{"CHAT_MAX_PER_IP", c.Chat.MaxPerIP},
		{"SENTIMENT_MAX_INPUT_CHARS", c.Sentiment.MaxInputChars},
		{"SENTIMENT_RETRY_ATTEMPTS", c.Sentiment.RetryAttempts},
		{"SENTIMENT_BREAKER_FAILURES", c.Sentiment.BreakerFailures},
	}
	for _, p := range positive {
		if p.value < 1 {
			return fmt.Errorf("invalid %s value %d: must be at least 1", p.key, p.value)
		}
	}

	if c.Chat.RatePerSecond <= 0 {
		return fmt.Errorf("invalid CHAT_RATE_PER_SECOND value %v: must be positive", c.Chat.RatePerSecond)
	}
	if c.Chat.AcceptRate <= 0 {
		return fmt.Errorf("invalid CHAT_ACCEPT_RATE value %v: must be positive", c.Chat.AcceptRate)
	}
	if c.Sentiment.Timeout <= 0 {
		return fmt.Errorf("invalid SENTIMENT_TIMEOUT value %s: must be positive", c.Sentiment.Timeout)
	}

	switch c.Sentiment.Backend {
	case BackendHuggingFace:
		if c.Sentiment.Endpoint == "" || c.Sentiment.Model == "" {
			return errors.New("SENTIMENT_ENDPOINT and SENTIMENT_MODEL are required for the huggingface backend")
		}
	case BackendLLM:
		if !c.AI.Enabled() {
			return errors.New("the llm sentiment backend requires ARK_MODEL plus ARK_API_KEY or ARK_ACCESS_KEY/ARK_SECRET_KEY")
		}
	case BackendLexicon:
	default:
		return fmt.Errorf("invalid SENTIMENT_BACKEND value %q: want huggingface, llm or lexicon", c.Sentiment.Backend)
	}

	return nil
}

// Enabled reports whether the Ark credentials and model are present.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel creates the Ark chat model described by the config.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, errors.New("ark credentials or model missing: set ARK_MODEL plus ARK_API_KEY or ARK_ACCESS_KEY/ARK_SECRET_KEY")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig(spec envSpec) (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(spec.ArkAPIKey),
		AccessKey:   strings.TrimSpace(spec.ArkAccessKey),
		SecretKey:   strings.TrimSpace(spec.ArkSecretKey),
		Model:       strings.TrimSpace(spec.ArkModel),
		BaseURL:     strings.TrimSpace(spec.ArkBaseURL),
		Region:      strings.TrimSpace(spec.ArkRegion),
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
