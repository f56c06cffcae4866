package sentiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	analysis "github.com/zhouzirui/sentiment-chat/backend/internal/analysis/sentiment"
	"github.com/zhouzirui/sentiment-chat/backend/internal/config"
	"github.com/zhouzirui/sentiment-chat/backend/internal/metrics"
	"github.com/zhouzirui/sentiment-chat/backend/internal/model/chat"
	"github.com/zhouzirui/sentiment-chat/backend/internal/platform/logging"
	"github.com/zhouzirui/sentiment-chat/backend/internal/platform/retry"
)

var (
	// ErrEmptyText is returned for blank input.
	ErrEmptyText = errors.New("sentiment: empty text")
	// ErrUnavailable wraps every backend failure that was not covered by the fallback.
	ErrUnavailable = errors.New("sentiment: classifier unavailable")
	// ErrMalformed marks a backend answer that cannot be interpreted. It is never retried.
	ErrMalformed = errors.New("sentiment: malformed backend response")
)

// Classifier is a sentiment backend.
type Classifier interface {
	Classify(ctx context.Context, text string) (chat.Sentiment, error)
}

// StatusError is a non-2xx answer from an HTTP backend.
type StatusError struct {
	StatusCode    int
	Message       string
	EstimatedTime float64
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
}

// Service guards a Classifier with timeouts, retries, a circuit breaker and
// request coalescing, and degrades to the lexicon when configured to.
type Service struct {
	backend Classifier
	cfg     config.SentimentConfig
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
	logger  *slog.Logger
}

// NewService wraps backend. cfg.Backend names the backend in logs and metrics.
func NewService(backend Classifier, cfg config.SentimentConfig) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.BreakerFailures < 1 {
		cfg.BreakerFailures = 5
	}

	s := &Service{
		backend: backend,
		cfg:     cfg,
		logger:  logging.Component("sentiment").With("backend", cfg.Backend),
	}

	threshold := uint32(cfg.BreakerFailures)
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sentiment",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Only backend health counts: bad input and caller cancellation do not.
			return err == nil || retry.IsPermanent(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
			metrics.CircuitBreakerStateChanges.WithLabelValues(name, to.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})
	metrics.CircuitBreakerState.WithLabelValues("sentiment").Set(0)

	return s
}

// Backend names the configured backend.
func (s *Service) Backend() string { return s.cfg.Backend }

// Model names the configured model.
func (s *Service) Model() string { return s.cfg.Model }

// BreakerState reports "closed", "half-open" or "open".
func (s *Service) BreakerState() string { return s.breaker.State().String() }

// Analyze classifies text. Identical concurrent texts share one backend call.
func (s *Service) Analyze(ctx context.Context, text string) (chat.Sentiment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return chat.Sentiment{}, ErrEmptyText
	}
	text = truncateRunes(text, s.cfg.MaxInputChars)

	start := time.Now()
	// The shared call outlives any single caller; each attempt is still bounded by cfg.Timeout.
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(text, func() (interface{}, error) {
		return s.classify(shared, text)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return chat.Sentiment{}, ctx.Err()
	}
	v, err := res.Val, res.Err
	metrics.SentimentDuration.WithLabelValues(s.cfg.Backend).Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.SentimentRequestsTotal.WithLabelValues(s.cfg.Backend, "success").Inc()
		return v.(chat.Sentiment), nil
	}

	outcome := "failure"
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		outcome = "open"
	}
	s.logger.Warn("classification failed", "error", err, "outcome", outcome, "fallback", s.cfg.Fallback)

	if s.cfg.Fallback {
		metrics.SentimentRequestsTotal.WithLabelValues(s.cfg.Backend, "fallback").Inc()
		result := analysis.Analyze(text)
		result.Source = chat.SourceFallback
		return result, nil
	}

	metrics.SentimentRequestsTotal.WithLabelValues(s.cfg.Backend, outcome).Inc()
	return chat.Sentiment{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func (s *Service) classify(ctx context.Context, text string) (chat.Sentiment, error) {
	policy := retry.Policy{
		MaxAttempts:      s.cfg.RetryAttempts,
		InitialBackoff:   s.cfg.RetryBackoff,
		ThrottledBackoff: s.cfg.LoadingBackoff,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			metrics.SentimentRetries.WithLabelValues(s.cfg.Backend).Inc()
			s.logger.Debug("retrying classification", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}

	v, err := s.breaker.Execute(func() (interface{}, error) {
		return retry.Do(ctx, policy, classifyError, func(ctx context.Context) (chat.Sentiment, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
			defer cancel()
			return s.backend.Classify(attemptCtx, text)
		})
	})
	if err != nil {
		return chat.Sentiment{}, err
	}

	result := v.(chat.Sentiment)
	result.Score = clampScore(result.Score)
	if result.Model == "" {
		result.Model = s.cfg.Model
	}
	if result.Source == "" {
		result.Source = chat.SourceModel
	}
	return result, nil
}

// classifyError maps a backend error onto a retry decision.
func classifyError(err error) retry.Action {
	if errors.Is(err, ErrMalformed) {
		return retry.Stop
	}

	var status *StatusError
	if errors.As(err, &status) {
		switch {
		case status.StatusCode == 429:
			return retry.After
		case status.StatusCode == 503 && status.EstimatedTime > 0:
			return retry.After
		case status.StatusCode >= 500:
			return retry.Retry
		default:
			return retry.Stop
		}
	}

	// Network errors and attempt timeouts.
	return retry.Retry
}

// normalizeLabel upper-cases a model label and maps LABEL_n style names.
func normalizeLabel(raw string) string {
	label := strings.ToUpper(strings.TrimSpace(raw))
	switch label {
	case "LABEL_0", "NEG":
		return analysis.Negative
	case "LABEL_1", "POS":
		return analysis.Positive
	case "LABEL_2", "NEU":
		return "NEUTRAL"
	}
	return label
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func truncateRunes(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	count := 0
	for i := range text {
		if count == limit {
			return text[:i]
		}
		count++
	}
	return text
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// LexiconModel names the keyword backend's model.
const LexiconModel = analysis.ModelName

// Lexicon is the offline keyword backend.
type Lexicon struct{}

func (Lexicon) Classify(_ context.Context, text string) (chat.Sentiment, error) {
	return analysis.Analyze(text), nil
}
