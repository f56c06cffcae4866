package sentiment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/sentiment-chat/backend/internal/config"
	"github.com/zhouzirui/sentiment-chat/backend/internal/model/chat"
)

type scriptedClassifier struct {
	calls   atomic.Int32
	results []error
	delay   time.Duration
	lastLen int
	mu      sync.Mutex
}

func (s *scriptedClassifier) Classify(ctx context.Context, text string) (chat.Sentiment, error) {
	n := int(s.calls.Add(1)) - 1
	s.mu.Lock()
	s.lastLen = len([]rune(text))
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return chat.Sentiment{}, ctx.Err()
		}
	}
	if n < len(s.results) && s.results[n] != nil {
		return chat.Sentiment{}, s.results[n]
	}
	return chat.Sentiment{Label: "POSITIVE", Score: 1.2}, nil
}

func testConfig() config.SentimentConfig {
	return config.SentimentConfig{
		Backend:         "test",
		Model:           "test-model",
		Timeout:         time.Second,
		MaxInputChars:   10,
		RetryAttempts:   3,
		RetryBackoff:    time.Millisecond,
		LoadingBackoff:  2 * time.Millisecond,
		BreakerFailures: 2,
		BreakerOpen:     time.Minute,
	}
}

func TestAnalyzeSuccess(t *testing.T) {
	backend := &scriptedClassifier{}
	svc := NewService(backend, testConfig())

	got, err := svc.Analyze(context.Background(), "  great day  ")
	require.NoError(t, err)
	assert.Equal(t, "POSITIVE", got.Label)
	assert.Equal(t, 1.0, got.Score, "score is clamped")
	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, chat.SourceModel, got.Source)
}

func TestAnalyzeEmptyText(t *testing.T) {
	backend := &scriptedClassifier{}
	svc := NewService(backend, testConfig())

	_, err := svc.Analyze(context.Background(), " \t ")
	assert.ErrorIs(t, err, ErrEmptyText)
	assert.Zero(t, backend.calls.Load())
}

func TestAnalyzeTruncatesInput(t *testing.T) {
	backend := &scriptedClassifier{}
	svc := NewService(backend, testConfig())

	_, err := svc.Analyze(context.Background(), "héllo wörld and more")
	require.NoError(t, err)
	assert.Equal(t, 10, backend.lastLen)
}

func TestAnalyzeRetriesTransientErrors(t *testing.T) {
	backend := &scriptedClassifier{results: []error{
		&StatusError{StatusCode: 502},
		&StatusError{StatusCode: 503, EstimatedTime: 1},
	}}
	svc := NewService(backend, testConfig())

	got, err := svc.Analyze(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "POSITIVE", got.Label)
	assert.Equal(t, int32(3), backend.calls.Load())
}

func TestAnalyzeStopsOnPermanentError(t *testing.T) {
	backend := &scriptedClassifier{results: []error{&StatusError{StatusCode: 401}}}
	svc := NewService(backend, testConfig())

	_, err := svc.Analyze(context.Background(), "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestAnalyzeFallback(t *testing.T) {
	cfg := testConfig()
	cfg.Fallback = true
	cfg.RetryAttempts = 1
	backend := &scriptedClassifier{results: []error{errors.New("connection refused")}}
	svc := NewService(backend, cfg)

	got, err := svc.Analyze(context.Background(), "I hate this")
	require.NoError(t, err)
	assert.Equal(t, "NEGATIVE", got.Label)
	assert.Equal(t, chat.SourceFallback, got.Source)
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	cfg := testConfig()
	cfg.RetryAttempts = 1
	failures := make([]error, 10)
	for i := range failures {
		failures[i] = &StatusError{StatusCode: 500}
	}
	backend := &scriptedClassifier{results: failures}
	svc := NewService(backend, cfg)

	for i := 0; i < 2; i++ {
		_, err := svc.Analyze(context.Background(), "hello")
		require.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, gobreaker.StateOpen.String(), svc.BreakerState())

	_, err := svc.Analyze(context.Background(), "hello")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), backend.calls.Load(), "open breaker short-circuits the backend")
}

func TestBreakerIgnoresPermanentFailures(t *testing.T) {
	cfg := testConfig()
	failures := make([]error, 5)
	for i := range failures {
		failures[i] = &StatusError{StatusCode: 400}
	}
	backend := &scriptedClassifier{results: failures}
	svc := NewService(backend, cfg)

	for i := 0; i < 5; i++ {
		_, err := svc.Analyze(context.Background(), "hello")
		require.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, gobreaker.StateClosed.String(), svc.BreakerState())
	assert.Equal(t, int32(5), backend.calls.Load())
}

func TestAnalyzeAttemptTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 10 * time.Millisecond
	cfg.RetryAttempts = 2
	backend := &scriptedClassifier{delay: time.Second}
	svc := NewService(backend, cfg)

	start := time.Now()
	_, err := svc.Analyze(context.Background(), "slow")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, int32(2), backend.calls.Load())
}

func TestAnalyzeCoalescesIdenticalTexts(t *testing.T) {
	backend := &scriptedClassifier{delay: 50 * time.Millisecond}
	svc := NewService(backend, testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Analyze(context.Background(), "same text")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Less(t, backend.calls.Load(), int32(5))
}

func TestAnalyzeCoalescedCallSurvivesFirstCallerCancel(t *testing.T) {
	backend := &scriptedClassifier{delay: 100 * time.Millisecond}
	svc := NewService(backend, testConfig())

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := svc.Analyze(ctxA, "hello")
		errA <- err
	}()
	require.Eventually(t, func() bool { return backend.calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		got chat.Sentiment
		err error
	}
	resB := make(chan result, 1)
	go func() {
		got, err := svc.Analyze(context.Background(), "hello")
		resB <- result{got, err}
	}()

	time.Sleep(10 * time.Millisecond)
	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	b := <-resB
	require.NoError(t, b.err)
	assert.Equal(t, "POSITIVE", b.got.Label)
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestLexiconBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Backend = config.BackendLexicon
	cfg.Model = "lexicon"
	svc := NewService(Lexicon{}, cfg)

	got, err := svc.Analyze(context.Background(), "awesome")
	require.NoError(t, err)
	assert.Equal(t, "POSITIVE", got.Label)
	assert.Equal(t, chat.SourceModel, got.Source)
	assert.Equal(t, "lexicon", svc.Model())
	assert.Equal(t, config.BackendLexicon, svc.Backend())
}

func TestNormalizeLabel(t *testing.T) {
	assert.Equal(t, "NEGATIVE", normalizeLabel("LABEL_0"))
	assert.Equal(t, "POSITIVE", normalizeLabel(" label_1 "))
	assert.Equal(t, "NEUTRAL", normalizeLabel("neutral"))
	assert.Equal(t, "POSITIVE", normalizeLabel("Positive"))
}
