package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/sentiment-chat/backend/internal/config"
	chatService "github.com/zhouzirui/sentiment-chat/backend/internal/service/chat"
	sentimentService "github.com/zhouzirui/sentiment-chat/backend/internal/service/sentiment"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	clock := clockwork.NewRealClock()
	hub := chatService.NewHub(chatService.HubOptions{MaxClients: 4, Clock: clock})
	t.Cleanup(hub.Stop)

	sentimentSvc := sentimentService.NewService(sentimentService.Lexicon{}, config.SentimentConfig{
		Backend:         config.BackendLexicon,
		Model:           "lexicon",
		RetryAttempts:   1,
		BreakerFailures: 5,
	})
	chatSvc := chatService.NewService(hub, sentimentSvc, chatService.Options{Clock: clock})
	return NewRouter(chatSvc, sentimentSvc, config.ChatConfig{SendBuffer: 8, RatePerSecond: 5, RateBurst: 5}, clock)
}

func TestRouterRoutes(t *testing.T) {
	router := newTestRouter(t)

	cases := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/api/participants", http.StatusOK},
		{http.MethodGet, "/ws", http.StatusBadRequest},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestRouterPreflight(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/sentiment", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouterMetricsExposition(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
