package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/sentiment-chat/backend/internal/model/chat"
	"github.com/zhouzirui/sentiment-chat/backend/internal/service/sentiment"
)

type stubRoster []chat.Participant

func (s stubRoster) Participants() []chat.Participant { return s }

type stubAnalyzer struct {
	err error
}

func (s stubAnalyzer) Analyze(_ context.Context, text string) (chat.Sentiment, error) {
	if s.err != nil {
		return chat.Sentiment{}, s.err
	}
	if strings.TrimSpace(text) == "" {
		return chat.Sentiment{}, sentiment.ErrEmptyText
	}
	return chat.Sentiment{Label: "POSITIVE", Score: 0.93, Model: "stub", Source: chat.SourceModel}, nil
}

func setupRouter(roster Roster, analyzer Analyzer) *chi.Mux {
	r := chi.NewRouter()
	New(roster, analyzer).RegisterRoutes(r)
	return r
}

func TestParticipants(t *testing.T) {
	roster := stubRoster{{ID: uuid.New(), Name: "alice", Addr: "127.0.0.1:5000", Transport: chat.TransportTCP, JoinedAt: time.Now()}}
	r := setupRouter(roster, stubAnalyzer{})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/participants", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	var got []chat.Participant
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].Name)
}

func TestParticipantsEmptyIsArray(t *testing.T) {
	r := setupRouter(stubRoster(nil), stubAnalyzer{})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/participants", nil))

	assert.Equal(t, "[]\n", resp.Body.String())
}

func TestSentimentEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		analyzer Analyzer
		body     string
		status   int
	}{
		{name: "ok", analyzer: stubAnalyzer{}, body: `{"text":"what a day"}`, status: http.StatusOK},
		{name: "empty", analyzer: stubAnalyzer{}, body: `{"text":"   "}`, status: http.StatusBadRequest},
		{name: "invalid body", analyzer: stubAnalyzer{}, body: `{"text":`, status: http.StatusBadRequest},
		{name: "unavailable", analyzer: stubAnalyzer{err: fmt.Errorf("%w: breaker open", sentiment.ErrUnavailable)}, body: `{"text":"hi"}`, status: http.StatusServiceUnavailable},
		{name: "unexpected", analyzer: stubAnalyzer{err: errors.New("boom")}, body: `{"text":"hi"}`, status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := setupRouter(stubRoster(nil), tt.analyzer)
			req := httptest.NewRequest(http.MethodPost, "/sentiment", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			resp := httptest.NewRecorder()

			r.ServeHTTP(resp, req)
			assert.Equal(t, tt.status, resp.Code)
		})
	}
}

func TestSentimentEndpointBody(t *testing.T) {
	r := setupRouter(stubRoster(nil), stubAnalyzer{})
	req := httptest.NewRequest(http.MethodPost, "/sentiment", strings.NewReader(`{"text":"love it"}`))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.JSONEq(t, `{"label":"POSITIVE","score":0.93,"model":"stub","source":"model"}`, resp.Body.String())
}
