package sentiment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/sentiment-chat/backend/internal/platform/retry"
)

const testModel = "distilbert-base-uncased-finetuned-sst-2-english"

func TestHuggingFaceClassifyNested(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/models/"+testModel, r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body hfRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "I love Go", body.Inputs)

		_, _ = w.Write([]byte(`[[{"label":"NEGATIVE","score":0.0012},{"label":"POSITIVE","score":0.9988}]]`))
	}))
	defer srv.Close()

	hf := NewHuggingFace(srv.URL+"/models/", testModel, "secret", srv.Client())
	got, err := hf.Classify(context.Background(), "I love Go")
	require.NoError(t, err)
	assert.Equal(t, "POSITIVE", got.Label)
	assert.InDelta(t, 0.9988, got.Score, 1e-9)
	assert.Equal(t, testModel, got.Model)
}

func TestHuggingFaceNoTokenHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[{"label":"LABEL_0","score":0.8},{"label":"LABEL_1","score":0.2}]`))
	}))
	defer srv.Close()

	got, err := NewHuggingFace(srv.URL, testModel, "", srv.Client()).Classify(context.Background(), "meh")
	require.NoError(t, err)
	assert.Equal(t, "NEGATIVE", got.Label)
	assert.InDelta(t, 0.8, got.Score, 1e-9)
}

func TestParseHuggingFaceResponse(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		label   string
		wantErr bool
	}{
		{name: "nested", body: `[[{"label":"POSITIVE","score":0.7},{"label":"NEGATIVE","score":0.3}]]`, label: "POSITIVE"},
		{name: "flat", body: `[{"label":"negative","score":0.6},{"label":"positive","score":0.4}]`, label: "NEGATIVE"},
		{name: "label index", body: `[[{"label":"LABEL_1","score":0.9}]]`, label: "POSITIVE"},
		{name: "empty nested", body: `[]`, wantErr: true},
		{name: "empty inner", body: `[[]]`, wantErr: true},
		{name: "error object", body: `{"error":"Model is loading"}`, wantErr: true},
		{name: "garbage", body: `not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseHuggingFaceResponse([]byte(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.label, got.Label)
		})
	}
}

func TestHuggingFaceStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   retry.Action
	}{
		{name: "model loading", status: http.StatusServiceUnavailable, body: `{"error":"Model is currently loading","estimated_time":20.5}`, want: retry.After},
		{name: "throttled", status: http.StatusTooManyRequests, body: `{"error":"Rate limit reached"}`, want: retry.After},
		{name: "bad gateway", status: http.StatusBadGateway, body: `upstream`, want: retry.Retry},
		{name: "plain 503", status: http.StatusServiceUnavailable, body: ``, want: retry.Retry},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"error":"Invalid token"}`, want: retry.Stop},
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":["Input too long"]}`, want: retry.Stop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHuggingFace(srv.URL, testModel, "", srv.Client()).Classify(context.Background(), "hi")
			require.Error(t, err)

			var status *StatusError
			require.True(t, errors.As(err, &status))
			assert.Equal(t, tt.status, status.StatusCode)
			assert.Equal(t, tt.want, classifyError(err))
		})
	}
}

func TestClassifyErrorDefaults(t *testing.T) {
	assert.Equal(t, retry.Stop, classifyError(ErrMalformed))
	assert.Equal(t, retry.Retry, classifyError(context.DeadlineExceeded))
	assert.Equal(t, retry.Retry, classifyError(errors.New("connection refused")))
}

func TestStatusErrorTruncatesOnRuneBoundary(t *testing.T) {
	body := []byte(strings.Repeat("服务", 150))

	se := statusError(http.StatusBadGateway, body)

	assert.True(t, utf8.ValidString(se.Message))
	assert.Equal(t, maxErrorRunes, utf8.RuneCountInString(se.Message))
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
}
