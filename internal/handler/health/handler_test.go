package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedCount int

func (c fixedCount) Count() int { return int(c) }

type fixedStatus struct{}

func (fixedStatus) Backend() string      { return "huggingface" }
func (fixedStatus) Model() string        { return "distilbert-base-uncased-finetuned-sst-2-english" }
func (fixedStatus) BreakerState() string { return "closed" }

func TestHealth(t *testing.T) {
	r := chi.NewRouter()
	New(fixedCount(3), fixedStatus{}).RegisterRoutes(r)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, resp.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 3.0, body["clients"])

	sentiment := body["sentiment"].(map[string]any)
	assert.Equal(t, "huggingface", sentiment["backend"])
	assert.Equal(t, "closed", sentiment["breaker"])

	version := body["version"].(map[string]any)
	assert.Equal(t, "dev", version["version"])
}
