package sentiment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/zhouzirui/sentiment-chat/backend/internal/model/chat"
)

const maxResponseBytes = 1 << 20

// HuggingFace calls a text-classification model over the Inference API wire format.
type HuggingFace struct {
	endpoint string
	model    string
	token    string
	client   *http.Client
}

// NewHuggingFace builds a client for endpoint/model. A nil client uses http.DefaultClient;
// timeouts come from the request context.
func NewHuggingFace(endpoint, model, token string, client *http.Client) *HuggingFace {
	if client == nil {
		client = http.DefaultClient
	}
	return &HuggingFace{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    strings.Trim(model, "/"),
		token:    token,
		client:   client,
	}
}

type hfRequest struct {
	Inputs string `json:"inputs"`
}

type hfLabel struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

type hfError struct {
	Error         json.RawMessage `json:"error"`
	EstimatedTime float64         `json:"estimated_time"`
}

// Classify implements Classifier.
func (h *HuggingFace) Classify(ctx context.Context, text string) (chat.Sentiment, error) {
	body, err := json.Marshal(hfRequest{Inputs: text})
	if err != nil {
		return chat.Sentiment{}, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/"+h.model, bytes.NewReader(body))
	if err != nil {
		return chat.Sentiment{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return chat.Sentiment{}, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return chat.Sentiment{}, fmt.Errorf("failed to read inference response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return chat.Sentiment{}, statusError(resp.StatusCode, data)
	}

	result, err := parseHuggingFaceResponse(data)
	if err != nil {
		return chat.Sentiment{}, err
	}
	result.Model = h.model
	return result, nil
}

const maxErrorRunes = 200

func statusError(code int, data []byte) *StatusError {
	se := &StatusError{StatusCode: code}

	var payload hfError
	if err := json.Unmarshal(data, &payload); err == nil {
		se.EstimatedTime = payload.EstimatedTime
		se.Message = errorText(payload.Error)
	}
	if se.Message == "" {
		se.Message = truncateRunes(strings.TrimSpace(string(data)), maxErrorRunes)
	}
	return se
}

// errorText accepts both "error": "msg" and "error": ["msg", ...].
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return strings.Join(many, "; ")
	}
	return string(raw)
}

// parseHuggingFaceResponse accepts [[{label,score}...]] and [{label,score}...]
// and returns the highest scoring label.
func parseHuggingFaceResponse(data []byte) (chat.Sentiment, error) {
	var candidates []hfLabel

	var nested [][]hfLabel
	if err := json.Unmarshal(data, &nested); err == nil {
		if len(nested) > 0 {
			candidates = nested[0]
		}
	} else {
		var flat []hfLabel
		if err := json.Unmarshal(data, &flat); err != nil {
			var payload hfError
			if json.Unmarshal(data, &payload) == nil && len(payload.Error) > 0 {
				return chat.Sentiment{}, fmt.Errorf("%w: %s", ErrMalformed, errorText(payload.Error))
			}
			return chat.Sentiment{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		candidates = flat
	}

	best := -1
	for i, c := range candidates {
		if strings.TrimSpace(c.Label) == "" {
			continue
		}
		if best < 0 || c.Score > candidates[best].Score {
			best = i
		}
	}
	if best < 0 {
		return chat.Sentiment{}, fmt.Errorf("%w: no labels in response", ErrMalformed)
	}

	return chat.Sentiment{
		Label: normalizeLabel(candidates[best].Label),
		Score: clampScore(candidates[best].Score),
	}, nil
}
