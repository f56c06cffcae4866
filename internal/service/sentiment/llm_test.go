package sentiment

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInvoker struct {
	content string
	err     error
	input   map[string]any
}

func (f *fakeInvoker) Invoke(_ context.Context, input map[string]any, _ ...compose.Option) (*schema.Message, error) {
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.content, nil), nil
}

func TestLLMClassify(t *testing.T) {
	inv := &fakeInvoker{content: "Sure! ```json\n{\"label\": \"negative\", \"score\": 0.87}\n```"}
	l := &LLM{chain: inv, model: "doubao-lite"}

	got, err := l.Classify(context.Background(), "this is awful")
	require.NoError(t, err)
	assert.Equal(t, "NEGATIVE", got.Label)
	assert.InDelta(t, 0.87, got.Score, 1e-9)
	assert.Equal(t, "doubao-lite", got.Model)
	assert.Equal(t, "this is awful", inv.input["text"])
}

func TestLLMClassifyRejectsUnknownLabel(t *testing.T) {
	l := &LLM{chain: &fakeInvoker{content: `{"label":"ECSTATIC","score":0.9}`}}

	_, err := l.Classify(context.Background(), "wow")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestLLMClassifyMissingScore(t *testing.T) {
	l := &LLM{chain: &fakeInvoker{content: `{"label":"POSITIVE"}`}}

	got, err := l.Classify(context.Background(), "nice")
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Score)
}

func TestLLMClassifyInvokeError(t *testing.T) {
	l := &LLM{chain: &fakeInvoker{err: errors.New("ark unavailable")}}

	_, err := l.Classify(context.Background(), "hello")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMalformed)
}

func TestParseClassifierOutput(t *testing.T) {
	payload, err := parseClassifierOutput(`prefix {"label":"POSITIVE","score":0.6} suffix`)
	require.NoError(t, err)
	assert.Equal(t, "POSITIVE", payload.Label)

	_, err = parseClassifierOutput("no json here")
	assert.Error(t, err)

	_, err = parseClassifierOutput("} backwards {")
	assert.Error(t, err)
}
