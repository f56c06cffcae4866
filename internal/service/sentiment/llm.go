package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/sentiment-chat/backend/internal/model/chat"
)

// invoker is the part of a compiled eino chain the LLM backend uses.
type invoker interface {
	Invoke(ctx context.Context, input map[string]any, opts ...compose.Option) (*schema.Message, error)
}

// LLM asks a chat model to label the text.
type LLM struct {
	chain invoker
	model string
}

// NewLLM compiles the classification chain on top of chatModel.
func NewLLM(ctx context.Context, chatModel model.ChatModel, modelName string) (*LLM, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(sentimentSystemPrompt),
		schema.UserMessage(sentimentUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile sentiment classifier chain: %w", err)
	}

	return &LLM{chain: runnable, model: modelName}, nil
}

// Classify implements Classifier.
func (l *LLM) Classify(ctx context.Context, text string) (chat.Sentiment, error) {
	msg, err := l.chain.Invoke(ctx, map[string]any{"text": text})
	if err != nil {
		return chat.Sentiment{}, fmt.Errorf("failed to run sentiment chain: %w", err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return chat.Sentiment{}, fmt.Errorf("%w: empty model answer", ErrMalformed)
	}

	payload, err := parseClassifierOutput(msg.Content)
	if err != nil {
		return chat.Sentiment{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	label := normalizeLabel(payload.Label)
	switch label {
	case "POSITIVE", "NEGATIVE", "NEUTRAL":
	default:
		return chat.Sentiment{}, fmt.Errorf("%w: unknown label %q", ErrMalformed, payload.Label)
	}

	score := payload.Score
	if score <= 0 {
		score = 0.5
	}

	return chat.Sentiment{
		Label: label,
		Score: clampScore(score),
		Model: l.model,
	}, nil
}

type classifierPayload struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// parseClassifierOutput extracts the JSON object from a model answer that may
// carry prose or code fences around it.
func parseClassifierOutput(content string) (*classifierPayload, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}

	payload := &classifierPayload{}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), payload); err != nil {
		return nil, err
	}
	return payload, nil
}

const sentimentSystemPrompt = "You are a sentiment classifier for chat messages. Decide whether the message is POSITIVE or NEGATIVE overall.\nReply with exactly one JSON object and nothing else: {{\"label\": \"POSITIVE\" or \"NEGATIVE\", \"score\": confidence between 0 and 1}}."

const sentimentUserPrompt = "Message:\n{text}"
