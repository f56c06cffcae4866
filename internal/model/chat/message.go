package chat

import (
	"time"

	"github.com/google/uuid"
)

// Sentiment sources.
const (
	SourceModel    = "model"
	SourceFallback = "fallback"
)

// Sentiment is the label and confidence the classifier attached to a text.
type Sentiment struct {
	Label  string  `json:"label"`
	Score  float64 `json:"score"`
	Model  string  `json:"model,omitempty"`
	Source string  `json:"source,omitempty"`
}

// Message is one classified chat line. Sentiment is nil iff AnalysisFailed.
type Message struct {
	ID             uuid.UUID  `json:"id"`
	SenderID       uuid.UUID  `json:"senderId"`
	Sender         string     `json:"sender"`
	Content        string     `json:"content"`
	Sentiment      *Sentiment `json:"sentiment,omitempty"`
	AnalysisFailed bool       `json:"analysisFailed,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}
