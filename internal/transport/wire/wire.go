// Package wire holds the line formats spoken to chat clients: the plain text
// form of the original terminal client and the JSON frames of the GUI client.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zhouzirui/sentiment-chat/backend/internal/model/chat"
)

// Mode is the codec negotiated for a connection.
type Mode int32

const (
	ModeUndecided Mode = iota
	ModeText
	ModeJSON
)

// Detect picks the codec from the first non-blank line.
func Detect(line string) Mode {
	if strings.HasPrefix(strings.TrimSpace(line), "{") {
		return ModeJSON
	}
	return ModeText
}

// Encode renders event in mode. Undecided connections get text.
func Encode(mode Mode, event chat.Event) ([]byte, error) {
	if mode == ModeJSON {
		return EncodeJSON(event)
	}
	return []byte(FormatText(event) + "\n"), nil
}

// FormatText renders event as one line without the trailing newline.
func FormatText(event chat.Event) string {
	switch event.Kind {
	case chat.KindChatMessage:
		if event.Message == nil {
			return ""
		}
		msg := event.Message
		if msg.AnalysisFailed || msg.Sentiment == nil {
			return fmt.Sprintf("[%s]: %s (Analysis failed)", msg.Sender, msg.Content)
		}
		return fmt.Sprintf("[%s]: %s (SENTIMENT: %s, Score: %.2f)", msg.Sender, msg.Content, msg.Sentiment.Label, msg.Sentiment.Score)
	case chat.KindNotification:
		return "--- " + event.Text + " ---"
	case chat.KindResponse:
		return "[BOT RESPONSE] " + event.Text
	case chat.KindError:
		return "[ERROR] " + event.Text
	default:
		return event.Text
	}
}

// Sentiment is the JSON form of a sentiment.
type Sentiment struct {
	Label  string  `json:"label"`
	Score  float64 `json:"score"`
	Source string  `json:"source,omitempty"`
}

// Frame is one outbound JSON object.
type Frame struct {
	Type           string     `json:"type"`
	ID             string     `json:"id,omitempty"`
	Username       string     `json:"username,omitempty"`
	Message        string     `json:"message"`
	Sentiment      *Sentiment `json:"sentiment,omitempty"`
	AnalysisFailed bool       `json:"analysis_failed,omitempty"`
	Timestamp      string     `json:"timestamp,omitempty"`
}

// ToFrame converts event to its JSON frame.
func ToFrame(event chat.Event) Frame {
	frame := Frame{Type: string(event.Kind), Message: event.Text}

	msg := event.Message
	if msg == nil {
		return frame
	}
	if msg.Sentiment != nil {
		frame.Sentiment = &Sentiment{
			Label:  msg.Sentiment.Label,
			Score:  msg.Sentiment.Score,
			Source: msg.Sentiment.Source,
		}
	}
	if event.Kind == chat.KindChatMessage {
		frame.ID = msg.ID.String()
		frame.Username = msg.Sender
		frame.Message = msg.Content
		frame.AnalysisFailed = msg.AnalysisFailed
		frame.Timestamp = msg.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return frame
}

// EncodeJSON renders event as one JSON line.
func EncodeJSON(event chat.Event) ([]byte, error) {
	data, err := json.Marshal(ToFrame(event))
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return append(data, '\n'), nil
}

// Inbound frame kinds.
const (
	FrameLogin = "login"
	FramePost  = "chat_message"
)

var (
	ErrMalformedFrame   = errors.New("malformed JSON frame")
	ErrUnsupportedFrame = errors.New("unsupported frame type")
)

// Inbound is a decoded client frame.
type Inbound struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

// DecodeJSON parses a client frame. {"message": ...} without a type is a post.
func DecodeJSON(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch in.Type {
	case FrameLogin:
		return in, nil
	case "", FramePost, "message":
		in.Type = FramePost
		return in, nil
	default:
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnsupportedFrame, in.Type)
	}
}
