package chat

// Kind names an event on the wire.
type Kind string

const (
	KindChatMessage  Kind = "chat_message"
	KindNotification Kind = "server_notification"
	KindResponse     Kind = "server_response"
	KindError        Kind = "error"
)

// Event is what the hub fans out to peers. Message is set for chat messages and
// for responses acknowledging one; Text carries everything else.
type Event struct {
	Kind    Kind
	Message *Message
	Text    string
}

// Notification builds a server notice.
func Notification(text string) Event {
	return Event{Kind: KindNotification, Text: text}
}

// Response builds a reply addressed to a single peer.
func Response(text string, msg *Message) Event {
	return Event{Kind: KindResponse, Text: text, Message: msg}
}

// Error builds an error reply addressed to a single peer.
func Error(text string) Event {
	return Event{Kind: KindError, Text: text}
}

// ChatMessage wraps a classified message.
func ChatMessage(msg *Message) Event {
	return Event{Kind: KindChatMessage, Message: msg}
}
