package store

// Conversation statuses as the server encodes them.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
	StatusPending  = "pending"
	StatusClosed   = "closed"
)

// Message type wire encoding. Outgoing is 0 because the send_message
// frame contract fixes it that way.
const (
	MessageOutgoing = 0
	MessageIncoming = 1
	MessageSystem   = 2
)

// Contact is the denormalized contact summary embedded in a conversation.
type Contact struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Conversation is one customer conversation as known to this client.
// LastActivityAt is a unix millisecond timestamp and the sort key for
// the conversation list.
type Conversation struct {
	ID             int     `json:"id"`
	Status         string  `json:"status"`
	Priority       int     `json:"priority"`
	Assignee       string  `json:"assignee,omitempty"`
	Team           string  `json:"team,omitempty"`
	Inbox          string  `json:"inbox,omitempty"`
	Contact        Contact `json:"contact"`
	LastMessage    string  `json:"last_message,omitempty"`
	UnreadCount    int     `json:"unread_count"`
	LastActivityAt int64   `json:"last_activity_at"`
}

// Message is one message inside a conversation. Status is only
// meaningful for outgoing messages (sent/delivered/read/failed).
type Message struct {
	ID             int    `json:"id"`
	ConversationID int    `json:"conversation_id"`
	Content        string `json:"content"`
	MessageType    int    `json:"message_type"`
	SenderType     string `json:"sender_type,omitempty"`
	SenderID       int    `json:"sender_id,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	Status         string `json:"status,omitempty"`
}

// ConversationDetail is the full REST representation of one
// conversation, including its message history.
type ConversationDetail struct {
	Conversation
	Messages []*Message `json:"messages"`
}

// TypingPeer is one user currently typing in a conversation.
type TypingPeer struct {
	UserID   int    `json:"user_id"`
	UserName string `json:"user_name"`
}

// TypingEvent is the decoded payload of a typing.start/typing.stop push.
type TypingEvent struct {
	ConversationID int    `json:"conversation_id"`
	UserID         int    `json:"user_id"`
	UserName       string `json:"user_name"`
}
