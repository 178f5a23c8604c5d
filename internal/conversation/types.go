package conversation

import "time"

// Author identifies who wrote a message
type Author struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Message is a single chat message as ingested from the transport layer.
// ReplyTo is empty when the message does not reply to anything.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Author    Author    `json:"author"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	ChannelID string    `json:"channel_id"`
}

// Node projects a Message down to what the grouping pass needs.
func (m Message) Node() MessageNode {
	return MessageNode{ID: m.ID, ReplyTo: m.ReplyTo, Timestamp: m.Timestamp}
}

// MessageNode is the graph-only view of a message.
type MessageNode struct {
	ID        string
	ReplyTo   string
	Timestamp time.Time
}

// Conversation is a connected component of the reply graph, identified by its root message.
type Conversation struct {
	ID         string              `json:"id"`
	MessageIDs map[string]struct{} `json:"-"`
	StartTime  time.Time           `json:"start_time"`
	EndTime    time.Time           `json:"end_time"`
}

// Contains reports whether the message belongs to the conversation
func (c Conversation) Contains(messageID string) bool {
	_, ok := c.MessageIDs[messageID]
	return ok
}

// Size returns the number of member messages
func (c Conversation) Size() int {
	return len(c.MessageIDs)
}

// Doc is a reference document embedded alongside conversations.
type Doc struct {
	ID       string `json:"id"`
	FileName string `json:"file_name"`
	Body     string `json:"body"`
}
