package model

import "time"

// MessageSender distinguishes who produced a chat message.
type MessageSender string

const (
	SenderHuman MessageSender = "human"
	SenderAI    MessageSender = "ai"
)

// Message is one entry in a user's per-app chat history.
type Message struct {
	ID             string        `json:"id"`
	UID            string        `json:"uid"`
	AppID          string        `json:"app_id"`
	Text           string        `json:"text"`
	Sender         MessageSender `json:"sender"`
	ConversationID string        `json:"conversation_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}
