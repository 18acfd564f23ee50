package model

import (
	"strings"
	"time"
)

// ConversationSource marks how a conversation entered the system.
type ConversationSource string

const (
	SourceCapture  ConversationSource = "capture"
	SourceWorkflow ConversationSource = "workflow"
)

// TranscriptSegment is one chunk of realtime transcription.
type TranscriptSegment struct {
	Text      string  `json:"text"`
	Speaker   string  `json:"speaker,omitempty"`
	SpeakerID int     `json:"speaker_id,omitempty"`
	IsUser    bool    `json:"is_user"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
}

// Structured is the distilled summary of a conversation.
type Structured struct {
	Title    string `json:"title"`
	Overview string `json:"overview"`
	Category string `json:"category,omitempty"`
	Emoji    string `json:"emoji,omitempty"`
}

// Conversation is the full record dispatched to conversation-creation
// webhooks and rendered as retrieval context.
type Conversation struct {
	ID         string              `json:"id"`
	CreatedAt  time.Time           `json:"created_at"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Source     ConversationSource  `json:"source"`
	Discarded  bool                `json:"discarded"`
	Structured Structured          `json:"structured"`
	Segments   []TranscriptSegment `json:"transcript_segments,omitempty"`

	// ExternalData is internal-only payload attached by workflow
	// integrations. It is nulled out on workflow-sourced dispatches.
	ExternalData map[string]any `json:"external_data,omitempty"`
}

// ConversationsToText renders prior conversations as plain-text context
// for the proactive generation step.
func ConversationsToText(convs []Conversation) string {
	var b strings.Builder
	for i, c := range convs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(c.CreatedAt.Format("2006-01-02 15:04"))
		if c.Structured.Title != "" {
			b.WriteString(" — ")
			b.WriteString(c.Structured.Title)
		}
		if c.Structured.Overview != "" {
			b.WriteString("\n")
			b.WriteString(c.Structured.Overview)
		}
		for _, s := range c.Segments {
			if strings.TrimSpace(s.Text) == "" {
				continue
			}
			b.WriteString("\n")
			if s.Speaker != "" {
				b.WriteString(s.Speaker)
				b.WriteString(": ")
			}
			b.WriteString(s.Text)
		}
	}
	return b.String()
}
