package dispatch

import (
	"context"
	"time"

	"apphub/internal/model"
	"apphub/internal/proactive"
)

// Status classifies the terminal state of one dispatch job. Jobs move
// PENDING → SENT → terminal; there are no transitions back.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusTimeout        Status = "timeout"
	StatusTransportError Status = "transport_error"
	StatusSkipped        Status = "skipped"
)

// Usage-accounting kinds recorded per successful dispatch.
const (
	UsageConversationCreated = "memory_created_external_integration"
	UsageTranscriptProcessed = "transcript_processed_external_integration"
)

// Result is one app's contribution to a dispatch aggregate. Only
// successful jobs appear in the returned map; Message and
// ProactiveMessage are independent and may both be set.
type Result struct {
	Status           Status `json:"status"`
	Message          string `json:"message,omitempty"`
	ProactiveMessage string `json:"proactive_message,omitempty"`
}

// webhookResponse is the JSON body an app may return on HTTP 200.
type webhookResponse struct {
	Message      string             `json:"message"`
	Notification *proactive.Payload `json:"notification"`
}

// CallEvent is published on the event bus per terminal job.
type CallEvent struct {
	AppID    string        `json:"app_id"`
	UID      string        `json:"uid"`
	Event    string        `json:"event"`
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// ---- Collaborators ----

// AppDirectory resolves the apps enabled for a user. Read-only from
// this subsystem's perspective.
type AppDirectory interface {
	EnabledApps(ctx context.Context, uid string) ([]model.App, error)
}

// UsageRecorder accounts one usage event per qualifying dispatch.
type UsageRecorder interface {
	Record(ctx context.Context, uid, appID, kind, conversationID string) error
}

// TokenSource resolves a user's push notification token.
type TokenSource interface {
	Token(ctx context.Context, uid string) (string, error)
}

// MessageStore persists display messages produced by apps.
type MessageStore interface {
	Append(ctx context.Context, m model.Message) (model.Message, error)
}

// ProactiveProcessor forwards a notification payload through the
// proactive pipeline. Implemented by *proactive.Processor.
type ProactiveProcessor interface {
	Process(ctx context.Context, uid, token string, app model.App, payload *proactive.Payload) (string, bool)
}
