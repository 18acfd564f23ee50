package model

// Capability flags declared on an app record. They gate which event
// types and processing paths apply to the app.
const (
	CapabilityExternalIntegration   = "external_integration"
	CapabilityProactiveNotification = "proactive_notification"
	CapabilityImageAnalysis         = "openglass"
)

// Trigger event kinds an app may subscribe to.
const (
	TriggerConversationCreated = "conversation_created"
	TriggerTranscriptProcessed = "transcript_processed"
	TriggerAudioBytes          = "audio_bytes"
)

// Proactive notification scopes an app may request.
const (
	ScopeUserContext = "user_context"
	ScopeUserChat    = "user_chat"
)

// ExternalIntegration holds the webhook side of an app.
// An empty WebhookURL means the app cannot receive dispatches.
type ExternalIntegration struct {
	WebhookURL string   `json:"webhook_url"`
	TriggersOn []string `json:"triggers_on"`
	// Scopes the app is allowed to use for proactive notifications.
	ProactiveScopes []string `json:"proactive_scopes,omitempty"`
}

// App is a third-party application record as resolved by the app
// directory. OwnerUID is empty for public apps.
type App struct {
	ID       string `json:"id"`
	OwnerUID string `json:"owner_uid,omitempty"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`

	Capabilities []string             `json:"capabilities"`
	External     *ExternalIntegration `json:"external_integration,omitempty"`

	// Image-analysis parameters (CapabilityImageAnalysis apps only).
	AnalysisPrompt      string  `json:"analysis_prompt,omitempty"`
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
}

func (a App) HasCapability(c string) bool {
	for _, v := range a.Capabilities {
		if v == c {
			return true
		}
	}
	return false
}

func (a App) WebhookURL() string {
	if a.External == nil {
		return ""
	}
	return a.External.WebhookURL
}

func (a App) TriggersOn(event string) bool {
	if a.External == nil {
		return false
	}
	for _, t := range a.External.TriggersOn {
		if t == event {
			return true
		}
	}
	return false
}

// FilterProactiveScopes intersects the app's allowed scopes with the
// scopes requested in a proactive payload. Only recognized scopes
// survive; order follows the app's declaration.
func (a App) FilterProactiveScopes(requested []string) []string {
	if a.External == nil || len(a.External.ProactiveScopes) == 0 || len(requested) == 0 {
		return nil
	}
	req := make(map[string]bool, len(requested))
	for _, s := range requested {
		req[s] = true
	}
	var out []string
	for _, s := range a.External.ProactiveScopes {
		if s != ScopeUserContext && s != ScopeUserChat {
			continue
		}
		if req[s] {
			out = append(out, s)
		}
	}
	return out
}
