package model

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestFilterProactiveScopes(t *testing.T) {
	app := App{
		External: &ExternalIntegration{
			ProactiveScopes: []string{ScopeUserChat, ScopeUserContext, "legacy_scope"},
		},
	}

	cases := []struct {
		name      string
		requested []string
		want      []string
	}{
		{"full intersection keeps app order", []string{ScopeUserContext, ScopeUserChat}, []string{ScopeUserChat, ScopeUserContext}},
		{"subset", []string{ScopeUserContext}, []string{ScopeUserContext}},
		{"unknown requested scope dropped", []string{"made_up", ScopeUserChat}, []string{ScopeUserChat}},
		{"legacy allowed scope never surfaces", []string{"legacy_scope"}, nil},
		{"empty request", nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := app.FilterProactiveScopes(tc.requested)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}

	bare := App{}
	if got := bare.FilterProactiveScopes([]string{ScopeUserChat}); got != nil {
		t.Fatalf("app without integration returned %v", got)
	}
}

func TestTriggersOnAndWebhookURL(t *testing.T) {
	app := App{External: &ExternalIntegration{
		WebhookURL: "https://x.test/hook",
		TriggersOn: []string{TriggerConversationCreated},
	}}
	if !app.TriggersOn(TriggerConversationCreated) {
		t.Fatalf("expected trigger match")
	}
	if app.TriggersOn(TriggerAudioBytes) {
		t.Fatalf("unexpected trigger match")
	}
	if app.WebhookURL() != "https://x.test/hook" {
		t.Fatalf("WebhookURL = %q", app.WebhookURL())
	}

	bare := App{}
	if bare.TriggersOn(TriggerConversationCreated) || bare.WebhookURL() != "" {
		t.Fatalf("app without integration must not trigger")
	}
}

func TestNewAppNotification(t *testing.T) {
	n := NewAppNotification("app-7", "time to stretch")
	m := n.AsMap()
	if m["notification_type"] != "plugin" {
		t.Fatalf("notification_type = %q", m["notification_type"])
	}
	if m["navigate_to"] != "/chat/app-7" {
		t.Fatalf("navigate_to = %q", m["navigate_to"])
	}
	if m["text"] != "time to stretch" {
		t.Fatalf("text = %q", m["text"])
	}
	if m["from_integration"] != "true" {
		t.Fatalf("from_integration = %q", m["from_integration"])
	}
}

func TestConversationsToText(t *testing.T) {
	convs := []Conversation{
		{
			CreatedAt:  mustTime(t, "2026-02-01T09:30:00Z"),
			Structured: Structured{Title: "Standup", Overview: "Discussed the rollout."},
			Segments: []TranscriptSegment{
				{Speaker: "SPEAKER_0", Text: "rollout is on track"},
				{Text: "   "},
			},
		},
		{
			CreatedAt:  mustTime(t, "2026-02-02T10:00:00Z"),
			Structured: Structured{Title: "Lunch chat"},
		},
	}
	got := ConversationsToText(convs)
	for _, want := range []string{"2026-02-01 09:30", "Standup", "Discussed the rollout.", "SPEAKER_0: rollout is on track", "Lunch chat"} {
		if !strings.Contains(got, want) {
			t.Fatalf("rendered text missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "   \n") {
		t.Fatalf("blank segments must be skipped")
	}
}

func mustTime(t *testing.T, v string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, v)
	if err != nil {
		t.Fatalf("parse time %q: %v", v, err)
	}
	return parsed
}
