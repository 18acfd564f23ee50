package proactive

import (
	"context"
	"strings"
	"testing"
	"time"

	"apphub/internal/model"
	"apphub/internal/push"
	"apphub/internal/ratelimit"
	logx "apphub/pkg/logx"
)

// ---- Fakes ----

type fakeEmbedder struct {
	calls  int
	lastIn string
	vector []float64
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	f.calls++
	f.lastIn = text
	return f.vector, nil
}

type fakeRetriever struct {
	calls      int
	lastVector []float64
	lastFilter Filters
	convs      []model.Conversation
}

func (f *fakeRetriever) Query(_ context.Context, _ string, vector []float64, filters Filters) ([]model.Conversation, error) {
	f.calls++
	f.lastVector = vector
	f.lastFilter = filters
	return f.convs, nil
}

type fakeGenerator struct {
	calls   int
	lastReq GenerateRequest
	message string
}

func (f *fakeGenerator) Generate(_ context.Context, req GenerateRequest) (string, error) {
	f.calls++
	f.lastReq = req
	return f.message, nil
}

type fakeHistory struct {
	calls    int
	messages []model.Message
}

func (f *fakeHistory) Recent(_ context.Context, _, _ string, _ int) ([]model.Message, error) {
	f.calls++
	return f.messages, nil
}

type fakeSender struct {
	sends []push.Notification
}

func (f *fakeSender) Send(_ context.Context, n push.Notification) error {
	f.sends = append(f.sends, n)
	return nil
}

type fixture struct {
	embedder  *fakeEmbedder
	retriever *fakeRetriever
	generator *fakeGenerator
	history   *fakeHistory
	sender    *fakeSender
	proc      *Processor
}

func newFixture(message string) *fixture {
	f := &fixture{
		embedder:  &fakeEmbedder{vector: []float64{0.1, 0.2}},
		retriever: &fakeRetriever{},
		generator: &fakeGenerator{message: message},
		history:   &fakeHistory{},
		sender:    &fakeSender{},
	}
	limiter := ratelimit.New(nil, ratelimit.DefaultWindow, logx.Nop())
	f.proc = New(limiter, f.embedder, f.retriever, f.generator, f.history, f.sender, nil, logx.Nop())
	return f
}

func proactiveApp(scopes ...string) model.App {
	return model.App{
		ID:      "app-1",
		Name:    "Mentor",
		Enabled: true,
		Capabilities: []string{
			model.CapabilityExternalIntegration,
			model.CapabilityProactiveNotification,
		},
		External: &model.ExternalIntegration{
			WebhookURL:      "https://x.test/hook",
			ProactiveScopes: scopes,
		},
	}
}

// ---- Tests ----

func TestProcessSendsAndRecords(t *testing.T) {
	f := newFixture("you mentioned wanting to call your sister this week")
	app := proactiveApp(model.ScopeUserContext, model.ScopeUserChat)

	payload := &Payload{
		Prompt: "nudge the user about follow-ups",
		Params: []string{model.ScopeUserContext, model.ScopeUserChat},
		Context: ContextQuery{
			Question: "what follow-ups were promised?",
			Filters:  Filters{Topics: []string{"family"}},
		},
	}
	msg, sent := f.proc.Process(context.Background(), "u1", "tok", app, payload)
	if !sent || msg != f.generator.message {
		t.Fatalf("Process = (%q, %v)", msg, sent)
	}

	if f.embedder.calls != 1 || f.embedder.lastIn != payload.Context.Question {
		t.Fatalf("embedder calls=%d in=%q", f.embedder.calls, f.embedder.lastIn)
	}
	if f.retriever.calls != 1 || len(f.retriever.lastFilter.Topics) != 1 {
		t.Fatalf("retriever calls=%d filters=%+v", f.retriever.calls, f.retriever.lastFilter)
	}
	if len(f.sender.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(f.sender.sends))
	}
	n := f.sender.sends[0]
	if n.Title != "Mentor says" || n.Body != f.generator.message || n.Token != "tok" {
		t.Fatalf("notification = %+v", n)
	}
	if n.Payload["navigate_to"] != "/chat/app-1" {
		t.Fatalf("payload = %v", n.Payload)
	}

	// The cooldown slot is consumed.
	if _, sent := f.proc.Process(context.Background(), "u1", "tok", app, payload); sent {
		t.Fatalf("second send inside the window must be denied")
	}
}

func TestProcessRequiresCapability(t *testing.T) {
	f := newFixture("hello from the app")
	app := proactiveApp(model.ScopeUserContext)
	app.Capabilities = []string{model.CapabilityExternalIntegration}

	if _, sent := f.proc.Process(context.Background(), "u1", "tok", app, &Payload{Prompt: "hi"}); sent {
		t.Fatalf("app without the capability must not send")
	}
	if f.generator.calls != 0 || len(f.sender.sends) != 0 {
		t.Fatalf("pipeline ran for an ineligible app")
	}
}

func TestProcessNilOrEmptyPrompt(t *testing.T) {
	f := newFixture("whatever")
	app := proactiveApp(model.ScopeUserContext)

	if _, sent := f.proc.Process(context.Background(), "u1", "tok", app, nil); sent {
		t.Fatalf("nil payload must not send")
	}
	if _, sent := f.proc.Process(context.Background(), "u1", "tok", app, &Payload{Prompt: "   "}); sent {
		t.Fatalf("blank prompt must not send")
	}
	if f.generator.calls != 0 {
		t.Fatalf("generator must not run")
	}
}

func TestProcessOversizedPromptWarnsUser(t *testing.T) {
	f := newFixture("unused")
	app := proactiveApp(model.ScopeUserContext)

	payload := &Payload{Prompt: strings.Repeat("x", MaxPromptChars+1)}
	if _, sent := f.proc.Process(context.Background(), "u1", "tok", app, payload); sent {
		t.Fatalf("oversized prompt must not produce a proactive send")
	}
	if f.generator.calls != 0 {
		t.Fatalf("generator must not run on an oversized prompt")
	}
	if len(f.sender.sends) != 1 {
		t.Fatalf("expected one warning push, got %d", len(f.sender.sends))
	}
	if !strings.Contains(f.sender.sends[0].Body, "Prompt too long") {
		t.Fatalf("warning body = %q", f.sender.sends[0].Body)
	}

	// A warning does not burn the cooldown slot.
	f.generator.message = "a real message this time"
	if _, sent := f.proc.Process(context.Background(), "u1", "tok", app, &Payload{Prompt: "short"}); !sent {
		t.Fatalf("send after a warning must still be allowed")
	}
}

func TestProcessShortMessageNotSent(t *testing.T) {
	f := newFixture("ok")
	app := proactiveApp(model.ScopeUserContext)

	if _, sent := f.proc.Process(context.Background(), "u1", "tok", app, &Payload{Prompt: "say something"}); sent {
		t.Fatalf("message below the minimum length must not send")
	}
	if len(f.sender.sends) != 0 {
		t.Fatalf("no push expected")
	}

	// Nothing was sent, so the slot stays open.
	f.generator.message = "a substantial message"
	if _, sent := f.proc.Process(context.Background(), "u1", "tok", app, &Payload{Prompt: "say something"}); !sent {
		t.Fatalf("slot must remain open after an empty outcome")
	}
}

func TestProcessScopeIntersection(t *testing.T) {
	// App only allows user_context; the payload also asks for user_chat.
	f := newFixture("generated with context only")
	app := proactiveApp(model.ScopeUserContext)

	payload := &Payload{
		Prompt:  "nudge",
		Params:  []string{model.ScopeUserContext, model.ScopeUserChat, "made_up_scope"},
		Context: ContextQuery{Question: "anything pending?"},
	}
	if _, sent := f.proc.Process(context.Background(), "u1", "tok", app, payload); !sent {
		t.Fatalf("expected a send")
	}
	if f.retriever.calls != 1 {
		t.Fatalf("user_context scope must trigger retrieval")
	}
	if f.history.calls != 0 {
		t.Fatalf("unauthorized user_chat scope must not read history")
	}
	if got := f.generator.lastReq.Scopes; len(got) != 1 || got[0] != model.ScopeUserContext {
		t.Fatalf("scopes = %v", got)
	}
}

func TestProcessEmptyQuestionUsesZeroVector(t *testing.T) {
	f := newFixture("generated message here")
	app := proactiveApp(model.ScopeUserContext)

	payload := &Payload{
		Prompt: "nudge",
		Params: []string{model.ScopeUserContext},
	}
	if _, sent := f.proc.Process(context.Background(), "u1", "tok", app, payload); !sent {
		t.Fatalf("expected a send")
	}
	if f.embedder.calls != 0 {
		t.Fatalf("empty question must not embed")
	}
	if len(f.retriever.lastVector) != EmbeddingDim {
		t.Fatalf("vector dim = %d, want %d", len(f.retriever.lastVector), EmbeddingDim)
	}
	for _, v := range f.retriever.lastVector {
		if v != 0 {
			t.Fatalf("expected zero vector")
		}
	}
}

func TestProcessHistoryChronological(t *testing.T) {
	f := newFixture("generated message here")
	app := proactiveApp(model.ScopeUserChat)

	now := time.Now()
	// Store order: newest first.
	f.history.messages = []model.Message{
		{Text: "third", CreatedAt: now},
		{Text: "second", CreatedAt: now.Add(-time.Minute)},
		{Text: "first", CreatedAt: now.Add(-2 * time.Minute)},
	}
	payload := &Payload{Prompt: "nudge", Params: []string{model.ScopeUserChat}}
	if _, sent := f.proc.Process(context.Background(), "u1", "tok", app, payload); !sent {
		t.Fatalf("expected a send")
	}
	got := f.generator.lastReq.History
	if len(got) != 3 || got[0].Text != "first" || got[2].Text != "third" {
		t.Fatalf("history order = %v", got)
	}
}

func TestProcessContextRendered(t *testing.T) {
	f := newFixture("generated message here")
	app := proactiveApp(model.ScopeUserContext)

	f.retriever.convs = []model.Conversation{{
		CreatedAt:  time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC),
		Structured: model.Structured{Title: "Trip planning", Overview: "Flights discussed."},
	}}
	payload := &Payload{
		Prompt:  "nudge",
		Params:  []string{model.ScopeUserContext},
		Context: ContextQuery{Question: "trip?"},
	}
	if _, sent := f.proc.Process(context.Background(), "u1", "tok", app, payload); !sent {
		t.Fatalf("expected a send")
	}
	if !strings.Contains(f.generator.lastReq.Context, "Trip planning") {
		t.Fatalf("context = %q", f.generator.lastReq.Context)
	}
}
