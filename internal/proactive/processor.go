// Package proactive implements the proactive-notification pipeline: an
// app that declares the capability can hand back a prompt after a
// webhook call; the processor validates it, resolves the scopes the app
// may use, gathers context, generates a message, and pushes it to the
// user, all gated by the per-(uid, app) cooldown limiter.
package proactive

import (
	"context"
	"fmt"
	"strings"

	"apphub/internal/eventbus"
	"apphub/internal/model"
	"apphub/internal/push"
	"apphub/internal/ratelimit"
	logx "apphub/pkg/logx"
)

const (
	// MaxPromptChars bounds the prompt an app may submit.
	MaxPromptChars = 128000
	// MinMessageChars: anything shorter is "nothing to say".
	MinMessageChars = 5
	// EmbeddingDim is the fixed dimensionality of the retrieval vectors.
	EmbeddingDim = 3072

	historyLimit = 10
)

// Payload is the opaque `notification` object an app returns from its
// webhook, decoded.
type Payload struct {
	Prompt  string       `json:"prompt"`
	Params  []string     `json:"params"`
	Context ContextQuery `json:"context"`
}

// ContextQuery narrows the user_context retrieval.
type ContextQuery struct {
	Question string  `json:"question"`
	Filters  Filters `json:"filters"`
}

type Filters struct {
	People   []string `json:"people,omitempty"`
	Topics   []string `json:"topics,omitempty"`
	Entities []string `json:"entities,omitempty"`
	Dates    []string `json:"dates,omitempty"`
}

// Embedder turns a question into a retrieval vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Retriever finds prior conversations near a vector, optionally
// filtered by structured metadata.
type Retriever interface {
	Query(ctx context.Context, uid string, vector []float64, f Filters) ([]model.Conversation, error)
}

// Generator produces the proactive message. Treated as opaque; an
// empty result means nothing to say.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

type GenerateRequest struct {
	UID     string
	Prompt  string
	Scopes  []string
	Context string
	History []model.Message
}

// HistoryStore reads the user's per-app chat history.
type HistoryStore interface {
	Recent(ctx context.Context, uid, appID string, limit int) ([]model.Message, error)
}

// Sender delivers the final push.
type Sender interface {
	Send(ctx context.Context, n push.Notification) error
}

type Processor struct {
	limiter   *ratelimit.Limiter
	embedder  Embedder
	retriever Retriever
	generator Generator
	history   HistoryStore
	sender    Sender
	bus       eventbus.Bus
	log       logx.Logger
}

func New(limiter *ratelimit.Limiter, embedder Embedder, retriever Retriever, generator Generator, history HistoryStore, sender Sender, bus eventbus.Bus, log logx.Logger) *Processor {
	return &Processor{
		limiter:   limiter,
		embedder:  embedder,
		retriever: retriever,
		generator: generator,
		history:   history,
		sender:    sender,
		bus:       bus,
		log:       log,
	}
}

// Process runs the pipeline for one app. It returns the sent message
// and true when a push went out; every other path returns ("", false)
// and never errors. A failed stage degrades to "nothing sent".
func (p *Processor) Process(ctx context.Context, uid, token string, app model.App, payload *Payload) (string, bool) {
	if !app.HasCapability(model.CapabilityProactiveNotification) || payload == nil {
		p.log.Debug("proactive skipped: capability missing or empty payload", logx.String("uid", uid), logx.String("app", app.ID))
		return "", false
	}

	if !p.limiter.Allowed(ctx, uid, app.ID) {
		p.log.Info("proactive rate limited", logx.String("uid", uid), logx.String("app", app.ID), logx.Duration("window", p.limiter.Window()))
		p.publishDenied(uid, app.ID, "rate_limited")
		return "", false
	}

	prompt := payload.Prompt
	if strings.TrimSpace(prompt) == "" {
		p.log.Debug("proactive skipped: empty prompt", logx.String("uid", uid), logx.String("app", app.ID))
		return "", false
	}
	if len(prompt) > MaxPromptChars {
		warning := fmt.Sprintf("Prompt too long: %d/%d characters. Please shorten.", len(prompt), MaxPromptChars)
		p.sendPush(ctx, token, app, warning)
		p.log.Warn("proactive prompt too long", logx.String("uid", uid), logx.String("app", app.ID), logx.Int("length", len(prompt)))
		p.publishDenied(uid, app.ID, "prompt_too_long")
		return "", false
	}

	scopes := app.FilterProactiveScopes(payload.Params)

	var contextText string
	if contains(scopes, model.ScopeUserContext) {
		convs, err := p.retrieveContext(ctx, uid, payload.Context)
		if err != nil {
			p.log.Warn("proactive context retrieval failed", logx.String("uid", uid), logx.String("app", app.ID), logx.Err(err))
			return "", false
		}
		if len(convs) > 0 {
			contextText = model.ConversationsToText(convs)
		}
	}

	var history []model.Message
	if contains(scopes, model.ScopeUserChat) {
		recent, err := p.history.Recent(ctx, uid, app.ID, historyLimit)
		if err != nil {
			p.log.Warn("proactive history read failed", logx.String("uid", uid), logx.String("app", app.ID), logx.Err(err))
			return "", false
		}
		// Store returns newest first; the generator wants chronological order.
		history = reverse(recent)
	}

	message, err := p.generator.Generate(ctx, GenerateRequest{
		UID:     uid,
		Prompt:  prompt,
		Scopes:  scopes,
		Context: contextText,
		History: history,
	})
	if err != nil {
		p.log.Warn("proactive generation failed", logx.String("uid", uid), logx.String("app", app.ID), logx.Err(err))
		return "", false
	}
	if len(message) < MinMessageChars {
		p.log.Debug("proactive message too short", logx.String("uid", uid), logx.String("app", app.ID), logx.Int("length", len(message)))
		return "", false
	}

	p.sendPush(ctx, token, app, message)
	p.limiter.Record(ctx, uid, app.ID)

	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeProactiveSent, Data: map[string]string{"uid": uid, "app_id": app.ID}})
	}
	return message, true
}

// retrieveContext queries prior conversations. An empty question falls
// back to a fixed-dimensionality zero vector: "nearest to the origin"
// rather than "no filter". Intentionally preserved behavior.
func (p *Processor) retrieveContext(ctx context.Context, uid string, q ContextQuery) ([]model.Conversation, error) {
	var (
		vector []float64
		err    error
	)
	if strings.TrimSpace(q.Question) != "" {
		vector, err = p.embedder.Embed(ctx, q.Question)
		if err != nil {
			return nil, err
		}
	} else {
		vector = make([]float64, EmbeddingDim)
	}
	return p.retriever.Query(ctx, uid, vector, q.Filters)
}

func (p *Processor) sendPush(ctx context.Context, token string, app model.App, message string) {
	n := model.NewAppNotification(app.ID, message)
	err := p.sender.Send(ctx, push.Notification{
		Token:   token,
		Title:   app.Name + " says",
		Body:    message,
		Payload: n.AsMap(),
	})
	if err != nil {
		p.log.Warn("proactive push enqueue failed", logx.String("app", app.ID), logx.Err(err))
	}
}

func (p *Processor) publishDenied(uid, appID, reason string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeProactiveDenied, Data: map[string]string{"uid": uid, "app_id": appID, "reason": reason}})
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func reverse(in []model.Message) []model.Message {
	if len(in) == 0 {
		return nil
	}
	out := make([]model.Message, len(in))
	for i, m := range in {
		out[len(in)-1-i] = m
	}
	return out
}
