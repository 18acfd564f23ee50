// Package dispatch fans user events out to the webhooks of every
// subscribed app, concurrently and under partial-failure isolation.
//
// One dispatch call is a scatter-gather barrier: every matching app
// gets exactly one bounded outbound call, failures are classified and
// logged per app, and the caller gets the aggregate once all jobs have
// terminated. Delivery is at-most-once; there are no retries.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"apphub/internal/confidence"
	"apphub/internal/eventbus"
	"apphub/internal/model"
	"apphub/internal/proactive"
	"apphub/internal/push"
	logx "apphub/pkg/logx"
)

const (
	// DefaultWorkers bounds concurrent outbound calls per dispatch.
	DefaultWorkers = 8

	// Per-call timeouts. Raw audio gets a tighter bound: the payload is
	// larger but consumers are expected to ack fast.
	conversationTimeout = 30 * time.Second
	segmentsTimeout     = 30 * time.Second
	audioTimeout        = 15 * time.Second

	// maxResponseBytes caps how much of a webhook response we read.
	maxResponseBytes = 1 << 20

	minDisplayMessageChars = 5
	responseExcerptLen     = 100
)

type Config struct {
	Workers int
}

type Coordinator struct {
	cfg    Config
	client *http.Client

	dir       AppDirectory
	usage     UsageRecorder
	tokens    TokenSource
	store     MessageStore
	proactive ProactiveProcessor
	pusher    Pusher
	images    *confidence.Runner

	bus eventbus.Bus
	log logx.Logger
}

// Pusher enqueues display-message pushes for realtime dispatches.
type Pusher interface {
	Send(ctx context.Context, n push.Notification) error
}

func New(cfg Config, dir AppDirectory, usage UsageRecorder, tokens TokenSource, store MessageStore, proc ProactiveProcessor, pusher Pusher, images *confidence.Runner, bus eventbus.Bus, log logx.Logger) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Coordinator{
		cfg: cfg,
		// Timeouts are enforced per call via context; the client itself
		// stays unbounded so one slow event kind can't constrain another.
		client:    &http.Client{},
		dir:       dir,
		usage:     usage,
		tokens:    tokens,
		store:     store,
		proactive: proc,
		pusher:    pusher,
		images:    images,
		bus:       bus,
		log:       log,
	}
}

// ---- Event entry points ----

// OnConversationCreated dispatches a finished conversation to every
// app triggering on conversation creation. Discarded conversations
// dispatch to nothing.
func (c *Coordinator) OnConversationCreated(ctx context.Context, uid string, conv model.Conversation) (map[string]Result, error) {
	if conv.Discarded {
		return map[string]Result{}, nil
	}
	apps, err := c.matchingApps(ctx, uid, model.TriggerConversationCreated)
	if err != nil {
		return nil, err
	}
	if len(apps) == 0 {
		return map[string]Result{}, nil
	}

	// Ignore external data on workflow-sourced conversations.
	payload := conv
	if payload.Source == model.SourceWorkflow {
		payload.ExternalData = nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	token := c.lookupToken(ctx, uid)

	jobs := make([]job, 0, len(apps))
	for _, app := range apps {
		app := app
		jobs = append(jobs, job{
			app:         app,
			event:       model.TriggerConversationCreated,
			uid:         uid,
			url:         urlWithUID(app.WebhookURL(), uid),
			body:        body,
			contentType: "application/json",
			timeout:     conversationTimeout,
			after: func(jctx context.Context, resp *webhookResponse, res *Result) {
				c.recordUsage(jctx, uid, app, UsageConversationCreated, conv.ID)
				if resp == nil {
					return
				}
				if resp.Message != "" {
					res.Message = resp.Message
					c.persistMessage(jctx, uid, app.ID, resp.Message, conv.ID)
				}
				c.forwardProactive(jctx, uid, token, app, resp.Notification, res)
			},
		})
	}
	return c.run(ctx, jobs), nil
}

// OnTranscriptSegments dispatches realtime transcript segments.
func (c *Coordinator) OnTranscriptSegments(ctx context.Context, uid string, segments []model.TranscriptSegment, conversationID string) (map[string]Result, error) {
	apps, err := c.matchingApps(ctx, uid, model.TriggerTranscriptProcessed)
	if err != nil {
		return nil, err
	}
	if len(apps) == 0 {
		return map[string]Result{}, nil
	}

	body, err := json.Marshal(map[string]any{
		"session_id": uid,
		"segments":   segments,
	})
	if err != nil {
		return nil, err
	}

	// TODO: resolve the token lazily, only once an app actually wants a
	// push; most realtime dispatches never notify.
	token := c.lookupToken(ctx, uid)

	jobs := make([]job, 0, len(apps))
	for _, app := range apps {
		app := app
		jobs = append(jobs, job{
			app:         app,
			event:       model.TriggerTranscriptProcessed,
			uid:         uid,
			url:         urlWithUID(app.WebhookURL(), uid),
			body:        body,
			contentType: "application/json",
			timeout:     segmentsTimeout,
			after: func(jctx context.Context, resp *webhookResponse, res *Result) {
				if conversationID != "" {
					c.recordUsage(jctx, uid, app, UsageTranscriptProcessed, conversationID)
				}
				if resp == nil {
					return
				}
				if len(resp.Message) > minDisplayMessageChars {
					res.Message = resp.Message
					c.persistMessage(jctx, uid, app.ID, resp.Message, "")
					c.pushDisplayMessage(jctx, token, app, resp.Message)
				}
				c.forwardProactive(jctx, uid, token, app, resp.Notification, res)
			},
		})
	}
	return c.run(ctx, jobs), nil
}

// OnAudioBytes streams a raw audio chunk to audio-subscribed apps.
// Responses are not interpreted; only delivery is attempted.
func (c *Coordinator) OnAudioBytes(ctx context.Context, uid string, sampleRate int, data []byte) (map[string]Result, error) {
	apps, err := c.matchingApps(ctx, uid, model.TriggerAudioBytes)
	if err != nil {
		return nil, err
	}
	if len(apps) == 0 {
		return map[string]Result{}, nil
	}

	jobs := make([]job, 0, len(apps))
	for _, app := range apps {
		jobs = append(jobs, job{
			app:         app,
			event:       model.TriggerAudioBytes,
			uid:         uid,
			url:         audioURL(app.WebhookURL(), sampleRate, uid),
			body:        data,
			contentType: "application/octet-stream",
			timeout:     audioTimeout,
			rawBody:     true,
		})
	}
	return c.run(ctx, jobs), nil
}

// OnImageCaptured routes a captured image through per-app image
// analysis instead of the generic webhook path.
func (c *Coordinator) OnImageCaptured(ctx context.Context, uid, description, imageURL string) ([]confidence.Verdict, error) {
	if c.images == nil {
		return nil, errors.New("image analysis not configured")
	}
	apps, err := c.dir.EnabledApps(ctx, uid)
	if err != nil {
		return nil, err
	}
	return c.images.ProcessImage(ctx, apps, description, imageURL), nil
}

// ---- Fan-out core ----

type job struct {
	app         model.App
	event       string
	uid         string
	url         string
	body        []byte
	contentType string
	timeout     time.Duration
	rawBody     bool

	// after runs inside the worker, strictly after classification, only
	// for successful jobs. It may mutate the result.
	after func(ctx context.Context, resp *webhookResponse, res *Result)
}

// run executes all jobs on a bounded pool and blocks until every one
// has terminated. Failed jobs are excluded from the aggregate; no
// per-job panic or error escapes the barrier.
func (c *Coordinator) run(ctx context.Context, jobs []job) map[string]Result {
	results := make(map[string]Result, len(jobs))
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, c.cfg.Workers)
	)

	for _, j := range jobs {
		j := j
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("panic in dispatch job", logx.String("app", j.app.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, resp := c.execute(ctx, j)
			if res.Status != StatusSuccess {
				return
			}
			if j.after != nil {
				j.after(ctx, resp, &res)
			}
			mu.Lock()
			results[j.app.ID] = res
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// execute performs one outbound call and classifies the outcome.
func (c *Coordinator) execute(ctx context.Context, j job) (Result, *webhookResponse) {
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, j.url, bytes.NewReader(j.body))
	if err != nil {
		c.log.Warn("dispatch request build failed", logx.String("app", j.app.ID), logx.Err(err))
		return c.finish(j, Result{Status: StatusTransportError}, start, err), nil
	}
	req.Header.Set("Content-Type", j.contentType)

	httpResp, err := c.client.Do(req)
	if err != nil {
		status := StatusTransportError
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			status = StatusTimeout
		}
		c.log.Warn("dispatch call failed",
			logx.String("app", j.app.ID),
			logx.String("event", j.event),
			logx.String("status", string(status)),
			logx.Err(err),
		)
		return c.finish(j, Result{Status: status}, start, err), nil
	}
	defer httpResp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if httpResp.StatusCode != http.StatusOK {
		c.log.Warn("dispatch call rejected",
			logx.String("app", j.app.ID),
			logx.String("event", j.event),
			logx.Int("http_status", httpResp.StatusCode),
			logx.String("body", excerpt(raw)),
		)
		return c.finish(j, Result{Status: StatusTransportError}, start, errors.New("non-200 response")), nil
	}

	var resp *webhookResponse
	if !j.rawBody && len(bytes.TrimSpace(raw)) > 0 {
		var wr webhookResponse
		if err := json.Unmarshal(raw, &wr); err != nil {
			// A 200 with an unparsable body still counts as delivered.
			c.log.Debug("dispatch response not JSON", logx.String("app", j.app.ID), logx.Err(err))
		} else {
			resp = &wr
		}
	}
	return c.finish(j, Result{Status: StatusSuccess}, start, nil), resp
}

func (c *Coordinator) finish(j job, res Result, start time.Time, err error) Result {
	if c.bus != nil {
		typ := eventbus.TypeDispatchSucceeded
		if res.Status != StatusSuccess {
			typ = eventbus.TypeDispatchFailed
		}
		ev := CallEvent{AppID: j.app.ID, UID: j.uid, Event: j.event, Status: res.Status, Duration: time.Since(start)}
		if err != nil {
			ev.Error = err.Error()
		}
		c.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
	return res
}

// ---- Helpers ----

// matchingApps filters the user's enabled apps down to those triggering
// on the given event and holding a webhook URL. Apps without a webhook
// are skipped silently: misconfiguration, not failure.
func (c *Coordinator) matchingApps(ctx context.Context, uid, event string) ([]model.App, error) {
	apps, err := c.dir.EnabledApps(ctx, uid)
	if err != nil {
		return nil, err
	}
	var out []model.App
	for _, app := range apps {
		if !app.Enabled || !app.TriggersOn(event) {
			continue
		}
		if strings.TrimSpace(app.WebhookURL()) == "" {
			c.log.Debug("app has no webhook url; skipping", logx.String("app", app.ID), logx.String("event", event))
			continue
		}
		out = append(out, app)
	}
	return out, nil
}

// recordUsage accounts a dispatch unless the owner triggered their own
// app.
func (c *Coordinator) recordUsage(ctx context.Context, uid string, app model.App, kind, conversationID string) {
	if c.usage == nil {
		return
	}
	if app.OwnerUID != "" && app.OwnerUID == uid {
		return
	}
	if err := c.usage.Record(ctx, uid, app.ID, kind, conversationID); err != nil {
		c.log.Warn("usage record failed", logx.String("app", app.ID), logx.Err(err))
	}
}

func (c *Coordinator) persistMessage(ctx context.Context, uid, appID, text, conversationID string) {
	if c.store == nil {
		return
	}
	_, err := c.store.Append(ctx, model.Message{
		UID:            uid,
		AppID:          appID,
		Text:           text,
		Sender:         model.SenderAI,
		ConversationID: conversationID,
	})
	if err != nil {
		c.log.Warn("message persist failed", logx.String("app", appID), logx.Err(err))
	}
}

func (c *Coordinator) pushDisplayMessage(ctx context.Context, token string, app model.App, message string) {
	if c.pusher == nil || token == "" {
		return
	}
	n := model.NewAppNotification(app.ID, message)
	err := c.pusher.Send(ctx, push.Notification{
		Token:   token,
		Title:   app.Name + " says",
		Body:    message,
		Payload: n.AsMap(),
	})
	if err != nil {
		c.log.Warn("display push enqueue failed", logx.String("app", app.ID), logx.Err(err))
	}
}

// forwardProactive hands a notification payload to the proactive
// pipeline when the app is allowed to use it. A produced message merges
// into the job's result; display message and proactive output stay
// independent.
func (c *Coordinator) forwardProactive(ctx context.Context, uid, token string, app model.App, payload *proactive.Payload, res *Result) {
	if c.proactive == nil || payload == nil {
		return
	}
	if !app.HasCapability(model.CapabilityProactiveNotification) {
		return
	}
	if msg, sent := c.proactive.Process(ctx, uid, token, app, payload); sent {
		res.ProactiveMessage = msg
		c.persistMessage(ctx, uid, app.ID, msg, "")
	}
}

func (c *Coordinator) lookupToken(ctx context.Context, uid string) string {
	if c.tokens == nil {
		return ""
	}
	token, err := c.tokens.Token(ctx, uid)
	if err != nil {
		c.log.Debug("push token lookup failed", logx.String("uid", uid), logx.Err(err))
		return ""
	}
	return token
}

// urlWithUID appends the uid query parameter, respecting an existing
// query string.
func urlWithUID(base, uid string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "uid=" + url.QueryEscape(uid)
}

func audioURL(base string, sampleRate int, uid string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "sample_rate=" + strconv.Itoa(sampleRate) + "&uid=" + url.QueryEscape(uid)
}

func excerpt(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > responseExcerptLen {
		s = s[:responseExcerptLen]
	}
	return s
}
