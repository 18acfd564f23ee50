// Package gateway is the HTTP client for the model-gateway service:
// embedding, semantic retrieval, proactive generation, image analysis
// and push delivery all live behind it. The hub treats every call as
// opaque and bounded.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"apphub/internal/model"
	"apphub/internal/proactive"
	"apphub/internal/push"
	logx "apphub/pkg/logx"
)

type Config struct {
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	base   string
	client *http.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Embed implements proactive.Embedder.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	var out struct {
		Vector []float64 `json:"vector"`
	}
	err := c.post(ctx, "/v1/embeddings", map[string]any{"text": text}, &out)
	if err != nil {
		return nil, err
	}
	return out.Vector, nil
}

// Query implements proactive.Retriever.
func (c *Client) Query(ctx context.Context, uid string, vector []float64, f proactive.Filters) ([]model.Conversation, error) {
	var out struct {
		Conversations []model.Conversation `json:"conversations"`
	}
	err := c.post(ctx, "/v1/retrieval/query", map[string]any{
		"uid":     uid,
		"vector":  vector,
		"filters": f,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// Generate implements proactive.Generator.
func (c *Client) Generate(ctx context.Context, req proactive.GenerateRequest) (string, error) {
	var out struct {
		Message string `json:"message"`
	}
	err := c.post(ctx, "/v1/proactive/generate", map[string]any{
		"uid":     req.UID,
		"prompt":  req.Prompt,
		"scopes":  req.Scopes,
		"context": req.Context,
		"history": req.History,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Message, nil
}

// Analyze implements confidence.Analyzer.
func (c *Client) Analyze(ctx context.Context, prompt, imageURL string) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	err := c.post(ctx, "/v1/vision/analyze", map[string]any{
		"prompt":    prompt,
		"image_url": imageURL,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

// Send implements push.Transport.
func (c *Client) Send(ctx context.Context, n push.Notification) error {
	return c.post(ctx, "/v1/push/send", map[string]any{
		"token":   n.Token,
		"title":   n.Title,
		"body":    n.Body,
		"payload": n.Payload,
	}, nil)
}

func (c *Client) post(ctx context.Context, path string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		excerpt := strings.TrimSpace(string(raw))
		if len(excerpt) > 100 {
			excerpt = excerpt[:100]
		}
		return fmt.Errorf("gateway %s: status %d: %s", path, resp.StatusCode, excerpt)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
