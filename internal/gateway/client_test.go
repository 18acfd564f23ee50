package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"apphub/internal/proactive"
	"apphub/internal/push"
	logx "apphub/pkg/logx"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL}, logx.Nop())
}

func TestEmbed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		var in struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in.Text != "hello" {
			http.Error(w, "bad input", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"vector": []float64{0.1, 0.2, 0.3}})
	})

	v, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(v) != 3 || v[0] != 0.1 {
		t.Fatalf("vector = %v", v)
	}
}

func TestGenerateRoundTrip(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["uid"] != "u1" || in["prompt"] != "nudge" {
			http.Error(w, "bad input", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "remember to stretch"})
	})

	msg, err := c.Generate(context.Background(), proactive.GenerateRequest{UID: "u1", Prompt: "nudge"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if msg != "remember to stretch" {
		t.Fatalf("message = %q", msg)
	}
}

func TestNon200IsError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	})

	_, err := c.Analyze(context.Background(), "p", "http://x.test/i.jpg")
	if err == nil {
		t.Fatalf("expected error on 503")
	}
	if !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "model overloaded") {
		t.Fatalf("error = %v", err)
	}
}

func TestSendPush(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/push/send" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	})

	err := c.Send(context.Background(), push.Notification{
		Token: "tok", Title: "t", Body: "b",
		Payload: map[string]string{"navigate_to": "/chat/a1"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["token"] != "tok" {
		t.Fatalf("body = %v", got)
	}
	payload, _ := got["payload"].(map[string]any)
	if payload["navigate_to"] != "/chat/a1" {
		t.Fatalf("payload = %v", payload)
	}
}
