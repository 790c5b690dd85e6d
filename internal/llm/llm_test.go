package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/nhle/mailtriage/internal/fault"
)

func noSleep(t *transport) *transport {
	t.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return t
}

func TestOpenAIComplete(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"Receipts"}}]}`)
	}))
	defer srv.Close()

	m := NewOpenAI("key", "", srv.URL, noSleep(newTransport(0)))
	out, err := m.Complete(context.Background(), Request{
		Purpose:     "classify",
		System:      "sys",
		Messages:    []Message{{Role: RoleUser, Content: "hi"}},
		MaxTokens:   50,
		Temperature: 0.3,
		JSON:        true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "Receipts" {
		t.Errorf("out = %q", out)
	}
	if got.Model != defaultOpenAIModel {
		t.Errorf("model = %q", got.Model)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v", got.ResponseFormat)
	}
}

func TestAnthropicJSONPrefill(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "key" || r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("headers = %v", r.Header)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = io.WriteString(w, `{"content":[{"type":"text","text":"\"actions\":[]}"}],"stop_reason":"end_turn"}`)
	}))
	defer srv.Close()

	m := NewAnthropic("key", "", srv.URL, noSleep(newTransport(0)))
	out, err := m.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "plan"}},
		JSON:     true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != `{"actions":[]}` {
		t.Errorf("out = %q", out)
	}
	last := got.Messages[len(got.Messages)-1]
	if last.Role != "assistant" || last.Content != "{" {
		t.Errorf("last message = %+v; want assistant prefill", last)
	}
	if !strings.Contains(got.System, "JSON") {
		t.Errorf("system = %q", got.System)
	}
	if got.MaxTokens != 1024 {
		t.Errorf("max_tokens = %d", got.MaxTokens)
	}
}

func TestTransportRetriesRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	tr := newTransport(0)
	var waits []time.Duration
	tr.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	out, err := NewOpenAI("k", "", srv.URL, tr).Complete(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "ok" || atomic.LoadInt32(&calls) != 3 {
		t.Errorf("out = %q calls = %d", out, calls)
	}
	if len(waits) != 2 || waits[0] != time.Second {
		t.Errorf("waits = %v", waits)
	}
}

func TestTransportErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   fault.Kind
	}{
		{"server error exhausts retries", http.StatusBadGateway, `{}`, fault.KindTransientExternal},
		{"client error", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, fault.KindTransientExternal},
		{"garbage body", http.StatusOK, `not json`, fault.KindModelInvalid},
		{"no choices", http.StatusOK, `{"choices":[]}`, fault.KindModelInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			tr := newTransport(0)
			tr.sleep = func(context.Context, time.Duration) error { return nil }
			_, err := NewOpenAI("k", "", srv.URL, tr).Complete(context.Background(), Request{})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := fault.KindOf(err); got != tt.want {
				t.Errorf("kind = %v; want %v (%v)", got, tt.want, err)
			}
		})
	}
}

func TestRetryAfterDuration(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	if got := retryAfterDuration(resp, 0); got != time.Second {
		t.Errorf("attempt 0 = %v", got)
	}
	if got := retryAfterDuration(resp, 2); got != 4*time.Second {
		t.Errorf("attempt 2 = %v", got)
	}
	if got := retryAfterDuration(resp, 10); got != 30*time.Second {
		t.Errorf("attempt 10 = %v", got)
	}
	resp.Header.Set("Retry-After", "7")
	if got := retryAfterDuration(resp, 0); got != 7*time.Second {
		t.Errorf("header = %v", got)
	}
}

func TestNewUnknownProvider(t *testing.T) {
	if _, err := New(Config{Provider: "llama", APIKey: "k"}); err == nil {
		t.Error("expected error for unknown provider")
	}
	if _, err := New(Config{Provider: "openai"}); err == nil {
		t.Error("expected error for missing key")
	}
	if _, err := New(Config{Provider: "anthropic", APIKey: "k"}); err != nil {
		t.Errorf("anthropic: %v", err)
	}
}
