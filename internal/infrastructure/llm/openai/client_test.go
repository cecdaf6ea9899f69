package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
	"github.com/kirillkom/invoice-intake/internal/infrastructure/resilience"
)

func chatServer(t *testing.T, content string, captured *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "missing key", http.StatusUnauthorized)
			return
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if captured != nil {
			*captured = payload
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": content}}},
		})
	}))
}

func testExecutor() *resilience.Executor {
	cfg := resilience.DefaultConfig()
	cfg.RetryMaxAttempts = 3
	cfg.RetryInitialBackoff = time.Millisecond
	cfg.RetryMaxBackoff = time.Millisecond
	cfg.BreakerEnabled = false
	return resilience.NewExecutor(cfg)
}

func TestExtractFieldsSendsJSONModeRequest(t *testing.T) {
	var captured map[string]any
	server := chatServer(t, `{"docType":"Fatura","docNumber":"FT 2024/7","total":"123,40","date":"2024-02-01"}`, &captured)
	defer server.Close()

	client := New(Config{BaseURL: server.URL, APIKey: "secret", Model: "gpt-test"}, testExecutor(), nil)
	out, err := client.ExtractFields(context.Background(), "Fatura FT 2024/7 total 123,40")
	if err != nil {
		t.Fatalf("ExtractFields() error = %v", err)
	}
	if out.DocNumber != "FT 2024/7" || out.Total != 123.4 {
		t.Fatalf("unexpected extraction: %+v", out)
	}
	if captured["model"] != "gpt-test" {
		t.Fatalf("expected model in request, got %v", captured["model"])
	}
	format, _ := captured["response_format"].(map[string]any)
	if format["type"] != "json_object" {
		t.Fatalf("expected json_object response format, got %v", captured["response_format"])
	}
	messages, _ := captured["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(messages))
	}
	user, _ := messages[1].(map[string]any)
	if content, _ := user["content"].(string); !strings.Contains(content, "FT 2024/7") {
		t.Fatalf("expected document text in user message, got %q", content)
	}
}

func TestClientDefaultsModel(t *testing.T) {
	var captured map[string]any
	server := chatServer(t, `{"docNumber":"FT 2024/7"}`, &captured)
	defer server.Close()

	client := New(Config{BaseURL: server.URL, APIKey: "secret"}, testExecutor(), nil)
	if _, err := client.ExtractFields(context.Background(), "Fatura FT 2024/7"); err != nil {
		t.Fatalf("ExtractFields() error = %v", err)
	}
	if captured["model"] != defaultModel {
		t.Fatalf("expected default model %q, got %v", defaultModel, captured["model"])
	}
}

func TestExtractFieldsRejectsBadJSON(t *testing.T) {
	server := chatServer(t, "I could not read this document", nil)
	defer server.Close()

	client := New(Config{BaseURL: server.URL, APIKey: "secret"}, testExecutor(), nil)
	_, err := client.ExtractFields(context.Background(), "text")
	if !domain.IsKind(err, domain.ErrProviderFailure) {
		t.Fatalf("expected provider failure, got %v", err)
	}
}

func TestExtractDocNumberOmitsResponseFormat(t *testing.T) {
	var captured map[string]any
	server := chatServer(t, "\"INV-2024-001\"", &captured)
	defer server.Close()

	client := New(Config{BaseURL: server.URL, APIKey: "secret"}, nil, nil)
	number, err := client.ExtractDocNumber(context.Background(), "text")
	if err != nil {
		t.Fatalf("ExtractDocNumber() error = %v", err)
	}
	if number != "INV-2024-001" {
		t.Fatalf("expected INV-2024-001, got %q", number)
	}
	if _, ok := captured["response_format"]; ok {
		t.Fatalf("expected free-text request, got %v", captured["response_format"])
	}
}

func TestCompleteRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"docNumber\":\"FT 1/2024\"}"}}]}`))
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL}, testExecutor(), nil)
	out, err := client.ExtractFields(context.Background(), "text")
	if err != nil {
		t.Fatalf("ExtractFields() error = %v", err)
	}
	if out.DocNumber != "FT 1/2024" || calls.Load() != 2 {
		t.Fatalf("expected retry then success, got %q after %d calls", out.DocNumber, calls.Load())
	}
}

func TestExtractDocNumberIsSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL}, testExecutor(), nil)
	if _, err := client.ExtractDocNumber(context.Background(), "text"); !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestClientErrorIncludesBodyAndIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "invalid model", http.StatusBadRequest)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL}, testExecutor(), nil)
	_, err := client.ExtractDocNumber(context.Background(), "text")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "invalid model") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrProviderFailure) || domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected non-temporary provider failure, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestServerErrorsBecomeTemporary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL}, testExecutor(), nil)
	_, err := client.ExtractFields(context.Background(), "text")
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
}
