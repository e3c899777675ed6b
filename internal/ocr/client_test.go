package ocr

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSniffFormat(t *testing.T) {
	pngData := encodePNG(t)

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"pdf magic", []byte("%PDF-1.7\n..."), "pdf"},
		{"png header", pngData, "png"},
		{"unknown bytes fall back to png", []byte{0x00, 0x01, 0x02}, "png"},
		{"empty", nil, "png"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := sniffFormat(tc.data); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMimeType(t *testing.T) {
	tests := []struct {
		format string
		want   string
	}{
		{"png", "image/png"},
		{"jpg", "image/jpeg"},
		{"jpeg", "image/jpeg"},
		{"gif", "image/gif"},
		{"webp", "image/webp"},
		{"pdf", "application/pdf"},
		{"tiff", "image/png"},
	}

	for _, tc := range tests {
		if got := mimeType(tc.format); got != tc.want {
			t.Errorf("mimeType(%q) = %q, want %q", tc.format, got, tc.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	c := New(&Config{APIKey: "test", Model: "gpt-4o-mini"})
	if c.endpoint != "https://api.openai.com/v1/chat/completions" {
		t.Errorf("endpoint %q", c.endpoint)
	}
	if c.maxTokens != 16000 {
		t.Errorf("max tokens %d, want 16000", c.maxTokens)
	}
	if c.prompt == "" {
		t.Error("expected a default prompt")
	}
	if c.retryDelay <= 0 {
		t.Error("expected a default retry delay")
	}
}

func TestConfigOverrides(t *testing.T) {
	c := New(&Config{
		APIKey:  "test",
		BaseURL: "https://openrouter.ai/api/v1",
		Model:   "qwen/qwen2.5-vl-72b-instruct",
	})
	if c.endpoint != "https://openrouter.ai/api/v1/chat/completions" {
		t.Errorf("endpoint %q", c.endpoint)
	}
	if c.Model() != "qwen/qwen2.5-vl-72b-instruct" {
		t.Errorf("model %q", c.Model())
	}
}

func TestRetryableStatus(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{401, false},
		{403, false},
		{404, false},
		{408, true},
		{413, false},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
	}

	for _, tc := range tests {
		e := &apiError{status: tc.status}
		if got := e.retryable(); got != tc.want {
			t.Errorf("retryable(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

// TestRecognizeStopsOnClientError verifies a caller error such as a bad
// API key surfaces after a single attempt instead of burning retries.
func TestRecognizeStopsOnClientError(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer srv.Close()

	c := New(&Config{
		APIKey:     "bad",
		BaseURL:    srv.URL,
		Model:      "gpt-4o-mini",
		Retries:    3,
		RetryDelay: time.Millisecond,
	})

	_, err := c.Recognize(context.Background(), []byte("%PDF-1.7"), "pdf", "")
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("server hit %d times, want 1", got)
	}
}

// TestRecognizeRetriesServerError verifies transient upstream failures
// are retried until an attempt succeeds.
func TestRecognizeRetriesServerError(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"# Page text"}}]}`))
	}))
	defer srv.Close()

	c := New(&Config{
		APIKey:     "test",
		BaseURL:    srv.URL,
		Model:      "gpt-4o-mini",
		Retries:    3,
		RetryDelay: time.Millisecond,
	})

	text, err := c.Recognize(context.Background(), []byte("%PDF-1.7"), "pdf", "")
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if text != "# Page text" {
		t.Errorf("text %q", text)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("server hit %d times, want 3", got)
	}
}

func encodePNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
