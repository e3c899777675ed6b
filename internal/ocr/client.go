package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kaiwen/docmill/internal/prompts"
	_ "golang.org/x/image/webp"
)

// Client calls an OpenAI-compatible vision chat-completions endpoint to
// transcribe one page at a time.
type Client struct {
	http       *resty.Client
	endpoint   string
	model      string
	prompt     string
	maxTokens  int
	retries    int
	retryDelay time.Duration
}

// Config holds configuration for the OCR client.
type Config struct {
	APIKey     string
	BaseURL    string        // OpenAI-compatible base URL
	Model      string        // default model; overridable per request
	Prompt     string        // OCR prompt; empty uses the default
	MaxTokens  int           // completion cap; 0 uses 16000
	Timeout    time.Duration // per-call timeout; 0 uses 60s
	Retries    int           // retries after the first attempt
	RetryDelay time.Duration // base backoff between retries
}

// New creates an OCR client.
// Parameters:
//   - cfg: client configuration including API key, base URL, and model.
//
// Returns:
//   - *Client: initialized client.
func New(cfg *Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	http := resty.New()
	http.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	http.SetHeader("Content-Type", "application/json")
	http.SetTimeout(timeout)

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 16000
	}

	prompt := cfg.Prompt
	if prompt == "" {
		prompt = prompts.Default
	}

	retryDelay := cfg.RetryDelay
	if retryDelay == 0 {
		retryDelay = 2 * time.Second
	}

	return &Client{
		http:       http,
		endpoint:   baseURL + "/chat/completions",
		model:      cfg.Model,
		prompt:     prompt,
		maxTokens:  maxTokens,
		retries:    cfg.Retries,
		retryDelay: retryDelay,
	}
}

// Model returns the default model name.
func (c *Client) Model() string {
	return c.model
}

// OpenAI-compatible Chat Completion API request/response structures
type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string, or []interface{} for user content with images
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type imageContent struct {
	Type     string   `json:"type"`
	ImageURL imageURL `json:"image_url"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// apiError carries the HTTP status of a failed call so the retry loop
// can tell transient failures from caller errors.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("OCR API returned error: HTTP %d: %s", e.status, e.message)
}

// retryable reports whether another attempt can change the outcome.
// Client errors are final, except timeouts and rate limits.
func (e *apiError) retryable() bool {
	if e.status == 408 || e.status == 429 {
		return true
	}
	return e.status < 400 || e.status >= 500
}

// Recognize transcribes one page to Markdown.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - page: raw page bytes (image or single-page PDF).
//   - format: format hint from the page source; empty triggers sniffing.
//   - model: model override; empty uses the client default.
//
// Returns:
//   - string: cleaned Markdown text.
//   - error: non-nil if every attempt fails.
func (c *Client) Recognize(ctx context.Context, page []byte, format, model string) (string, error) {
	if model == "" {
		model = c.model
	}
	if format == "" {
		format = sniffFormat(page)
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType(format), base64.StdEncoding.EncodeToString(page))

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		text, err := c.recognizeOnce(ctx, dataURL, model)
		if err == nil {
			return CleanMarkdown(text), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", lastErr
		}
		var apiErr *apiError
		if errors.As(err, &apiErr) && !apiErr.retryable() {
			return "", lastErr
		}
	}
	return "", lastErr
}

func (c *Client) recognizeOnce(ctx context.Context, dataURL, model string) (string, error) {
	req := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{
				Role: "user",
				Content: []interface{}{
					textContent{Type: "text", Text: c.prompt},
					imageContent{
						Type: "image_url",
						ImageURL: imageURL{
							URL:    dataURL,
							Detail: "auto", // better text recognition than low
						},
					},
				},
			},
		},
		MaxTokens: c.maxTokens,
	}

	var resp chatResponse
	httpResp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post(c.endpoint)

	if err != nil {
		return "", fmt.Errorf("failed to call OCR API: %w", err)
	}

	if httpResp.StatusCode() < 200 || httpResp.StatusCode() >= 300 {
		if resp.Error != nil {
			return "", &apiError{status: httpResp.StatusCode(), message: resp.Error.Message}
		}
		return "", &apiError{status: httpResp.StatusCode(), message: string(httpResp.Body())}
	}

	if resp.Error != nil {
		return "", fmt.Errorf("OCR API error: %s", resp.Error.Message)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from OCR API (status: %d)", httpResp.StatusCode())
	}

	return resp.Choices[0].Message.Content, nil
}

// sniffFormat detects the page payload format. Image formats are
// detected via the registered decoders (png, jpeg, gif, webp); anything
// starting with the PDF magic is a single-page document; unknown
// payloads fall back to png.
func sniffFormat(data []byte) string {
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return "pdf"
	}
	if _, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		return format
	}
	return "png"
}

// mimeType maps a format hint to its MIME type.
func mimeType(format string) string {
	switch format {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "pdf":
		return "application/pdf"
	default:
		return "image/png"
	}
}
