package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"livelens/internal/domain"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 64 * 1024
)

// ClientConfig configures the Gemini REST client.
type ClientConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Client calls the generateContent endpoint and normalizes Google API errors.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	ResponseMimeType   string   `json:"responseMimeType,omitempty"`
	ResponseModalities []string `json:"responseModalities,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty"`
}

type generateRequest struct {
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Contents          []content         `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type generateResponse struct {
	Candidates     []candidate `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		} `json:"details"`
	} `json:"error"`
}

func (c *Client) generateContent(ctx context.Context, provider string, model string, req generateRequest) (generateResponse, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return generateResponse{}, errors.New("GEMINI_API_KEY is not configured")
	}
	if strings.TrimSpace(model) == "" {
		return generateResponse{}, fmt.Errorf("%s model is not configured", provider)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return generateResponse{}, fmt.Errorf("encode %s request: %w", provider, err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.cfg.BaseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return generateResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return generateResponse{}, &domain.ProviderError{Provider: provider, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return generateResponse{}, parseAPIError(provider, resp.StatusCode, resp.Header.Get("Retry-After"), raw)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return generateResponse{}, &domain.ProviderError{Provider: provider, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}
	if out.PromptFeedback != nil && out.PromptFeedback.BlockReason != "" {
		return generateResponse{}, &domain.ProviderError{Provider: provider, Message: "prompt blocked: " + out.PromptFeedback.BlockReason}
	}
	if len(out.Candidates) == 0 {
		return generateResponse{}, &domain.ProviderError{Provider: provider, Message: "no candidates in response"}
	}
	return out, nil
}

func parseAPIError(provider string, statusCode int, retryAfter string, raw []byte) *domain.ProviderError {
	providerErr := &domain.ProviderError{Provider: provider, StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && (envelope.Error.Status != "" || envelope.Error.Message != "") {
		providerErr.Status = envelope.Error.Status
		providerErr.Message = envelope.Error.Message
		for _, detail := range envelope.Error.Details {
			if !strings.HasSuffix(detail.Type, "google.rpc.RetryInfo") {
				continue
			}
			if delay, err := time.ParseDuration(detail.RetryDelay); err == nil && delay > 0 {
				providerErr.RetryAfter = delay
			}
		}
	} else {
		providerErr.Message = strings.TrimSpace(string(raw))
	}

	if providerErr.RetryAfter == 0 {
		if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs > 0 {
			providerErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return providerErr
}

// firstText concatenates the text parts of the first candidate.
func firstText(resp generateResponse) string {
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return strings.TrimSpace(b.String())
}

// stripCodeFence removes a surrounding markdown code fence.
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if newline := strings.IndexByte(text, '\n'); newline >= 0 {
		text = text[newline+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))
}
