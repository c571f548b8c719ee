// Package llmclient implements the chat-completion and judge-AI clients
// (spec §4.3, §4.6 step 4) against an OpenAI-compatible endpoint, extending
// the teacher's plain chat-completion client with a structured yes/no
// decision call and multimodal image input.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Config holds the connection settings for an OpenAI-compatible endpoint.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client talks to an OpenAI-compatible chat-completions endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New builds a Client from cfg.
func New(cfg Config, logger *slog.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "llmclient"),
	}
}

// ContentPart is one piece of a multimodal message: text or an image URL.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// Message is one chat message, either plain text (Content) or multimodal
// (Parts); exactly one of the two should be set.
type Message struct {
	Role    string
	Content string
	Parts   []ContentPart
}

func textPart(text string) ContentPart { return ContentPart{Type: "text", Text: text} }

func imagePart(url string) ContentPart {
	p := ContentPart{Type: "image_url"}
	p.ImageURL = &struct {
		URL string `json:"url"`
	}{URL: url}
	return p
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

func (m Message) toWire() wireMessage {
	if len(m.Parts) > 0 {
		return wireMessage{Role: m.Role, Content: m.Parts}
	}
	return wireMessage{Role: m.Role, Content: m.Content}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Response is the parsed result of a chat completion.
type Response struct {
	Content      string
	FinishReason string
	PromptTokens int
	TotalTokens  int
}

// Complete sends messages (optionally multimodal) and returns the model's
// reply text.
func (c *Client) Complete(ctx context.Context, systemPrompt string, messages []Message, imageURLs []string) (Response, error) {
	var wire []wireMessage
	if systemPrompt != "" {
		wire = append(wire, wireMessage{Role: "system", Content: systemPrompt})
	}
	for i, m := range messages {
		if i == len(messages)-1 && len(imageURLs) > 0 && len(m.Parts) == 0 {
			parts := []ContentPart{textPart(m.Content)}
			for _, url := range imageURLs {
				parts = append(parts, imagePart(url))
			}
			wire = append(wire, wireMessage{Role: m.Role, Content: parts})
			continue
		}
		wire = append(wire, m.toWire())
	}
	return c.send(ctx, wire)
}

// DecideReply implements the judge-AI contract (spec §4.3): a structured
// yes/no decision call. Any failure — timeout, transport error, or an
// unparseable answer — is reported via err so the caller can tag the
// outcome as decision_ai_error and suppress downstream attention/humanize
// bookkeeping, per the spec's explicit instruction that such failures must
// not be silently treated as an ordinary "no".
func (c *Client) DecideReply(ctx context.Context, prompt string) (bool, error) {
	wire := []wireMessage{
		{Role: "system", Content: "You are a binary decision judge. Reply with exactly one word: YES or NO."},
		{Role: "user", Content: prompt},
	}
	resp, err := c.send(ctx, wire)
	if err != nil {
		return false, fmt.Errorf("decision_ai_error: %w", err)
	}

	answer := strings.ToUpper(strings.TrimSpace(resp.Content))
	switch {
	case strings.HasPrefix(answer, "YES"):
		return true, nil
	case strings.HasPrefix(answer, "NO"):
		return false, nil
	default:
		return false, fmt.Errorf("decision_ai_error: unparseable judge response %q", truncate(resp.Content, 80))
	}
}

func (c *Client) send(ctx context.Context, wire []wireMessage) (Response, error) {
	if c.apiKey == "" {
		return Response{}, fmt.Errorf("llm API key not configured")
	}

	reqBody := chatRequest{Model: c.model, Messages: wire}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return Response{}, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("reading response: %w", err)
	}
	duration := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("llm API error", "status", resp.StatusCode, "body", truncate(string(respBody), 500))
		return Response{}, fmt.Errorf("llm API returned %d: %s", resp.StatusCode, truncate(string(respBody), 500))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return Response{}, fmt.Errorf("parsing response: %w", err)
	}
	if chatResp.Error != nil {
		return Response{}, fmt.Errorf("llm API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return Response{}, fmt.Errorf("no response from model")
	}

	choice := chatResp.Choices[0]
	content := strings.TrimSpace(choice.Message.Content)

	c.logger.Debug("chat completion done",
		"model", c.model,
		"duration_ms", duration.Milliseconds(),
		"prompt_tokens", chatResp.Usage.PromptTokens,
		"finish_reason", choice.FinishReason,
	)

	return Response{
		Content:      content,
		FinishReason: choice.FinishReason,
		PromptTokens: chatResp.Usage.PromptTokens,
		TotalTokens:  chatResp.Usage.TotalTokens,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
