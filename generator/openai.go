package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Riyaanquadri/imrantweetbot/util/robusthttp"
)

const (
	postSystemPrompt = "You are an assistant that drafts short, factual, and clear posts about crypto projects. " +
		"You must NOT provide financial advice or recommendations, and you must not make unverifiable claims. " +
		"Keep the post within 280 characters. Add 'Not financial advice.' when relevant."
	replySystemPrompt = "You are an assistant that composes polite, concise replies about crypto projects. " +
		"Do NOT provide investment advice or make claims about guaranteed returns. Keep within 280 characters."
)

// ChatClient drafts text with an OpenAI-compatible chat completions endpoint.
type ChatClient struct {
	Client      *http.Client
	URL         string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Logger      *slog.Logger
}

var _ Generator = (*ChatClient)(nil)

func NewChatClient(url, apiKey, model string, logger *slog.Logger) *ChatClient {
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	logger = logger.With("component", "generator")
	return &ChatClient{
		Client:      robusthttp.NewClient(robusthttp.WithLogger(logger), robusthttp.WithMaxRetries(2)),
		URL:         strings.TrimSuffix(url, "/"),
		APIKey:      apiKey,
		Model:       model,
		Temperature: 0.5,
		MaxTokens:   120,
		Logger:      logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	N           int           `json:"n"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *ChatClient) complete(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
		N:           1,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	start := time.Now()
	resp, err := c.Client.Do(req)
	if err != nil {
		generatorRequestDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return "", fmt.Errorf("chat completion request: %w", err)
	}
	defer resp.Body.Close()
	generatorRequestDuration.WithLabelValues(fmt.Sprint(resp.StatusCode)).Observe(time.Since(start).Seconds())

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding chat completion (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != nil {
			return "", fmt.Errorf("chat completion HTTP %d: %s", resp.StatusCode, out.Error.Message)
		}
		return "", fmt.Errorf("chat completion HTTP %d", resp.StatusCode)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("chat completion returned no content")
	}
	return Truncate(out.Choices[0].Message.Content), nil
}

func (c *ChatClient) GenerateText(ctx context.Context, topic, tone string) (string, error) {
	if tone == "" {
		tone = "concise"
	}
	user := fmt.Sprintf("Draft a %s post (single post) summarizing the following context for followers who track the project:\n\n%s\n\n"+
		"Be precise and avoid sensational language. Do NOT include private or leaked info. "+
		"If the context includes a claim about price or returns, refuse to state it and instead advise to check official sources.", tone, topic)
	return c.complete(ctx, postSystemPrompt, user)
}

func (c *ChatClient) GenerateReply(ctx context.Context, mentionText, tone string) (string, error) {
	if tone == "" {
		tone = "helpful"
	}
	user := fmt.Sprintf("Compose a %s reply to this mention while being factual and concise. "+
		"Include a short acknowledgement and a useful pointer if appropriate. Mention text: %q\n\n"+
		"Do not include any URLs unless explicitly supplied.", tone, mentionText)
	return c.complete(ctx, replySystemPrompt, user)
}
