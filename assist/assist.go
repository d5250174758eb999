// Package assist answers questions about a board with an LLM. The client is
// built once at startup from configuration and injected where needed.
package assist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/boardkeeper/horosafe"
)

// ErrDisabled is returned when no completion endpoint is configured.
var ErrDisabled = errors.New("assist: completion disabled")

// Completer answers a question from the text of a board.
type Completer interface {
	Complete(ctx context.Context, question, boardText string) (string, error)
}

// Config configures the chat completion client.
type Config struct {
	// Endpoint is the base URL of an OpenAI-compatible server. Empty disables assist.
	Endpoint string `yaml:"endpoint"`

	Model string `yaml:"model"`

	// APIKey comes from the environment, never from the config file.
	APIKey string `yaml:"-"`

	// Timeout per request. Default: 60s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxContext caps board text passed to the model, in runes. Default: 12000.
	MaxContext int `yaml:"max_context"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxContext <= 0 {
		c.MaxContext = 12000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// New returns an HTTP completer, or one that always fails with ErrDisabled
// when no endpoint is configured.
func New(cfg Config) Completer {
	cfg.defaults()
	if cfg.Endpoint == "" {
		return disabled{}
	}
	return &chatClient{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

type disabled struct{}

func (disabled) Complete(context.Context, string, string) (string, error) { return "", ErrDisabled }

const systemPrompt = `You are the assistant of a collaborative whiteboard.
Answer using only the board content provided. If the board does not contain
the answer, say so briefly.`

// BuildPrompt formats the user message from a question and the board text,
// truncating the text to maxRunes.
func BuildPrompt(question, boardText string, maxRunes int) string {
	if r := []rune(boardText); maxRunes > 0 && len(r) > maxRunes {
		boardText = string(r[:maxRunes]) + "\n[truncated]"
	}
	var b strings.Builder
	b.WriteString("Board content:\n")
	if strings.TrimSpace(boardText) == "" {
		b.WriteString("(empty board)\n")
	} else {
		b.WriteString(boardText)
		b.WriteString("\n")
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(strings.TrimSpace(question))
	return b.String()
}

type chatClient struct {
	endpoint string
	cfg      Config
	client   *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends question and board text as one chat turn.
func (c *chatClient) Complete(ctx context.Context, question, boardText string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: BuildPrompt(question, boardText, c.cfg.MaxContext)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("assist: marshal: %w", err)
	}

	url := c.endpoint + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("assist: POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("assist: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	raw, err := horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
	if err != nil {
		return "", fmt.Errorf("assist: %w", err)
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("assist: decode: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("assist: empty completion")
	}

	c.cfg.Logger.Debug("assist: completed", "model", c.cfg.Model, "duration_ms", time.Since(start).Milliseconds())
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}
