package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"anomaly-view/internal/domain/port"
)

// defaultTimeout: модели на CPU отвечают долго.
const defaultTimeout = 5 * time.Minute

// chatAPI: часть api.Client, которая нужна клиенту.
type chatAPI interface {
	Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error
}

// Client обёртка над Ollama API
type Client struct {
	api     chatAPI
	Options map[string]any
}

// NewClient создаёт клиент Ollama. Путь в URL (например /api/chat) отбрасывается.
func NewClient(ollamaURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %q", parsed.Scheme)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	base := &url.URL{Scheme: parsed.Scheme, Host: parsed.Host}
	return &Client{
		api:     api.NewClient(base, httpClient),
		Options: map[string]any{"temperature": 0.2},
	}, nil
}

// Query отправляет промпт с картинкой и возвращает текст ответа.
func (c *Client) Query(ctx context.Context, model, prompt string, image []byte) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	stream := false
	req := &api.ChatRequest{
		Model: model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: prompt,
				Images:  []api.ImageData{api.ImageData(image)},
			},
		},
		Stream:  &stream,
		Options: c.Options,
	}

	var content strings.Builder
	err := c.api.Chat(ctx, req, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}

	if content.Len() == 0 {
		return "", errors.New("empty response from ollama")
	}
	return content.String(), nil
}

var _ port.VisionClient = (*Client)(nil)
