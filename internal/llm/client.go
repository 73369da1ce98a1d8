package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const (
	defaultChatModel  = "gemini-2.0-flash"
	defaultEmbedModel = "text-embedding-004"

	chatTemperature = 0.1
	chatMaxTokens   = 512
)

// Client wraps a Gemini API client bound to a single credential. Construction
// is expensive (it validates transport options), so clients are pooled by
// credential and reused across documents.
type Client struct {
	genai      *genai.Client
	model      *genai.GenerativeModel
	embedModel string
	credential string
}

// NewClient creates a Client authenticated with the given API key.
func NewClient(ctx context.Context, apiKey string) (*Client, error) {
	return NewClientWithModels(ctx, apiKey, defaultChatModel, defaultEmbedModel)
}

// NewClientWithModels creates a Client with explicit chat and embedding model
// names.
func NewClientWithModels(ctx context.Context, apiKey, chatModel, embedModel string) (*Client, error) {
	gc, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	model := gc.GenerativeModel(chatModel)
	model.SetTemperature(chatTemperature)
	model.SetMaxOutputTokens(chatMaxTokens)

	return &Client{
		genai:      gc,
		model:      model,
		embedModel: embedModel,
		credential: apiKey,
	}, nil
}

// Credential returns the API key this client was constructed with, so callers
// can attribute downstream failures back to the rotator.
func (c *Client) Credential() string {
	return c.credential
}

// Invoke sends a single prompt and returns the concatenated text of the first
// candidate's parts. An empty response is returned as an empty string, not an
// error; answer-quality handling belongs to the caller.
func (c *Client) Invoke(ctx context.Context, prompt string) (string, error) {
	resp, err := c.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String(), nil
}

// Embed returns the embedding vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	em := c.genai.EmbeddingModel(c.embedModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("embedding content: %w", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return res.Embedding.Values, nil
}

// Close releases the underlying API client.
func (c *Client) Close() error {
	return c.genai.Close()
}
