package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/pavelanni/bloomgen/internal/model"
)

const systemPrompt = "You are an experienced university examiner who writes syllabus-aligned exam questions. " +
	"Respond ONLY with a single JSON object."

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	Model      string
	EmbedModel string
	// RequestsPerSecond caps outgoing calls; zero or less means unlimited.
	RequestsPerSecond float64
	Burst             int
	Temperature       float32
}

// Client wraps an OpenAI-compatible API client for completions and embeddings.
type Client struct {
	api         *openai.Client
	model       string
	embedModel  string
	temperature float32
	limiter     *rate.Limiter
}

// New creates a new LLM client.
func New(opts Options) *Client {
	config := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		config.BaseURL = opts.BaseURL
	}
	limit := rate.Inf
	burst := opts.Burst
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	if burst < 1 {
		burst = 1
	}
	embedModel := opts.EmbedModel
	if embedModel == "" {
		embedModel = opts.Model
	}
	return &Client{
		api:         openai.NewClientWithConfig(config),
		model:       opts.Model,
		embedModel:  embedModel,
		temperature: opts.Temperature,
		limiter:     rate.NewLimiter(limit, burst),
	}
}

// ChatModel returns the completion model name.
func (c *Client) ChatModel() string {
	return c.model
}

// ModelName returns the embedding model name.
func (c *Client) ModelName() string {
	return c.embedModel
}

// Complete sends one prompt and returns the raw text of the first choice.
// The call is bounded by timeout; exceeding it yields a generation_timeout error.
func (c *Client) Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: c.temperature,
	})
	if err != nil {
		return "", timeoutOr(ctx, err, "LLM API call")
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "model", c.model, "elapsed", time.Since(start), "raw", raw)
	return raw, nil
}

// Embed returns one embedding per text using the configured embedding model.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.embedModel),
	})
	if err != nil {
		return nil, timeoutOr(ctx, err, "embeddings API call")
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embeddings: index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Ping checks that the endpoint answers by listing models.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// wait takes a rate limit token. The limiter fails early when the next token
// is due after ctx's deadline, so with a deadline set any failure is a timeout.
func (c *Client) wait(ctx context.Context) error {
	err := c.limiter.Wait(ctx)
	if err == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); ok {
		return model.Wrap(model.KindGenerationTimeout, err, "wait for LLM rate limit timed out")
	}
	return timeoutOr(ctx, err, "wait for LLM rate limit")
}

func timeoutOr(ctx context.Context, err error, msg string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.Wrap(model.KindGenerationTimeout, err, msg+" timed out")
	}
	return fmt.Errorf("%s: %w", msg, err)
}
