package modbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"slices"
	"strings"
)

const (
	promptRoleSystem = openai.ChatMessageRoleSystem
	promptRoleUser   = openai.ChatMessageRoleUser
)

// ModerationResult is the outcome of classifying a piece of text
type ModerationResult struct {
	Flagged bool

	// Categories holds the raw names of every flagged category,
	// sorted (ex: "harassment", "self-harm/intent")
	Categories []string
}

// Moderator classifies text as harmful or not
type Moderator interface {
	Classify(ctx context.Context, text string) (*ModerationResult, error)
}

// PromptMessage is a single message of a text generation prompt
type PromptMessage struct {
	Role    string
	Content string
}

// TextGenerator completes a prompt
type TextGenerator interface {
	Complete(ctx context.Context, messages []PromptMessage) (string, error)
}

// OpenAIClient is the subset of the go-openai client used by the bot
type OpenAIClient interface {
	Moderations(
		ctx context.Context,
		request openai.ModerationRequest,
	) (response openai.ModerationResponse, err error)

	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// OpenAI implements Moderator and TextGenerator on top of the OpenAI
// API. Requests from both share one rate limiter.
type OpenAI struct {
	client         OpenAIClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
}

func newOpenAI(config *OpenAIConfig, httpClient *http.Client) *OpenAI {
	clientCfg := openai.DefaultConfig(config.Token)
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	return newOpenAIWithClient(config, openai.NewClientWithConfig(clientCfg))
}

func newOpenAIWithClient(config *OpenAIConfig, client OpenAIClient) *OpenAI {
	return &OpenAI{
		client: client,
		config: config,
		logger: newComponentLogger("openai", config.LogLevel),
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			max(1, int(config.MaxRequestsPerSecond)),
		),
	}
}

// waitOnRequestLimiter waits for the request limiter to allow the next request,
// returning any error from the limiter itself
func (o *OpenAI) waitOnRequestLimiter(ctx context.Context) error {
	return o.requestLimiter.Wait(ctx)
}

func (o *OpenAI) Classify(ctx context.Context, text string) (*ModerationResult, error) {
	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return nil, newExternalServiceError("openai_moderation", err)
	}
	resp, err := o.client.Moderations(
		ctx, openai.ModerationRequest{
			Input: text,
			Model: o.config.ModerationModel,
		},
	)
	if err != nil {
		return nil, newExternalServiceError("openai_moderation", err)
	}
	o.logger.DebugContext(ctx, "moderation response", "id", resp.ID, "results", len(resp.Results))

	result := &ModerationResult{}
	for _, r := range resp.Results {
		if !r.Flagged {
			continue
		}
		result.Flagged = true
		categories, err := flaggedCategories(r.Categories)
		if err != nil {
			return nil, err
		}
		for _, c := range categories {
			if !slices.Contains(result.Categories, c) {
				result.Categories = append(result.Categories, c)
			}
		}
	}
	slices.Sort(result.Categories)
	return result, nil
}

// flaggedCategories returns the names of every category set to true,
// as they appear in the API's JSON
func flaggedCategories(c openai.ResultCategories) ([]string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("error marshaling categories: %w", err)
	}
	var m map[string]bool
	if err = json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("error unmarshaling categories: %w", err)
	}
	var names []string
	for name, flagged := range m {
		if flagged {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

var categoryCaser = cases.Title(language.English)

// humanizeCategory turns a raw category name like "self-harm/intent"
// into "Self-Harm Intent"
func humanizeCategory(name string) string {
	name = strings.NewReplacer("_", " ", "/", " ").Replace(name)
	return categoryCaser.String(name)
}

func (o *OpenAI) Complete(ctx context.Context, messages []PromptMessage) (string, error) {
	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return "", newExternalServiceError("openai_chat", err)
	}
	req := openai.ChatCompletionRequest{
		Model:       o.config.ChatModel,
		Temperature: o.config.Temperature,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(
			req.Messages, openai.ChatCompletionMessage{
				Role:    m.Role,
				Content: m.Content,
			},
		)
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", newExternalServiceError("openai_chat", err)
	}
	o.logger.DebugContext(
		ctx,
		"chat completion response",
		"id", resp.ID,
		"total_tokens", resp.Usage.TotalTokens,
	)
	if len(resp.Choices) == 0 {
		return "", newExternalServiceError("openai_chat", errors.New("no choices returned"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
