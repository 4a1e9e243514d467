package adapter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/danielpatrickdp/residue-eval/internal/trace"
	"github.com/sashabaranov/go-openai"
)

// #region openai-config

// OpenAIConfig configures the OpenAI-compatible chat adapter.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string // empty = api.openai.com; any compatible server otherwise
	Model       string
	TopLogProbs int // alternatives per token, 1..20
	Temperature float32
	MaxTokens   int
}

// #endregion openai-config

// #region openai-client

// OpenAI is an Adapter backed by a chat-completions endpoint with logprobs enabled.
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAI creates the adapter. It performs no network calls.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.TopLogProbs < 1 {
		cfg.TopLogProbs = 1
	}
	if cfg.TopLogProbs > 20 {
		cfg.TopLogProbs = 20
	}
	return &OpenAI{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}
}

// #endregion openai-client

// #region openai-complete

// Complete replays the history as alternating user/assistant messages and asks for the next turn.
func (o *OpenAI) Complete(ctx context.Context, req Request) (Completion, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, 2*len(req.History)+1)
	for _, turn := range req.History {
		msgs = append(msgs,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: turn.Prompt},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: turn.Completion},
		)
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	chatReq := openai.ChatCompletionRequest{
		Model:       o.cfg.Model,
		Messages:    msgs,
		LogProbs:    true,
		TopLogProbs: o.cfg.TopLogProbs,
		Temperature: o.cfg.Temperature,
	}
	if o.cfg.MaxTokens > 0 {
		chatReq.MaxCompletionTokens = o.cfg.MaxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return Completion{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, TransientError("chat completion", errors.New("no choices returned"))
	}

	choice := resp.Choices[0]
	out := Completion{Text: choice.Message.Content}
	if choice.LogProbs != nil {
		out.Tokens = make([]trace.TokenProb, 0, len(choice.LogProbs.Content))
		for _, lp := range choice.LogProbs.Content {
			tp := trace.TokenProb{Token: lp.Token, Prob: math.Exp(lp.LogProb)}
			for _, alt := range lp.TopLogProbs {
				tp.TopK = append(tp.TopK, math.Exp(alt.LogProb))
			}
			out.Tokens = append(out.Tokens, tp)
		}
	}
	return out, nil
}

// #endregion openai-complete

// #region openai-errors

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyHTTPStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyHTTPStatus(reqErr.HTTPStatusCode, err)
	}
	return TransientError("chat completion", err)
}

func classifyHTTPStatus(code int, err error) error {
	op := fmt.Sprintf("chat completion (http %d)", code)
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return TransientError(op, err)
	case code >= 400:
		return PermanentError(op, err)
	}
	return TransientError(op, err)
}

// #endregion openai-errors
