package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/soochol/nodeflow/internal/flow"
	"github.com/soochol/nodeflow/internal/flow/ports"
)

// aiAction calls an OpenAI-compatible chat completions endpoint. The
// credential supplies the API key.
type aiAction struct {
	client  *http.Client
	tokens  ports.TokenProvider
	baseURL string
	model   string
}

func (a *aiAction) ID() string { return flow.ActionAIGenerate }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (a *aiAction) Run(ctx context.Context, cfg flow.ActionConfig) (map[string]any, error) {
	c := cfg.(*flow.AIGenerateConfig)
	if c.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	model := c.Model
	if model == "" {
		model = a.model
	}
	apiKey, err := token(ctx, a.tokens, c.CredentialID)
	if err != nil {
		return nil, err
	}

	req := chatRequest{Model: model}
	if c.System != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: c.System})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: c.Prompt})
	if c.Temperature != 0 {
		t := c.Temperature
		req.Temperature = &t
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, snippet(raw))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	return map[string]any{
		"text":         out.Choices[0].Message.Content,
		"model":        out.Model,
		"finishReason": out.Choices[0].FinishReason,
		"usage": map[string]any{
			"promptTokens":     out.Usage.PromptTokens,
			"completionTokens": out.Usage.CompletionTokens,
		},
	}, nil
}
