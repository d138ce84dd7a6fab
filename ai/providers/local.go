// Package providers implements backend adapters for the AI client.
package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/aires/ai"
)

// LocalProvider implements the OpenAI-compatible chat completions API
// served by Ollama, vLLM, and similar local runtimes.
type LocalProvider struct{}

func init() {
	ai.RegisterProvider(&LocalProvider{})
}

// Name returns the provider identifier.
func (p *LocalProvider) Name() string { return "localHTTP" }

// BuildURL constructs the chat completions endpoint.
func (p *LocalProvider) BuildURL(baseURL, _ string) string {
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

// SetHeaders adds OpenAI-compatible headers.
func (p *LocalProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

type openAIRequest struct {
	Model          string           `json:"model"`
	Messages       []openAIMessage  `json:"messages"`
	Temperature    *float64         `json:"temperature,omitempty"`
	MaxTokens      *int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat  `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildRequestBody creates the OpenAI-compatible request body. JSON mode
// is always requested since every stage expects structured output.
func (p *LocalProvider) BuildRequestBody(model string, messages []ai.Message, temperature *float64, maxTokens int) ([]byte, error) {
	apiMessages := make([]openAIMessage, len(messages))
	for i, msg := range messages {
		apiMessages[i] = openAIMessage{Role: msg.Role, Content: msg.Content}
	}

	req := openAIRequest{
		Model:          model,
		Messages:       apiMessages,
		Temperature:    temperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	if maxTokens > 0 {
		req.MaxTokens = &maxTokens
	}
	return json.Marshal(req)
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// ParseResponse extracts content from an OpenAI-compatible response.
func (p *LocalProvider) ParseResponse(body []byte, model string) (*ai.Response, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse local backend response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in local backend response")
	}
	respModel := resp.Model
	if respModel == "" {
		respModel = model
	}
	return &ai.Response{
		Content:      resp.Choices[0].Message.Content,
		Model:        respModel,
		PromptTokens: resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		FinishReason: resp.Choices[0].FinishReason,
	}, nil
}
