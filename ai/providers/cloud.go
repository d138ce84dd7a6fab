package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/aires/ai"
)

// CloudProvider implements the Gemini-style generative text API used as
// the cloud backend.
type CloudProvider struct{}

func init() {
	ai.RegisterProvider(&CloudProvider{})
}

// Name returns the provider identifier.
func (p *CloudProvider) Name() string { return "cloudHTTP" }

// BuildURL constructs the generateContent endpoint for a model.
func (p *CloudProvider) BuildURL(baseURL, model string) string {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent", baseURL, model)
}

// SetHeaders adds the API key header.
func (p *CloudProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		req.Header.Set("x-goog-api-key", apiKey)
	}
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

// BuildRequestBody creates the generateContent request body. The system
// message moves to systemInstruction; JSON output is always requested.
func (p *CloudProvider) BuildRequestBody(_ string, messages []ai.Message, temperature *float64, maxTokens int) ([]byte, error) {
	var system *geminiContent
	var contents []geminiContent

	for _, msg := range messages {
		if msg.Role == "system" {
			system = &geminiContent{Parts: []geminiPart{{Text: msg.Content}}}
			continue
		}
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content}},
		})
	}

	req := geminiRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig: &generationConfig{
			Temperature:      temperature,
			MaxOutputTokens:  maxTokens,
			ResponseMimeType: "application/json",
		},
	}
	return json.Marshal(req)
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// ParseResponse extracts text from a generateContent response.
func (p *CloudProvider) ParseResponse(body []byte, model string) (*ai.Response, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse cloud backend response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in cloud backend response")
	}

	var content strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		content.WriteString(part.Text)
	}

	respModel := resp.ModelVersion
	if respModel == "" {
		respModel = model
	}
	return &ai.Response{
		Content:      content.String(),
		Model:        respModel,
		PromptTokens: resp.UsageMetadata.PromptTokenCount,
		OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		FinishReason: resp.Candidates[0].FinishReason,
	}, nil
}
