package ai

import (
	"net/http"
	"sync"
)

// Message represents a chat message sent to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the normalized backend completion result.
type Response struct {
	Content      string
	Model        string
	PromptTokens int
	OutputTokens int
	FinishReason string
}

// Provider adapts one backend wire format.
type Provider interface {
	// Name returns the provider identifier matching config backend
	// kinds ("localHTTP", "cloudHTTP").
	Name() string

	// BuildURL constructs the full API endpoint URL for a model.
	BuildURL(baseURL, model string) string

	// SetHeaders adds provider-specific headers to the request.
	SetHeaders(req *http.Request)

	// BuildRequestBody creates the JSON request body.
	// temperature is nil to use the provider default.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error)

	// ParseResponse extracts the response from provider-specific JSON.
	ParseResponse(body []byte, model string) (*Response, error)
}

var (
	providerMu       sync.RWMutex
	providerRegistry = make(map[string]Provider)
)

// RegisterProvider adds a provider to the registry. Called from provider
// init functions.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name, nil when unknown.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}
