package llmutils

import (
	"net/http"

	"github.com/ghiac/questmind/model"
	"github.com/sashabaranov/go-openai"
)

// ThreadIDHeader lets the inference gateway group one conversation's
// plan, reflect and expense requests
const ThreadIDHeader = "X-Thread-ID"

// ThreadTransport tags every outgoing request whose context names a thread
type ThreadTransport struct {
	Base http.RoundTripper
}

func (t *ThreadTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if threadID, ok := model.GetThreadIDFromContext(req.Context()); ok {
		req = req.Clone(req.Context())
		req.Header.Set(ThreadIDHeader, threadID)
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// NewThreadHTTPClient copies base (or http.DefaultClient) with its transport
// wrapped in a ThreadTransport
func NewThreadHTTPClient(base *http.Client) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	client := *base
	client.Transport = &ThreadTransport{Base: base.Transport}
	return &client
}

// NewOpenAIClient builds a chat client for an OpenAI-compatible endpoint.
// An empty baseURL keeps the OpenAI default.
func NewOpenAIClient(apiKey string, baseURL string, httpClient *http.Client) *openai.Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	config.HTTPClient = NewThreadHTTPClient(httpClient)

	return openai.NewClientWithConfig(config)
}
